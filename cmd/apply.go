package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/facepoke/internal/config"
	"github.com/kozaktomas/facepoke/internal/engine"
	"github.com/kozaktomas/facepoke/internal/expression"
)

var applyCmd = &cobra.Command{
	Use:   "apply <image> [image...]",
	Short: "Apply an expression to portrait images",
	Long: `Preprocess each image and render it once with the given dials.

Examples:
  # Apply a preset
  facepoke apply face.jpg --emotion happy

  # Tweak individual dials on top of a preset
  facepoke apply face.jpg --emotion surprised --param rotate_yaw=10 --param wink=5

  # Several images, written next to each other
  facepoke apply a.jpg b.png --param smile=1 --out-dir ./out

  # Offline run with the built-in synthetic model
  facepoke apply face.jpg --param smile=1 --backend synthetic`,
	Args: cobra.MinimumNArgs(1),
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().String("emotion", "", "Preset to start from (see 'facepoke presets')")
	applyCmd.Flags().StringSlice("param", nil, "Dial value as name=value, repeatable")
	applyCmd.Flags().String("out-dir", ".", "Directory for rendered images")
	applyCmd.Flags().Bool("json", false, "Print results as JSON")
	applyCmd.Flags().Int("concurrency", 2, "Number of images processed in parallel")
}

// applyResult is reported for each input image.
type applyResult struct {
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// buildParams merges a preset with name=value overrides.
func buildParams(cfg *config.Config, emotion string, overrides []string) (expression.Params, error) {
	params := expression.Params{}
	if emotion != "" {
		preset, ok := cfg.Preset(emotion)
		if !ok {
			return nil, fmt.Errorf("unknown emotion %q, valid emotions: %s", emotion, strings.Join(cfg.PresetNames(), ", "))
		}
		params = preset
	}
	for _, kv := range overrides {
		name, value, ok := strings.Cut(kv, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q, want name=value", kv)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", name, err)
		}
		params[name] = v
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

func outputPath(dir, input, format string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(dir, base+"_facepoke."+format)
}

// newApplyProgress reports finished images on w. A nil w hides the bar.
func newApplyProgress(total int, w io.Writer) *progressbar.ProgressBar {
	if w == nil {
		return progressbar.NewOptions(total, progressbar.OptionSetVisibility(false))
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Rendering"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)
	emotion := mustGetString(cmd, "emotion")
	outDir := mustGetString(cmd, "out-dir")
	jsonOutput := mustGetBool(cmd, "json")
	concurrency := mustGetInt(cmd, "concurrency")

	params, err := buildParams(cfg, emotion, mustGetStringSlice(cmd, "param"))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	ctx := cmd.Context()
	eng, logger, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer eng.Close()

	var barOut io.Writer = os.Stderr
	if jsonOutput {
		barOut = nil
	}
	bar := newApplyProgress(len(args), barOut)

	results := make([]applyResult, len(args))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for i, input := range args {
		g.Go(func() error {
			results[i] = applyOne(gctx, eng, input, outDir, cfg.Output.Format, params)
			bar.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	bar.Finish()

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Error != "" {
				fmt.Printf("%s: error: %s\n", r.Input, r.Error)
				continue
			}
			fmt.Printf("%s -> %s\n", r.Input, r.Output)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(args))
	}
	return nil
}

func applyOne(ctx context.Context, eng *engine.Engine, input, outDir, format string, params expression.Params) applyResult {
	res := applyResult{Input: input}

	data, err := os.ReadFile(input)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	up, out, err := eng.Apply(ctx, data, params)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.ID = up.ID

	path := outputPath(outDir, input, format)
	if err := os.WriteFile(path, out.Data, 0o644); err != nil {
		res.Error = fmt.Sprintf("failed to write %s: %v", path, err)
		return res
	}
	res.Output = path
	return res
}
