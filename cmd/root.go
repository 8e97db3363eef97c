package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/facepoke/internal/config"
	"github.com/kozaktomas/facepoke/internal/engine"
	"github.com/kozaktomas/facepoke/internal/logging"
	"github.com/kozaktomas/facepoke/internal/metrics"
	"github.com/kozaktomas/facepoke/internal/neural"
	"github.com/kozaktomas/facepoke/internal/neural/synthetic"
)

var rootCmd = &cobra.Command{
	Use:   "facepoke",
	Short: "Re-pose and re-express faces in portrait photos",
	Long: `FacePoke edits the head pose and facial expression of a portrait.
An uploaded image is preprocessed once into a cached session; each edit
maps a set of dials (smile, wink, rotate_yaw, ...) to target keypoints and
renders the portrait through the configured face model.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().String("backend", "", "Face model backend: http or synthetic (overrides NEURAL_BACKEND)")
	rootCmd.PersistentFlags().String("neural-url", "", "Inference sidecar URL (overrides NEURAL_URL)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: json or console (overrides LOG_FORMAT)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig reads the environment and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.Load()
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		cfg.Neural.Backend = v
	}
	if v, _ := cmd.Flags().GetString("neural-url"); v != "" {
		cfg.Neural.URL = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	return cfg
}

// newModule selects the face model backend.
func newModule(cfg *config.Config) (neural.Module, error) {
	switch cfg.Neural.Backend {
	case "", "http":
		return neural.NewClient(cfg.Neural.URL, cfg.Neural.Timeout), nil
	case "synthetic":
		return synthetic.New(cfg.Pipeline.CropSize), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (want http or synthetic)", cfg.Neural.Backend)
	}
}

// newEngine builds the logger, the model backend and the engine.
func newEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, *zap.Logger, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}

	module, err := newModule(cfg)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(ctx, cfg, module,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics.New()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize engine (backend %s): %w", cfg.Neural.Backend, err)
	}
	return eng, logger, nil
}
