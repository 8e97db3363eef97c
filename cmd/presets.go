package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List emotion presets",
	RunE:  runPresets,
}

func init() {
	rootCmd.AddCommand(presetsCmd)

	presetsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runPresets(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Presets.Presets)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMOTION\tDIALS")
	for _, name := range cfg.PresetNames() {
		dials := cfg.Presets.Presets[name]
		keys := make([]string, 0, len(dials))
		for k, v := range dials {
			if v != 0 {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%g", k, dials[k])
		}
		fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(parts, " "))
	}
	return w.Flush()
}
