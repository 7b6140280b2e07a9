package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	staterail "github.com/stevebraown/StateRail"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	configPath   string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "staterail",
	Short: "StateRail workflow engine",
	Long: `StateRail runs workflows described as graphs of steps with conditional
transitions, persisting every run so it survives restarts.

The backend, engine tuning and logging come from a TOML file (--config)
and STATERAIL_* environment variables, for example:

  STATERAIL_BACKEND=postgres STATERAIL_DSN=postgres://... staterail serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "staterail.toml", "configuration file (missing file uses defaults)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format (json, yaml)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("staterail {{.Version}}\n")
}

// openBundle opens the engine described by the configuration flags.
func openBundle(cmd *cobra.Command) (*staterail.Bundle, error) {
	return staterail.OpenBundle(cmd.Context(), configPath)
}

// printValue writes v to the command output in the selected format.
func printValue(cmd *cobra.Command, v any) error {
	out := cmd.OutOrStdout()
	switch strings.ToLower(outputFormat) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round trip through JSON so the yaml keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
