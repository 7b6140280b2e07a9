package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	staterail "github.com/stevebraown/StateRail"
	"github.com/stevebraown/StateRail/internal/logging"
)

// Run command flags
var (
	runVersion int
	runSet     []string
	runWait    bool
)

var runCmd = &cobra.Command{
	Use:   "run <definition-id>",
	Short: "Start a workflow run",
	Long: `Start a run of a published definition. Without --version the latest
version is used. Initial variables are given as key=value pairs whose values
are parsed as YAML scalars, so numbers and booleans keep their type.

With --wait the command also runs the engine in-process until the run
finishes and prints its final state; otherwise it prints the run id and a
separate "staterail serve" process drives the run.

Examples:
  staterail run order --set total=120 --set express=true
  staterail run order --version 2 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runVersion, "version", staterail.LatestVersion, "definition version (0 = latest)")
	runCmd.Flags().StringArrayVarP(&runSet, "set", "s", nil, "initial variable as key=value (repeatable)")
	runCmd.Flags().BoolVarP(&runWait, "wait", "w", false, "drive the run in-process and wait for it to finish")
}

func runRun(cmd *cobra.Command, args []string) error {
	vars, err := parseVars(runSet)
	if err != nil {
		return err
	}

	b, err := openBundle(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := cmd.Context()
	runID, err := b.Engine.StartRun(ctx, args[0], runVersion, vars)
	if err != nil {
		return err
	}
	logger := logging.WithRun(b.Logger, runID)
	logger.InfoContext(ctx, "run_submitted", slog.String("definition", args[0]))

	if !runWait {
		return printValue(cmd, map[string]string{"run_id": runID})
	}

	if err := b.Engine.Start(ctx); err != nil {
		return err
	}
	snap, err := b.Engine.WaitRun(ctx, runID)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "run_finished", slog.String("state", string(snap.State)))
	return printValue(cmd, snap)
}

// parseVars turns key=value pairs into an initial run context.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q: want key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		vars[key] = value
	}
	return vars, nil
}
