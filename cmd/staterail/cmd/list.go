package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	staterail "github.com/stevebraown/StateRail"
)

// List command flags
var (
	listDefinition string
	listState      string
	listLimit      int
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List runs",
	Long: `List runs, optionally filtered by definition id and state.

Examples:
  staterail list
  staterail list --definition order --state failed
  staterail list --limit 10`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listDefinition, "definition", "d", "", "only runs of this definition id")
	listCmd.Flags().StringVar(&listState, "state", "", "only runs in this state (pending, running, completed, failed, cancelled)")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "maximum number of runs (0 = all)")
}

func runList(cmd *cobra.Command, args []string) error {
	filter := staterail.RunFilter{DefinitionID: listDefinition, Limit: listLimit}
	if listState != "" {
		state, err := parseState(listState)
		if err != nil {
			return err
		}
		filter.State = state
	}

	b, err := openBundle(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	runs, err := b.Engine.ListRuns(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*staterail.RunSnapshot{}
	}
	return printValue(cmd, runs)
}

func parseState(s string) (staterail.WorkflowState, error) {
	state := staterail.WorkflowState(strings.ToUpper(strings.TrimSpace(s)))
	switch state {
	case staterail.StatePending, staterail.StateRunning, staterail.StateCompleted,
		staterail.StateFailed, staterail.StateCancelled:
		return state, nil
	default:
		return "", fmt.Errorf("unknown run state %q", s)
	}
}
