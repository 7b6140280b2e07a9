package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run",
	Long: `Print the current state of a run: its workflow state, failure cause,
variables and every step with its attempts.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var historyCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Show the event history of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	b, err := openBundle(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	snap, err := b.Engine.GetRunState(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printValue(cmd, snap)
}

func runHistory(cmd *cobra.Command, args []string) error {
	b, err := openBundle(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	events, err := b.Engine.RunHistory(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printValue(cmd, events)
}
