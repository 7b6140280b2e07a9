package cmd

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>...",
	Short: "Cancel runs",
	Long: `Cancel one or more runs. Cancelling a run that already finished is a
no-op; queued steps are skipped and an in-flight step is abandoned.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	b, err := openBundle(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := cmd.Context()
	for _, runID := range args {
		if err := b.Engine.CancelRun(ctx, runID); err != nil {
			return err
		}
		snap, err := b.Engine.GetRunState(ctx, runID)
		if err != nil {
			return err
		}
		if err := printValue(cmd, map[string]string{"run_id": runID, "state": string(snap.State)}); err != nil {
			return err
		}
	}
	return nil
}
