package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished runs",
	Long: `Delete runs that reached a terminal state more than --older-than ago,
together with their history.

Examples:
  staterail purge --older-than 720h`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)

	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "minimum age of a finished run")
}

func runPurge(cmd *cobra.Command, args []string) error {
	if purgeOlderThan < 0 {
		return errors.New("--older-than must not be negative")
	}

	b, err := openBundle(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	n, err := b.Engine.PurgeRuns(cmd.Context(), time.Now().Add(-purgeOlderThan))
	if err != nil {
		return err
	}
	return printValue(cmd, map[string]int{"purged": n})
}
