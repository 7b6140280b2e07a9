package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine workers until interrupted",
	Long: `Recover runs left unfinished by a previous process, then drive runs from
the configured backend until SIGINT or SIGTERM. Several serve processes may
share one durable backend: a step another process is executing stays with it
while that process renews its lease, and is retried here only once the lease
(engine.lease_ttl) has expired.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBundle(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	if _, err := b.Engine.Recover(ctx); err != nil {
		return err
	}
	if err := b.Engine.Start(ctx); err != nil {
		return err
	}
	b.Logger.InfoContext(ctx, "serving", slog.String("config", configPath))

	<-ctx.Done()
	b.Logger.Info("shutting_down")
	return nil
}
