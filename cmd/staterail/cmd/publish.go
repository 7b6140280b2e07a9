package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevebraown/StateRail/internal/definition"
)

var publishCmd = &cobra.Command{
	Use:   "publish <definition.yaml>...",
	Short: "Publish workflow definitions",
	Long: `Validate and publish one or more workflow definition documents (YAML or
JSON). Each publish of an id creates a new immutable version.

Examples:
  staterail publish order.yaml
  staterail publish -o yaml flows/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	b, err := openBundle(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := cmd.Context()
	for _, path := range args {
		def, err := definition.ParseFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		ref, err := b.Engine.SubmitDefinition(ctx, def)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := printValue(cmd, ref); err != nil {
			return err
		}
	}
	return nil
}
