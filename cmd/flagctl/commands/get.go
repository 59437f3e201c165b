package commands

import (
	"fmt"

	"github.com/TimurManjosov/flageval/internal/cli"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get a feature flag",
	Long: `Get details of a specific feature flag.

Examples:
  flagctl get dark-mode --env prod
  flagctl get dark-mode --env prod --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, effectiveEnv, err := newClient()
		if err != nil {
			return err
		}

		flag, err := c.GetFeature(cmd.Context(), effectiveEnv, args[0])
		if err != nil {
			return fmt.Errorf("failed to get flag: %w", err)
		}

		if !quiet {
			return cli.PrintFlag(cmd.OutOrStdout(), flag, cli.OutputFormat(format))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
