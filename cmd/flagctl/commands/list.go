package commands

import (
	"fmt"

	"github.com/TimurManjosov/flageval/internal/cli"
	"github.com/spf13/cobra"
)

var (
	listEnabledOnly bool
	listTag         string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all feature flags",
	Long: `List all feature flags in the specified environment.

Examples:
  flagctl list --env prod
  flagctl list --env prod --format json
  flagctl list --env prod --enabled-only --tag web`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, effectiveEnv, err := newClient()
		if err != nil {
			return err
		}

		flags, err := c.ListFeatures(cmd.Context(), effectiveEnv)
		if err != nil {
			return fmt.Errorf("failed to list flags: %w", err)
		}

		filtered := flags[:0]
		for _, f := range flags {
			if listEnabledOnly && !f.Enabled {
				continue
			}
			if listTag != "" && !f.HasTag(listTag) {
				continue
			}
			filtered = append(filtered, f)
		}
		flags = filtered

		if quiet {
			return nil
		}
		if len(flags) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No flags found")
			return nil
		}
		return cli.PrintFlags(cmd.OutOrStdout(), flags, cli.OutputFormat(format))
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolVar(&listEnabledOnly, "enabled-only", false, "Show only enabled flags")
	listCmd.Flags().StringVar(&listTag, "tag", "", "Show only flags carrying this tag")
}
