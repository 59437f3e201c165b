package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/TimurManjosov/flageval/internal/cli"
	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/spf13/cobra"
)

var deleteForce bool

var sendCmd = &cobra.Command{
	Use:   "send <id> <command> [payload]",
	Short: "Send a command to a feature flag",
	Long: `Send a named command with an optional JSON payload to a feature flag and
print the resulting flag.

Examples:
  flagctl send dark-mode AddUserToVariation '{"id":"on","user":"alice"}' --env prod
  flagctl send dark-mode AddTag '{"tag":"web"}' --env prod
  flagctl send dark-mode ChangeOffVariation '{"id":"off"}' --env prod`,
	Args: cobra.RangeArgs(2, 3),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 1 {
			return command.FeatureCommandNames(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if len(args) == 3 {
			raw := json.RawMessage(args[2])
			if !json.Valid(raw) {
				return fmt.Errorf("invalid payload JSON: %s", args[2])
			}
			payload = raw
		}
		return sendFeatureCommand(cmd, args[0], args[1], payload)
	},
}

// switchCommand returns a subcommand sending name without payload.
func switchCommand(use, short, name string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendFeatureCommand(cmd, args[0], name, nil)
		},
	}
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a feature flag",
	Long: `Delete a feature flag from the specified environment. Flags other flags
depend on cannot be deleted.

Examples:
  flagctl delete dark-mode --env prod
  flagctl delete dark-mode --env prod --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		// Confirm deletion unless --force
		if !deleteForce && !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Are you sure you want to delete flag '%s'? (y/N): ", id)
			reader := bufio.NewReader(cmd.InOrStdin())
			response, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read confirmation: %w", err)
			}
			response = strings.ToLower(strings.TrimSpace(response))
			if response != "y" && response != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "Deletion cancelled")
				return nil
			}
		}

		return sendFeatureCommand(cmd, id, "DeleteFeature", nil)
	},
}

func sendFeatureCommand(cmd *cobra.Command, id, name string, payload any) error {
	c, effectiveEnv, err := newClient()
	if err != nil {
		return err
	}

	flag, err := c.FeatureCommand(cmd.Context(), effectiveEnv, id, name, payload)
	if err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}

	if quiet {
		return nil
	}
	if verbose {
		return cli.PrintFlag(cmd.OutOrStdout(), flag, cli.OutputFormat(format))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s applied to '%s' (version %d)\n", name, id, flag.Version)
	return nil
}

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(switchCommand("enable", "Enable a feature flag", "EnableFeature"))
	rootCmd.AddCommand(switchCommand("disable", "Disable a feature flag", "DisableFeature"))
	rootCmd.AddCommand(switchCommand("archive", "Archive a feature flag", "ArchiveFeature"))
	rootCmd.AddCommand(switchCommand("unarchive", "Unarchive a feature flag", "UnarchiveFeature"))
	rootCmd.AddCommand(deleteCmd)

	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "Skip confirmation prompt")
}
