package commands

import (
	"fmt"

	"github.com/TimurManjosov/flageval/internal/cli"
	"github.com/TimurManjosov/flageval/internal/client"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	baseURL string
	apiKey  string
	env     string
	format  string
	quiet   bool
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "flagctl",
	Short: "CLI tool for managing feature flags",
	Long: `flagctl manages the features, segments and triggers of a flageval server
and evaluates flags for a user from the command line.

Examples:
  flagctl list --env prod
  flagctl create dark-mode --variation on=true --variation off=false --env prod
  flagctl enable dark-mode --env prod
  flagctl send dark-mode AddUserToVariation '{"id":"on","user":"alice"}' --env prod
  flagctl evaluate --user alice --attr country=DE --env prod
  flagctl export --env prod --output flags.yaml`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// newClient resolves the target server of the selected environment.
func newClient() (*client.Client, string, error) {
	envCfg, effectiveEnv, err := cli.GetEnvConfig(env, baseURL, apiKey)
	if err != nil {
		return nil, "", fmt.Errorf("configuration error: %w", err)
	}
	return client.NewClient(envCfg.BaseURL, envCfg.APIKey), effectiveEnv, nil
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Base URL of the flageval API")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "Environment namespace")
	rootCmd.PersistentFlags().StringVar(&format, "format", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")
}
