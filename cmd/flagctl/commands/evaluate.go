package commands

import (
	"fmt"
	"strings"

	"github.com/TimurManjosov/flageval/internal/api"
	"github.com/TimurManjosov/flageval/internal/cli"
	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/spf13/cobra"
)

var (
	evalUser    string
	evalAttrs   []string
	evalTag     string
	evalFeature string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate flags for a user",
	Long: `Evaluate the flags of the specified environment for a user, the way an
SDK would. Needs a client or admin key.

Examples:
  flagctl evaluate --user alice --env prod
  flagctl evaluate --user bob --attr country=DE --attr plan=pro --tag web
  flagctl evaluate --user bob --feature dark-mode --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data := make(map[string]string, len(evalAttrs))
		for _, a := range evalAttrs {
			k, v, ok := strings.Cut(a, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid attribute %q, expected key=value", a)
			}
			data[k] = v
		}

		c, effectiveEnv, err := newClient()
		if err != nil {
			return err
		}

		resp, err := c.Evaluate(cmd.Context(), effectiveEnv, api.EvaluationRequest{
			User:      &api.EvaluationUserDTO{ID: evalUser, Data: data},
			Tag:       evalTag,
			FeatureID: evalFeature,
		})
		if err != nil {
			return fmt.Errorf("failed to evaluate: %w", err)
		}

		if quiet {
			return nil
		}
		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "userEvaluationsId=%s etag=%s\n", resp.UserEvaluationsID, resp.ETag)
		}
		var evals []engine.Evaluation
		if resp.Evaluations != nil {
			evals = resp.Evaluations.Evaluations
		}
		return cli.PrintEvaluations(cmd.OutOrStdout(), evals, cli.OutputFormat(format))
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVar(&evalUser, "user", "", "User id")
	evaluateCmd.Flags().StringArrayVar(&evalAttrs, "attr", nil, "User attribute as key=value, repeatable")
	evaluateCmd.Flags().StringVar(&evalTag, "tag", "", "Evaluate only flags carrying this tag")
	evaluateCmd.Flags().StringVar(&evalFeature, "feature", "", "Evaluate a single flag")
	_ = evaluateCmd.MarkFlagRequired("user")
}
