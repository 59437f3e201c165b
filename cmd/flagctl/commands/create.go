package commands

import (
	"fmt"
	"strings"

	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/spf13/cobra"
)

var (
	createName        string
	createDescription string
	createType        string
	createVariations  []string
	createTags        []string
	createDefaultOn   int
	createDefaultOff  int
	createEnabled     bool
)

var createCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a new feature flag",
	Long: `Create a new feature flag. Variations are given as id=value; the flag
serves the variation at --default-on when enabled and the one at
--default-off when disabled. New flags start disabled unless --enabled is set.

Examples:
  flagctl create dark-mode --env prod
  flagctl create checkout --type STRING --variation a=classic --variation b=express --tag web
  flagctl create limits --type JSON --variation low='{"max":10}' --variation high='{"max":100}' --enabled`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]

		variations, err := parseVariations(createVariations)
		if err != nil {
			return err
		}
		name := createName
		if name == "" {
			name = id
		}

		c, effectiveEnv, err := newClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		flag, err := c.CreateFeature(ctx, effectiveEnv, command.CreateFeature{
			ID:                       id,
			Name:                     name,
			Description:              createDescription,
			VariationType:            store.VariationType(strings.ToUpper(createType)),
			Variations:               variations,
			Tags:                     createTags,
			DefaultOnVariationIndex:  createDefaultOn,
			DefaultOffVariationIndex: createDefaultOff,
		})
		if err != nil {
			return fmt.Errorf("failed to create flag: %w", err)
		}
		if createEnabled {
			if flag, err = c.FeatureCommand(ctx, effectiveEnv, id, "EnableFeature", nil); err != nil {
				return fmt.Errorf("flag created but not enabled: %w", err)
			}
		}

		if !quiet {
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully created flag '%s' (version %d) in environment '%s'\n", id, flag.Version, effectiveEnv)
		}
		return nil
	},
}

// parseVariations turns id=value pairs into variations. Without pairs a
// boolean on/off pair is returned.
func parseVariations(pairs []string) ([]store.Variation, error) {
	if len(pairs) == 0 {
		return []store.Variation{
			{ID: "on", Value: "true", Name: "On"},
			{ID: "off", Value: "false", Name: "Off"},
		}, nil
	}
	out := make([]store.Variation, 0, len(pairs))
	for _, p := range pairs {
		id, value, ok := strings.Cut(p, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid variation %q, expected id=value", p)
		}
		out = append(out, store.Variation{ID: id, Value: value, Name: id})
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVar(&createName, "name", "", "Flag name (default: the id)")
	createCmd.Flags().StringVar(&createDescription, "description", "", "Flag description")
	createCmd.Flags().StringVar(&createType, "type", string(store.VariationBoolean), "Variation type (BOOLEAN, STRING, NUMBER, JSON)")
	createCmd.Flags().StringArrayVar(&createVariations, "variation", nil, "Variation as id=value, repeatable")
	createCmd.Flags().StringSliceVar(&createTags, "tag", nil, "Tags, repeatable")
	createCmd.Flags().IntVar(&createDefaultOn, "default-on", 0, "Index of the variation served when enabled")
	createCmd.Flags().IntVar(&createDefaultOff, "default-off", 1, "Index of the variation served when disabled")
	createCmd.Flags().BoolVar(&createEnabled, "enabled", false, "Enable the flag after creating it")
}
