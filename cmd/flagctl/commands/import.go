package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/TimurManjosov/flageval/internal/client"
	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	importDryRun bool
	importFrom   string
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import flags and segments from a file",
	Long: `Import flags and segments from a flag file (YAML or JSON, the layout
written by export) into the specified environment. Existing flags and
segments are skipped. Use --from to pick the file environment when it
differs from --env.

Examples:
  flagctl import flags.yaml --env staging
  flagctl import backup.json --env staging --from prod --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}

		var doc store.FileDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse file: %w", err)
		}

		c, effectiveEnv, err := newClient()
		if err != nil {
			return err
		}

		def, err := pickEnvironment(doc, importFrom, effectiveEnv)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if quiet {
			out = io.Discard
		}
		imp := &importer{client: c, env: effectiveEnv, dryRun: importDryRun, out: out}
		return imp.run(cmd.Context(), def)
	},
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show what would be imported without sending commands")
	importCmd.Flags().StringVar(&importFrom, "from", "", "Environment of the file to import (default: --env, or the only one)")
}

func pickEnvironment(doc store.FileDocument, from, target string) (store.FileEnvironment, error) {
	if from != "" {
		def, ok := doc.Environments[from]
		if !ok {
			return store.FileEnvironment{}, fmt.Errorf("environment %q not found in file", from)
		}
		return def, nil
	}
	if def, ok := doc.Environments[target]; ok {
		return def, nil
	}
	if len(doc.Environments) == 1 {
		for _, def := range doc.Environments {
			return def, nil
		}
	}
	names := make([]string, 0, len(doc.Environments))
	for name := range doc.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return store.FileEnvironment{}, fmt.Errorf("environment %q not found in file (have %v), use --from", target, names)
}

// importer replays flag file definitions as commands so the server validates
// and audits every change.
type importer struct {
	client *client.Client
	env    string
	dryRun bool
	out    io.Writer

	created, skipped int
}

func (imp *importer) run(ctx context.Context, def store.FileEnvironment) error {
	members := make(map[string][]store.SegmentUser)
	for _, u := range def.SegmentUsers {
		members[u.SegmentID] = append(members[u.SegmentID], u)
	}
	for _, seg := range def.Segments {
		if err := imp.importSegment(ctx, seg, members[seg.ID]); err != nil {
			return err
		}
	}

	// Prerequisites are added once every flag exists.
	var pending []store.Flag
	for _, f := range def.Flags {
		ok, err := imp.importFlag(ctx, f)
		if err != nil {
			return err
		}
		if ok && len(f.Prerequisites) > 0 {
			pending = append(pending, f)
		}
	}
	for _, f := range pending {
		for _, p := range f.Prerequisites {
			if err := imp.send(ctx, f.ID, command.AddPrerequisite{Prerequisite: p}); err != nil {
				return err
			}
		}
	}

	verb := "Imported"
	if imp.dryRun {
		verb = "Would import"
	}
	fmt.Fprintf(imp.out, "%s %d item(s), skipped %d existing\n", verb, imp.created, imp.skipped)
	return nil
}

func (imp *importer) importSegment(ctx context.Context, seg store.Segment, users []store.SegmentUser) error {
	if imp.dryRun {
		fmt.Fprintf(imp.out, "segment %s (%d user(s))\n", seg.ID, len(users))
		imp.created++
		return nil
	}
	_, err := imp.client.CreateSegment(ctx, imp.env, command.CreateSegment{ID: seg.ID, Name: seg.Name, Description: seg.Description})
	if client.IsConflict(err) {
		fmt.Fprintf(imp.out, "segment %s exists, skipped\n", seg.ID)
		imp.skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create segment %s: %w", seg.ID, err)
	}

	byState := make(map[store.SegmentUserState][]string)
	for _, u := range users {
		byState[u.State] = append(byState[u.State], u.UserID)
	}
	for _, state := range []store.SegmentUserState{store.SegmentUserIncluded, store.SegmentUserExcluded} {
		if len(byState[state]) == 0 {
			continue
		}
		add := command.AddSegmentUser{UserIDs: byState[state], State: state}
		if _, err := imp.client.SegmentCommand(ctx, imp.env, seg.ID, add.CommandName(), add); err != nil {
			return fmt.Errorf("failed to add users to segment %s: %w", seg.ID, err)
		}
	}
	fmt.Fprintf(imp.out, "segment %s created\n", seg.ID)
	imp.created++
	return nil
}

// importFlag creates f and replays its targets, rules and state. It reports
// whether the flag was created.
func (imp *importer) importFlag(ctx context.Context, f store.Flag) (bool, error) {
	create := command.CreateFeature{
		ID:            f.ID,
		Name:          f.Name,
		Description:   f.Description,
		VariationType: f.VariationType,
		Variations:    f.Variations,
		Tags:          f.Tags,
	}
	for i, v := range f.Variations {
		if f.DefaultStrategy != nil && f.DefaultStrategy.Type == rules.StrategyFixed &&
			f.DefaultStrategy.FixedStrategy != nil && f.DefaultStrategy.FixedStrategy.Variation == v.ID {
			create.DefaultOnVariationIndex = i
		}
		if v.ID == f.OffVariation {
			create.DefaultOffVariationIndex = i
		}
	}

	if imp.dryRun {
		fmt.Fprintf(imp.out, "feature %s (%d variation(s), %d rule(s), enabled=%t)\n", f.ID, len(f.Variations), len(f.Rules), f.Enabled)
		imp.created++
		return false, nil
	}

	_, err := imp.client.CreateFeature(ctx, imp.env, create)
	if client.IsConflict(err) {
		fmt.Fprintf(imp.out, "feature %s exists, skipped\n", f.ID)
		imp.skipped++
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create feature %s: %w", f.ID, err)
	}

	var followUps []command.FeatureCommand
	if f.DefaultStrategy != nil && f.DefaultStrategy.Type == rules.StrategyRollout {
		followUps = append(followUps, command.ChangeDefaultStrategy{Strategy: *f.DefaultStrategy})
	}
	for _, t := range f.Targets {
		for _, u := range t.Users {
			followUps = append(followUps, command.AddUserToVariation{ID: t.Variation, User: u})
		}
	}
	for _, r := range f.Rules {
		followUps = append(followUps, command.AddRule{Rule: r})
	}
	if f.Enabled {
		followUps = append(followUps, command.EnableFeature{})
	}
	if f.Archived {
		followUps = append(followUps, command.ArchiveFeature{})
	}
	for _, c := range followUps {
		if err := imp.send(ctx, f.ID, c); err != nil {
			return true, err
		}
	}

	fmt.Fprintf(imp.out, "feature %s created\n", f.ID)
	imp.created++
	return true, nil
}

func (imp *importer) send(ctx context.Context, id string, c command.FeatureCommand) error {
	if _, err := imp.client.FeatureCommand(ctx, imp.env, id, c.CommandName(), c); err != nil {
		return fmt.Errorf("failed to apply %s to %s: %w", c.CommandName(), id, err)
	}
	return nil
}
