package command

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/TimurManjosov/flageval/internal/evaluation"
	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/validation"
	"github.com/google/uuid"
)

// FeatureCommand mutates an existing flag.
type FeatureCommand interface {
	Command
	applyFeature(c *featureContext, f *store.Flag) error
}

// featureContext gives commands read access to the rest of the environment.
type featureContext struct {
	ctx   context.Context
	store store.FlagStore
	env   string
	now   time.Time
	all   map[string]*store.Flag
}

// flags returns the non-deleted flags of the environment, loaded once.
func (c *featureContext) flags() (map[string]*store.Flag, error) {
	if c.all != nil {
		return c.all, nil
	}
	list, err := c.store.ListFlags(c.ctx, c.env)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	c.all = make(map[string]*store.Flag, len(list))
	for i := range list {
		c.all[list[i].ID] = &list[i]
	}
	return c.all, nil
}

// dependents lists the live, unarchived flags depending on id.
func (c *featureContext) dependents(id string) ([]string, error) {
	all, err := c.flags()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range all {
		if f.ID == id || f.Archived {
			continue
		}
		if slices.Contains(engine.Dependencies(f), id) {
			out = append(out, f.ID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// CreateFeature creates a disabled flag serving the variation at
// DefaultOnVariationIndex by default and DefaultOffVariationIndex when off.
type CreateFeature struct {
	ID                       string              `json:"id"`
	Name                     string              `json:"name"`
	Description              string              `json:"description"`
	VariationType            store.VariationType `json:"variationType"`
	Variations               []store.Variation   `json:"variations"`
	Tags                     []string            `json:"tags"`
	DefaultOnVariationIndex  int                 `json:"defaultOnVariationIndex"`
	DefaultOffVariationIndex int                 `json:"defaultOffVariationIndex"`
}

func (CreateFeature) CommandName() string { return "CreateFeature" }

func (c CreateFeature) build(env string, now time.Time) (store.Flag, error) {
	n := len(c.Variations)
	if c.DefaultOnVariationIndex < 0 || c.DefaultOnVariationIndex >= n ||
		c.DefaultOffVariationIndex < 0 || c.DefaultOffVariationIndex >= n {
		return store.Flag{}, invalid("default variation index out of range for %d variations", n)
	}
	variations := make([]store.Variation, n)
	for i, v := range c.Variations {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		variations[i] = v
	}
	return store.Flag{
		ID:                   c.ID,
		EnvironmentNamespace: env,
		Name:                 c.Name,
		Description:          c.Description,
		Version:              1,
		VariationType:        c.VariationType,
		Variations:           variations,
		DefaultStrategy:      rules.Fixed(variations[c.DefaultOnVariationIndex].ID),
		OffVariation:         variations[c.DefaultOffVariationIndex].ID,
		Tags:                 append([]string(nil), c.Tags...),
		SamplingSeed:         uuid.NewString(),
		CreatedAt:            now.Unix(),
		UpdatedAt:            now.Unix(),
	}, nil
}

// CreateFeature stores a new flag.
func (h *Handler) CreateFeature(ctx context.Context, env string, cmd CreateFeature) (_ *store.Flag, err error) {
	ctx, span := h.startSpan(ctx, cmd, env, cmd.ID)
	defer func() { endSpan(span, err) }()

	flag, err := cmd.build(env, h.now())
	if err == nil {
		err = validation.ValidateFlag(&flag).Err()
	}
	if err == nil {
		err = h.store.PutFlag(ctx, flag)
	}
	if err != nil {
		h.record(ctx, cmd, audit.ResourceTypeFeature, cmd.ID, env, 0, nil, cmd, err)
		return nil, fmt.Errorf("create feature %s: %w", cmd.ID, err)
	}
	h.record(ctx, cmd, audit.ResourceTypeFeature, flag.ID, env, int64(flag.Version), nil, flag, nil)
	h.refresh(ctx, env)
	return &flag, nil
}

// HandleFeature applies cmd to flag id. A command that changes nothing is
// not persisted and returns the current flag.
func (h *Handler) HandleFeature(ctx context.Context, env, id string, cmd FeatureCommand) (_ *store.Flag, err error) {
	ctx, span := h.startSpan(ctx, cmd, env, id)
	defer func() { endSpan(span, err) }()

	current, err := h.store.GetFlag(ctx, env, id)
	if err == nil && current.Deleted {
		err = store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("feature %s: %w", id, err)
	}

	fc := &featureContext{ctx: ctx, store: h.store, env: env, now: h.now()}
	next := current.Clone()
	if err = cmd.applyFeature(fc, &next); err == nil {
		if unchanged(current, &next) {
			return current, nil
		}
		next.Version = current.Version + 1
		next.UpdatedAt = fc.now.Unix()
		err = h.checkFeature(fc, current, &next)
	}
	if err == nil {
		err = h.store.PutFlag(ctx, next)
	}
	if err != nil {
		h.record(ctx, cmd, audit.ResourceTypeFeature, id, env, int64(current.Version), current, nil, err)
		return nil, fmt.Errorf("%s %s: %w", cmd.CommandName(), id, err)
	}

	h.record(ctx, cmd, audit.ResourceTypeFeature, id, env, int64(next.Version), current, &next, nil)
	if next.Deleted {
		h.deleteTriggers(ctx, env, id)
	}
	h.refresh(ctx, env)
	return &next, nil
}

// checkFeature validates next and rejects new dependencies that are unknown
// or would close a cycle.
func (h *Handler) checkFeature(c *featureContext, current, next *store.Flag) error {
	if err := validation.ValidateFlag(next).Err(); err != nil {
		return err
	}
	before := engine.Dependencies(current)
	for _, dep := range engine.Dependencies(next) {
		if slices.Contains(before, dep) {
			continue
		}
		all, err := c.flags()
		if err != nil {
			return err
		}
		if _, ok := all[dep]; !ok {
			return fmt.Errorf("dependency %s: %w", dep, store.ErrNotFound)
		}
		if evaluation.WouldCycle(all, next.ID, dep) {
			return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, next.ID, dep)
		}
	}
	return nil
}

func (h *Handler) deleteTriggers(ctx context.Context, env, featureID string) {
	triggers, err := h.store.ListTriggers(ctx, env, featureID)
	if err != nil {
		h.logger.Error().Err(err).Str("feature_id", featureID).Msg("failed to list triggers of deleted feature")
		return
	}
	for _, t := range triggers {
		if err := h.store.DeleteTrigger(ctx, t.ID); err != nil {
			h.logger.Error().Err(err).Str("trigger_id", t.ID).Msg("failed to delete trigger of deleted feature")
		}
	}
}

// SetFeatureEnabled enables or disables a flag. Used by flag triggers.
func (h *Handler) SetFeatureEnabled(ctx context.Context, env, featureID string, enabled bool) error {
	var cmd FeatureCommand = DisableFeature{}
	if enabled {
		cmd = EnableFeature{}
	}
	_, err := h.HandleFeature(ctx, env, featureID, cmd)
	return err
}

type EnableFeature struct{}

func (EnableFeature) CommandName() string { return "EnableFeature" }

func (EnableFeature) applyFeature(_ *featureContext, f *store.Flag) error {
	f.Enabled = true
	return nil
}

type DisableFeature struct{}

func (DisableFeature) CommandName() string { return "DisableFeature" }

func (DisableFeature) applyFeature(_ *featureContext, f *store.Flag) error {
	f.Enabled = false
	return nil
}

// ArchiveFeature archives a flag. Flags other live flags depend on cannot
// be archived.
type ArchiveFeature struct{}

func (ArchiveFeature) CommandName() string { return "ArchiveFeature" }

func (ArchiveFeature) applyFeature(c *featureContext, f *store.Flag) error {
	if f.Archived {
		return nil
	}
	deps, err := c.dependents(f.ID)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		return fmt.Errorf("%w: %v", ErrFeatureInUse, deps)
	}
	f.Archived = true
	return nil
}

type UnarchiveFeature struct{}

func (UnarchiveFeature) CommandName() string { return "UnarchiveFeature" }

func (UnarchiveFeature) applyFeature(_ *featureContext, f *store.Flag) error {
	f.Archived = false
	return nil
}

// DeleteFeature soft-deletes a flag and removes its triggers.
type DeleteFeature struct{}

func (DeleteFeature) CommandName() string { return "DeleteFeature" }

func (DeleteFeature) applyFeature(c *featureContext, f *store.Flag) error {
	deps, err := c.dependents(f.ID)
	if err != nil {
		return err
	}
	if len(deps) > 0 {
		return fmt.Errorf("%w: %v", ErrFeatureInUse, deps)
	}
	f.Deleted = true
	return nil
}

// AddUserToVariation targets User to variation ID, moving the user out of
// any other variation's target list.
type AddUserToVariation struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

func (AddUserToVariation) CommandName() string { return "AddUserToVariation" }

func (c AddUserToVariation) applyFeature(_ *featureContext, f *store.Flag) error {
	if c.User == "" {
		return invalid("user must not be empty")
	}
	if _, ok := f.FindVariation(c.ID); !ok {
		return fmt.Errorf("%w: %s", ErrVariationMissing, c.ID)
	}
	found := false
	for i := range f.Targets {
		t := &f.Targets[i]
		if t.Variation == c.ID {
			found = true
			if !slices.Contains(t.Users, c.User) {
				t.Users = append(t.Users, c.User)
			}
			continue
		}
		t.Users = slices.DeleteFunc(t.Users, func(u string) bool { return u == c.User })
	}
	if !found {
		f.Targets = append(f.Targets, store.Target{Variation: c.ID, Users: []string{c.User}})
	}
	return nil
}

type RemoveUserFromVariation struct {
	ID   string `json:"id"`
	User string `json:"user"`
}

func (RemoveUserFromVariation) CommandName() string { return "RemoveUserFromVariation" }

func (c RemoveUserFromVariation) applyFeature(_ *featureContext, f *store.Flag) error {
	for i := range f.Targets {
		if f.Targets[i].Variation == c.ID {
			f.Targets[i].Users = slices.DeleteFunc(f.Targets[i].Users, func(u string) bool { return u == c.User })
		}
	}
	return nil
}

// AddRule appends a rule. Rule and clause ids are generated when empty.
type AddRule struct {
	Rule rules.Rule `json:"rule"`
}

func (AddRule) CommandName() string { return "AddRule" }

func (c AddRule) applyFeature(_ *featureContext, f *store.Flag) error {
	r := c.Rule
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	for i := range f.Rules {
		if f.Rules[i].ID == r.ID {
			return invalid("rule %s already exists", r.ID)
		}
	}
	r.Clauses = withClauseIDs(r.Clauses)
	f.Rules = append(f.Rules, r)
	return nil
}

type DeleteRule struct {
	ID string `json:"id"`
}

func (DeleteRule) CommandName() string { return "DeleteRule" }

func (c DeleteRule) applyFeature(_ *featureContext, f *store.Flag) error {
	i := ruleIndex(f.Rules, c.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, c.ID)
	}
	f.Rules = slices.Delete(f.Rules, i, i+1)
	return nil
}

// ChangeRulesOrder reorders the rules. RuleIDs must name every rule exactly once.
type ChangeRulesOrder struct {
	RuleIDs []string `json:"ruleIds"`
}

func (ChangeRulesOrder) CommandName() string { return "ChangeRulesOrder" }

func (c ChangeRulesOrder) applyFeature(_ *featureContext, f *store.Flag) error {
	if len(c.RuleIDs) != len(f.Rules) {
		return invalid("expected %d rule ids, got %d", len(f.Rules), len(c.RuleIDs))
	}
	ordered := make([]rules.Rule, 0, len(f.Rules))
	seen := make(map[string]bool, len(c.RuleIDs))
	for _, id := range c.RuleIDs {
		i := ruleIndex(f.Rules, id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		if seen[id] {
			return invalid("rule %s listed twice", id)
		}
		seen[id] = true
		ordered = append(ordered, f.Rules[i])
	}
	f.Rules = ordered
	return nil
}

type ChangeRuleStrategy struct {
	RuleID   string         `json:"ruleId"`
	Strategy rules.Strategy `json:"strategy"`
}

func (ChangeRuleStrategy) CommandName() string { return "ChangeRuleStrategy" }

func (c ChangeRuleStrategy) applyFeature(_ *featureContext, f *store.Flag) error {
	i := ruleIndex(f.Rules, c.RuleID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, c.RuleID)
	}
	f.Rules[i].Strategy = c.Strategy
	return nil
}

type AddClause struct {
	RuleID string       `json:"ruleId"`
	Clause rules.Clause `json:"clause"`
}

func (AddClause) CommandName() string { return "AddClause" }

func (c AddClause) applyFeature(_ *featureContext, f *store.Flag) error {
	i := ruleIndex(f.Rules, c.RuleID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, c.RuleID)
	}
	f.Rules[i].Clauses = append(f.Rules[i].Clauses, withClauseIDs([]rules.Clause{c.Clause})...)
	return nil
}

type DeleteClause struct {
	RuleID string `json:"ruleId"`
	ID     string `json:"id"`
}

func (DeleteClause) CommandName() string { return "DeleteClause" }

func (c DeleteClause) applyFeature(_ *featureContext, f *store.Flag) error {
	i := ruleIndex(f.Rules, c.RuleID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, c.RuleID)
	}
	clauses := f.Rules[i].Clauses
	j := slices.IndexFunc(clauses, func(cl rules.Clause) bool { return cl.ID == c.ID })
	if j < 0 {
		return fmt.Errorf("%w: %s", ErrClauseNotFound, c.ID)
	}
	f.Rules[i].Clauses = slices.Delete(clauses, j, j+1)
	return nil
}

type ChangeDefaultStrategy struct {
	Strategy rules.Strategy `json:"strategy"`
}

func (ChangeDefaultStrategy) CommandName() string { return "ChangeDefaultStrategy" }

func (c ChangeDefaultStrategy) applyFeature(_ *featureContext, f *store.Flag) error {
	s := c.Strategy
	f.DefaultStrategy = &s
	return nil
}

type ChangeOffVariation struct {
	ID string `json:"id"`
}

func (ChangeOffVariation) CommandName() string { return "ChangeOffVariation" }

func (c ChangeOffVariation) applyFeature(_ *featureContext, f *store.Flag) error {
	if _, ok := f.FindVariation(c.ID); !ok {
		return fmt.Errorf("%w: %s", ErrVariationMissing, c.ID)
	}
	f.OffVariation = c.ID
	return nil
}

// AddVariation appends a variation. A rollout default strategy gains the
// new variation with weight 0.
type AddVariation struct {
	ID          string `json:"id"`
	Value       string `json:"value"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (AddVariation) CommandName() string { return "AddVariation" }

func (c AddVariation) applyFeature(_ *featureContext, f *store.Flag) error {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := f.FindVariation(id); ok {
		return invalid("variation %s already exists", id)
	}
	f.Variations = append(f.Variations, store.Variation{ID: id, Value: c.Value, Name: c.Name, Description: c.Description})
	if s := f.DefaultStrategy; s != nil && s.Type == rules.StrategyRollout && s.RolloutStrategy != nil {
		s.RolloutStrategy.Variations = append(s.RolloutStrategy.Variations, rules.WeightedVariation{Variation: id})
	}
	return nil
}

// RemoveVariation removes a variation nothing serves anymore. Zero-weight
// rollout entries and empty target lists of the variation are dropped with it.
type RemoveVariation struct {
	ID string `json:"id"`
}

func (RemoveVariation) CommandName() string { return "RemoveVariation" }

func (c RemoveVariation) applyFeature(fc *featureContext, f *store.Flag) error {
	i := slices.IndexFunc(f.Variations, func(v store.Variation) bool { return v.ID == c.ID })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrVariationMissing, c.ID)
	}
	if len(f.Variations) == 1 {
		return invalid("cannot remove the last variation")
	}
	if f.OffVariation == c.ID {
		return fmt.Errorf("%w: off variation", ErrVariationInUse)
	}
	if servedBy(f.DefaultStrategy, c.ID) {
		return fmt.Errorf("%w: default strategy", ErrVariationInUse)
	}
	for _, r := range f.Rules {
		if servedBy(&r.Strategy, c.ID) {
			return fmt.Errorf("%w: rule %s", ErrVariationInUse, r.ID)
		}
	}
	for _, t := range f.Targets {
		if t.Variation == c.ID && len(t.Users) > 0 {
			return fmt.Errorf("%w: targeted users", ErrVariationInUse)
		}
	}
	all, err := fc.flags()
	if err != nil {
		return err
	}
	for _, other := range all {
		for _, p := range other.Prerequisites {
			if p.FeatureID == f.ID && p.VariationID == c.ID {
				return fmt.Errorf("%w: prerequisite of %s", ErrVariationInUse, other.ID)
			}
		}
	}

	f.Variations = slices.Delete(f.Variations, i, i+1)
	f.Targets = slices.DeleteFunc(f.Targets, func(t store.Target) bool { return t.Variation == c.ID })
	dropZeroWeight(f.DefaultStrategy, c.ID)
	for j := range f.Rules {
		dropZeroWeight(&f.Rules[j].Strategy, c.ID)
	}
	return nil
}

type ChangeVariationValue struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

func (ChangeVariationValue) CommandName() string { return "ChangeVariationValue" }

func (c ChangeVariationValue) applyFeature(_ *featureContext, f *store.Flag) error {
	v, ok := f.FindVariation(c.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrVariationMissing, c.ID)
	}
	v.Value = c.Value
	return nil
}

// AddPrerequisite makes the flag depend on another flag resolving to a
// given variation.
type AddPrerequisite struct {
	Prerequisite store.Prerequisite `json:"prerequisite"`
}

func (AddPrerequisite) CommandName() string { return "AddPrerequisite" }

func (c AddPrerequisite) applyFeature(fc *featureContext, f *store.Flag) error {
	p := c.Prerequisite
	for _, existing := range f.Prerequisites {
		if existing.FeatureID == p.FeatureID {
			return invalid("prerequisite %s already exists", p.FeatureID)
		}
	}
	all, err := fc.flags()
	if err != nil {
		return err
	}
	target, ok := all[p.FeatureID]
	if !ok {
		return fmt.Errorf("prerequisite %s: %w", p.FeatureID, store.ErrNotFound)
	}
	if _, ok := target.FindVariation(p.VariationID); !ok {
		return fmt.Errorf("%w: %s in %s", ErrVariationMissing, p.VariationID, p.FeatureID)
	}
	if evaluation.WouldCycle(all, f.ID, p.FeatureID) {
		return fmt.Errorf("%w: %s -> %s: %w", ErrDependencyCycle, f.ID, p.FeatureID, evaluation.ErrCycleExists)
	}
	f.Prerequisites = append(f.Prerequisites, p)
	return nil
}

type RemovePrerequisite struct {
	FeatureID string `json:"featureId"`
}

func (RemovePrerequisite) CommandName() string { return "RemovePrerequisite" }

func (c RemovePrerequisite) applyFeature(_ *featureContext, f *store.Flag) error {
	f.Prerequisites = slices.DeleteFunc(f.Prerequisites, func(p store.Prerequisite) bool { return p.FeatureID == c.FeatureID })
	return nil
}

type AddTag struct {
	Tag string `json:"tag"`
}

func (AddTag) CommandName() string { return "AddTag" }

func (c AddTag) applyFeature(_ *featureContext, f *store.Flag) error {
	if !f.HasTag(c.Tag) {
		f.Tags = append(f.Tags, c.Tag)
	}
	return nil
}

type RemoveTag struct {
	Tag string `json:"tag"`
}

func (RemoveTag) CommandName() string { return "RemoveTag" }

func (c RemoveTag) applyFeature(_ *featureContext, f *store.Flag) error {
	f.Tags = slices.DeleteFunc(f.Tags, func(t string) bool { return t == c.Tag })
	return nil
}

// ResetSamplingSeed reshuffles every rollout bucket of the flag.
type ResetSamplingSeed struct{}

func (ResetSamplingSeed) CommandName() string { return "ResetSamplingSeed" }

func (ResetSamplingSeed) applyFeature(_ *featureContext, f *store.Flag) error {
	f.SamplingSeed = uuid.NewString()
	return nil
}

func ruleIndex(rs []rules.Rule, id string) int {
	return slices.IndexFunc(rs, func(r rules.Rule) bool { return r.ID == id })
}

func withClauseIDs(clauses []rules.Clause) []rules.Clause {
	out := make([]rules.Clause, len(clauses))
	for i, c := range clauses {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		out[i] = c
	}
	return out
}

// servedBy reports whether s can serve variation with a non-zero chance.
func servedBy(s *rules.Strategy, variation string) bool {
	if s == nil {
		return false
	}
	switch s.Type {
	case rules.StrategyFixed:
		return s.FixedStrategy != nil && s.FixedStrategy.Variation == variation
	case rules.StrategyRollout:
		if s.RolloutStrategy == nil {
			return false
		}
		for _, v := range s.RolloutStrategy.Variations {
			if v.Variation == variation && v.Weight > 0 {
				return true
			}
		}
	}
	return false
}

func dropZeroWeight(s *rules.Strategy, variation string) {
	if s == nil || s.RolloutStrategy == nil {
		return
	}
	s.RolloutStrategy.Variations = slices.DeleteFunc(s.RolloutStrategy.Variations, func(v rules.WeightedVariation) bool {
		return v.Variation == variation
	})
}
