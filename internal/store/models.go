package store

import (
	"time"

	"github.com/TimurManjosov/flageval/internal/rules"
)

// VariationType is the value type shared by all variations of a flag.
type VariationType string

const (
	VariationString  VariationType = "STRING"
	VariationBoolean VariationType = "BOOLEAN"
	VariationNumber  VariationType = "NUMBER"
	VariationJSON    VariationType = "JSON"
)

// Variation is one of the values a flag can resolve to.
type Variation struct {
	ID          string `json:"id" yaml:"id"`
	Value       string `json:"value" yaml:"value"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Target pins explicit users to a variation.
type Target struct {
	Variation string   `json:"variation" yaml:"variation"`
	Users     []string `json:"users" yaml:"users"`
}

// Prerequisite requires another flag to resolve to a given variation.
type Prerequisite struct {
	FeatureID   string `json:"featureId" yaml:"featureId"`
	VariationID string `json:"variationId" yaml:"variationId"`
}

// Flag is one immutable version of a feature flag.
// Rule order is significant; the first matching rule wins.
type Flag struct {
	ID                   string          `json:"id" yaml:"id"`
	EnvironmentNamespace string          `json:"environmentNamespace" yaml:"environmentNamespace"`
	Name                 string          `json:"name" yaml:"name"`
	Description          string          `json:"description,omitempty" yaml:"description,omitempty"`
	Version              int32           `json:"version" yaml:"version"`
	Enabled              bool            `json:"enabled" yaml:"enabled"`
	Archived             bool            `json:"archived,omitempty" yaml:"archived,omitempty"`
	Deleted              bool            `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	VariationType        VariationType   `json:"variationType" yaml:"variationType"`
	Variations           []Variation     `json:"variations" yaml:"variations"`
	Targets              []Target        `json:"targets,omitempty" yaml:"targets,omitempty"`
	Rules                []rules.Rule    `json:"rules,omitempty" yaml:"rules,omitempty"`
	DefaultStrategy      *rules.Strategy `json:"defaultStrategy,omitempty" yaml:"defaultStrategy,omitempty"`
	OffVariation         string          `json:"offVariation,omitempty" yaml:"offVariation,omitempty"`
	Prerequisites        []Prerequisite  `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	Tags                 []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	SamplingSeed         string          `json:"samplingSeed,omitempty" yaml:"samplingSeed,omitempty"`
	CreatedAt            int64           `json:"createdAt" yaml:"createdAt"`
	UpdatedAt            int64           `json:"updatedAt" yaml:"updatedAt"`
}

// FindVariation returns the variation with the given id.
func (f *Flag) FindVariation(id string) (*Variation, bool) {
	for i := range f.Variations {
		if f.Variations[i].ID == id {
			return &f.Variations[i], true
		}
	}
	return nil, false
}

// VariationIDs lists the flag's variation ids in declaration order.
func (f *Flag) VariationIDs() []string {
	ids := make([]string, 0, len(f.Variations))
	for _, v := range f.Variations {
		ids = append(ids, v.ID)
	}
	return ids
}

// HasTag reports whether the flag carries tag.
func (f *Flag) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SegmentIDs returns the distinct segment ids referenced by the flag's rules.
func (f *Flag) SegmentIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for i := range f.Rules {
		for _, id := range f.Rules[i].SegmentIDs() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// ArchivedBefore reports whether the flag is archived and its last update is
// older than now minus d.
func (f *Flag) ArchivedBefore(now time.Time, d time.Duration) bool {
	return f.Archived && f.UpdatedAt < now.Add(-d).Unix()
}

// Clone returns a deep copy safe to mutate.
func (f *Flag) Clone() Flag {
	c := *f
	c.Variations = append([]Variation(nil), f.Variations...)
	c.Tags = append([]string(nil), f.Tags...)
	c.Prerequisites = append([]Prerequisite(nil), f.Prerequisites...)
	if f.Targets != nil {
		c.Targets = make([]Target, len(f.Targets))
		for i, t := range f.Targets {
			c.Targets[i] = Target{Variation: t.Variation, Users: append([]string(nil), t.Users...)}
		}
	}
	if f.Rules != nil {
		c.Rules = make([]rules.Rule, len(f.Rules))
		for i := range f.Rules {
			c.Rules[i] = cloneRule(f.Rules[i])
		}
	}
	c.DefaultStrategy = cloneStrategy(f.DefaultStrategy)
	return c
}

// SegmentStatus tracks the bulk upload lifecycle of a segment.
type SegmentStatus string

const (
	SegmentInitial   SegmentStatus = "INITIAL"
	SegmentUploading SegmentStatus = "UPLOADING"
	SegmentSucceeded SegmentStatus = "SUCCEEDED"
	SegmentFailed    SegmentStatus = "FAILED"
)

// Segment is a named set of users: explicit include and exclude lists held as
// SegmentUser rows, plus optional rules.
type Segment struct {
	ID                   string        `json:"id" yaml:"id"`
	EnvironmentNamespace string        `json:"environmentNamespace" yaml:"environmentNamespace"`
	Name                 string        `json:"name" yaml:"name"`
	Description          string        `json:"description,omitempty" yaml:"description,omitempty"`
	Rules                []rules.Rule  `json:"rules,omitempty" yaml:"rules,omitempty"`
	Version              int64         `json:"version" yaml:"version"`
	Deleted              bool          `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	IncludedUserCount    int64         `json:"includedUserCount" yaml:"includedUserCount"`
	ExcludedUserCount    int64         `json:"excludedUserCount" yaml:"excludedUserCount"`
	Status               SegmentStatus `json:"status" yaml:"status"`
	IsInUseStatus        bool          `json:"isInUseStatus" yaml:"isInUseStatus"`
	CreatedAt            int64         `json:"createdAt" yaml:"createdAt"`
	UpdatedAt            int64         `json:"updatedAt" yaml:"updatedAt"`
}

// Clone returns a deep copy safe to mutate.
func (s *Segment) Clone() Segment {
	c := *s
	if s.Rules != nil {
		c.Rules = make([]rules.Rule, len(s.Rules))
		for i := range s.Rules {
			c.Rules[i] = cloneRule(s.Rules[i])
		}
	}
	return c
}

// SegmentUserState marks a segment user row as an inclusion or an exclusion.
type SegmentUserState string

const (
	SegmentUserIncluded SegmentUserState = "INCLUDED"
	SegmentUserExcluded SegmentUserState = "EXCLUDED"
)

// SegmentUser is one explicit membership row.
type SegmentUser struct {
	ID                   string           `json:"id" yaml:"id"`
	EnvironmentNamespace string           `json:"environmentNamespace" yaml:"environmentNamespace"`
	SegmentID            string           `json:"segmentId" yaml:"segmentId"`
	UserID               string           `json:"userId" yaml:"userId"`
	State                SegmentUserState `json:"state" yaml:"state"`
	Deleted              bool             `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

// TriggerType is the delivery mechanism of a flag trigger.
type TriggerType string

const TriggerTypeWebhook TriggerType = "WEBHOOK"

// TriggerAction is what a trigger does to its flag.
type TriggerAction string

const (
	TriggerActionOn  TriggerAction = "ON"
	TriggerActionOff TriggerAction = "OFF"
)

// FlagTrigger flips a flag on or off when its webhook is called with a
// valid token. Only the bcrypt hash of the token is persisted.
type FlagTrigger struct {
	ID                   string        `json:"id"`
	FeatureID            string        `json:"featureId"`
	EnvironmentNamespace string        `json:"environmentNamespace"`
	Type                 TriggerType   `json:"type"`
	Action               TriggerAction `json:"action"`
	Description          string        `json:"description,omitempty"`
	TriggerCount         int32         `json:"triggerCount"`
	LastTriggeredAt      int64         `json:"lastTriggeredAt,omitempty"`
	TokenHash            string        `json:"-"`
	Disabled             bool          `json:"disabled"`
	Deleted              bool          `json:"deleted,omitempty"`
	CreatedAt            int64         `json:"createdAt"`
	UpdatedAt            int64         `json:"updatedAt"`
}

func cloneRule(r rules.Rule) rules.Rule {
	c := r
	c.Strategy = *cloneStrategy(&r.Strategy)
	c.Clauses = make([]rules.Clause, len(r.Clauses))
	for i, cl := range r.Clauses {
		cl.Values = append([]string(nil), cl.Values...)
		c.Clauses[i] = cl
	}
	return c
}

func cloneStrategy(s *rules.Strategy) *rules.Strategy {
	if s == nil {
		return nil
	}
	c := *s
	if s.FixedStrategy != nil {
		fs := *s.FixedStrategy
		c.FixedStrategy = &fs
	}
	if s.RolloutStrategy != nil {
		c.RolloutStrategy = &rules.RolloutStrategy{
			Variations: append([]rules.WeightedVariation(nil), s.RolloutStrategy.Variations...),
		}
	}
	return &c
}
