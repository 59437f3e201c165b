// Package evaluation evaluates every flag of an environment for one user and
// assembles the versioned bundle that clients cache and diff.
//
// Testing Guide:
//
// All functions are pure over an engine.Env: build one with engine.NewEnv
// from literal flags and segments and pass a fixed Options.Now so that
// evaluation timestamps and archive windows are deterministic.
//
// Edge Cases to Test:
//
//   - Archived flags: evaluated for dependency resolution, never returned
//   - Archived long ago: not listed in ArchivedFeatureIDs either
//   - Tag filter: only flags carrying the tag are returned
//   - Delta requests: no previous id, stale evaluatedAt and "nothing changed"
//     all fall back to a forced full evaluation
package evaluation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/user"
	"github.com/zeebo/xxh3"
)

const (
	// Clients whose evaluations are older than this receive a full bundle.
	reEvaluateAllAfter = 30 * 24 * time.Hour
	// Flags archived longer ago than this are dropped from ArchivedFeatureIDs.
	archivedRetention = 30 * 24 * time.Hour
	// Flags updated this close to the client's last evaluation are re-sent.
	updateAdjustment = 10 * time.Second
)

// UserEvaluations is the versioned evaluation bundle for one user.
type UserEvaluations struct {
	ID                 string              `json:"id"`
	Evaluations        []engine.Evaluation `json:"evaluations"`
	ArchivedFeatureIDs []string            `json:"archivedFeatureIds"`
	ForceUpdate        bool                `json:"forceUpdate"`
	CreatedAt          int64               `json:"createdAt"`
}

// Options narrows a batch evaluation.
type Options struct {
	Tag       string    // only flags carrying this tag are returned
	FeatureID string    // evaluate only this flag
	Now       time.Time // zero means time.Now()
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

// Previous describes what the client already holds.
type Previous struct {
	ID                    string
	EvaluatedAt           int64 // unix seconds
	UserAttributesUpdated bool
}

// EvaluateAll evaluates every flag in env for u.
//
// Preconditions:
//   - env may be nil (treated as an empty environment)
//   - u may be nil (treated as an anonymous user)
//
// Postconditions:
//   - Evaluations are sorted by feature id
//   - Archived flags are evaluated but only reported in ArchivedFeatureIDs
//   - ID changes whenever the user, its attributes or any flag version changes
//   - Returns ErrFeatureNotFound when opts.FeatureID names an unknown flag
//   - Returns the first broken-flag error unchanged (engine.ErrVariationNotFound,
//     engine.ErrDefaultStrategyNotFound); no partial bundle is returned
func EvaluateAll(u *user.User, env *engine.Env, opts Options) (*UserEvaluations, error) {
	if env == nil {
		env = &engine.Env{}
	}
	if u == nil {
		u = &user.User{}
	}
	all := sortedFlags(env.Flags)

	targets := all
	if opts.FeatureID != "" {
		f, ok := env.Flags[opts.FeatureID]
		if !ok || f.Deleted {
			return nil, fmt.Errorf("%s: %w", opts.FeatureID, ErrFeatureNotFound)
		}
		targets = []*store.Flag{f}
	}
	return evaluate(u, env, all, targets, false, opts)
}

// EvaluateDelta re-evaluates only what may have changed since prev.
//
// A full, forced evaluation is returned when prev has no id, when
// prev.EvaluatedAt is older than thirty days, or when no flag qualifies.
// Otherwise the flags updated after prev.EvaluatedAt (minus a small
// adjustment), plus every flag with rules when the user's attributes
// changed, are evaluated together with their dependency relatives.
func EvaluateDelta(u *user.User, env *engine.Env, prev Previous, opts Options) (*UserEvaluations, error) {
	if env == nil {
		env = &engine.Env{}
	}
	if u == nil {
		u = &user.User{}
	}
	now := opts.now()
	opts.Now = now
	all := sortedFlags(env.Flags)

	if prev.ID == "" || prev.EvaluatedAt < now.Add(-reEvaluateAllAfter).Unix() {
		return evaluate(u, env, all, all, true, opts)
	}

	adjusted := prev.EvaluatedAt - int64(updateAdjustment/time.Second)
	var updated []*store.Flag
	for _, f := range all {
		if f.UpdatedAt > adjusted || (prev.UserAttributesUpdated && len(f.Rules) > 0) {
			updated = append(updated, f)
		}
	}
	if len(updated) == 0 {
		return evaluate(u, env, all, all, true, opts)
	}

	related := Related(updated, env.Flags)
	targets := make([]*store.Flag, 0, len(related))
	for _, f := range all {
		if _, ok := related[f.ID]; ok {
			targets = append(targets, f)
		}
	}
	return evaluate(u, env, all, targets, false, opts)
}

func evaluate(u *user.User, env *engine.Env, all, targets []*store.Flag, forceUpdate bool, opts Options) (*UserEvaluations, error) {
	now := opts.now()
	ordered, err := SortTopologically(targets)
	if err != nil {
		// Edges into flags on a cycle are unmet, so id order still yields
		// the same result.
		ordered = targets
	}

	session := engine.NewSession(env, u, now)
	evaluations := make([]engine.Evaluation, 0, len(ordered))
	archivedIDs := make([]string, 0)
	for _, f := range ordered {
		eval, err := session.Evaluate(f)
		if err != nil {
			return nil, err
		}
		if f.Archived {
			if !f.ArchivedBefore(now, archivedRetention) {
				archivedIDs = append(archivedIDs, f.ID)
			}
			continue
		}
		if opts.Tag != "" && !f.HasTag(opts.Tag) {
			continue
		}
		evaluations = append(evaluations, eval)
	}

	sort.Slice(evaluations, func(i, j int) bool { return evaluations[i].FeatureID < evaluations[j].FeatureID })
	sort.Strings(archivedIDs)

	return &UserEvaluations{
		ID:                 UserEvaluationsID(u, all),
		Evaluations:        evaluations,
		ArchivedFeatureIDs: archivedIDs,
		ForceUpdate:        forceUpdate,
		CreatedAt:          now.Unix(),
	}, nil
}

// UserEvaluationsID is the version of an evaluation bundle. It hashes the
// user id, the user's attributes in key order and every flag id and version.
// Evaluation order and map iteration never change it.
func UserEvaluationsID(u *user.User, flags []*store.Flag) string {
	var b strings.Builder
	b.WriteString(u.ID)
	for _, k := range u.SortedKeys() {
		b.WriteByte('\x00')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(u.Data[k])
	}

	ids := make([]string, 0, len(flags))
	versions := make(map[string]int32, len(flags))
	for _, f := range flags {
		ids = append(ids, f.ID)
		versions[f.ID] = f.Version
	}
	sort.Strings(ids)
	for _, id := range ids {
		b.WriteByte('\x00')
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(int64(versions[id]), 10))
	}
	return strconv.FormatUint(xxh3.HashString(b.String()), 10)
}

func sortedFlags(flags map[string]*store.Flag) []*store.Flag {
	out := make([]*store.Flag, 0, len(flags))
	for _, f := range flags {
		if f.Deleted {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
