// Package testutil builds flags and segments for tests and seeds stores
// with them.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/store"
)

// FlagOption customizes a flag built by BoolFlag.
type FlagOption func(*store.Flag)

// Enabled switches the flag on.
func Enabled() FlagOption {
	return func(f *store.Flag) { f.Enabled = true }
}

// Archived marks the flag archived.
func Archived() FlagOption {
	return func(f *store.Flag) { f.Archived = true }
}

// WithTags sets the flag tags.
func WithTags(tags ...string) FlagOption {
	return func(f *store.Flag) { f.Tags = tags }
}

// WithTarget serves variation to users.
func WithTarget(variation string, users ...string) FlagOption {
	return func(f *store.Flag) {
		f.Targets = append(f.Targets, store.Target{Variation: variation, Users: users})
	}
}

// WithRule appends a rule.
func WithRule(rule rules.Rule) FlagOption {
	return func(f *store.Flag) { f.Rules = append(f.Rules, rule) }
}

// WithPrerequisite makes the flag depend on featureID serving variationID.
func WithPrerequisite(featureID, variationID string) FlagOption {
	return func(f *store.Flag) {
		f.Prerequisites = append(f.Prerequisites, store.Prerequisite{FeatureID: featureID, VariationID: variationID})
	}
}

// UpdatedAt sets the last update time in unix seconds.
func UpdatedAt(unix int64) FlagOption {
	return func(f *store.Flag) { f.UpdatedAt = unix }
}

// BoolFlag returns a version 1 boolean flag of env with variations "on"
// (served by default) and "off" (served when disabled).
func BoolFlag(env, id string, opts ...FlagOption) store.Flag {
	f := store.Flag{
		ID:                   id,
		EnvironmentNamespace: env,
		Name:                 id,
		Version:              1,
		VariationType:        store.VariationBoolean,
		Variations: []store.Variation{
			{ID: "on", Value: "true", Name: "On"},
			{ID: "off", Value: "false", Name: "Off"},
		},
		DefaultStrategy: rules.Fixed("on"),
		OffVariation:    "off",
		SamplingSeed:    "seed-" + id,
	}
	for _, opt := range opts {
		opt(&f)
	}
	return f
}

// Segment returns a version 1 segment of env including users.
func Segment(env, id string, users ...string) (store.Segment, []store.SegmentUser) {
	seg := store.Segment{
		ID:                   id,
		EnvironmentNamespace: env,
		Name:                 id,
		Version:              1,
		IncludedUserCount:    int64(len(users)),
		Status:               store.SegmentSucceeded,
	}
	members := make([]store.SegmentUser, 0, len(users))
	for _, u := range users {
		members = append(members, store.SegmentUser{
			ID:                   fmt.Sprintf("%s:%s:%s", id, u, store.SegmentUserIncluded),
			EnvironmentNamespace: env,
			SegmentID:            id,
			UserID:               u,
			State:                store.SegmentUserIncluded,
		})
	}
	return seg, members
}

// SeedFlags populates the store with test flags.
func SeedFlags(ctx context.Context, st store.FlagStore, flags ...store.Flag) error {
	for _, f := range flags {
		if err := st.PutFlag(ctx, f); err != nil {
			return fmt.Errorf("seed flag %s: %w", f.ID, err)
		}
	}
	return nil
}

// SeedSegment stores seg and its members.
func SeedSegment(ctx context.Context, st store.SegmentStore, seg store.Segment, members []store.SegmentUser) error {
	if err := st.PutSegment(ctx, seg); err != nil {
		return fmt.Errorf("seed segment %s: %w", seg.ID, err)
	}
	for _, m := range members {
		if err := st.PutSegmentUser(ctx, m); err != nil {
			return fmt.Errorf("seed segment user %s: %w", m.UserID, err)
		}
	}
	return nil
}

// HTTPRequest is a helper for making test HTTP requests.
type HTTPRequest struct {
	Method  string
	Path    string
	Body    string
	Headers map[string]string
}

// Do executes the HTTP request and returns the response recorder.
func (r *HTTPRequest) Do(t *testing.T, handler http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.Body != "" {
		body = bytes.NewBufferString(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.Path, body)
	if r.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
