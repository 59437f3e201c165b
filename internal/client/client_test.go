package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TimurManjosov/flageval/internal/api"
	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/auth"
	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/engine"
	"github.com/TimurManjosov/flageval/internal/snapshot"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/trigger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "admin-secret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
	reg := snapshot.NewRegistry()
	ref := snapshot.NewRefresher(st, reg, zerolog.Nop(), snapshot.RefresherOptions{
		Environments: []string{"prod"},
		MaxElapsed:   time.Second,
	})
	require.NoError(t, ref.RefreshAll(context.Background()))

	auditSvc := audit.NewService(audit.NewMemorySink(), audit.Options{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = auditSvc.Close() })
	commands := command.NewHandler(st, auditSvc, ref, zerolog.Nop())

	srv := api.NewServer(api.Options{
		Store:    st,
		Registry: reg,
		Commands: commands,
		Triggers: trigger.NewService(st, commands, zerolog.Nop()),
		Auth:     auth.NewAuthenticator(auth.Key{Name: "admin", Secret: adminKey, Role: auth.RoleAdmin}),
		Logger:   zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func boolFeature(id string) command.CreateFeature {
	return command.CreateFeature{
		ID:            id,
		Name:          id,
		VariationType: store.VariationBoolean,
		Variations: []store.Variation{
			{ID: "on", Value: "true", Name: "On"},
			{ID: "off", Value: "false", Name: "Off"},
		},
		Tags:                     []string{"web"},
		DefaultOnVariationIndex:  0,
		DefaultOffVariationIndex: 1,
	}
}

func TestClient_FeatureLifecycle(t *testing.T) {
	ts := newServer(t)
	c := NewClient(ts.URL, adminKey)
	ctx := context.Background()

	flag, err := c.CreateFeature(ctx, "prod", boolFeature("dark-mode"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), flag.Version)
	assert.False(t, flag.Enabled)

	flag, err = c.FeatureCommand(ctx, "prod", "dark-mode", command.EnableFeature{}.CommandName(), nil)
	require.NoError(t, err)
	assert.True(t, flag.Enabled)
	assert.Equal(t, int32(2), flag.Version)

	flags, err := c.ListFeatures(ctx, "prod")
	require.NoError(t, err)
	require.Len(t, flags, 1)

	got, err := c.GetFeature(ctx, "prod", "dark-mode")
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	snap, err := c.Snapshot(ctx, "prod")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.ETag)
	assert.Len(t, snap.Flags, 1)

	resp, err := c.Evaluate(ctx, "prod", api.EvaluationRequest{User: &api.EvaluationUserDTO{ID: "alice"}})
	require.NoError(t, err)
	require.NotNil(t, resp.Evaluations)
	require.Len(t, resp.Evaluations.Evaluations, 1)
	assert.Equal(t, "on", resp.Evaluations.Evaluations[0].VariationID)
	assert.Equal(t, engine.ReasonDefault, resp.Evaluations.Evaluations[0].Reason.Type)
}

func TestClient_Segments(t *testing.T) {
	ts := newServer(t)
	c := NewClient(ts.URL, adminKey)
	ctx := context.Background()

	_, err := c.CreateSegment(ctx, "prod", command.CreateSegment{ID: "beta", Name: "Beta"})
	require.NoError(t, err)

	add := command.AddSegmentUser{UserIDs: []string{"alice", "bob"}, State: store.SegmentUserIncluded}
	seg, err := c.SegmentCommand(ctx, "prod", "beta", add.CommandName(), add)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seg.IncludedUserCount)

	segs, err := c.ListSegments(ctx, "prod")
	require.NoError(t, err)
	assert.Len(t, segs, 1)
}

func TestClient_Errors(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	t.Run("conflict", func(t *testing.T) {
		c := NewClient(ts.URL, adminKey)
		_, err := c.CreateFeature(ctx, "prod", boolFeature("dup"))
		require.NoError(t, err)
		_, err = c.CreateFeature(ctx, "prod", boolFeature("dup"))
		assert.True(t, IsConflict(err), "expected conflict, got %v", err)
	})

	t.Run("structured not found", func(t *testing.T) {
		c := NewClient(ts.URL, adminKey)
		_, err := c.GetFeature(ctx, "prod", "missing")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
		require.NotNil(t, apiErr.Response)
		assert.NotEmpty(t, apiErr.Response.Code)
	})

	t.Run("unauthorized", func(t *testing.T) {
		c := NewClient(ts.URL, "wrong")
		_, err := c.ListFeatures(ctx, "prod")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
		assert.False(t, IsConflict(err))
	})
}
