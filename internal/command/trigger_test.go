package command

import (
	"testing"
	"time"

	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/trigger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerCommands(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "checkout")

	tr, token, err := f.handler.CreateTrigger(f.ctx, "prod", "checkout", CreateFlagTrigger{Action: store.TriggerActionOn, Description: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, store.TriggerTypeWebhook, tr.Type)
	assert.NotEmpty(t, token)

	svc := trigger.NewService(f.store, f.handler, zerolog.Nop())
	_, err = svc.Invoke(f.ctx, token)
	require.NoError(t, err)

	flag, err := f.store.GetFlag(f.ctx, "prod", "checkout")
	require.NoError(t, err)
	assert.True(t, flag.Enabled)

	stored, err := f.store.GetTrigger(f.ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stored.TriggerCount)
	assert.Equal(t, f.now.Unix(), stored.LastTriggeredAt)

	// the flag flip is attributed to the trigger
	var flipped bool
	for _, e := range f.log.events {
		if e.Command == "EnableFeature" {
			flipped = true
			assert.Equal(t, "trigger:"+tr.ID, e.Actor.Display)
		}
	}
	assert.True(t, flipped)

	f.now = f.now.Add(time.Minute)
	reset, newToken, err := f.handler.HandleTrigger(f.ctx, tr.ID, ResetFlagTrigger{})
	require.NoError(t, err)
	assert.NotEqual(t, token, newToken)
	assert.Zero(t, reset.TriggerCount)

	_, err = svc.Invoke(f.ctx, token)
	assert.ErrorIs(t, err, trigger.ErrUnauthenticated, "old token must stop working")
	_, err = svc.Invoke(f.ctx, newToken)
	require.NoError(t, err)

	_, _, err = f.handler.HandleTrigger(f.ctx, tr.ID, DisableFlagTrigger{})
	require.NoError(t, err)
	_, err = svc.Invoke(f.ctx, newToken)
	assert.ErrorIs(t, err, trigger.ErrUnauthenticated)

	updated, _, err := f.handler.HandleTrigger(f.ctx, tr.ID, EnableFlagTrigger{})
	require.NoError(t, err)
	assert.False(t, updated.Disabled)
	updated, _, err = f.handler.HandleTrigger(f.ctx, tr.ID, ChangeFlagTriggerDescription{Description: "rollback"})
	require.NoError(t, err)
	assert.Equal(t, "rollback", updated.Description)

	_, _, err = f.handler.HandleTrigger(f.ctx, tr.ID, DeleteFlagTrigger{})
	require.NoError(t, err)
	_, err = f.store.GetTrigger(f.ctx, tr.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateTrigger_Errors(t *testing.T) {
	f := newFixture(t)
	f.createFeature(t, "checkout")

	_, _, err := f.handler.CreateTrigger(f.ctx, "prod", "missing", CreateFlagTrigger{Action: store.TriggerActionOn})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = f.handler.CreateTrigger(f.ctx, "prod", "checkout", CreateFlagTrigger{Action: "TOGGLE"})
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, _, err = f.handler.CreateTrigger(f.ctx, "prod", "checkout", CreateFlagTrigger{Type: "EMAIL", Action: store.TriggerActionOff})
	assert.ErrorIs(t, err, ErrInvalidCommand)
}
