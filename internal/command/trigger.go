package command

import (
	"context"
	"fmt"
	"time"

	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/trigger"
)

// TriggerCommand mutates an existing flag trigger.
type TriggerCommand interface {
	Command
	applyTrigger(c *triggerContext, t *store.FlagTrigger) error
}

type triggerContext struct {
	now   time.Time
	token string // set when the command issued a new token
}

// CreateFlagTrigger adds a webhook trigger to a flag.
type CreateFlagTrigger struct {
	Type        store.TriggerType   `json:"type"`
	Action      store.TriggerAction `json:"action"`
	Description string              `json:"description"`
}

func (CreateFlagTrigger) CommandName() string { return "CreateFlagTrigger" }

// CreateTrigger stores a new trigger for featureID and returns it with its
// token. The token is not retrievable later.
func (h *Handler) CreateTrigger(ctx context.Context, env, featureID string, cmd CreateFlagTrigger) (_ *store.FlagTrigger, _ string, err error) {
	ctx, span := h.startSpan(ctx, cmd, env, featureID)
	defer func() { endSpan(span, err) }()

	t, token, err := h.newTrigger(ctx, env, featureID, cmd)
	if err != nil {
		h.record(ctx, cmd, audit.ResourceTypeTrigger, featureID, env, 0, nil, cmd, err)
		return nil, "", fmt.Errorf("create trigger for %s: %w", featureID, err)
	}
	h.record(ctx, cmd, audit.ResourceTypeTrigger, t.ID, env, 0, nil, t, nil)
	return t, token, nil
}

func (h *Handler) newTrigger(ctx context.Context, env, featureID string, cmd CreateFlagTrigger) (*store.FlagTrigger, string, error) {
	if cmd.Type == "" {
		cmd.Type = store.TriggerTypeWebhook
	}
	if cmd.Type != store.TriggerTypeWebhook {
		return nil, "", invalid("unsupported trigger type %q", cmd.Type)
	}
	if cmd.Action != store.TriggerActionOn && cmd.Action != store.TriggerActionOff {
		return nil, "", invalid("unsupported trigger action %q", cmd.Action)
	}
	flag, err := h.store.GetFlag(ctx, env, featureID)
	if err == nil && flag.Deleted {
		err = store.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("feature %s: %w", featureID, err)
	}

	id := trigger.NewID()
	token, hash, err := trigger.NewToken(id)
	if err != nil {
		return nil, "", err
	}
	now := h.now().Unix()
	t := store.FlagTrigger{
		ID:                   id,
		FeatureID:            featureID,
		EnvironmentNamespace: env,
		Type:                 cmd.Type,
		Action:               cmd.Action,
		Description:          cmd.Description,
		TokenHash:            hash,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := h.store.PutTrigger(ctx, t); err != nil {
		return nil, "", err
	}
	return &t, token, nil
}

// HandleTrigger applies cmd to trigger id. The returned token is non-empty
// only when the command rotated it.
func (h *Handler) HandleTrigger(ctx context.Context, id string, cmd TriggerCommand) (_ *store.FlagTrigger, _ string, err error) {
	ctx, span := h.startSpan(ctx, cmd, "", id)
	defer func() { endSpan(span, err) }()

	current, err := h.store.GetTrigger(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("trigger %s: %w", id, err)
	}

	tc := &triggerContext{now: h.now()}
	next := *current
	if err = cmd.applyTrigger(tc, &next); err == nil {
		next.UpdatedAt = tc.now.Unix()
		if next.Deleted {
			err = h.store.DeleteTrigger(ctx, id)
		} else {
			err = h.store.PutTrigger(ctx, next)
		}
	}
	env := current.EnvironmentNamespace
	if err != nil {
		h.record(ctx, cmd, audit.ResourceTypeTrigger, id, env, 0, current, nil, err)
		return nil, "", fmt.Errorf("%s %s: %w", cmd.CommandName(), id, err)
	}
	h.record(ctx, cmd, audit.ResourceTypeTrigger, id, env, 0, current, &next, nil)
	return &next, tc.token, nil
}

// RecordTriggerUsage counts one invocation of a trigger.
func (h *Handler) RecordTriggerUsage(ctx context.Context, triggerID string) error {
	_, _, err := h.HandleTrigger(ctx, triggerID, RecordFlagTriggerUsage{})
	return err
}

type ChangeFlagTriggerDescription struct {
	Description string `json:"description"`
}

func (ChangeFlagTriggerDescription) CommandName() string { return "ChangeFlagTriggerDescription" }

func (c ChangeFlagTriggerDescription) applyTrigger(_ *triggerContext, t *store.FlagTrigger) error {
	t.Description = c.Description
	return nil
}

type EnableFlagTrigger struct{}

func (EnableFlagTrigger) CommandName() string { return "EnableFlagTrigger" }

func (EnableFlagTrigger) applyTrigger(_ *triggerContext, t *store.FlagTrigger) error {
	t.Disabled = false
	return nil
}

type DisableFlagTrigger struct{}

func (DisableFlagTrigger) CommandName() string { return "DisableFlagTrigger" }

func (DisableFlagTrigger) applyTrigger(_ *triggerContext, t *store.FlagTrigger) error {
	t.Disabled = true
	return nil
}

// ResetFlagTrigger rotates the token and clears the usage counters. The old
// token stops working immediately.
type ResetFlagTrigger struct{}

func (ResetFlagTrigger) CommandName() string { return "ResetFlagTrigger" }

func (ResetFlagTrigger) applyTrigger(c *triggerContext, t *store.FlagTrigger) error {
	token, hash, err := trigger.NewToken(t.ID)
	if err != nil {
		return err
	}
	t.TokenHash = hash
	t.TriggerCount = 0
	t.LastTriggeredAt = 0
	c.token = token
	return nil
}

type DeleteFlagTrigger struct{}

func (DeleteFlagTrigger) CommandName() string { return "DeleteFlagTrigger" }

func (DeleteFlagTrigger) applyTrigger(_ *triggerContext, t *store.FlagTrigger) error {
	t.Deleted = true
	return nil
}

// RecordFlagTriggerUsage bumps the invocation counter.
type RecordFlagTriggerUsage struct{}

func (RecordFlagTriggerUsage) CommandName() string { return "RecordFlagTriggerUsage" }

func (RecordFlagTriggerUsage) applyTrigger(c *triggerContext, t *store.FlagTrigger) error {
	t.TriggerCount++
	t.LastTriggeredAt = c.now.Unix()
	return nil
}

var _ trigger.Executor = (*Handler)(nil)
