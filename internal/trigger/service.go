package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/auth"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/telemetry"
	"github.com/rs/zerolog"
)

// Executor applies the effect of a trigger. It is implemented by the
// command handler so every flip is versioned and audited like any other
// command.
type Executor interface {
	SetFeatureEnabled(ctx context.Context, env, featureID string, enabled bool) error
	RecordTriggerUsage(ctx context.Context, triggerID string) error
}

// Service verifies webhook tokens and executes the matching trigger.
type Service struct {
	triggers store.TriggerStore
	exec     Executor
	logger   zerolog.Logger
}

// NewService creates a trigger service.
func NewService(triggers store.TriggerStore, exec Executor, logger zerolog.Logger) *Service {
	return &Service{
		triggers: triggers,
		exec:     exec,
		logger:   logger.With().Str("component", "trigger").Logger(),
	}
}

// Authenticate resolves token to its trigger. Every failure is reported as
// ErrUnauthenticated except store outages.
func (s *Service) Authenticate(ctx context.Context, token string) (*store.FlagTrigger, error) {
	id, secret, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	t, err := s.triggers.GetTrigger(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("load trigger: %w", err)
	}
	if t.Deleted || t.Disabled || !auth.VerifySecret(secret, t.TokenHash) {
		return nil, ErrUnauthenticated
	}
	return t, nil
}

// Invoke authenticates token, switches the flag as the trigger's action
// says and records the usage.
func (s *Service) Invoke(ctx context.Context, token string) (*store.FlagTrigger, error) {
	t, err := s.Authenticate(ctx, token)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrUnauthenticated) {
			result = "unauthenticated"
		}
		telemetry.TriggerInvocations.WithLabelValues(result).Inc()
		return nil, err
	}

	ctx = audit.WithActor(ctx, audit.Actor{
		Kind:    audit.ActorKindTrigger,
		ID:      t.ID,
		Display: "trigger:" + t.ID,
	})
	enabled := t.Action == store.TriggerActionOn
	if err := s.exec.SetFeatureEnabled(ctx, t.EnvironmentNamespace, t.FeatureID, enabled); err != nil {
		telemetry.TriggerInvocations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	if err := s.exec.RecordTriggerUsage(ctx, t.ID); err != nil {
		// the flag has already flipped
		s.logger.Warn().Err(err).Str("trigger_id", t.ID).Msg("failed to record trigger usage")
	}

	telemetry.TriggerInvocations.WithLabelValues("ok").Inc()
	s.logger.Info().
		Str("trigger_id", t.ID).
		Str("environment", t.EnvironmentNamespace).
		Str("feature_id", t.FeatureID).
		Str("action", string(t.Action)).
		Msg("flag trigger invoked")
	return t, nil
}
