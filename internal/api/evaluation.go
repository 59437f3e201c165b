package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/TimurManjosov/flageval/internal/cache"
	"github.com/TimurManjosov/flageval/internal/evaluation"
	"github.com/TimurManjosov/flageval/internal/snapshot"
	"github.com/TimurManjosov/flageval/internal/telemetry"
	"github.com/TimurManjosov/flageval/internal/user"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrEnvironmentNotLoaded means no snapshot of the environment is active
// yet. Callers retry once the refresher has loaded it.
var ErrEnvironmentNotLoaded = errors.New("environment snapshot not loaded")

// Service evaluates flags against the active snapshots.
type Service struct {
	registry *snapshot.Registry
	cache    *cache.Evaluations
	logger   zerolog.Logger
}

// NewService creates an evaluation service. evals may be nil to disable
// caching.
func NewService(registry *snapshot.Registry, evals *cache.Evaluations, logger zerolog.Logger) *Service {
	return &Service{
		registry: registry,
		cache:    evals,
		logger:   logger.With().Str("component", "evaluation").Logger(),
	}
}

// EvaluateFeatures evaluates every flag of environment for u, or only the
// flag named by featureID, keeping the flags that carry tag when tag is set.
func (s *Service) EvaluateFeatures(ctx context.Context, environment string, u *user.User, tag, featureID string) (*evaluation.UserEvaluations, string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "evaluation.evaluate_features")
	defer span.End()
	span.SetAttributes(
		attribute.String("environment", environment),
		attribute.String("tag", tag),
		attribute.String("feature_id", featureID),
	)

	snap, ok := s.registry.Load(environment)
	if !ok {
		err := fmt.Errorf("%s: %w", environment, ErrEnvironmentNotLoaded)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", err
	}

	opts := evaluation.Options{Tag: tag, FeatureID: featureID}
	var key string
	if s.cache != nil {
		key = cache.Key(environment, snap.ETag, u, opts)
		cached, hit, err := s.cache.Get(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Msg("evaluation cache lookup failed")
		}
		if hit {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			countReasons(cached)
			return cached, snap.ETag, nil
		}
	}

	out, err := evaluation.EvaluateAll(u, snap.Env(), opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		return nil, snap.ETag, err
	}
	countReasons(out)

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, out); err != nil {
			s.logger.Warn().Err(err).Msg("evaluation cache write failed")
		}
	}
	return out, snap.ETag, nil
}

// EvaluateChanges evaluates only the flags that may have changed since the
// client's previous bundle. Results are never cached since they depend on
// prev.
func (s *Service) EvaluateChanges(ctx context.Context, environment string, u *user.User, tag string, prev evaluation.Previous) (*evaluation.UserEvaluations, string, error) {
	_, span := telemetry.Tracer().Start(ctx, "evaluation.evaluate_changes")
	defer span.End()
	span.SetAttributes(attribute.String("environment", environment), attribute.String("tag", tag))

	snap, ok := s.registry.Load(environment)
	if !ok {
		err := fmt.Errorf("%s: %w", environment, ErrEnvironmentNotLoaded)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", err
	}

	out, err := evaluation.EvaluateDelta(u, snap.Env(), prev, evaluation.Options{Tag: tag})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "evaluation failed")
		return nil, snap.ETag, err
	}
	countReasons(out)
	return out, snap.ETag, nil
}

func countReasons(out *evaluation.UserEvaluations) {
	for _, e := range out.Evaluations {
		telemetry.Evaluations.WithLabelValues(string(e.Reason.Type)).Inc()
	}
}
