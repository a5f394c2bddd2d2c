package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
)

// CircuitBreaker arbitrates whether a call for a scope may be attempted.
// Transitions are the sole authority: OPEN fails fast with no network call,
// HALF_OPEN admits a single probe, and N consecutive half-open successes
// close the circuit again. Thresholds are per endpoint class.
type CircuitBreaker struct {
	store   CircuitStore
	classes map[string]config.CircuitConfig
	logger  *zap.Logger
}

// NewCircuitBreaker creates a breaker with per-class thresholds
func NewCircuitBreaker(store CircuitStore, classes map[string]config.CircuitConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{store: store, classes: classes, logger: logger}
}

// defaultCircuit applies when an endpoint class has no explicit thresholds
var defaultCircuit = config.CircuitConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	ResetTimeout:     60 * time.Second,
}

func (b *CircuitBreaker) classConfig(class string) config.CircuitConfig {
	if cfg, ok := b.classes[class]; ok {
		return cfg
	}
	return defaultCircuit
}

// Allow decides whether a call may proceed for the scope. Returns a
// CircuitOpen classified error on fail-fast.
func (b *CircuitBreaker) Allow(ctx context.Context, scope, class string) error {
	snap, err := b.store.Get(ctx, scope)
	if err != nil {
		// Shared state unavailable; failing open here would hammer a
		// degraded upstream, failing closed blocks all traffic. Allow
		// and let the failure accounting resume when the store returns.
		b.logger.Warn("circuit state unavailable, allowing call", zap.String("scope", scope), zap.Error(err))
		return nil
	}

	cfg := b.classConfig(class)
	switch snap.State {
	case CircuitOpen:
		if time.Since(snap.OpenedAt) < cfg.ResetTimeout {
			ce := shared.NewClassifiedError(shared.FailureCircuitOpen, "circuit open for scope "+scope, nil)
			ce.RetryAfter = int((cfg.ResetTimeout - time.Since(snap.OpenedAt)).Seconds()) + 1
			return ce
		}
		if err := b.store.HalfOpen(ctx, scope); err != nil {
			return err
		}
		b.logger.Info("circuit half-open", zap.String("scope", scope))
		return b.admitProbe(ctx, scope, cfg)
	case CircuitHalfOpen:
		return b.admitProbe(ctx, scope, cfg)
	default:
		return nil
	}
}

func (b *CircuitBreaker) admitProbe(ctx context.Context, scope string, cfg config.CircuitConfig) error {
	ok, err := b.store.TryProbe(ctx, scope, cfg.ResetTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return shared.NewClassifiedError(shared.FailureCircuitOpen, "probe already in flight for scope "+scope, nil)
	}
	return nil
}

// OnSuccess records a successful call for the scope
func (b *CircuitBreaker) OnSuccess(ctx context.Context, scope, class string) {
	snap, err := b.store.Get(ctx, scope)
	if err != nil {
		b.logger.Warn("circuit success not recorded", zap.String("scope", scope), zap.Error(err))
		return
	}

	cfg := b.classConfig(class)
	if snap.State == CircuitHalfOpen {
		successes, err := b.store.RecordSuccess(ctx, scope)
		if err != nil {
			b.logger.Warn("circuit success not recorded", zap.String("scope", scope), zap.Error(err))
			return
		}
		if successes >= int64(cfg.SuccessThreshold) {
			if err := b.store.Reset(ctx, scope); err != nil {
				b.logger.Warn("circuit close failed", zap.String("scope", scope), zap.Error(err))
				return
			}
			b.logger.Info("circuit closed", zap.String("scope", scope))
		}
		return
	}

	// Failure counting is over consecutive failures; any success clears it.
	if snap.Failures > 0 {
		if err := b.store.Reset(ctx, scope); err != nil {
			b.logger.Warn("circuit failure count not cleared", zap.String("scope", scope), zap.Error(err))
		}
	}
}

// OnFailure records an upstream-instability failure for the scope
func (b *CircuitBreaker) OnFailure(ctx context.Context, scope, class string) {
	snap, err := b.store.Get(ctx, scope)
	if err != nil {
		b.logger.Warn("circuit failure not recorded", zap.String("scope", scope), zap.Error(err))
		return
	}

	cfg := b.classConfig(class)
	if snap.State == CircuitHalfOpen {
		// A failed probe reopens immediately.
		if err := b.store.Trip(ctx, scope, time.Now()); err != nil {
			b.logger.Warn("circuit trip failed", zap.String("scope", scope), zap.Error(err))
			return
		}
		b.logger.Warn("circuit reopened after failed probe", zap.String("scope", scope))
		return
	}

	failures, err := b.store.RecordFailure(ctx, scope)
	if err != nil {
		b.logger.Warn("circuit failure not recorded", zap.String("scope", scope), zap.Error(err))
		return
	}
	if failures >= int64(cfg.FailureThreshold) {
		if err := b.store.Trip(ctx, scope, time.Now()); err != nil {
			b.logger.Warn("circuit trip failed", zap.String("scope", scope), zap.Error(err))
			return
		}
		b.logger.Warn("circuit opened",
			zap.String("scope", scope),
			zap.Int64("failures", failures),
			zap.Int("threshold", cfg.FailureThreshold),
		)
	}
}

// Reset forces a scope back to CLOSED (operator action)
func (b *CircuitBreaker) Reset(ctx context.Context, scope string) error {
	return b.store.Reset(ctx, scope)
}
