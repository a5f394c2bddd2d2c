package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
)

// Priority declares how a caller competes for rate-limit headroom
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// GlobalScope is the key for the application-wide window; per-tenant scopes
// use the "tenant:<id>" form.
const GlobalScope = "global"

// TenantScope builds the per-tenant rate-limit scope key
func TenantScope(tenantID string) string {
	return "tenant:" + tenantID
}

// RateLimiter admits calls against shared fixed windows, with a slice of each
// window reserved for high-priority callers and a process-local smoothing
// limiter underneath to keep bursts from landing inside one bucket edge.
type RateLimiter struct {
	store  RateWindowStore
	cfg    config.GatewayConfig
	logger *zap.Logger

	localMu sync.Mutex
	local   map[string]*rate.Limiter

	// sleep is injected for tests; defaults to a context-aware timer wait
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter over a shared window store
func NewRateLimiter(store RateWindowStore, cfg config.GatewayConfig, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		store:  store,
		cfg:    cfg,
		logger: logger,
		local:  make(map[string]*rate.Limiter),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

func (l *RateLimiter) ceiling(scope string) int {
	if strings.HasPrefix(scope, "tenant:") {
		return l.cfg.TenantCeiling
	}
	return l.cfg.GlobalCeiling
}

// limit resolves the admission ceiling for a priority. The reserved share of
// the window is only reachable by high-priority callers.
func (l *RateLimiter) limit(scope string, priority Priority) int64 {
	ceiling := l.ceiling(scope)
	if priority == PriorityHigh {
		return int64(ceiling)
	}
	reserved := ceiling * l.cfg.HighPriorityPct / 100
	return int64(ceiling - reserved)
}

func (l *RateLimiter) localLimiter(scope string) *rate.Limiter {
	l.localMu.Lock()
	defer l.localMu.Unlock()
	lim, ok := l.local[scope]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.LocalRate), l.cfg.LocalBurst)
		l.local[scope] = lim
	}
	return lim
}

// Allow admits or rejects one call for the scope. Normal and low priority
// callers wait for the next bucket when it opens within the queue-wait
// budget; beyond that the call fails fast with RateLimited. The budget is
// cumulative across buckets, so a saturated scope cannot hold a caller past
// QueueWait no matter how many windows roll over while it waits.
func (l *RateLimiter) Allow(ctx context.Context, scope string, priority Priority) error {
	deadline := time.Now().Add(l.cfg.QueueWait)
	for {
		bucket := time.Now().UnixNano() / int64(l.cfg.BucketWidth)
		count, err := l.store.Incr(ctx, scope, bucket, l.cfg.BucketWidth)
		if err != nil {
			return err
		}
		if count <= l.limit(scope, priority) {
			break
		}

		untilNext := l.cfg.BucketWidth - time.Duration(time.Now().UnixNano()%int64(l.cfg.BucketWidth))
		if priority == PriorityHigh || time.Now().Add(untilNext).After(deadline) {
			ce := shared.NewClassifiedError(shared.FailureRateLimited, "rate ceiling reached for scope "+scope, nil)
			ce.RetryAfter = int(untilNext.Seconds()) + 1
			return ce
		}
		if err := l.sleep(ctx, untilNext); err != nil {
			return err
		}
	}

	// Shared window admitted the call; smooth it locally so concurrent
	// workers do not fire the whole bucket at once.
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.QueueWait)
	defer cancel()
	if err := l.localLimiter(scope).Wait(waitCtx); err != nil {
		l.logger.Debug("local smoothing wait ended early", zap.String("scope", scope), zap.Error(err))
	}
	return nil
}

// Reset clears all rate windows (operator action)
func (l *RateLimiter) Reset(ctx context.Context) error {
	return l.store.Reset(ctx)
}
