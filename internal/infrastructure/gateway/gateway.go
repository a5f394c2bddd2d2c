package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
)

// TokenSource supplies valid access tokens for delegated credentials.
// Satisfied by the oauth flow manager.
type TokenSource interface {
	AccessToken(ctx context.Context, credentialID uuid.UUID) (string, error)
	RefreshCredential(ctx context.Context, credentialID uuid.UUID) (string, error)
}

// RequestFunc performs one outbound marketplace call with a bearer token.
// It must return errors classified by the marketplace client.
type RequestFunc func(ctx context.Context, accessToken string) error

// Gateway wraps every outbound marketplace call with the shared rate limiter,
// the per-scope circuit breaker and credential acquisition. Callers handle
// three outcomes: success, a transient RateLimited/CircuitOpen classification
// they may defer on, or a terminal upstream error.
type Gateway struct {
	breaker *CircuitBreaker
	limiter *RateLimiter
	tokens  TokenSource
	cfg     config.GatewayConfig
	logger  *zap.Logger

	// sleep is injected for tests; defaults to a context-aware timer wait
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates the shared outbound gateway
func NewGateway(breaker *CircuitBreaker, limiter *RateLimiter, tokens TokenSource, cfg config.GatewayConfig, logger *zap.Logger) *Gateway {
	return &Gateway{
		breaker: breaker,
		limiter: limiter,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger,
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

// Execute runs one outbound call for a scope and endpoint class.
// The circuit is consulted before the rate limit so that a tripped scope
// costs no window headroom; the credential is acquired last so tokens are
// never fetched for calls that would be rejected anyway.
func (g *Gateway) Execute(ctx context.Context, scope, class string, priority Priority, credentialID uuid.UUID, fn RequestFunc) error {
	if err := g.breaker.Allow(ctx, scope, class); err != nil {
		return err
	}
	if err := g.limiter.Allow(ctx, scope, priority); err != nil {
		return err
	}

	token, err := g.tokens.AccessToken(ctx, credentialID)
	if err != nil {
		return err
	}

	err = g.invoke(ctx, token, fn)
	if err == nil {
		g.breaker.OnSuccess(ctx, scope, class)
		return nil
	}

	switch shared.Classify(err) {
	case shared.FailureInvalidCredential:
		// One refresh-then-retry; a second auth failure surfaces (the
		// refresh path deactivates the credential on terminal errors).
		return g.retryAfterRefresh(ctx, scope, class, credentialID, fn, err)
	case shared.FailureRateLimited:
		// Not upstream instability; never counted toward the circuit.
		return g.retryAfterRateLimit(ctx, scope, class, credentialID, fn, err)
	case shared.FailureTransientUpstream:
		g.breaker.OnFailure(ctx, scope, class)
		return err
	default:
		// Caller errors (other 4xx) surface without circuit accounting.
		return err
	}
}

// invoke runs the request with the per-call timeout applied
func (g *Gateway) invoke(ctx context.Context, token string, fn RequestFunc) error {
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx, token)
}

func (g *Gateway) retryAfterRefresh(ctx context.Context, scope, class string, credentialID uuid.UUID, fn RequestFunc, cause error) error {
	g.logger.Info("credential rejected upstream, refreshing once",
		zap.String("scope", scope),
		zap.String("credential_id", credentialID.String()),
	)

	token, err := g.tokens.RefreshCredential(ctx, credentialID)
	if err != nil {
		return err
	}

	err = g.invoke(ctx, token, fn)
	if err == nil {
		g.breaker.OnSuccess(ctx, scope, class)
		return nil
	}
	if shared.Classify(err) == shared.FailureTransientUpstream {
		g.breaker.OnFailure(ctx, scope, class)
	}
	return err
}

func (g *Gateway) retryAfterRateLimit(ctx context.Context, scope, class string, credentialID uuid.UUID, fn RequestFunc, cause error) error {
	var ce *shared.ClassifiedError
	delay := g.cfg.BucketWidth
	if errors.As(cause, &ce) && ce.RetryAfter > 0 {
		// Server-provided hint wins over the scope's schedule.
		delay = time.Duration(ce.RetryAfter) * time.Second
	}
	if delay > g.cfg.QueueWait {
		return cause
	}

	g.logger.Debug("upstream rate limited, retrying after delay",
		zap.String("scope", scope),
		zap.Duration("delay", delay),
	)
	if err := g.sleep(ctx, delay); err != nil {
		return err
	}

	token, err := g.tokens.AccessToken(ctx, credentialID)
	if err != nil {
		return err
	}
	err = g.invoke(ctx, token, fn)
	if err == nil {
		g.breaker.OnSuccess(ctx, scope, class)
		return nil
	}
	if shared.Classify(err) == shared.FailureTransientUpstream {
		g.breaker.OnFailure(ctx, scope, class)
	}
	return err
}
