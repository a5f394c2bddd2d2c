package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
)

type fakeTokenSource struct {
	mu           sync.Mutex
	token        string
	refreshed    string
	accessCalls  int
	refreshCalls int
	accessErr    error
	refreshErr   error
}

func (f *fakeTokenSource) AccessToken(_ context.Context, _ uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessCalls++
	if f.accessErr != nil {
		return "", f.accessErr
	}
	return f.token, nil
}

func (f *fakeTokenSource) RefreshCredential(_ context.Context, _ uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	f.token = f.refreshed
	return f.refreshed, nil
}

func gatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		CallTimeout:     time.Second,
		BucketWidth:     time.Minute,
		GlobalCeiling:   1000,
		TenantCeiling:   100,
		HighPriorityPct: 20,
		QueueWait:       0,
		LocalRate:       10000,
		LocalBurst:      10000,
		Circuit: map[string]config.CircuitConfig{
			"read": {FailureThreshold: 3, SuccessThreshold: 2, ResetTimeout: time.Minute},
		},
	}
}

func testGateway(t *testing.T, tokens TokenSource) (*Gateway, *InMemoryCircuitStore) {
	t.Helper()
	cfg := gatewayConfig()
	circuits := NewInMemoryCircuitStore()
	breaker := NewCircuitBreaker(circuits, cfg.Circuit, zap.NewNop())
	limiter := testLimiter(NewInMemoryRateWindowStore(), cfg)
	gw := NewGateway(breaker, limiter, tokens, cfg, zap.NewNop())
	gw.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return gw, circuits
}

func TestGateway_ExecutePassesToken(t *testing.T) {
	ctx := context.Background()
	tokens := &fakeTokenSource{token: "tok-1"}
	gw, _ := testGateway(t, tokens)

	var seen string
	err := gw.Execute(ctx, TenantScope("t-1"), "read", PriorityNormal, uuid.New(), func(_ context.Context, accessToken string) error {
		seen = accessToken
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "tok-1", seen)
	assert.Equal(t, 1, tokens.accessCalls)
	assert.Equal(t, 0, tokens.refreshCalls)
}

func TestGateway_CircuitOpenSkipsCallAndToken(t *testing.T) {
	ctx := context.Background()
	tokens := &fakeTokenSource{token: "tok-1"}
	gw, circuits := testGateway(t, tokens)
	scope := TenantScope("t-1")

	require.NoError(t, circuits.Trip(ctx, scope, time.Now()))

	calls := 0
	err := gw.Execute(ctx, scope, "read", PriorityNormal, uuid.New(), func(_ context.Context, _ string) error {
		calls++
		return nil
	})

	assert.Equal(t, shared.FailureCircuitOpen, shared.Classify(err))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, tokens.accessCalls)
}

func TestGateway_AuthFailureRefreshesAndRetriesOnce(t *testing.T) {
	ctx := context.Background()
	tokens := &fakeTokenSource{token: "stale", refreshed: "fresh"}
	gw, _ := testGateway(t, tokens)

	var used []string
	err := gw.Execute(ctx, TenantScope("t-1"), "read", PriorityNormal, uuid.New(), func(_ context.Context, accessToken string) error {
		used = append(used, accessToken)
		if accessToken == "stale" {
			return shared.NewClassifiedError(shared.FailureInvalidCredential, "401 from upstream", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh"}, used)
	assert.Equal(t, 1, tokens.refreshCalls)
}

func TestGateway_SecondAuthFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	tokens := &fakeTokenSource{token: "stale", refreshed: "still-bad"}
	gw, circuits := testGateway(t, tokens)
	scope := TenantScope("t-1")

	calls := 0
	err := gw.Execute(ctx, scope, "read", PriorityNormal, uuid.New(), func(_ context.Context, _ string) error {
		calls++
		return shared.NewClassifiedError(shared.FailureInvalidCredential, "401 from upstream", nil)
	})

	require.Error(t, err)
	assert.Equal(t, shared.FailureInvalidCredential, shared.Classify(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, tokens.refreshCalls)

	// Auth failures are not upstream instability.
	snap, storeErr := circuits.Get(ctx, scope)
	require.NoError(t, storeErr)
	assert.Equal(t, int64(0), snap.Failures)
}

func TestGateway_RefreshErrorSurfacesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	tokens := &fakeTokenSource{
		token:      "stale",
		refreshErr: shared.NewClassifiedError(shared.FailureInvalidGrant, "refresh token revoked", nil),
	}
	gw, _ := testGateway(t, tokens)

	calls := 0
	err := gw.Execute(ctx, TenantScope("t-1"), "read", PriorityNormal, uuid.New(), func(_ context.Context, _ string) error {
		calls++
		return shared.NewClassifiedError(shared.FailureInvalidCredential, "401 from upstream", nil)
	})

	assert.Equal(t, shared.FailureInvalidGrant, shared.Classify(err))
	assert.Equal(t, 1, calls)
}

func TestGateway_TransientFailuresTripCircuit(t *testing.T) {
	ctx := context.Background()
	tokens := &fakeTokenSource{token: "tok-1"}
	gw, circuits := testGateway(t, tokens)
	scope := TenantScope("t-1")

	upstream := shared.NewClassifiedError(shared.FailureTransientUpstream, "502 from upstream", nil)
	for i := 0; i < 3; i++ {
		err := gw.Execute(ctx, scope, "read", PriorityNormal, uuid.New(), func(_ context.Context, _ string) error {
			return upstream
		})
		require.Error(t, err)
	}

	snap, err := circuits.Get(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, snap.State)

	// Subsequent calls fail fast without reaching the request func.
	calls := 0
	err = gw.Execute(ctx, scope, "read", PriorityNormal, uuid.New(), func(_ context.Context, _ string) error {
		calls++
		return nil
	})
	assert.Equal(t, shared.FailureCircuitOpen, shared.Classify(err))
	assert.Equal(t, 0, calls)
}

func TestGateway_RetryAfterHintHonoredWithinQueueBudget(t *testing.T) {
	ctx := context.Background()
	tokens := &fakeTokenSource{token: "tok-1"}
	gw, _ := testGateway(t, tokens)
	gw.cfg.QueueWait = 5 * time.Second

	var slept time.Duration
	gw.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	calls := 0
	err := gw.Execute(ctx, TenantScope("t-1"), "read", PriorityNormal, uuid.New(), func(_ context.Context, _ string) error {
		calls++
		if calls == 1 {
			ce := shared.NewClassifiedError(shared.FailureRateLimited, "429 from upstream", nil)
			ce.RetryAfter = 2
			return ce
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2*time.Second, slept)
}

func TestGateway_RetryAfterBeyondBudgetSurfaces(t *testing.T) {
	ctx := context.Background()
	tokens := &fakeTokenSource{token: "tok-1"}
	gw, circuits := testGateway(t, tokens)
	gw.cfg.QueueWait = time.Second
	scope := TenantScope("t-1")

	calls := 0
	err := gw.Execute(ctx, scope, "read", PriorityNormal, uuid.New(), func(_ context.Context, _ string) error {
		calls++
		ce := shared.NewClassifiedError(shared.FailureRateLimited, "429 from upstream", nil)
		ce.RetryAfter = 30
		return ce
	})

	require.Error(t, err)
	assert.Equal(t, shared.FailureRateLimited, shared.Classify(err))
	assert.Equal(t, 1, calls)

	// Rate limiting does not count toward the circuit.
	snap, storeErr := circuits.Get(ctx, scope)
	require.NoError(t, storeErr)
	assert.Equal(t, int64(0), snap.Failures)
}

func TestGateway_CallerErrorsSurfaceUncounted(t *testing.T) {
	ctx := context.Background()
	tokens := &fakeTokenSource{token: "tok-1"}
	gw, circuits := testGateway(t, tokens)
	scope := TenantScope("t-1")

	err := gw.Execute(ctx, scope, "read", PriorityNormal, uuid.New(), func(_ context.Context, _ string) error {
		return shared.NewClassifiedError(shared.FailureMalformedInput, "404 from upstream", nil)
	})

	assert.Equal(t, shared.FailureMalformedInput, shared.Classify(err))
	snap, storeErr := circuits.Get(ctx, scope)
	require.NoError(t, storeErr)
	assert.Equal(t, int64(0), snap.Failures)
}
