package oauth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/connection"
	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/marketplace"
)

// fakeTokenClient replays a scripted sequence of token endpoint outcomes.
type fakeTokenClient struct {
	mu            sync.Mutex
	exchangeQueue []tokenResult
	refreshQueue  []tokenResult
	exchangeCalls int
	refreshCalls  int
}

type tokenResult struct {
	token *marketplace.TokenResponse
	err   error
}

func (c *fakeTokenClient) AuthorizationURL(state, codeChallenge string) string {
	return "https://auth.example/authorize?state=" + url.QueryEscape(state) +
		"&code_challenge=" + url.QueryEscape(codeChallenge)
}

func (c *fakeTokenClient) ExchangeCode(_ context.Context, _, _ string) (*marketplace.TokenResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchangeCalls++
	if len(c.exchangeQueue) == 0 {
		return goodToken(), nil
	}
	next := c.exchangeQueue[0]
	c.exchangeQueue = c.exchangeQueue[1:]
	return next.token, next.err
}

func (c *fakeTokenClient) RefreshToken(_ context.Context, _ string) (*marketplace.TokenResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshCalls++
	if len(c.refreshQueue) == 0 {
		return goodToken(), nil
	}
	next := c.refreshQueue[0]
	c.refreshQueue = c.refreshQueue[1:]
	return next.token, next.err
}

func goodToken() *marketplace.TokenResponse {
	return &marketplace.TokenResponse{
		AccessToken:  "access-plain",
		RefreshToken: "refresh-plain",
		ExpiresIn:    21600,
		UserID:       424242,
	}
}

// fakeVault seals by reversible wrapping so tests can assert both directions
type fakeVault struct{}

func (fakeVault) Seal(plaintext string) (string, error) { return "sealed:" + plaintext, nil }

func (fakeVault) Open(ciphertext string) (string, error) {
	return strings.TrimPrefix(ciphertext, "sealed:"), nil
}

// memCredentialRepo is an in-memory connection.CredentialRepository
type memCredentialRepo struct {
	mu    sync.Mutex
	creds map[uuid.UUID]*connection.DelegatedCredential
}

func newMemCredentialRepo() *memCredentialRepo {
	return &memCredentialRepo{creds: make(map[uuid.UUID]*connection.DelegatedCredential)}
}

func (r *memCredentialRepo) Save(_ context.Context, cred *connection.DelegatedCredential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *cred
	r.creds[cred.ID] = &clone
	return nil
}

func (r *memCredentialRepo) FindByID(_ context.Context, id uuid.UUID) (*connection.DelegatedCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *cred
	return &clone, nil
}

func (r *memCredentialRepo) FindByMarketplaceUser(_ context.Context, marketplaceUserID string) (*connection.DelegatedCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cred := range r.creds {
		if cred.MarketplaceUserID == marketplaceUserID {
			clone := *cred
			return &clone, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memCredentialRepo) FindActiveByTenant(_ context.Context, tenantID uuid.UUID) ([]*connection.DelegatedCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*connection.DelegatedCredential
	for _, cred := range r.creds {
		if cred.TenantID == tenantID && cred.IsActive {
			clone := *cred
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memCredentialRepo) ListActive(_ context.Context) ([]*connection.DelegatedCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*connection.DelegatedCredential
	for _, cred := range r.creds {
		if cred.IsActive {
			clone := *cred
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memCredentialRepo) Rotate(_ context.Context, id uuid.UUID, accessCipher, refreshCipher string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[id]
	if !ok || !cred.IsActive {
		return shared.ErrNotFound
	}
	cred.Rotate(accessCipher, refreshCipher, expiresAt)
	return nil
}

func (r *memCredentialRepo) Deactivate(_ context.Context, id uuid.UUID, upstreamErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[id]
	if !ok {
		return shared.ErrNotFound
	}
	cred.Deactivate(upstreamErr)
	return nil
}

type flowFixture struct {
	manager *FlowManager
	client  *fakeTokenClient
	creds   *memCredentialRepo
	store   *InMemoryHandshakeStore
	gate    *InMemoryBackoffGate
	slept   []time.Duration
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	f := &flowFixture{
		client: &fakeTokenClient{},
		creds:  newMemCredentialRepo(),
		store:  NewInMemoryHandshakeStore(),
		gate:   NewInMemoryBackoffGate(time.Hour),
	}
	f.manager = NewFlowManager(
		f.store,
		NewInMemoryExchangeMemo(),
		f.gate,
		fakeVault{},
		f.creds,
		f.client,
		FlowManagerConfig{
			HandshakeTTL:    10 * time.Minute,
			ExchangeMemoTTL: time.Hour,
			RefreshMargin:   5 * time.Minute,
		},
		zap.NewNop(),
	)
	f.manager.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

// beginAndExtractState starts a handshake and pulls the state back out of the
// redirect URL so the callback side can be exercised.
func (f *flowFixture) beginAndExtractState(t *testing.T) string {
	t.Helper()
	redirect, err := f.manager.BeginAuthorization(context.Background(), nil, true)
	require.NoError(t, err)
	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestFlowManager_BeginAuthorization(t *testing.T) {
	f := newFlowFixture(t)
	tenantID := uuid.New()

	redirect, err := f.manager.BeginAuthorization(context.Background(), &tenantID, false)

	require.NoError(t, err)
	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.NotEmpty(t, parsed.Query().Get("state"))
	assert.NotEmpty(t, parsed.Query().Get("code_challenge"))

	stored, err := f.store.Consume(context.Background(), parsed.Query().Get("state"))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, tenantID, *stored.TenantID)
	assert.False(t, stored.IsPrimaryLogin)
}

func TestFlowManager_BeginAuthorizationSweepsAbandonedHandshakes(t *testing.T) {
	f := newFlowFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.manager.BeginAuthorization(context.Background(), nil, false)
		require.NoError(t, err)
	}

	// A user who never returns from the upstream leaves the handshake to
	// expire in place.
	f.manager.recentMu.Lock()
	require.Len(t, f.manager.recent, 3)
	for _, handshake := range f.manager.recent {
		handshake.ExpiresAt = time.Now().Add(-time.Minute)
	}
	f.manager.recentMu.Unlock()

	_, err := f.manager.BeginAuthorization(context.Background(), nil, false)
	require.NoError(t, err)

	f.manager.recentMu.Lock()
	defer f.manager.recentMu.Unlock()
	assert.Len(t, f.manager.recent, 1)
}

func TestFlowManager_CompleteAuthorization(t *testing.T) {
	t.Run("creates credential with sealed tokens", func(t *testing.T) {
		f := newFlowFixture(t)
		state := f.beginAndExtractState(t)

		cred, err := f.manager.CompleteAuthorization(context.Background(), "code-1", state)

		require.NoError(t, err)
		assert.Equal(t, "424242", cred.MarketplaceUserID)
		assert.Equal(t, "sealed:access-plain", cred.AccessTokenCipher)
		assert.Equal(t, "sealed:refresh-plain", cred.RefreshTokenCipher)
		assert.True(t, cred.IsActive)
		assert.True(t, cred.IsPrimary)
	})

	t.Run("handshake is single use", func(t *testing.T) {
		f := newFlowFixture(t)
		state := f.beginAndExtractState(t)

		_, err := f.manager.CompleteAuthorization(context.Background(), "code-1", state)
		require.NoError(t, err)

		// A different code for the same state misses the memo and finds
		// the handshake already consumed.
		_, err = f.manager.CompleteAuthorization(context.Background(), "code-2", state)
		assert.Equal(t, shared.FailureInvalidHandshake, shared.Classify(err))
	})

	t.Run("duplicate callback absorbed by memo", func(t *testing.T) {
		f := newFlowFixture(t)
		state := f.beginAndExtractState(t)

		first, err := f.manager.CompleteAuthorization(context.Background(), "code-1", state)
		require.NoError(t, err)

		second, err := f.manager.CompleteAuthorization(context.Background(), "code-1", state)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, f.client.exchangeCalls)
	})

	t.Run("missing code or state rejected", func(t *testing.T) {
		f := newFlowFixture(t)

		_, err := f.manager.CompleteAuthorization(context.Background(), "", "some-state")
		assert.Equal(t, shared.FailureMalformedInput, shared.Classify(err))
	})

	t.Run("unknown state rejected", func(t *testing.T) {
		f := newFlowFixture(t)

		_, err := f.manager.CompleteAuthorization(context.Background(), "code-1", "never-issued")
		assert.Equal(t, shared.FailureInvalidHandshake, shared.Classify(err))
	})

	t.Run("stale handshake rejected as expired", func(t *testing.T) {
		f := newFlowFixture(t)
		handshake := &connection.AuthorizationHandshake{
			State:        "stale-state",
			CodeVerifier: "verifier",
			CreatedAt:    time.Now().Add(-time.Hour),
			ExpiresAt:    time.Now().Add(-50 * time.Minute),
		}
		require.NoError(t, f.store.Save(context.Background(), handshake, time.Minute))

		_, err := f.manager.CompleteAuthorization(context.Background(), "code-1", "stale-state")
		assert.Equal(t, shared.FailureExpiredHandshake, shared.Classify(err))
		assert.Zero(t, f.client.exchangeCalls)
	})

	t.Run("rotates existing credential for re-linked account", func(t *testing.T) {
		f := newFlowFixture(t)

		state := f.beginAndExtractState(t)
		first, err := f.manager.CompleteAuthorization(context.Background(), "code-1", state)
		require.NoError(t, err)

		require.NoError(t, f.creds.Deactivate(context.Background(), first.ID, "invalid_grant"))

		state = f.beginAndExtractState(t)
		second, err := f.manager.CompleteAuthorization(context.Background(), "code-2", state)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.True(t, second.IsActive)
		assert.Empty(t, second.LastError)
	})
}

func TestFlowManager_ExchangeRetry(t *testing.T) {
	t.Run("retries transient failures on the schedule", func(t *testing.T) {
		f := newFlowFixture(t)
		f.client.exchangeQueue = []tokenResult{
			{err: shared.NewClassifiedError(shared.FailureTransientUpstream, "upstream hiccup", nil)},
			{err: shared.NewClassifiedError(shared.FailureTransientUpstream, "upstream hiccup", nil)},
			{token: goodToken()},
		}
		state := f.beginAndExtractState(t)

		cred, err := f.manager.CompleteAuthorization(context.Background(), "code-1", state)

		require.NoError(t, err)
		assert.NotNil(t, cred)
		assert.Equal(t, 3, f.client.exchangeCalls)
		assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, f.slept)
	})

	t.Run("terminal failure surfaces without retry", func(t *testing.T) {
		f := newFlowFixture(t)
		f.client.exchangeQueue = []tokenResult{
			{err: shared.NewClassifiedError(shared.FailureInvalidGrant, "code expired", nil)},
		}
		state := f.beginAndExtractState(t)

		_, err := f.manager.CompleteAuthorization(context.Background(), "code-1", state)

		assert.Equal(t, shared.FailureInvalidGrant, shared.Classify(err))
		assert.Equal(t, 1, f.client.exchangeCalls)
		assert.Empty(t, f.slept)
	})

	t.Run("exhausted schedule reports last error", func(t *testing.T) {
		f := newFlowFixture(t)
		transient := tokenResult{err: shared.NewClassifiedError(shared.FailureTransientUpstream, "upstream down", nil)}
		f.client.exchangeQueue = []tokenResult{transient, transient, transient, transient, transient}
		state := f.beginAndExtractState(t)

		_, err := f.manager.CompleteAuthorization(context.Background(), "code-1", state)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "exhausted retry budget")
		assert.Equal(t, 5, f.client.exchangeCalls)
	})

	t.Run("active backoff window suppresses exchange", func(t *testing.T) {
		f := newFlowFixture(t)
		_, err := f.gate.RecordRateLimit(context.Background())
		require.NoError(t, err)
		state := f.beginAndExtractState(t)

		_, err = f.manager.CompleteAuthorization(context.Background(), "code-1", state)

		var ce *shared.ClassifiedError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, shared.FailureRateLimited, ce.Kind)
		assert.Greater(t, ce.RetryAfter, 0)
		assert.Zero(t, f.client.exchangeCalls)
	})

	t.Run("rate limited attempt escalates the shared window", func(t *testing.T) {
		f := newFlowFixture(t)
		rateLimited := shared.NewClassifiedError(shared.FailureRateLimited, "slow down", nil)
		f.client.exchangeQueue = []tokenResult{
			{err: rateLimited},
			{token: goodToken()},
		}
		state := f.beginAndExtractState(t)

		_, err := f.manager.CompleteAuthorization(context.Background(), "code-1", state)
		require.NoError(t, err)

		remaining, err := f.gate.Remaining(context.Background())
		require.NoError(t, err)
		assert.Greater(t, remaining, time.Duration(0))
	})
}

func TestFlowManager_RefreshCredential(t *testing.T) {
	seed := func(t *testing.T, f *flowFixture, expiresAt time.Time) *connection.DelegatedCredential {
		t.Helper()
		cred := connection.NewDelegatedCredential(
			uuid.New(), "424242", "sealed:old-access", "sealed:old-refresh", expiresAt, true)
		require.NoError(t, f.creds.Save(context.Background(), cred))
		return cred
	}

	t.Run("rotates both tokens", func(t *testing.T) {
		f := newFlowFixture(t)
		cred := seed(t, f, time.Now().Add(time.Hour))

		access, err := f.manager.RefreshCredential(context.Background(), cred.ID)

		require.NoError(t, err)
		assert.Equal(t, "access-plain", access)

		stored, err := f.creds.FindByID(context.Background(), cred.ID)
		require.NoError(t, err)
		assert.Equal(t, "sealed:access-plain", stored.AccessTokenCipher)
		assert.Equal(t, "sealed:refresh-plain", stored.RefreshTokenCipher)
	})

	t.Run("terminal failure deactivates the credential", func(t *testing.T) {
		f := newFlowFixture(t)
		cred := seed(t, f, time.Now().Add(time.Hour))
		f.client.refreshQueue = []tokenResult{
			{err: shared.NewClassifiedError(shared.FailureInvalidGrant, "refresh token revoked", nil)},
		}

		_, err := f.manager.RefreshCredential(context.Background(), cred.ID)

		assert.Equal(t, shared.FailureInvalidGrant, shared.Classify(err))
		stored, findErr := f.creds.FindByID(context.Background(), cred.ID)
		require.NoError(t, findErr)
		assert.False(t, stored.IsActive)
		assert.Contains(t, stored.LastError, "refresh token revoked")
	})

	t.Run("transient failure leaves the credential active", func(t *testing.T) {
		f := newFlowFixture(t)
		cred := seed(t, f, time.Now().Add(time.Hour))
		f.client.refreshQueue = []tokenResult{
			{err: shared.NewClassifiedError(shared.FailureTransientUpstream, "upstream down", nil)},
		}

		_, err := f.manager.RefreshCredential(context.Background(), cred.ID)

		assert.Equal(t, shared.FailureTransientUpstream, shared.Classify(err))
		stored, findErr := f.creds.FindByID(context.Background(), cred.ID)
		require.NoError(t, findErr)
		assert.True(t, stored.IsActive)
	})

	t.Run("rate limited failure escalates without deactivation", func(t *testing.T) {
		f := newFlowFixture(t)
		cred := seed(t, f, time.Now().Add(time.Hour))
		f.client.refreshQueue = []tokenResult{
			{err: shared.NewClassifiedError(shared.FailureRateLimited, "slow down", nil)},
		}

		_, err := f.manager.RefreshCredential(context.Background(), cred.ID)

		assert.Equal(t, shared.FailureRateLimited, shared.Classify(err))
		stored, findErr := f.creds.FindByID(context.Background(), cred.ID)
		require.NoError(t, findErr)
		assert.True(t, stored.IsActive)

		remaining, gateErr := f.gate.Remaining(context.Background())
		require.NoError(t, gateErr)
		assert.Greater(t, remaining, time.Duration(0))
	})

	t.Run("deactivated credential fails fast", func(t *testing.T) {
		f := newFlowFixture(t)
		cred := seed(t, f, time.Now().Add(time.Hour))
		require.NoError(t, f.creds.Deactivate(context.Background(), cred.ID, "invalid_grant"))

		_, err := f.manager.RefreshCredential(context.Background(), cred.ID)

		assert.Equal(t, shared.FailureInvalidCredential, shared.Classify(err))
		assert.Zero(t, f.client.refreshCalls)
	})
}

func TestFlowManager_AccessToken(t *testing.T) {
	t.Run("returns unsealed token while fresh", func(t *testing.T) {
		f := newFlowFixture(t)
		cred := connection.NewDelegatedCredential(
			uuid.New(), "424242", "sealed:current-access", "sealed:current-refresh",
			time.Now().Add(time.Hour), true)
		require.NoError(t, f.creds.Save(context.Background(), cred))

		access, err := f.manager.AccessToken(context.Background(), cred.ID)

		require.NoError(t, err)
		assert.Equal(t, "current-access", access)
		assert.Zero(t, f.client.refreshCalls)
	})

	t.Run("refreshes proactively inside the margin", func(t *testing.T) {
		f := newFlowFixture(t)
		cred := connection.NewDelegatedCredential(
			uuid.New(), "424242", "sealed:current-access", "sealed:current-refresh",
			time.Now().Add(time.Minute), true)
		require.NoError(t, f.creds.Save(context.Background(), cred))

		access, err := f.manager.AccessToken(context.Background(), cred.ID)

		require.NoError(t, err)
		assert.Equal(t, "access-plain", access)
		assert.Equal(t, 1, f.client.refreshCalls)
	})

	t.Run("deactivated credential fails without a network call", func(t *testing.T) {
		f := newFlowFixture(t)
		cred := connection.NewDelegatedCredential(
			uuid.New(), "424242", "sealed:current-access", "sealed:current-refresh",
			time.Now().Add(time.Hour), true)
		cred.Deactivate("invalid_grant")
		require.NoError(t, f.creds.Save(context.Background(), cred))

		_, err := f.manager.AccessToken(context.Background(), cred.ID)

		assert.Equal(t, shared.FailureInvalidCredential, shared.Classify(err))
		assert.Zero(t, f.client.refreshCalls)
	})

	t.Run("unknown credential reports not found", func(t *testing.T) {
		f := newFlowFixture(t)

		_, err := f.manager.AccessToken(context.Background(), uuid.New())

		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}
