package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sellerdesk/backend/internal/domain/connection"
	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/marketplace"
	"github.com/sellerdesk/backend/internal/infrastructure/vault"
)

// TokenClient is the marketplace surface the flow manager depends on
type TokenClient interface {
	AuthorizationURL(state, codeChallenge string) string
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*marketplace.TokenResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*marketplace.TokenResponse, error)
}

// exchangeSchedule is the delay applied after each failed exchange attempt
var exchangeSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

// FlowManagerConfig holds flow manager tunables
type FlowManagerConfig struct {
	HandshakeTTL    time.Duration
	ExchangeMemoTTL time.Duration
	RefreshMargin   time.Duration
}

// FlowManager issues and completes PKCE authorization handshakes, exchanges
// and refreshes delegated credentials, and hands valid access tokens to the
// gateway. Constructed once at boot and passed to consumers; it owns no
// background goroutines itself (the janitor drives the sweep).
type FlowManager struct {
	store  connection.HandshakeStore
	memo   ExchangeMemo
	gate   BackoffGate
	vault  vault.Vault
	creds  connection.CredentialRepository
	client TokenClient
	cfg    FlowManagerConfig
	logger *zap.Logger

	// recent holds handshakes begun by this instance so the callback path
	// can win locally before consulting the shared store.
	recentMu sync.Mutex
	recent   map[string]*connection.AuthorizationHandshake

	// refreshGroup serializes concurrent refreshes per credential identity;
	// late arrivals await the in-flight result instead of racing to rotate
	// the same refresh token.
	refreshGroup singleflight.Group

	// sleep is injected for tests; defaults to a context-aware timer wait
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFlowManager creates a flow manager
func NewFlowManager(
	store connection.HandshakeStore,
	memo ExchangeMemo,
	gate BackoffGate,
	v vault.Vault,
	creds connection.CredentialRepository,
	client TokenClient,
	cfg FlowManagerConfig,
	logger *zap.Logger,
) *FlowManager {
	return &FlowManager{
		store:  store,
		memo:   memo,
		gate:   gate,
		vault:  v,
		creds:  creds,
		client: client,
		cfg:    cfg,
		logger: logger,
		recent: make(map[string]*connection.AuthorizationHandshake),
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BeginAuthorization starts a PKCE handshake and returns the redirect URL
func (m *FlowManager) BeginAuthorization(ctx context.Context, tenantID *uuid.UUID, isPrimary bool) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	verifier, err := randomToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	handshake := &connection.AuthorizationHandshake{
		State:          state,
		CodeVerifier:   verifier,
		TenantID:       tenantID,
		IsPrimaryLogin: isPrimary,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.HandshakeTTL),
	}

	if err := m.store.Save(ctx, handshake, m.cfg.HandshakeTTL); err != nil {
		return "", fmt.Errorf("begin authorization: %w", err)
	}

	// Abandoned flows never come back through the callback, so expired
	// entries are swept here; the map only ever holds live handshakes.
	m.recentMu.Lock()
	for s, h := range m.recent {
		if h.Expired(now) {
			delete(m.recent, s)
		}
	}
	m.recent[state] = handshake
	m.recentMu.Unlock()

	challenge := codeChallenge(verifier)
	m.logger.Info("authorization handshake issued",
		zap.Bool("primary", isPrimary),
		zap.Time("expires_at", handshake.ExpiresAt),
	)
	return m.client.AuthorizationURL(state, challenge), nil
}

// CompleteAuthorization consumes the handshake for a callback and exchanges
// the authorization code for a delegated credential. A repeated callback for
// an already-exchanged code returns the memoized credential.
func (m *FlowManager) CompleteAuthorization(ctx context.Context, code, state string) (*connection.DelegatedCredential, error) {
	if code == "" || state == "" {
		return nil, shared.NewClassifiedError(shared.FailureMalformedInput, "callback missing code or state", nil)
	}

	// Duplicate callbacks carry a code that was already consumed upstream;
	// the memo wins before any handshake lookup.
	if credID, ok, err := m.memo.Lookup(ctx, code); err == nil && ok {
		cred, err := m.creds.FindByID(ctx, credID)
		if err != nil {
			return nil, fmt.Errorf("complete authorization: memoized credential lookup: %w", err)
		}
		m.logger.Info("duplicate callback absorbed by exchange memo",
			zap.String("credential_id", credID.String()))
		return cred, nil
	} else if err != nil {
		m.logger.Warn("exchange memo lookup failed", zap.Error(err))
	}

	handshake, err := m.consumeHandshake(ctx, state)
	if err != nil {
		return nil, err
	}
	if handshake == nil {
		return nil, shared.NewClassifiedError(shared.FailureInvalidHandshake, "no pending handshake for state", nil)
	}
	if handshake.Expired(time.Now()) {
		return nil, shared.NewClassifiedError(shared.FailureExpiredHandshake, "handshake expired", nil)
	}

	token, err := m.exchangeWithRetry(ctx, code, handshake.CodeVerifier)
	if err != nil {
		return nil, err
	}

	cred, err := m.storeCredential(ctx, handshake, token)
	if err != nil {
		return nil, err
	}

	if err := m.memo.Store(ctx, code, cred.ID, m.cfg.ExchangeMemoTTL); err != nil {
		m.logger.Warn("failed to memoize exchanged code", zap.Error(err))
	}
	return cred, nil
}

// consumeHandshake checks the instance-local cache first, then the shared
// store, so either path winning a race yields exactly one consumer.
func (m *FlowManager) consumeHandshake(ctx context.Context, state string) (*connection.AuthorizationHandshake, error) {
	m.recentMu.Lock()
	local, ok := m.recent[state]
	if ok {
		delete(m.recent, state)
	}
	m.recentMu.Unlock()

	// The shared store remains the arbiter even on a local hit; a racing
	// instance may already have consumed the handshake there.
	stored, err := m.store.Consume(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("complete authorization: handshake consume: %w", err)
	}
	if stored != nil {
		return stored, nil
	}
	if ok {
		return local, nil
	}
	return nil, nil
}

// exchangeWithRetry runs the bounded exchange loop. 429 responses escalate
// the global backoff window for other flow calls while this call keeps its
// schedule; terminal classifications surface immediately.
func (m *FlowManager) exchangeWithRetry(ctx context.Context, code, verifier string) (*marketplace.TokenResponse, error) {
	if remaining, err := m.gate.Remaining(ctx); err != nil {
		m.logger.Warn("backoff gate read failed", zap.Error(err))
	} else if remaining > 0 {
		ce := shared.NewClassifiedError(shared.FailureRateLimited, "token exchange suppressed by global backoff window", nil)
		ce.RetryAfter = int(remaining.Seconds()) + 1
		return nil, ce
	}

	var lastErr error
	for attempt := 0; attempt < len(exchangeSchedule); attempt++ {
		token, err := m.client.ExchangeCode(ctx, code, verifier)
		if err == nil {
			return token, nil
		}
		lastErr = err

		kind := shared.Classify(err)
		if kind == shared.FailureRateLimited {
			if window, gateErr := m.gate.RecordRateLimit(ctx); gateErr != nil {
				m.logger.Warn("backoff gate escalation failed", zap.Error(gateErr))
			} else {
				m.logger.Warn("token endpoint rate limited, global backoff escalated",
					zap.Duration("window", window),
					zap.Int("attempt", attempt+1),
				)
			}
		} else if !shared.IsRetryable(err) {
			return nil, err
		}

		if attempt == len(exchangeSchedule)-1 {
			break
		}
		if err := m.sleep(ctx, exchangeSchedule[attempt]); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("token exchange exhausted retry budget: %w", lastErr)
}

// storeCredential seals the exchanged tokens and creates or rotates the
// credential for the marketplace user.
func (m *FlowManager) storeCredential(ctx context.Context, handshake *connection.AuthorizationHandshake, token *marketplace.TokenResponse) (*connection.DelegatedCredential, error) {
	accessCipher, err := m.vault.Seal(token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	refreshCipher, err := m.vault.Seal(token.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("store credential: %w", err)
	}
	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	marketplaceUserID := fmt.Sprintf("%d", token.UserID)

	existing, err := m.creds.FindByMarketplaceUser(ctx, marketplaceUserID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("store credential: lookup: %w", err)
	}

	if existing != nil {
		existing.Rotate(accessCipher, refreshCipher, expiresAt)
		if handshake.TenantID != nil {
			existing.TenantID = *handshake.TenantID
		}
		if err := m.creds.Save(ctx, existing); err != nil {
			return nil, fmt.Errorf("store credential: update: %w", err)
		}
		m.logger.Info("credential rotated via re-authorization",
			zap.String("credential_id", existing.ID.String()))
		return existing, nil
	}

	var tenantID uuid.UUID
	if handshake.TenantID != nil {
		tenantID = *handshake.TenantID
	}
	cred := connection.NewDelegatedCredential(tenantID, marketplaceUserID, accessCipher, refreshCipher, expiresAt, handshake.IsPrimaryLogin)
	if err := m.creds.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("store credential: insert: %w", err)
	}
	m.logger.Info("credential created",
		zap.String("credential_id", cred.ID.String()),
		zap.String("marketplace_user_id", marketplaceUserID),
	)
	return cred, nil
}

// RefreshCredential rotates the token pair for a credential. Concurrent calls
// for the same credential coalesce into one upstream refresh. Terminal
// upstream failures deactivate the credential with the error recorded
// verbatim; transient failures surface without deactivation. Retry is
// caller policy, not done here.
func (m *FlowManager) RefreshCredential(ctx context.Context, id uuid.UUID) (string, error) {
	result, err, _ := m.refreshGroup.Do(id.String(), func() (interface{}, error) {
		return m.refreshOnce(ctx, id)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (m *FlowManager) refreshOnce(ctx context.Context, id uuid.UUID) (string, error) {
	if remaining, err := m.gate.Remaining(ctx); err == nil && remaining > 0 {
		ce := shared.NewClassifiedError(shared.FailureRateLimited, "credential refresh suppressed by global backoff window", nil)
		ce.RetryAfter = int(remaining.Seconds()) + 1
		return "", ce
	}

	cred, err := m.creds.FindByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("refresh credential: %w", err)
	}
	if !cred.IsActive {
		return "", shared.NewClassifiedError(shared.FailureInvalidCredential, "credential is deactivated: "+cred.LastError, nil)
	}

	refreshToken, err := m.vault.Open(cred.RefreshTokenCipher)
	if err != nil {
		return "", fmt.Errorf("refresh credential: unseal: %w", err)
	}

	token, err := m.client.RefreshToken(ctx, refreshToken)
	if err != nil {
		if shared.Classify(err) == shared.FailureRateLimited {
			if _, gateErr := m.gate.RecordRateLimit(ctx); gateErr != nil {
				m.logger.Warn("backoff gate escalation failed", zap.Error(gateErr))
			}
			return "", err
		}
		if !shared.IsRetryable(err) {
			if deactivateErr := m.creds.Deactivate(ctx, id, err.Error()); deactivateErr != nil {
				m.logger.Error("failed to deactivate credential after refresh failure",
					zap.String("credential_id", id.String()),
					zap.Error(deactivateErr),
				)
			}
			m.logger.Warn("credential deactivated after refresh failure",
				zap.String("credential_id", id.String()),
				zap.String("upstream_error", err.Error()),
			)
		}
		return "", err
	}

	accessCipher, err := m.vault.Seal(token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("refresh credential: seal: %w", err)
	}
	refreshCipher, err := m.vault.Seal(token.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh credential: seal: %w", err)
	}
	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	if err := m.creds.Rotate(ctx, id, accessCipher, refreshCipher, expiresAt); err != nil {
		return "", fmt.Errorf("refresh credential: rotate: %w", err)
	}
	m.logger.Debug("credential refreshed", zap.String("credential_id", id.String()))
	return token.AccessToken, nil
}

// AccessToken returns a valid plaintext access token for a credential,
// refreshing proactively when expiry falls inside the safety margin.
// Deactivated credentials fail fast without a network call.
func (m *FlowManager) AccessToken(ctx context.Context, id uuid.UUID) (string, error) {
	cred, err := m.creds.FindByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	if !cred.IsActive {
		return "", shared.NewClassifiedError(shared.FailureInvalidCredential, "credential is deactivated: "+cred.LastError, nil)
	}
	if cred.ExpiresWithin(m.cfg.RefreshMargin) {
		return m.RefreshCredential(ctx, id)
	}
	return m.vault.Open(cred.AccessTokenCipher)
}

// randomToken returns a URL-safe 256-bit random value
func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random token generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// codeChallenge derives the S256 PKCE challenge from a verifier
func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
