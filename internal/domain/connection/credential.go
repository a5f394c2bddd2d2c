package connection

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DelegatedCredential is the delegated access/refresh token pair authorizing
// marketplace calls on behalf of a linked seller account. Token material is
// stored sealed; plaintext only exists in process memory during active use.
type DelegatedCredential struct {
	ID                 uuid.UUID
	TenantID           uuid.UUID
	MarketplaceUserID  string
	AccessTokenCipher  string
	RefreshTokenCipher string
	ExpiresAt          time.Time
	IsActive           bool
	IsPrimary          bool
	LastError          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// NewDelegatedCredential creates an active credential for a linked account
func NewDelegatedCredential(tenantID uuid.UUID, marketplaceUserID string, accessCipher, refreshCipher string, expiresAt time.Time, isPrimary bool) *DelegatedCredential {
	now := time.Now()
	return &DelegatedCredential{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		MarketplaceUserID:  marketplaceUserID,
		AccessTokenCipher:  accessCipher,
		RefreshTokenCipher: refreshCipher,
		ExpiresAt:          expiresAt,
		IsActive:           true,
		IsPrimary:          isPrimary,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// ExpiresWithin reports whether the access token expires inside the safety margin
func (c *DelegatedCredential) ExpiresWithin(margin time.Duration) bool {
	return time.Now().Add(margin).After(c.ExpiresAt)
}

// Rotate replaces both sealed tokens and the expiry, clearing any prior error.
// Both tokens rotate together; a refresh that replaced only one of them would
// invalidate the pair upstream.
func (c *DelegatedCredential) Rotate(accessCipher, refreshCipher string, expiresAt time.Time) {
	c.AccessTokenCipher = accessCipher
	c.RefreshTokenCipher = refreshCipher
	c.ExpiresAt = expiresAt
	c.LastError = ""
	c.IsActive = true
	c.UpdatedAt = time.Now()
}

// Deactivate marks the credential unusable, keeping the upstream error verbatim
// for operator visibility.
func (c *DelegatedCredential) Deactivate(upstreamErr string) {
	c.IsActive = false
	c.LastError = upstreamErr
	c.UpdatedAt = time.Now()
}

// CredentialRepository defines persistence for delegated credentials
type CredentialRepository interface {
	Save(ctx context.Context, cred *DelegatedCredential) error
	FindByID(ctx context.Context, id uuid.UUID) (*DelegatedCredential, error)
	FindByMarketplaceUser(ctx context.Context, marketplaceUserID string) (*DelegatedCredential, error)
	FindActiveByTenant(ctx context.Context, tenantID uuid.UUID) ([]*DelegatedCredential, error)
	// ListActive returns every active credential; the cache warmer walks
	// this set to pre-fill account profiles.
	ListActive(ctx context.Context) ([]*DelegatedCredential, error)
	// Rotate atomically replaces both token ciphers and the expiry for an
	// active credential, clearing last_error.
	Rotate(ctx context.Context, id uuid.UUID, accessCipher, refreshCipher string, expiresAt time.Time) error
	// Deactivate marks the credential inactive and records the upstream error.
	Deactivate(ctx context.Context, id uuid.UUID, upstreamErr string) error
}
