package connection

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuthorizationHandshake is the short-lived record correlating an authorization
// request with its eventual callback. Keyed by the opaque state value and
// consumed exactly once by the callback path.
type AuthorizationHandshake struct {
	State          string     `json:"state"`
	CodeVerifier   string     `json:"code_verifier"`
	TenantID       *uuid.UUID `json:"tenant_id,omitempty"`
	IsPrimaryLogin bool       `json:"is_primary_login"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Expired reports whether the handshake is past its expiry
func (h *AuthorizationHandshake) Expired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

// HandshakeStore persists pending handshakes in ephemeral shared storage.
// Consume must be an atomic read-and-delete so that concurrent instances
// processing the same callback admit exactly one of them.
type HandshakeStore interface {
	// Save persists a handshake with a TTL. Fails with ErrAlreadyExists if a
	// live handshake with the same state is present.
	Save(ctx context.Context, h *AuthorizationHandshake, ttl time.Duration) error
	// Consume atomically reads and deletes the handshake for a state value.
	// Returns nil without error when no handshake exists.
	Consume(ctx context.Context, state string) (*AuthorizationHandshake, error)
	// SweepExpired removes handshakes past their expiry from the index,
	// returning the number removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
