package assistant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/connection"
	"github.com/sellerdesk/backend/internal/infrastructure/cache"
)

// CredentialProfile is the slim cached view of a linked account used on the
// event path. The full credential row stays in Postgres; token ciphers never
// enter the cache.
type CredentialProfile struct {
	CredentialID uuid.UUID `json:"credential_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	Active       bool      `json:"active"`
}

const credentialCacheTTL = 10 * time.Minute

// CredentialCacheKey builds the profile cache key for a marketplace account
func CredentialCacheKey(accountID string) string {
	return "credential:" + accountID
}

func credentialCacheTags(accountID string) []string {
	return []string{"credentials", "account:" + accountID}
}

func profileOf(cred *connection.DelegatedCredential) CredentialProfile {
	return CredentialProfile{
		CredentialID: cred.ID,
		TenantID:     cred.TenantID,
		Active:       cred.IsActive,
	}
}

// lookupProfile resolves the linked-account profile for an event through the
// cache, so entries pre-filled by the warmer skip the database entirely.
func lookupProfile(ctx context.Context, store *cache.TieredCache, creds connection.CredentialRepository, accountID string) (*CredentialProfile, error) {
	data, err := store.Remember(ctx, CredentialCacheKey(accountID), credentialCacheTTL,
		credentialCacheTags(accountID),
		func(ctx context.Context) ([]byte, error) {
			cred, err := creds.FindByMarketplaceUser(ctx, accountID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(profileOf(cred))
		})
	if err != nil {
		return nil, err
	}

	var profile CredentialProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// NewCredentialWarmLoader returns a warm-up loader that pre-fills the profile
// cache for every active credential, so event handlers land on warm keys
// after a deploy or cache flush.
func NewCredentialWarmLoader(creds connection.CredentialRepository, store *cache.TieredCache, logger *zap.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		active, err := creds.ListActive(ctx)
		if err != nil {
			return err
		}
		for _, cred := range active {
			data, err := json.Marshal(profileOf(cred))
			if err != nil {
				return err
			}
			key := CredentialCacheKey(cred.MarketplaceUserID)
			if err := store.Set(ctx, key, data, credentialCacheTTL, credentialCacheTags(cred.MarketplaceUserID)...); err != nil {
				return err
			}
		}
		logger.Debug("credential profiles warmed", zap.Int("count", len(active)))
		return nil
	}
}
