package assistant

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/connection"
	"github.com/sellerdesk/backend/internal/infrastructure/cache"
)

func TestCredentialWarmLoader(t *testing.T) {
	store := cache.NewTieredCache(cache.NewLocalCache(), cache.NewLocalCache(), cache.WithLogger(zap.NewNop()))
	t.Cleanup(func() { _ = store.Close() })

	active := connection.NewDelegatedCredential(
		uuid.New(), "424242", "sealed:a", "sealed:r", time.Now().Add(time.Hour), true)
	revoked := connection.NewDelegatedCredential(
		uuid.New(), "555", "sealed:a", "sealed:r", time.Now().Add(time.Hour), false)
	revoked.Deactivate("refresh token revoked")
	creds := &credentialMap{byUser: map[string]*connection.DelegatedCredential{
		"424242": active,
		"555":    revoked,
	}}

	loader := NewCredentialWarmLoader(creds, store, zap.NewNop())
	require.NoError(t, loader(context.Background()))

	data, err := store.Get(context.Background(), CredentialCacheKey("424242"))
	require.NoError(t, err)
	require.NotNil(t, data)
	var profile CredentialProfile
	require.NoError(t, json.Unmarshal(data, &profile))
	assert.Equal(t, active.ID, profile.CredentialID)
	assert.Equal(t, active.TenantID, profile.TenantID)
	assert.True(t, profile.Active)

	// Deactivated accounts are not part of the warm set.
	data, err = store.Get(context.Background(), CredentialCacheKey("555"))
	require.NoError(t, err)
	assert.Nil(t, data)
}
