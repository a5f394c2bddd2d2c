package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sellerdesk/backend/internal/domain/connection"
	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/persistence/models"
)

// GormCredentialRepository implements CredentialRepository using GORM
type GormCredentialRepository struct {
	db *gorm.DB
}

// NewGormCredentialRepository creates a new GormCredentialRepository
func NewGormCredentialRepository(db *gorm.DB) *GormCredentialRepository {
	return &GormCredentialRepository{db: db}
}

// Save creates or updates a credential
func (r *GormCredentialRepository) Save(ctx context.Context, cred *connection.DelegatedCredential) error {
	return r.db.WithContext(ctx).Save(models.CredentialModelFromDomain(cred)).Error
}

// FindByID finds a credential by its ID
func (r *GormCredentialRepository) FindByID(ctx context.Context, id uuid.UUID) (*connection.DelegatedCredential, error) {
	var model models.DelegatedCredentialModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByMarketplaceUser finds the credential for a linked marketplace account
func (r *GormCredentialRepository) FindByMarketplaceUser(ctx context.Context, marketplaceUserID string) (*connection.DelegatedCredential, error) {
	var model models.DelegatedCredentialModel
	if err := r.db.WithContext(ctx).
		Where("marketplace_user_id = ?", marketplaceUserID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindActiveByTenant finds all active credentials for a tenant
func (r *GormCredentialRepository) FindActiveByTenant(ctx context.Context, tenantID uuid.UUID) ([]*connection.DelegatedCredential, error) {
	var rows []models.DelegatedCredentialModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	creds := make([]*connection.DelegatedCredential, len(rows))
	for i := range rows {
		creds[i] = rows[i].ToDomain()
	}
	return creds, nil
}

// ListActive returns every active credential across tenants
func (r *GormCredentialRepository) ListActive(ctx context.Context) ([]*connection.DelegatedCredential, error) {
	var rows []models.DelegatedCredentialModel
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	creds := make([]*connection.DelegatedCredential, len(rows))
	for i := range rows {
		creds[i] = rows[i].ToDomain()
	}
	return creds, nil
}

// Rotate atomically replaces both token ciphers and the expiry for an active
// credential. The is_active guard keeps a concurrent deactivation from being
// silently resurrected by an in-flight refresh.
func (r *GormCredentialRepository) Rotate(ctx context.Context, id uuid.UUID, accessCipher, refreshCipher string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.DelegatedCredentialModel{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"access_token_cipher":  accessCipher,
			"refresh_token_cipher": refreshCipher,
			"expires_at":           expiresAt,
			"last_error":           "",
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Deactivate marks the credential inactive and records the upstream error
func (r *GormCredentialRepository) Deactivate(ctx context.Context, id uuid.UUID, upstreamErr string) error {
	result := r.db.WithContext(ctx).
		Model(&models.DelegatedCredentialModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":  false,
			"last_error": upstreamErr,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Ensure GormCredentialRepository implements CredentialRepository
var _ connection.CredentialRepository = (*GormCredentialRepository)(nil)
