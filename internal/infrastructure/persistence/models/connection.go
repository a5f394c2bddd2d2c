package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sellerdesk/backend/internal/domain/connection"
)

// DelegatedCredentialModel is the persistence model for delegated credentials.
// Token columns hold sealed ciphertext only.
type DelegatedCredentialModel struct {
	ID                 uuid.UUID `gorm:"type:uuid;primary_key"`
	TenantID           uuid.UUID `gorm:"type:uuid;not null;index"`
	MarketplaceUserID  string    `gorm:"size:64;not null;uniqueIndex"`
	AccessTokenCipher  string    `gorm:"type:text;not null"`
	RefreshTokenCipher string    `gorm:"type:text;not null"`
	ExpiresAt          time.Time `gorm:"not null"`
	IsActive           bool      `gorm:"not null;default:true;index"`
	IsPrimary          bool      `gorm:"not null;default:false"`
	LastError          string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// TableName specifies the table name
func (DelegatedCredentialModel) TableName() string {
	return "delegated_credentials"
}

// ToDomain converts the model to a domain credential
func (m *DelegatedCredentialModel) ToDomain() *connection.DelegatedCredential {
	return &connection.DelegatedCredential{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		MarketplaceUserID:  m.MarketplaceUserID,
		AccessTokenCipher:  m.AccessTokenCipher,
		RefreshTokenCipher: m.RefreshTokenCipher,
		ExpiresAt:          m.ExpiresAt,
		IsActive:           m.IsActive,
		IsPrimary:          m.IsPrimary,
		LastError:          m.LastError,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

// CredentialModelFromDomain converts a domain credential to its model
func CredentialModelFromDomain(c *connection.DelegatedCredential) *DelegatedCredentialModel {
	return &DelegatedCredentialModel{
		ID:                 c.ID,
		TenantID:           c.TenantID,
		MarketplaceUserID:  c.MarketplaceUserID,
		AccessTokenCipher:  c.AccessTokenCipher,
		RefreshTokenCipher: c.RefreshTokenCipher,
		ExpiresAt:          c.ExpiresAt,
		IsActive:           c.IsActive,
		IsPrimary:          c.IsPrimary,
		LastError:          c.LastError,
		CreatedAt:          c.CreatedAt,
		UpdatedAt:          c.UpdatedAt,
	}
}
