package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/sellerdesk/backend/internal/domain/ingestion"
)

// IngestedEventModel is the persistence model for ingested webhook events.
// event_id carries the unique index that makes duplicate deliveries collide
// at the database level.
type IngestedEventModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primary_key"`
	EventID     string     `gorm:"size:255;not null;uniqueIndex"`
	Topic       string     `gorm:"size:64;not null;index"`
	Payload     []byte     `gorm:"type:jsonb"`
	TenantID    *uuid.UUID `gorm:"type:uuid;index"`
	AccountID   string     `gorm:"size:64;index"`
	Status      string     `gorm:"size:32;not null;index"`
	Attempts    int        `gorm:"not null;default:0"`
	MaxAttempts int        `gorm:"not null"`
	LastError   string     `gorm:"type:text"`
	Result      []byte     `gorm:"type:jsonb"`
	NextRetryAt *time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null;index"`
}

// TableName specifies the table name
func (IngestedEventModel) TableName() string {
	return "ingested_events"
}

// ToDomain converts the model to a domain event
func (m *IngestedEventModel) ToDomain() *ingestion.IngestedEvent {
	return &ingestion.IngestedEvent{
		ID:          m.ID,
		EventID:     m.EventID,
		Topic:       m.Topic,
		Payload:     m.Payload,
		TenantID:    m.TenantID,
		AccountID:   m.AccountID,
		Status:      ingestion.EventStatus(m.Status),
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		LastError:   m.LastError,
		Result:      m.Result,
		NextRetryAt: m.NextRetryAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// EventModelFromDomain converts a domain event to its model
func EventModelFromDomain(e *ingestion.IngestedEvent) *IngestedEventModel {
	return &IngestedEventModel{
		ID:          e.ID,
		EventID:     e.EventID,
		Topic:       e.Topic,
		Payload:     e.Payload,
		TenantID:    e.TenantID,
		AccountID:   e.AccountID,
		Status:      string(e.Status),
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
		LastError:   e.LastError,
		Result:      e.Result,
		NextRetryAt: e.NextRetryAt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}
