package ingestion

import (
	"time"

	"github.com/google/uuid"
	"github.com/sellerdesk/backend/internal/domain/shared"
)

// EventStatus represents the processing state of an ingested event
type EventStatus string

const (
	EventStatusReceived   EventStatus = "RECEIVED"
	EventStatusProcessing EventStatus = "PROCESSING"
	EventStatusCompleted  EventStatus = "COMPLETED"
	EventStatusFailed     EventStatus = "FAILED"
)

// Default retry configuration
const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 30 * time.Second
)

// IngestedEvent is one marketplace notification driven through the
// fetch -> AI-dispatch -> persisted-result pipeline. EventID is the natural
// dedup key; rows are retained after terminal states for audit.
type IngestedEvent struct {
	ID          uuid.UUID
	EventID     string
	Topic       string
	Payload     []byte
	TenantID    *uuid.UUID
	AccountID   string
	Status      EventStatus
	Attempts    int
	MaxAttempts int
	LastError   string
	// Result holds the successful pipeline output (e.g. the AI suggestion).
	// A non-empty result blocks any reprocessing of the event.
	Result      []byte
	NextRetryAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewIngestedEvent creates an event in RECEIVED state
func NewIngestedEvent(eventID, topic string, payload []byte, tenantID *uuid.UUID, accountID string) *IngestedEvent {
	now := time.Now()
	return &IngestedEvent{
		ID:          uuid.New(),
		EventID:     eventID,
		Topic:       topic,
		Payload:     payload,
		TenantID:    tenantID,
		AccountID:   accountID,
		Status:      EventStatusReceived,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MarkProcessing transitions the event to PROCESSING. A PROCESSING event may
// be re-marked: that is the stale-reclaim path taking over from a dead worker.
// Terminal COMPLETED events never re-enter processing.
func (e *IngestedEvent) MarkProcessing() error {
	if e.Status == EventStatusCompleted {
		return shared.ErrInvalidState
	}
	now := time.Now()
	e.Status = EventStatusProcessing
	e.StartedAt = &now
	e.UpdatedAt = now
	return nil
}

// MarkCompleted transitions the event to COMPLETED recording the pipeline result
func (e *IngestedEvent) MarkCompleted(result []byte) {
	now := time.Now()
	e.Status = EventStatusCompleted
	e.Result = result
	e.LastError = ""
	e.NextRetryAt = nil
	e.CompletedAt = &now
	e.UpdatedAt = now
}

// MarkFailed records a failed attempt. While attempts remain the event stays
// FAILED with a scheduled retry; the backoff doubles per attempt.
func (e *IngestedEvent) MarkFailed(errMsg string) {
	e.Attempts++
	e.LastError = errMsg
	e.Status = EventStatusFailed
	now := time.Now()
	if e.Attempts < e.MaxAttempts {
		backoff := DefaultBaseBackoff * time.Duration(1<<uint(e.Attempts-1))
		next := now.Add(backoff)
		e.NextRetryAt = &next
	} else {
		e.NextRetryAt = nil
	}
	e.UpdatedAt = now
}

// HasResult reports whether a successful pipeline output was already recorded
func (e *IngestedEvent) HasResult() bool {
	return len(e.Result) > 0
}

// RetryDue reports whether a failed event has attempts left and is past its
// scheduled retry time
func (e *IngestedEvent) RetryDue(now time.Time) bool {
	return e.Status == EventStatusFailed &&
		e.Attempts < e.MaxAttempts &&
		e.NextRetryAt != nil && !now.Before(*e.NextRetryAt)
}

// Stuck reports whether the event sits in a non-terminal state past the
// staleness threshold with no recorded result, the signature of a worker
// that died mid-processing.
func (e *IngestedEvent) Stuck(now time.Time, staleness time.Duration) bool {
	if e.Status != EventStatusReceived && e.Status != EventStatusProcessing {
		return false
	}
	if e.HasResult() {
		return false
	}
	return now.Sub(e.UpdatedAt) > staleness
}

// CanReprocess gates operator- or system-triggered reprocessing. An event that
// already carries a successful result is never reprocessed; otherwise a
// retryable failure past the cool-down, or a stuck event, qualifies.
func (e *IngestedEvent) CanReprocess(now time.Time, cooldown, staleness time.Duration) bool {
	if e.HasResult() {
		return false
	}
	if e.Stuck(now, staleness) {
		return true
	}
	if e.Status != EventStatusFailed {
		return false
	}
	return now.Sub(e.UpdatedAt) >= cooldown
}

// ResetForReprocess returns the event to RECEIVED with a fresh attempt budget
func (e *IngestedEvent) ResetForReprocess() {
	e.Status = EventStatusReceived
	e.Attempts = 0
	e.LastError = ""
	e.NextRetryAt = nil
	e.StartedAt = nil
	e.UpdatedAt = time.Now()
}
