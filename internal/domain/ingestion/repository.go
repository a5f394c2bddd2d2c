package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventRepository defines persistence for ingested events.
// InsertIfAbsent and ClaimProcessing are the two operations that must stay
// atomic under concurrent instances handling the same delivery.
type EventRepository interface {
	// InsertIfAbsent persists the event unless one with the same EventID
	// already exists. Returns (existing, false) on a duplicate and
	// (inserted, true) otherwise.
	InsertIfAbsent(ctx context.Context, event *IngestedEvent) (*IngestedEvent, bool, error)
	FindByID(ctx context.Context, id uuid.UUID) (*IngestedEvent, error)
	FindByEventID(ctx context.Context, eventID string) (*IngestedEvent, error)
	// FindDue returns events ready for a worker: RECEIVED, FAILED past their
	// retry time, and non-terminal events stale past the given threshold.
	// Events whose topic appears in priorityTopics sort ahead of the rest.
	FindDue(ctx context.Context, now time.Time, staleness time.Duration, priorityTopics []string, limit int) ([]*IngestedEvent, error)
	// ClaimProcessing transitions the event to PROCESSING guarded by its
	// current status and updated_at, returning false when another worker won.
	ClaimProcessing(ctx context.Context, id uuid.UUID, observedUpdatedAt time.Time) (bool, error)
	Update(ctx context.Context, event *IngestedEvent) error
	CountByStatus(ctx context.Context) (map[EventStatus]int64, error)
}

// Handler processes one ingested event. A nil return marks the event
// COMPLETED with the returned result; an error counts as a retryable attempt.
type Handler interface {
	Handle(ctx context.Context, event *IngestedEvent) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, event *IngestedEvent) ([]byte, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, event *IngestedEvent) ([]byte, error) {
	return f(ctx, event)
}
