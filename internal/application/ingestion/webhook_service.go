package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/connection"
	"github.com/sellerdesk/backend/internal/domain/ingestion"
	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
)

// ReceiveResult is the outcome of one webhook delivery
type ReceiveResult struct {
	EventID   string                `json:"event_id"`
	Status    ingestion.EventStatus `json:"status"`
	Duplicate bool                  `json:"duplicate"`
}

// WebhookService accepts marketplace webhook deliveries and manages the
// lifecycle of the resulting events
type WebhookService struct {
	events      ingestion.EventRepository
	credentials connection.CredentialRepository
	cfg         config.QueueConfig
	logger      *zap.Logger
}

// NewWebhookService creates a new WebhookService
func NewWebhookService(
	events ingestion.EventRepository,
	credentials connection.CredentialRepository,
	cfg config.QueueConfig,
	logger *zap.Logger,
) *WebhookService {
	return &WebhookService{
		events:      events,
		credentials: credentials,
		cfg:         cfg,
		logger:      logger,
	}
}

// Receive validates and enqueues one webhook delivery. Duplicate deliveries
// collapse onto the stored event and report its current status; the caller
// acknowledges both outcomes identically so the upstream stops redelivering.
func (s *WebhookService) Receive(ctx context.Context, body []byte) (*ReceiveResult, error) {
	notification, err := ingestion.ParseNotification(body)
	if err != nil {
		return nil, err
	}

	var tenantID *uuid.UUID
	cred, err := s.credentials.FindByMarketplaceUser(ctx, notification.AccountID())
	switch {
	case err == nil:
		tenantID = &cred.TenantID
	case errors.Is(err, shared.ErrNotFound):
		// Accepted anyway; the account may link while the event waits.
		s.logger.Debug("webhook for unlinked account",
			zap.String("account_id", notification.AccountID()),
			zap.String("topic", notification.Topic),
		)
	default:
		return nil, err
	}

	event := ingestion.NewIngestedEvent(
		notification.EventKey(),
		notification.Topic,
		body,
		tenantID,
		notification.AccountID(),
	)
	event.MaxAttempts = s.cfg.MaxAttempts

	stored, fresh, err := s.events.InsertIfAbsent(ctx, event)
	if err != nil {
		return nil, err
	}
	if !fresh {
		s.logger.Debug("duplicate webhook delivery collapsed",
			zap.String("event_id", stored.EventID),
			zap.String("status", string(stored.Status)),
		)
	}

	return &ReceiveResult{
		EventID:   stored.EventID,
		Status:    stored.Status,
		Duplicate: !fresh,
	}, nil
}

// Get returns one event by its row ID
func (s *WebhookService) Get(ctx context.Context, id uuid.UUID) (*ingestion.IngestedEvent, error) {
	return s.events.FindByID(ctx, id)
}

// Reprocess resets an event for another run. Guarded by the domain rule:
// an event with a recorded result, or one inside its cool-down that is not
// stuck, is refused.
func (s *WebhookService) Reprocess(ctx context.Context, id uuid.UUID) (*ingestion.IngestedEvent, error) {
	event, err := s.events.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !event.CanReprocess(time.Now(), s.cfg.ReprocessCooldown, s.cfg.StalenessThreshold) {
		if event.HasResult() {
			return nil, shared.NewDomainError("REPROCESS_BLOCKED", "Event already has a recorded result")
		}
		return nil, shared.NewDomainError("REPROCESS_BLOCKED", "Event is not eligible for reprocessing yet")
	}

	event.ResetForReprocess()
	if err := s.events.Update(ctx, event); err != nil {
		return nil, err
	}

	s.logger.Info("event reset for reprocessing",
		zap.String("event_id", event.EventID),
		zap.String("topic", event.Topic),
	)
	return event, nil
}

// QueueStats returns event counts grouped by status
func (s *WebhookService) QueueStats(ctx context.Context) (map[ingestion.EventStatus]int64, error) {
	return s.events.CountByStatus(ctx)
}
