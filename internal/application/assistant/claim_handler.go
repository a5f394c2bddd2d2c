package assistant

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/connection"
	"github.com/sellerdesk/backend/internal/domain/ingestion"
	"github.com/sellerdesk/backend/internal/infrastructure/gateway"
	"github.com/sellerdesk/backend/internal/infrastructure/marketplace"
)

// ClaimAlert is the persisted output of the claims pipeline
type ClaimAlert struct {
	ClaimID    string    `json:"claim_id"`
	Type       string    `json:"type"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ClaimHandler drives a "claims" event: fetch the claim detail at high
// priority and alert the operator surface. Claims are never cached; each
// alert reflects the claim's state at processing time.
type ClaimHandler struct {
	gw          *gateway.Gateway
	client      *marketplace.Client
	credentials connection.CredentialRepository
	notifier    Notifier
	logger      *zap.Logger
}

// NewClaimHandler creates the claims topic handler
func NewClaimHandler(
	gw *gateway.Gateway,
	client *marketplace.Client,
	credentials connection.CredentialRepository,
	notifier Notifier,
	logger *zap.Logger,
) *ClaimHandler {
	return &ClaimHandler{
		gw:          gw,
		client:      client,
		credentials: credentials,
		notifier:    notifier,
		logger:      logger,
	}
}

// Handle implements ingestion.Handler for the claims topic
func (h *ClaimHandler) Handle(ctx context.Context, event *ingestion.IngestedEvent) ([]byte, error) {
	notification, err := ingestion.ParseNotification(event.Payload)
	if err != nil {
		return nil, err
	}

	cred, err := h.credentials.FindByMarketplaceUser(ctx, event.AccountID)
	if err != nil {
		return nil, err
	}
	scope := gateway.TenantScope(cred.TenantID.String())

	var claim *marketplace.Claim
	err = h.gw.Execute(ctx, scope, "read", gateway.PriorityHigh, cred.ID, func(ctx context.Context, token string) error {
		var callErr error
		claim, callErr = h.client.GetClaim(ctx, token, notification.ResourceID())
		return callErr
	})
	if err != nil {
		return nil, err
	}

	alert := &ClaimAlert{
		ClaimID:    notification.ResourceID(),
		Type:       claim.Type,
		Stage:      claim.Stage,
		Status:     claim.Status,
		Reason:     claim.Reason,
		RecordedAt: time.Now(),
	}

	if err := h.notifier.NotifyClaim(ctx, event.AccountID, alert); err != nil {
		h.logger.Warn("claim alert notification failed",
			zap.String("event_id", event.EventID),
			zap.String("claim_id", alert.ClaimID),
			zap.Error(err),
		)
	}

	return json.Marshal(alert)
}

var _ ingestion.Handler = (*ClaimHandler)(nil)
