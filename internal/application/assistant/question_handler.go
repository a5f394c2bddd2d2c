package assistant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/connection"
	"github.com/sellerdesk/backend/internal/domain/ingestion"
	"github.com/sellerdesk/backend/internal/infrastructure/cache"
	"github.com/sellerdesk/backend/internal/infrastructure/gateway"
	"github.com/sellerdesk/backend/internal/infrastructure/marketplace"
)

// AnswerSuggestion is the persisted output of the question pipeline
type AnswerSuggestion struct {
	QuestionID  string    `json:"question_id"`
	ItemID      string    `json:"item_id"`
	ItemTitle   string    `json:"item_title"`
	Suggestion  string    `json:"suggestion"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Cache TTLs for upstream resources. Questions change rarely once asked;
// items carry price and status so they age out faster locally.
const (
	questionCacheTTL = 10 * time.Minute
	itemCacheTTL     = 5 * time.Minute
)

// QuestionHandler drives a "questions" event through the pipeline: fetch the
// question and its listing through the gateway, ask the Responder for a
// suggestion, hand it to the Notifier. The returned bytes become the event's
// recorded result.
type QuestionHandler struct {
	gw          *gateway.Gateway
	client      *marketplace.Client
	store       *cache.TieredCache
	credentials connection.CredentialRepository
	responder   Responder
	notifier    Notifier
	logger      *zap.Logger
}

// NewQuestionHandler creates the questions topic handler
func NewQuestionHandler(
	gw *gateway.Gateway,
	client *marketplace.Client,
	store *cache.TieredCache,
	credentials connection.CredentialRepository,
	responder Responder,
	notifier Notifier,
	logger *zap.Logger,
) *QuestionHandler {
	return &QuestionHandler{
		gw:          gw,
		client:      client,
		store:       store,
		credentials: credentials,
		responder:   responder,
		notifier:    notifier,
		logger:      logger,
	}
}

// Handle implements ingestion.Handler for the questions topic
func (h *QuestionHandler) Handle(ctx context.Context, event *ingestion.IngestedEvent) ([]byte, error) {
	notification, err := ingestion.ParseNotification(event.Payload)
	if err != nil {
		return nil, err
	}

	profile, err := lookupProfile(ctx, h.store, h.credentials, event.AccountID)
	if err != nil {
		return nil, err
	}
	scope := gateway.TenantScope(profile.TenantID.String())

	question, err := h.fetchQuestion(ctx, scope, profile.CredentialID, notification.ResourceID(), event.AccountID)
	if err != nil {
		return nil, err
	}

	item, err := h.fetchItem(ctx, scope, profile.CredentialID, question.ItemID, event.AccountID)
	if err != nil {
		return nil, err
	}

	text, err := h.responder.Suggest(ctx, question, item)
	if err != nil {
		return nil, err
	}

	suggestion := &AnswerSuggestion{
		QuestionID:  notification.ResourceID(),
		ItemID:      item.ID,
		ItemTitle:   item.Title,
		Suggestion:  text,
		GeneratedAt: time.Now(),
	}

	// The suggestion is already durable once the result is persisted; a
	// notification hiccup must not burn a retry attempt on the whole event.
	if err := h.notifier.NotifySuggestion(ctx, event.AccountID, suggestion); err != nil {
		h.logger.Warn("suggestion notification failed",
			zap.String("event_id", event.EventID),
			zap.String("question_id", suggestion.QuestionID),
			zap.Error(err),
		)
	}

	return json.Marshal(suggestion)
}

func (h *QuestionHandler) fetchQuestion(ctx context.Context, scope string, credentialID uuid.UUID, questionID, accountID string) (*marketplace.Question, error) {
	data, err := h.store.Remember(ctx, "question:"+questionID, questionCacheTTL,
		[]string{"account:" + accountID},
		func(ctx context.Context) ([]byte, error) {
			var question *marketplace.Question
			err := h.gw.Execute(ctx, scope, "read", gateway.PriorityNormal, credentialID, func(ctx context.Context, token string) error {
				var callErr error
				question, callErr = h.client.GetQuestion(ctx, token, questionID)
				return callErr
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(question)
		})
	if err != nil {
		return nil, err
	}

	var question marketplace.Question
	if err := json.Unmarshal(data, &question); err != nil {
		return nil, err
	}
	return &question, nil
}

func (h *QuestionHandler) fetchItem(ctx context.Context, scope string, credentialID uuid.UUID, itemID, accountID string) (*marketplace.Item, error) {
	data, err := h.store.Remember(ctx, "item:"+itemID, itemCacheTTL,
		[]string{"account:" + accountID, "item:" + itemID},
		func(ctx context.Context) ([]byte, error) {
			var item *marketplace.Item
			err := h.gw.Execute(ctx, scope, "read", gateway.PriorityNormal, credentialID, func(ctx context.Context, token string) error {
				var callErr error
				item, callErr = h.client.GetItem(ctx, token, itemID)
				return callErr
			})
			if err != nil {
				return nil, err
			}
			return json.Marshal(item)
		})
	if err != nil {
		return nil, err
	}

	var item marketplace.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

var _ ingestion.Handler = (*QuestionHandler)(nil)
