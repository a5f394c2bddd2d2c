package assistant

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/infrastructure/marketplace"
)

// Responder produces an answer suggestion for a buyer question.
// Implementations wrap the AI pipeline; the handler only depends on this
// surface.
type Responder interface {
	Suggest(ctx context.Context, question *marketplace.Question, item *marketplace.Item) (string, error)
}

// Notifier pushes a finished suggestion to the downstream surface the seller
// watches (app, email, whatever is wired).
type Notifier interface {
	NotifySuggestion(ctx context.Context, accountID string, suggestion *AnswerSuggestion) error
	NotifyClaim(ctx context.Context, accountID string, claim *ClaimAlert) error
}

// LoggingNotifier is the fallback Notifier; it records deliveries in the log
// and nothing else
type LoggingNotifier struct {
	logger *zap.Logger
}

// NewLoggingNotifier creates a notifier that only logs
func NewLoggingNotifier(logger *zap.Logger) *LoggingNotifier {
	return &LoggingNotifier{logger: logger}
}

// NotifySuggestion logs the suggestion delivery
func (n *LoggingNotifier) NotifySuggestion(_ context.Context, accountID string, suggestion *AnswerSuggestion) error {
	n.logger.Info("answer suggestion ready",
		zap.String("account_id", accountID),
		zap.String("question_id", suggestion.QuestionID),
		zap.String("item_id", suggestion.ItemID),
	)
	return nil
}

// NotifyClaim logs the claim alert delivery
func (n *LoggingNotifier) NotifyClaim(_ context.Context, accountID string, claim *ClaimAlert) error {
	n.logger.Warn("claim needs operator attention",
		zap.String("account_id", accountID),
		zap.String("claim_id", claim.ClaimID),
		zap.String("stage", claim.Stage),
	)
	return nil
}

var _ Notifier = (*LoggingNotifier)(nil)

// TemplateResponder is the fallback Responder used until a real pipeline is
// wired. It drafts a reply from the listing context so the seller has a
// starting point to edit.
type TemplateResponder struct{}

// Suggest implements Responder with a canned draft
func (TemplateResponder) Suggest(_ context.Context, question *marketplace.Question, item *marketplace.Item) (string, error) {
	return fmt.Sprintf(
		"Hello! Thanks for your interest in %q (listed at %s %s). Regarding your question: %q - please review the listing details and we will confirm shortly.",
		item.Title, item.Price.String(), item.CurrencyID, question.Text,
	), nil
}

var _ Responder = (*TemplateResponder)(nil)
