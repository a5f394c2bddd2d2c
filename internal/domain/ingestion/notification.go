package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sellerdesk/backend/internal/domain/shared"
)

// Known notification topics
const (
	TopicQuestions = "questions"
	TopicClaims    = "claims"
	TopicOrders    = "orders_v2"
	TopicItems     = "items"
)

// PriorityTopics are dispatched ahead of routine topics when queue depth is
// non-trivial. Dispute/claim-class events carry response-time obligations.
func PriorityTopics() []string {
	return []string{TopicClaims}
}

// Notification is the validated form of an inbound marketplace webhook body.
// The upstream sends loosely-typed JSON; ParseNotification converts it at the
// boundary with exhaustive checks rather than letting raw maps flow inward.
type Notification struct {
	Resource string `json:"resource"`
	Topic    string `json:"topic"`
	UserID   int64  `json:"user_id"`
	Attempts int    `json:"attempts,omitempty"`
	Sent     string `json:"sent,omitempty"`
	Received string `json:"received,omitempty"`
}

// EventKey derives the dedup identity for the notification. Repeated
// deliveries of the same resource under the same topic collapse to one event.
func (n *Notification) EventKey() string {
	return n.Topic + ":" + strings.TrimPrefix(n.Resource, "/")
}

// ResourceID extracts the trailing identifier from the resource path,
// e.g. "/questions/5036111111" -> "5036111111".
func (n *Notification) ResourceID() string {
	idx := strings.LastIndex(n.Resource, "/")
	if idx < 0 {
		return n.Resource
	}
	return n.Resource[idx+1:]
}

// AccountID returns the marketplace user the notification belongs to
func (n *Notification) AccountID() string {
	return strconv.FormatInt(n.UserID, 10)
}

// ParseNotification validates a raw webhook body into a Notification
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, shared.NewClassifiedError(shared.FailureMalformedInput, "notification is not valid JSON", err)
	}
	if n.Resource == "" {
		return nil, shared.NewClassifiedError(shared.FailureMalformedInput, "notification is missing resource", nil)
	}
	if n.Topic == "" {
		return nil, shared.NewClassifiedError(shared.FailureMalformedInput, "notification is missing topic", nil)
	}
	if n.UserID <= 0 {
		return nil, shared.NewClassifiedError(shared.FailureMalformedInput,
			fmt.Sprintf("notification has invalid user_id %d", n.UserID), nil)
	}
	return &n, nil
}
