package queue

import (
	"sync"

	"github.com/sellerdesk/backend/internal/domain/ingestion"
)

// Registry maps notification topics to their handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ingestion.Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ingestion.Handler)}
}

// Register binds a handler to a topic, replacing any previous binding
func (r *Registry) Register(topic string, handler ingestion.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = handler
}

// Resolve returns the handler for a topic
func (r *Registry) Resolve(topic string) (ingestion.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[topic]
	return handler, ok
}

// Topics returns the registered topics
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	return topics
}
