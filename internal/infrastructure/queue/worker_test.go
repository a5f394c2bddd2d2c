package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/ingestion"
	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
)

// memEventRepo is an in-memory EventRepository mimicking the database's
// claim semantics for worker tests
type memEventRepo struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*ingestion.IngestedEvent
}

func newMemEventRepo() *memEventRepo {
	return &memEventRepo{byID: make(map[uuid.UUID]*ingestion.IngestedEvent)}
}

func (r *memEventRepo) put(e *ingestion.IngestedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *e
	r.byID[e.ID] = &clone
}

func (r *memEventRepo) get(id uuid.UUID) *ingestion.IngestedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *r.byID[id]
	return &clone
}

func (r *memEventRepo) InsertIfAbsent(_ context.Context, event *ingestion.IngestedEvent) (*ingestion.IngestedEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byID {
		if e.EventID == event.EventID {
			clone := *e
			return &clone, false, nil
		}
	}
	clone := *event
	r.byID[event.ID] = &clone
	return event, true, nil
}

func (r *memEventRepo) FindByID(_ context.Context, id uuid.UUID) (*ingestion.IngestedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (r *memEventRepo) FindByEventID(_ context.Context, eventID string) (*ingestion.IngestedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byID {
		if e.EventID == eventID {
			clone := *e
			return &clone, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memEventRepo) FindDue(_ context.Context, now time.Time, staleness time.Duration, priorityTopics []string, limit int) ([]*ingestion.IngestedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*ingestion.IngestedEvent
	for _, e := range r.byID {
		if e.Status == ingestion.EventStatusReceived && e.StartedAt == nil ||
			e.RetryDue(now) || e.Stuck(now, staleness) {
			clone := *e
			due = append(due, &clone)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (r *memEventRepo) ClaimProcessing(_ context.Context, id uuid.UUID, observedUpdatedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok || e.Status == ingestion.EventStatusCompleted || !e.UpdatedAt.Equal(observedUpdatedAt) {
		return false, nil
	}
	now := time.Now()
	e.Status = ingestion.EventStatusProcessing
	e.StartedAt = &now
	e.UpdatedAt = now
	return true, nil
}

func (r *memEventRepo) Update(_ context.Context, event *ingestion.IngestedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *event
	r.byID[event.ID] = &clone
	return nil
}

func (r *memEventRepo) CountByStatus(_ context.Context) (map[ingestion.EventStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[ingestion.EventStatus]int64)
	for _, e := range r.byID {
		counts[e.Status]++
	}
	return counts, nil
}

var _ ingestion.EventRepository = (*memEventRepo)(nil)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		WorkerConcurrency:  2,
		PollInterval:       10 * time.Millisecond,
		BatchSize:          10,
		MaxAttempts:        5,
		JobTimeout:         time.Second,
		StalenessThreshold: 10 * time.Minute,
		ReprocessCooldown:  15 * time.Minute,
	}
}

func TestWorker_ProcessCompletesEvent(t *testing.T) {
	repo := newMemEventRepo()
	registry := NewRegistry()
	registry.Register("questions", ingestion.HandlerFunc(func(_ context.Context, e *ingestion.IngestedEvent) ([]byte, error) {
		return []byte(`{"suggestion":"ships tomorrow"}`), nil
	}))
	w := NewWorker(repo, registry, testQueueConfig(), zap.NewNop())

	event := ingestion.NewIngestedEvent("questions:q-1", "questions", []byte(`{}`), nil, "77")
	repo.put(event)

	w.Process(context.Background(), repo.get(event.ID))

	stored := repo.get(event.ID)
	assert.Equal(t, ingestion.EventStatusCompleted, stored.Status)
	assert.Equal(t, []byte(`{"suggestion":"ships tomorrow"}`), stored.Result)
	assert.NotNil(t, stored.CompletedAt)
}

func TestWorker_ProcessFailureSchedulesRetry(t *testing.T) {
	repo := newMemEventRepo()
	registry := NewRegistry()
	registry.Register("questions", ingestion.HandlerFunc(func(_ context.Context, e *ingestion.IngestedEvent) ([]byte, error) {
		return nil, errors.New("upstream unavailable")
	}))
	w := NewWorker(repo, registry, testQueueConfig(), zap.NewNop())

	event := ingestion.NewIngestedEvent("questions:q-1", "questions", []byte(`{}`), nil, "77")
	repo.put(event)

	w.Process(context.Background(), repo.get(event.ID))

	stored := repo.get(event.ID)
	assert.Equal(t, ingestion.EventStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "upstream unavailable", stored.LastError)
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.NextRetryAt.After(time.Now()))
}

func TestWorker_ExhaustedEventStopsRetrying(t *testing.T) {
	repo := newMemEventRepo()
	registry := NewRegistry()
	registry.Register("questions", ingestion.HandlerFunc(func(_ context.Context, e *ingestion.IngestedEvent) ([]byte, error) {
		return nil, errors.New("still broken")
	}))
	w := NewWorker(repo, registry, testQueueConfig(), zap.NewNop())

	event := ingestion.NewIngestedEvent("questions:q-1", "questions", []byte(`{}`), nil, "77")
	event.Attempts = event.MaxAttempts - 1
	repo.put(event)

	w.Process(context.Background(), repo.get(event.ID))

	stored := repo.get(event.ID)
	assert.Equal(t, ingestion.EventStatusFailed, stored.Status)
	assert.Equal(t, stored.MaxAttempts, stored.Attempts)
	assert.Nil(t, stored.NextRetryAt)
	assert.False(t, stored.RetryDue(time.Now().Add(time.Hour)))
}

func TestWorker_EventWithResultIsNeverRerun(t *testing.T) {
	repo := newMemEventRepo()
	registry := NewRegistry()
	handled := 0
	registry.Register("questions", ingestion.HandlerFunc(func(_ context.Context, e *ingestion.IngestedEvent) ([]byte, error) {
		handled++
		return []byte("again"), nil
	}))
	w := NewWorker(repo, registry, testQueueConfig(), zap.NewNop())

	// A row left in PROCESSING by a dead worker, but with the result already
	// recorded. The guard must win over the staleness reclaim.
	event := ingestion.NewIngestedEvent("questions:q-1", "questions", []byte(`{}`), nil, "77")
	require.NoError(t, event.MarkProcessing())
	event.Result = []byte(`{"suggestion":"already sent"}`)
	repo.put(event)

	w.Process(context.Background(), repo.get(event.ID))

	stored := repo.get(event.ID)
	assert.Equal(t, 0, handled)
	assert.Equal(t, []byte(`{"suggestion":"already sent"}`), stored.Result)
	assert.Equal(t, ingestion.EventStatusProcessing, stored.Status)
}

func TestWorker_LostClaimSkipsHandler(t *testing.T) {
	repo := newMemEventRepo()
	registry := NewRegistry()
	handled := 0
	registry.Register("questions", ingestion.HandlerFunc(func(_ context.Context, e *ingestion.IngestedEvent) ([]byte, error) {
		handled++
		return []byte("done"), nil
	}))
	w := NewWorker(repo, registry, testQueueConfig(), zap.NewNop())

	event := ingestion.NewIngestedEvent("questions:q-1", "questions", []byte(`{}`), nil, "77")
	repo.put(event)

	// Snapshot the row, then let another worker advance it first.
	snapshot := repo.get(event.ID)
	claimed, err := repo.ClaimProcessing(context.Background(), event.ID, snapshot.UpdatedAt)
	require.NoError(t, err)
	require.True(t, claimed)

	w.Process(context.Background(), snapshot)
	assert.Equal(t, 0, handled)
}

func TestWorker_UnknownTopicFailsEvent(t *testing.T) {
	repo := newMemEventRepo()
	w := NewWorker(repo, NewRegistry(), testQueueConfig(), zap.NewNop())

	event := ingestion.NewIngestedEvent("orders_v2:o-1", "orders_v2", []byte(`{}`), nil, "77")
	repo.put(event)

	w.Process(context.Background(), repo.get(event.ID))

	stored := repo.get(event.ID)
	assert.Equal(t, ingestion.EventStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "no handler registered")
}

func TestWorker_StartStopDrainsCleanly(t *testing.T) {
	repo := newMemEventRepo()
	registry := NewRegistry()
	var mu sync.Mutex
	processed := 0
	registry.Register("questions", ingestion.HandlerFunc(func(_ context.Context, e *ingestion.IngestedEvent) ([]byte, error) {
		mu.Lock()
		processed++
		mu.Unlock()
		return []byte("ok"), nil
	}))
	w := NewWorker(repo, registry, testQueueConfig(), zap.NewNop())

	event := ingestion.NewIngestedEvent("questions:q-1", "questions", []byte(`{}`), nil, "77")
	repo.put(event)

	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		return repo.get(event.ID).Status == ingestion.EventStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, processed)
}
