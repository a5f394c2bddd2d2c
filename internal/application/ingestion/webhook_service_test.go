package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/connection"
	ingestiondomain "github.com/sellerdesk/backend/internal/domain/ingestion"
	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
)

// fakeEventRepo is an in-memory ingestiondomain.EventRepository keyed by
// EventID for dedup
type fakeEventRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID]*ingestiondomain.IngestedEvent
	byKey  map[string]uuid.UUID
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{
		events: make(map[uuid.UUID]*ingestiondomain.IngestedEvent),
		byKey:  make(map[string]uuid.UUID),
	}
}

func (r *fakeEventRepo) InsertIfAbsent(_ context.Context, event *ingestiondomain.IngestedEvent) (*ingestiondomain.IngestedEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byKey[event.EventID]; ok {
		clone := *r.events[id]
		return &clone, false, nil
	}
	clone := *event
	r.events[event.ID] = &clone
	r.byKey[event.EventID] = event.ID
	out := clone
	return &out, true, nil
}

func (r *fakeEventRepo) FindByID(_ context.Context, id uuid.UUID) (*ingestiondomain.IngestedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *event
	return &clone, nil
}

func (r *fakeEventRepo) FindByEventID(_ context.Context, eventID string) (*ingestiondomain.IngestedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[eventID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	clone := *r.events[id]
	return &clone, nil
}

func (r *fakeEventRepo) FindDue(_ context.Context, _ time.Time, _ time.Duration, _ []string, _ int) ([]*ingestiondomain.IngestedEvent, error) {
	return nil, nil
}

func (r *fakeEventRepo) ClaimProcessing(_ context.Context, _ uuid.UUID, _ time.Time) (bool, error) {
	return false, nil
}

func (r *fakeEventRepo) Update(_ context.Context, event *ingestiondomain.IngestedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[event.ID]; !ok {
		return shared.ErrNotFound
	}
	clone := *event
	r.events[event.ID] = &clone
	return nil
}

func (r *fakeEventRepo) CountByStatus(_ context.Context) (map[ingestiondomain.EventStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[ingestiondomain.EventStatus]int64)
	for _, event := range r.events {
		counts[event.Status]++
	}
	return counts, nil
}

// fakeCredentialLookup serves FindByMarketplaceUser from a fixed map; the
// webhook path uses no other repository method.
type fakeCredentialLookup struct {
	byUser map[string]*connection.DelegatedCredential
}

func (f *fakeCredentialLookup) Save(_ context.Context, _ *connection.DelegatedCredential) error {
	return nil
}

func (f *fakeCredentialLookup) FindByID(_ context.Context, _ uuid.UUID) (*connection.DelegatedCredential, error) {
	return nil, shared.ErrNotFound
}

func (f *fakeCredentialLookup) FindByMarketplaceUser(_ context.Context, marketplaceUserID string) (*connection.DelegatedCredential, error) {
	cred, ok := f.byUser[marketplaceUserID]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return cred, nil
}

func (f *fakeCredentialLookup) FindActiveByTenant(_ context.Context, _ uuid.UUID) ([]*connection.DelegatedCredential, error) {
	return nil, nil
}

func (f *fakeCredentialLookup) ListActive(_ context.Context) ([]*connection.DelegatedCredential, error) {
	return nil, nil
}

func (f *fakeCredentialLookup) Rotate(_ context.Context, _ uuid.UUID, _, _ string, _ time.Time) error {
	return nil
}

func (f *fakeCredentialLookup) Deactivate(_ context.Context, _ uuid.UUID, _ string) error {
	return nil
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxAttempts:        5,
		StalenessThreshold: 10 * time.Minute,
		ReprocessCooldown:  15 * time.Minute,
	}
}

func newWebhookService(events *fakeEventRepo, creds *fakeCredentialLookup) *WebhookService {
	if creds == nil {
		creds = &fakeCredentialLookup{}
	}
	return NewWebhookService(events, creds, testQueueConfig(), zap.NewNop())
}

func TestWebhookService_Receive(t *testing.T) {
	body := []byte(`{"resource":"/questions/5036","topic":"questions","user_id":424242}`)

	t.Run("enqueues event for a linked account", func(t *testing.T) {
		events := newFakeEventRepo()
		tenantID := uuid.New()
		creds := &fakeCredentialLookup{byUser: map[string]*connection.DelegatedCredential{
			"424242": {ID: uuid.New(), TenantID: tenantID},
		}}
		service := newWebhookService(events, creds)

		result, err := service.Receive(context.Background(), body)

		require.NoError(t, err)
		assert.Equal(t, "questions:questions/5036", result.EventID)
		assert.Equal(t, ingestiondomain.EventStatusReceived, result.Status)
		assert.False(t, result.Duplicate)

		stored, err := events.FindByEventID(context.Background(), result.EventID)
		require.NoError(t, err)
		require.NotNil(t, stored.TenantID)
		assert.Equal(t, tenantID, *stored.TenantID)
		assert.Equal(t, 5, stored.MaxAttempts)
	})

	t.Run("accepts event for an unlinked account", func(t *testing.T) {
		events := newFakeEventRepo()
		service := newWebhookService(events, nil)

		result, err := service.Receive(context.Background(), body)

		require.NoError(t, err)
		assert.False(t, result.Duplicate)

		stored, err := events.FindByEventID(context.Background(), result.EventID)
		require.NoError(t, err)
		assert.Nil(t, stored.TenantID)
	})

	t.Run("duplicate delivery collapses onto the stored event", func(t *testing.T) {
		events := newFakeEventRepo()
		service := newWebhookService(events, nil)

		first, err := service.Receive(context.Background(), body)
		require.NoError(t, err)

		second, err := service.Receive(context.Background(), body)
		require.NoError(t, err)

		assert.True(t, second.Duplicate)
		assert.Equal(t, first.EventID, second.EventID)

		counts, err := events.CountByStatus(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[ingestiondomain.EventStatusReceived])
	})

	t.Run("duplicate reports the current status of the stored event", func(t *testing.T) {
		events := newFakeEventRepo()
		service := newWebhookService(events, nil)

		first, err := service.Receive(context.Background(), body)
		require.NoError(t, err)

		stored, err := events.FindByEventID(context.Background(), first.EventID)
		require.NoError(t, err)
		stored.MarkCompleted([]byte(`{"ok":true}`))
		require.NoError(t, events.Update(context.Background(), stored))

		second, err := service.Receive(context.Background(), body)
		require.NoError(t, err)
		assert.True(t, second.Duplicate)
		assert.Equal(t, ingestiondomain.EventStatusCompleted, second.Status)
	})

	t.Run("near-simultaneous deliveries collapse onto one event", func(t *testing.T) {
		events := newFakeEventRepo()
		service := newWebhookService(events, nil)

		const deliveries = 16
		results := make([]*ReceiveResult, deliveries)
		errs := make([]error, deliveries)
		var wg sync.WaitGroup
		wg.Add(deliveries)
		for i := 0; i < deliveries; i++ {
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = service.Receive(context.Background(), body)
			}(i)
		}
		wg.Wait()

		fresh := 0
		for i, result := range results {
			require.NoError(t, errs[i])
			assert.Equal(t, "questions:questions/5036", result.EventID)
			if !result.Duplicate {
				fresh++
			}
		}
		assert.Equal(t, 1, fresh)

		counts, err := events.CountByStatus(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[ingestiondomain.EventStatusReceived])
	})

	t.Run("malformed body rejected", func(t *testing.T) {
		service := newWebhookService(newFakeEventRepo(), nil)

		cases := map[string][]byte{
			"not json":     []byte(`{{`),
			"no resource":  []byte(`{"topic":"questions","user_id":1}`),
			"no topic":     []byte(`{"resource":"/questions/1","user_id":1}`),
			"zero user_id": []byte(`{"resource":"/questions/1","topic":"questions"}`),
		}
		for name, payload := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := service.Receive(context.Background(), payload)
				assert.Equal(t, shared.FailureMalformedInput, shared.Classify(err))
				assert.False(t, shared.IsRetryable(err))
			})
		}
	})
}

func TestWebhookService_Reprocess(t *testing.T) {
	seed := func(t *testing.T, events *fakeEventRepo, mutate func(*ingestiondomain.IngestedEvent)) uuid.UUID {
		t.Helper()
		event := ingestiondomain.NewIngestedEvent("questions:questions/1", "questions", []byte(`{}`), nil, "424242")
		event.MaxAttempts = 5
		if mutate != nil {
			mutate(event)
		}
		_, fresh, err := events.InsertIfAbsent(context.Background(), event)
		require.NoError(t, err)
		require.True(t, fresh)
		return event.ID
	}

	t.Run("resets a failed event past its cool-down", func(t *testing.T) {
		events := newFakeEventRepo()
		id := seed(t, events, func(e *ingestiondomain.IngestedEvent) {
			e.MarkFailed("upstream down")
			e.UpdatedAt = time.Now().Add(-time.Hour)
		})
		service := newWebhookService(events, nil)

		event, err := service.Reprocess(context.Background(), id)

		require.NoError(t, err)
		assert.Equal(t, ingestiondomain.EventStatusReceived, event.Status)
		assert.Zero(t, event.Attempts)
		assert.Empty(t, event.LastError)
	})

	t.Run("refuses an event with a recorded result", func(t *testing.T) {
		events := newFakeEventRepo()
		id := seed(t, events, func(e *ingestiondomain.IngestedEvent) {
			e.MarkCompleted([]byte(`{"suggestion":"..."}`))
		})
		service := newWebhookService(events, nil)

		_, err := service.Reprocess(context.Background(), id)

		var de *shared.DomainError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "REPROCESS_BLOCKED", de.Code)
		assert.Contains(t, de.Message, "recorded result")
	})

	t.Run("refuses a failed event inside its cool-down", func(t *testing.T) {
		events := newFakeEventRepo()
		id := seed(t, events, func(e *ingestiondomain.IngestedEvent) {
			e.MarkFailed("upstream down")
		})
		service := newWebhookService(events, nil)

		_, err := service.Reprocess(context.Background(), id)

		var de *shared.DomainError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "REPROCESS_BLOCKED", de.Code)
	})

	t.Run("allows a stuck event regardless of cool-down", func(t *testing.T) {
		events := newFakeEventRepo()
		id := seed(t, events, func(e *ingestiondomain.IngestedEvent) {
			require.NoError(t, e.MarkProcessing())
			e.UpdatedAt = time.Now().Add(-time.Hour)
		})
		service := newWebhookService(events, nil)

		event, err := service.Reprocess(context.Background(), id)

		require.NoError(t, err)
		assert.Equal(t, ingestiondomain.EventStatusReceived, event.Status)
	})

	t.Run("unknown event reports not found", func(t *testing.T) {
		service := newWebhookService(newFakeEventRepo(), nil)

		_, err := service.Reprocess(context.Background(), uuid.New())
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestWebhookService_QueueStats(t *testing.T) {
	events := newFakeEventRepo()
	service := newWebhookService(events, nil)

	for _, body := range [][]byte{
		[]byte(`{"resource":"/questions/1","topic":"questions","user_id":1}`),
		[]byte(`{"resource":"/questions/2","topic":"questions","user_id":1}`),
	} {
		_, err := service.Receive(context.Background(), body)
		require.NoError(t, err)
	}

	counts, err := service.QueueStats(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[ingestiondomain.EventStatusReceived])
}
