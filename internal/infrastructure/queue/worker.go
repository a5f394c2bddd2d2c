package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/ingestion"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
)

// Worker drains the ingestion queue in the background. A poll loop pulls due
// events from the database and a fixed pool of goroutines processes them;
// the database claim is what keeps concurrent instances from double-running
// an event, not anything in this process.
type Worker struct {
	events   ingestion.EventRepository
	registry *Registry
	cfg      config.QueueConfig
	logger   *zap.Logger

	jobs   chan *ingestion.IngestedEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a queue worker
func NewWorker(events ingestion.EventRepository, registry *Registry, cfg config.QueueConfig, logger *zap.Logger) *Worker {
	return &Worker{
		events:   events,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		jobs:     make(chan *ingestion.IngestedEvent),
	}
}

// Start launches the poll loop and the processing pool
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for i := 0; i < w.cfg.WorkerConcurrency; i++ {
		w.wg.Add(1)
		go w.workLoop(ctx)
	}

	w.wg.Add(1)
	go w.pollLoop(ctx)

	w.logger.Info("ingestion worker started",
		zap.Int("concurrency", w.cfg.WorkerConcurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)
	return nil
}

// Stop gracefully stops the worker, waiting for in-flight jobs
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("ingestion worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

// pollOnce fetches one batch of due events and feeds the pool
func (w *Worker) pollOnce(ctx context.Context) {
	due, err := w.events.FindDue(ctx, time.Now(), w.cfg.StalenessThreshold, ingestion.PriorityTopics(), w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("failed to find due events", zap.Error(err))
		return
	}

	for _, event := range due {
		select {
		case <-ctx.Done():
			return
		case w.jobs <- event:
		}
	}
}

func (w *Worker) workLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-w.jobs:
			w.Process(ctx, event)
		}
	}
}

// Process claims and runs a single event through its handler.
// Exported so the reprocess endpoint can run an event synchronously.
func (w *Worker) Process(ctx context.Context, event *ingestion.IngestedEvent) {
	// An event with a recorded result is finished work regardless of what
	// state the row is in; running it again would double-act on the buyer.
	if event.HasResult() {
		w.logger.Warn("event skipped, result already recorded",
			zap.String("event_id", event.EventID),
			zap.String("status", string(event.Status)),
		)
		return
	}

	claimed, err := w.events.ClaimProcessing(ctx, event.ID, event.UpdatedAt)
	if err != nil {
		w.logger.Error("event claim failed", zap.String("event_id", event.EventID), zap.Error(err))
		return
	}
	if !claimed {
		// Another worker advanced the row since we read it.
		return
	}
	if err := event.MarkProcessing(); err != nil {
		w.logger.Warn("claimed event in unexpected state",
			zap.String("event_id", event.EventID),
			zap.String("status", string(event.Status)),
		)
		return
	}

	handler, ok := w.registry.Resolve(event.Topic)
	if !ok {
		w.fail(ctx, event, fmt.Sprintf("no handler registered for topic %q", event.Topic))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	result, err := handler.Handle(jobCtx, event)
	if err != nil {
		w.fail(ctx, event, err.Error())
		return
	}

	event.MarkCompleted(result)
	if err := w.events.Update(ctx, event); err != nil {
		w.logger.Error("failed to persist completed event",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("event processed",
		zap.String("event_id", event.EventID),
		zap.String("topic", event.Topic),
		zap.Int("attempts", event.Attempts),
	)
}

func (w *Worker) fail(ctx context.Context, event *ingestion.IngestedEvent, errMsg string) {
	event.MarkFailed(errMsg)

	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("topic", event.Topic),
		zap.Int("attempts", event.Attempts),
		zap.String("error", errMsg),
	}
	if event.Attempts >= event.MaxAttempts {
		w.logger.Warn("event exhausted its retry budget", fields...)
	} else {
		w.logger.Info("event attempt failed, retry scheduled", fields...)
	}

	if err := w.events.Update(ctx, event); err != nil {
		w.logger.Error("failed to persist failed event",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}
}
