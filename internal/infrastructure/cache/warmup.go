package cache

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Loader fills one resource family into the cache ahead of demand
type Loader func(ctx context.Context) error

// Warmer refreshes registered resource families on a cron schedule so the
// first webhook after a quiet period does not pay the cold-cache penalty.
type Warmer struct {
	schedule string
	logger   *zap.Logger
	cron     *cron.Cron

	names   []string
	loaders map[string]Loader
}

// NewWarmer creates a warmer with a cron schedule (standard 5-field spec)
func NewWarmer(schedule string, logger *zap.Logger) *Warmer {
	return &Warmer{
		schedule: schedule,
		logger:   logger,
		loaders:  make(map[string]Loader),
	}
}

// Register adds a named loader. Registration order is the run order.
func (w *Warmer) Register(name string, loader Loader) {
	if _, ok := w.loaders[name]; !ok {
		w.names = append(w.names, name)
	}
	w.loaders[name] = loader
}

// Start registers the warm-up pass and starts the cron runner
func (w *Warmer) Start() error {
	w.cron = cron.New()
	if _, err := w.cron.AddFunc(w.schedule, w.runAll); err != nil {
		return err
	}
	w.cron.Start()
	w.logger.Info("cache warmer started",
		zap.String("schedule", w.schedule),
		zap.Int("loaders", len(w.loaders)),
	)
	return nil
}

// Stop halts the cron runner, waiting for a running pass to finish
func (w *Warmer) Stop(ctx context.Context) error {
	if w.cron == nil {
		return nil
	}
	stopped := w.cron.Stop()
	select {
	case <-stopped.Done():
		w.logger.Info("cache warmer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes every loader immediately, typically at startup.
// A failed loader is logged and skipped; one cold family must not block
// the others.
func (w *Warmer) RunOnce(ctx context.Context) {
	for _, name := range w.names {
		start := time.Now()
		if err := w.loaders[name](ctx); err != nil {
			w.logger.Warn("cache warm-up loader failed",
				zap.String("loader", name),
				zap.Error(err),
			)
			continue
		}
		w.logger.Debug("cache warm-up loader finished",
			zap.String("loader", name),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func (w *Warmer) runAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	w.RunOnce(ctx)
}
