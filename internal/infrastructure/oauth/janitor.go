package oauth

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/domain/connection"
)

// Janitor periodically sweeps expired handshakes out of the shared store.
// Redis TTLs remove the value keys on their own; the sweep keeps the index
// honest and covers store implementations without native expiry.
type Janitor struct {
	store    connection.HandshakeStore
	schedule string
	logger   *zap.Logger
	cron     *cron.Cron
}

// NewJanitor creates a janitor with a cron schedule (standard 5-field spec)
func NewJanitor(store connection.HandshakeStore, schedule string, logger *zap.Logger) *Janitor {
	return &Janitor{
		store:    store,
		schedule: schedule,
		logger:   logger,
	}
}

// Start registers the sweep and starts the cron runner
func (j *Janitor) Start() error {
	j.cron = cron.New()
	if _, err := j.cron.AddFunc(j.schedule, j.sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("handshake janitor started", zap.String("schedule", j.schedule))
	return nil
}

// Stop halts the cron runner, waiting for a running sweep to finish
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	stopped := j.cron.Stop()
	select {
	case <-stopped.Done():
		j.logger.Info("handshake janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := j.store.SweepExpired(ctx, time.Now())
	if err != nil {
		j.logger.Error("handshake sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		j.logger.Info("expired handshakes swept", zap.Int("removed", removed))
	}
}
