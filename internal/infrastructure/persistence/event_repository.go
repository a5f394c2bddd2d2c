package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sellerdesk/backend/internal/domain/ingestion"
	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/infrastructure/persistence/models"
)

// GormEventRepository implements EventRepository using GORM
type GormEventRepository struct {
	db *gorm.DB
}

// NewGormEventRepository creates a new GormEventRepository
func NewGormEventRepository(db *gorm.DB) *GormEventRepository {
	return &GormEventRepository{db: db}
}

// InsertIfAbsent persists the event unless one with the same event_id exists.
// The unique index on event_id is the arbiter; ON CONFLICT DO NOTHING keeps
// concurrent duplicate deliveries from erroring out.
func (r *GormEventRepository) InsertIfAbsent(ctx context.Context, event *ingestion.IngestedEvent) (*ingestion.IngestedEvent, bool, error) {
	model := models.EventModelFromDomain(event)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected > 0 {
		return model.ToDomain(), true, nil
	}

	existing, err := r.FindByEventID(ctx, event.EventID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindByID finds an event by its ID
func (r *GormEventRepository) FindByID(ctx context.Context, id uuid.UUID) (*ingestion.IngestedEvent, error) {
	var model models.IngestedEventModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByEventID finds an event by its marketplace delivery key
func (r *GormEventRepository) FindByEventID(ctx context.Context, eventID string) (*ingestion.IngestedEvent, error) {
	var model models.IngestedEventModel
	if err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindDue returns events ready for a worker: fresh RECEIVED rows, FAILED rows
// past their scheduled retry, and non-terminal rows untouched past the
// staleness threshold (abandoned by a dead worker). Priority topics sort
// ahead of the rest, oldest first within each band.
func (r *GormEventRepository) FindDue(ctx context.Context, now time.Time, staleness time.Duration, priorityTopics []string, limit int) ([]*ingestion.IngestedEvent, error) {
	staleBefore := now.Add(-staleness)

	query := r.db.WithContext(ctx).
		Model(&models.IngestedEventModel{}).
		Where(
			r.db.Where("status = ? AND started_at IS NULL", ingestion.EventStatusReceived).
				Or("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", ingestion.EventStatusFailed, now).
				Or("status IN ? AND updated_at < ?", []ingestion.EventStatus{ingestion.EventStatusReceived, ingestion.EventStatusProcessing}, staleBefore),
		)

	if len(priorityTopics) > 0 {
		query = query.Order(clause.Expr{
			SQL:  "CASE WHEN topic IN ? THEN 0 ELSE 1 END",
			Vars: []interface{}{priorityTopics},
		})
	}

	var rows []models.IngestedEventModel
	if err := query.Order("created_at ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	events := make([]*ingestion.IngestedEvent, len(rows))
	for i := range rows {
		events[i] = rows[i].ToDomain()
	}
	return events, nil
}

// ClaimProcessing transitions the event to PROCESSING guarded by the
// updated_at the worker observed. Exactly one concurrent claimer sees a
// non-zero row count.
func (r *GormEventRepository) ClaimProcessing(ctx context.Context, id uuid.UUID, observedUpdatedAt time.Time) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&models.IngestedEventModel{}).
		Where("id = ? AND updated_at = ? AND status IN ?",
			id, observedUpdatedAt,
			[]ingestion.EventStatus{ingestion.EventStatusReceived, ingestion.EventStatusProcessing, ingestion.EventStatusFailed}).
		Updates(map[string]interface{}{
			"status":     ingestion.EventStatusProcessing,
			"started_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Update persists the event's current state
func (r *GormEventRepository) Update(ctx context.Context, event *ingestion.IngestedEvent) error {
	return r.db.WithContext(ctx).Save(models.EventModelFromDomain(event)).Error
}

// CountByStatus returns event counts grouped by status
func (r *GormEventRepository) CountByStatus(ctx context.Context) (map[ingestion.EventStatus]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := r.db.WithContext(ctx).
		Model(&models.IngestedEventModel{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[ingestion.EventStatus]int64, len(rows))
	for _, row := range rows {
		counts[ingestion.EventStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// Ensure GormEventRepository implements EventRepository
var _ ingestion.EventRepository = (*GormEventRepository)(nil)
