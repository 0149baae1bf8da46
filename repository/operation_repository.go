package repository

import (
	"context"
	"errors"
	"time"

	"bulk-order-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateProgress is returned when a row already has a terminal progress entry.
	ErrDuplicateProgress = errors.New("progress already recorded for row")
	// ErrOperationNotFound is returned when no operation has the given id.
	ErrOperationNotFound = errors.New("operation not found")
)

// OperationRepository defines data-access operations for the bulk operation ledger.
type OperationRepository interface {
	Create(ctx context.Context, op *models.Operation) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Operation, error)
	FindWithProgress(ctx context.Context, id uuid.UUID) (*models.Operation, error)
	ListByUser(ctx context.Context, userID string, page, limit int) ([]models.Operation, int64, error)

	AppendProgress(ctx context.Context, entry *models.ProgressEntry) error
	ListProgress(ctx context.Context, operationID uuid.UUID) ([]models.ProgressEntry, error)

	// FinalizeStatus moves a processing operation to a terminal status. It reports false when
	// the operation was no longer processing.
	FinalizeStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error)

	// ClaimRollback atomically marks an eligible operation as being rolled back. Exactly one
	// concurrent caller observes true.
	ClaimRollback(ctx context.Context, id uuid.UUID, actorID, reason string, now time.Time) (bool, error)
	MarkReversed(ctx context.Context, entryID uuid.UUID, at time.Time) (bool, error)
	RecordReversalFailure(ctx context.Context, entryID uuid.UUID, reason string) error
	FinishRollback(ctx context.Context, id uuid.UUID, status string, at time.Time) error
}

// GormOperationRepository implements OperationRepository using GORM.
type GormOperationRepository struct {
	db *gorm.DB
}

// NewGormOperationRepository creates a new GormOperationRepository.
func NewGormOperationRepository(db *gorm.DB) OperationRepository {
	return &GormOperationRepository{db: db}
}

func (r *GormOperationRepository) Create(ctx context.Context, op *models.Operation) error {
	return r.db.WithContext(ctx).Omit("Progress").Create(op).Error
}

func (r *GormOperationRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	var op models.Operation
	if err := r.db.WithContext(ctx).First(&op, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

func (r *GormOperationRepository) FindWithProgress(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	var op models.Operation
	err := r.db.WithContext(ctx).
		Preload("Progress", func(db *gorm.DB) *gorm.DB { return db.Order("row_index ASC") }).
		First(&op, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}
	return &op, nil
}

func (r *GormOperationRepository) ListByUser(ctx context.Context, userID string, page, limit int) ([]models.Operation, int64, error) {
	var ops []models.Operation
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Operation{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	if err := query.
		Offset(offset).Limit(limit).
		Order("created_at DESC").
		Find(&ops).Error; err != nil {
		return nil, 0, err
	}

	return ops, total, nil
}

func (r *GormOperationRepository) AppendProgress(ctx context.Context, entry *models.ProgressEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	err := r.db.WithContext(ctx).Create(entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateProgress
	}
	return err
}

func (r *GormOperationRepository) ListProgress(ctx context.Context, operationID uuid.UUID) ([]models.ProgressEntry, error) {
	var entries []models.ProgressEntry
	if err := r.db.WithContext(ctx).
		Where("operation_id = ?", operationID).
		Order("row_index ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *GormOperationRepository) FinalizeStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Operation{}).
		Where("id = ? AND status = ?", id, models.OperationProcessing).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// TODO: expire claims whose rollback_started_at is older than the reversal timeout so a
// rollback interrupted by a crash can be retried.
func (r *GormOperationRepository) ClaimRollback(ctx context.Context, id uuid.UUID, actorID, reason string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Operation{}).
		Where("id = ? AND status IN ? AND rollback_deadline > ? AND rollback_started_at IS NULL",
			id, []string{models.OperationCompleted, models.OperationPartial}, now).
		Updates(map[string]interface{}{
			"rollback_started_at": now,
			"rollback_actor":      actorID,
			"rollback_reason":     reason,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GormOperationRepository) MarkReversed(ctx context.Context, entryID uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ProgressEntry{}).
		Where("id = ? AND success = ? AND reversed = ?", entryID, true, false).
		Updates(map[string]interface{}{
			"reversed":       true,
			"reversed_at":    at,
			"reversal_error": "",
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *GormOperationRepository) RecordReversalFailure(ctx context.Context, entryID uuid.UUID, reason string) error {
	return r.db.WithContext(ctx).Model(&models.ProgressEntry{}).
		Where("id = ? AND reversed = ?", entryID, false).
		Update("reversal_error", reason).Error
}

// FinishRollback ends an in-flight rollback. A partial outcome releases the claim so the
// remaining reversals can be retried inside the window.
func (r *GormOperationRepository) FinishRollback(ctx context.Context, id uuid.UUID, status string, at time.Time) error {
	updates := map[string]interface{}{"status": status}
	if status == models.OperationRolledBack {
		updates["rolled_back_at"] = at
	} else {
		updates["rollback_started_at"] = nil
	}
	res := r.db.WithContext(ctx).Model(&models.Operation{}).
		Where("id = ? AND rollback_started_at IS NOT NULL", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOperationNotFound
	}
	return nil
}
