package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"vaultexecutor/src/database"
	"vaultexecutor/src/model"
)

// ExecutionEventRepository appends to and reads the audit log. The table is
// append-only: there is deliberately no update or delete here.
type ExecutionEventRepository struct {
	db *gorm.DB
}

// NewExecutionEventRepository creates a new repository instance using the
// main read/write database.
func NewExecutionEventRepository() *ExecutionEventRepository {
	return &ExecutionEventRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *ExecutionEventRepository) WithDB(db *gorm.DB) *ExecutionEventRepository {
	return &ExecutionEventRepository{db: db}
}

// Append inserts one audit record.
func (r *ExecutionEventRepository) Append(ctx context.Context, event *model.ExecutionEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"repo":        "ExecutionEventRepository",
			"op":          "Append",
			"position_id": event.PositionID,
			"decision":    event.Decision,
		}).Error("Failed to append execution event")
		return err
	}
	return nil
}

// ListByPosition returns the audit log for one position, oldest first.
func (r *ExecutionEventRepository) ListByPosition(ctx context.Context, positionID uint) ([]model.ExecutionEvent, error) {
	var out []model.ExecutionEvent
	err := r.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CountExecuted reports how many events with decision executed exist for a
// given execution nonce. Used by invariant checks and operator tooling;
// must never exceed one.
func (r *ExecutionEventRepository) CountExecuted(ctx context.Context, nonce string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&model.ExecutionEvent{}).
		Where("execution_nonce = ? AND decision = ?", nonce, model.DecisionExecuted).
		Count(&n).Error
	return n, err
}
