package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"vaultexecutor/src/database"
	"vaultexecutor/src/model"
)

// ErrInvalidTriggers is returned when trigger prices violate
// stopLoss < entry < takeProfit. The check runs before any persistence.
var ErrInvalidTriggers = errors.New("repository: stop-loss must be below entry price and take-profit above it")

// PositionRepository is the only component allowed to mutate
// Position.status. Transitions into and out of the execution path go
// through the conditional updates below.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new repository instance using the main
// read/write database.
func NewPositionRepository() *PositionRepository {
	return &PositionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create inserts a new position after checking the trigger invariant.
func (r *PositionRepository) Create(ctx context.Context, pos *model.Position) error {
	if pos.HasTriggers() {
		if err := checkTriggerInvariant(pos.EntryPrice, pos.StopLossPrice, pos.TakeProfitPrice); err != nil {
			return err
		}
	}

	if err := r.db.WithContext(ctx).Create(pos).Error; err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"repo":     "PositionRepository",
			"op":       "Create",
			"vault_id": pos.VaultID,
			"owner":    pos.OwnerAddress,
		}).Error("Failed to create position")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "Create",
		"position_id": pos.ID,
	}).Info("Position created")
	return nil
}

// FindByID fetches a position by primary id. Returns (nil, nil) when
// missing.
func (r *PositionRepository) FindByID(ctx context.Context, id uint) (*model.Position, error) {
	var pos model.Position
	err := r.db.WithContext(ctx).First(&pos, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ListByStatus returns positions in any of the given statuses, oldest
// first, for scheduler sweeps.
func (r *PositionRepository) ListByStatus(ctx context.Context, statuses ...string) ([]model.Position, error) {
	var out []model.Position
	err := r.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("updated_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// SetTriggers updates the exit thresholds of a position that is still
// active. The invariant is validated against the stored entry price before
// anything is written.
func (r *PositionRepository) SetTriggers(ctx context.Context, id uint, stopLoss, takeProfit decimal.Decimal) error {
	pos, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if pos == nil {
		return gorm.ErrRecordNotFound
	}

	if err := checkTriggerInvariant(pos.EntryPrice, stopLoss, takeProfit); err != nil {
		return err
	}

	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionStatusActive).
		Updates(map[string]interface{}{
			"stop_loss_price":   stopLoss,
			"take_profit_price": takeProfit,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CompareAndSetStatus transitions the position's status only when it still
// holds the expected value. Returns true when exactly one row moved; false
// means another worker won the race.
func (r *PositionRepository) CompareAndSetStatus(ctx context.Context, id uint, expected, next string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, expected).
		Update("status", next)
	if res.Error != nil {
		return false, res.Error
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "CompareAndSetStatus",
		"position_id": id,
		"expected":    expected,
		"next":        next,
		"moved":       res.RowsAffected == 1,
	}).Debug("Conditional status update")

	return res.RowsAffected == 1, nil
}

// ClaimExecution is the at-most-once gate: it moves the position into
// executing and stamps the execution nonce in one conditional update.
// Two racing evaluation cycles cannot both see RowsAffected == 1.
func (r *PositionRepository) ClaimExecution(ctx context.Context, id uint, expected, nonce, kind string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ? AND execution_nonce = ''", id, expected).
		Updates(map[string]interface{}{
			"status":          model.PositionStatusExecuting,
			"execution_nonce": nonce,
			"claimed_kind":    kind,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkSettled records a successful payout: terminal status, settlement
// reference and execution time.
func (r *PositionRepository) MarkSettled(ctx context.Context, id uint, terminalStatus, settlementRef string, executedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("id = ? AND status = ?", id, model.PositionStatusExecuting).
		Updates(map[string]interface{}{
			"status":         terminalStatus,
			"settlement_ref": settlementRef,
			"executed_at":    executedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func checkTriggerInvariant(entry, stopLoss, takeProfit decimal.Decimal) error {
	if !stopLoss.IsPositive() || !takeProfit.IsPositive() {
		return ErrInvalidTriggers
	}
	if stopLoss.GreaterThanOrEqual(takeProfit) {
		return ErrInvalidTriggers
	}
	if entry.IsPositive() && (stopLoss.GreaterThanOrEqual(entry) || takeProfit.LessThanOrEqual(entry)) {
		return ErrInvalidTriggers
	}
	return nil
}
