package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"vaultexecutor/src/database"
	"vaultexecutor/src/model"
)

// ErrInsufficientBalance is returned when a balance adjustment would take a
// vault below zero. Deposits are tracked in the same table, so hitting this
// during payout bookkeeping means an accounting invariant broke.
var ErrInsufficientBalance = errors.New("repository: insufficient vault balance")

// VaultRepository handles read/write operations for vaults.
type VaultRepository struct {
	db *gorm.DB
}

// NewVaultRepository creates a new repository instance using the main
// read/write database.
func NewVaultRepository() *VaultRepository {
	return &VaultRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *VaultRepository) WithDB(db *gorm.DB) *VaultRepository {
	return &VaultRepository{db: db}
}

// Create inserts a new vault.
func (r *VaultRepository) Create(ctx context.Context, vault *model.Vault) error {
	if err := r.db.WithContext(ctx).Create(vault).Error; err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"repo":    "VaultRepository",
			"op":      "Create",
			"network": vault.Network,
		}).Error("Failed to create vault")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "VaultRepository",
		"op":       "Create",
		"vault_id": vault.ID,
	}).Info("Vault created")
	return nil
}

// FindByID fetches a vault by primary id. Returns (nil, nil) when missing.
func (r *VaultRepository) FindByID(ctx context.Context, id uint) (*model.Vault, error) {
	var vault model.Vault
	err := r.db.WithContext(ctx).First(&vault, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &vault, nil
}

// AdjustBalance atomically applies a signed delta to the deposited amount.
// Negative deltas fail with ErrInsufficientBalance instead of going below
// zero.
func (r *VaultRepository) AdjustBalance(ctx context.Context, id uint, delta decimal.Decimal) error {
	res := r.db.WithContext(ctx).
		Model(&model.Vault{}).
		Where("id = ? AND deposited_amount + ? >= 0", id, delta).
		Update("deposited_amount", gorm.Expr("deposited_amount + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Deactivate flags the vault inactive. Vaults are never deleted.
func (r *VaultRepository) Deactivate(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).
		Model(&model.Vault{}).
		Where("id = ?", id).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
