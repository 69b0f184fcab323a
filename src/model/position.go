package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position status lifecycle. Transitions into executing go through the
// conditional updates in PositionRepository, never through a plain Save.
const (
	PositionStatusActive          = "active"
	PositionStatusEvaluating      = "evaluating"
	PositionStatusExecuting       = "executing"
	PositionStatusTriggered       = "triggered"
	PositionStatusEmergencyExited = "emergency_exited"
	PositionStatusClosed          = "closed"
	// PositionStatusExecutionFailed marks a position whose payout was
	// deterministically rejected by custody. Requires operator intervention.
	PositionStatusExecutionFailed = "execution_failed"
)

// Position is one owner's protected holding inside a vault, with the exit
// triggers attached to it.
type Position struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	VaultID      uint   `gorm:"index;not null" json:"vault_id"`
	OwnerAddress string `gorm:"size:100;not null;index" json:"owner_address"`
	FeedID       string `gorm:"size:100;not null" json:"feed_id"`

	Amount          decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amount"`
	EntryPrice      decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"entry_price"`
	StopLossPrice   decimal.Decimal `gorm:"type:numeric(38,18)" json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `gorm:"type:numeric(38,18)" json:"take_profit_price"`

	Status string `gorm:"size:50;not null;default:active;index" json:"status"`

	// ExecutionNonce is set exactly once, when the position is claimed for
	// execution. It doubles as the custody idempotency key.
	ExecutionNonce string `gorm:"size:64" json:"execution_nonce,omitempty"`
	// ClaimedKind records which trigger the claim was made for, so a
	// resumed payout settles under the kind originally decided.
	ClaimedKind   string `gorm:"size:20" json:"claimed_kind,omitempty"`
	SettlementRef string `gorm:"size:255" json:"settlement_ref,omitempty"`

	DepositRef string     `gorm:"size:64" json:"deposit_ref,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Vault *Vault `gorm:"constraint:OnDelete:RESTRICT" json:"vault,omitempty"`
}

// TableName allows you to control the exact table name for positions.
func (Position) TableName() string {
	return "positions"
}

// HasTriggers reports whether both exit thresholds are configured.
func (p *Position) HasTriggers() bool {
	return p.StopLossPrice.IsPositive() && p.TakeProfitPrice.IsPositive()
}
