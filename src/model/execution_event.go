package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trigger kinds recorded on execution events.
const (
	TriggerKindStopLoss   = "stop_loss"
	TriggerKindTakeProfit = "take_profit"
	TriggerKindManual     = "manual"
	TriggerKindNone       = "none"
)

// ExecutionEvent decisions. One event is appended per evaluation attempt,
// whether or not it led to a payout.
const (
	DecisionExecuted              = "executed"
	DecisionNotExecuted           = "not_executed"
	DecisionRejectedStale         = "rejected_stale"
	DecisionRejectedLowConfidence = "rejected_low_confidence"
	DecisionError                 = "error"
)

// ExecutionEvent is the immutable audit record of one evaluation or
// execution attempt. Rows are append-only: they are never updated or
// deleted after creation.
type ExecutionEvent struct {
	ID uint `gorm:"primaryKey" json:"id"`

	PositionID uint      `gorm:"index;not null" json:"position_id"`
	Position   *Position `gorm:"constraint:OnDelete:CASCADE" json:"position,omitempty"`

	TriggerKind string `gorm:"size:20;not null" json:"trigger_kind"`
	Decision    string `gorm:"size:50;not null" json:"decision"`
	Reason      string `gorm:"size:500" json:"reason,omitempty"`

	// Snapshot of the price reading the decision was based on. Zero-valued
	// when the cycle failed before a usable reading existed.
	FeedID        string          `gorm:"size:100" json:"feed_id,omitempty"`
	Price         decimal.Decimal `gorm:"type:numeric(38,18)" json:"price"`
	Confidence    decimal.Decimal `gorm:"type:numeric(38,18)" json:"confidence"`
	Expo          int32           `json:"expo"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	CommittedAt   *time.Time      `json:"committed_at,omitempty"`
	CommitTxHash  string          `gorm:"size:100" json:"commit_tx_hash,omitempty"`
	SettlementRef string          `gorm:"size:255" json:"settlement_ref,omitempty"`

	ExecutionNonce string `gorm:"size:64;index" json:"execution_nonce,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName allows you to control the exact table name for execution events.
func (ExecutionEvent) TableName() string {
	return "execution_events"
}
