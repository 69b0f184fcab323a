package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vault is a custody container bound to one chain/network and one underlying
// asset. Vaults are never deleted, only deactivated.
type Vault struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Network         string          `gorm:"size:50;not null;index" json:"network"`
	ChainID         int64           `gorm:"not null" json:"chain_id"`
	Asset           string          `gorm:"size:20;not null" json:"asset"`
	DepositedAmount decimal.Decimal `gorm:"type:numeric(38,18);not null;default:0" json:"deposited_amount"`
	Active          bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// TableName allows you to control the exact table name for vaults.
func (Vault) TableName() string {
	return "vaults"
}
