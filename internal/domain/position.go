package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position represents the net position of one symbol.
// Size is positive for long, negative for short.
type Position struct {
	Symbol        string          `gorm:"primaryKey" json:"symbol"`
	Size          decimal.Decimal `gorm:"type:text" json:"size"`
	AvgPrice      decimal.Decimal `gorm:"type:text" json:"avg_price"`
	MarkPrice     decimal.Decimal `gorm:"type:text" json:"mark_price"`
	UnrealizedPnL decimal.Decimal `gorm:"type:text" json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `gorm:"type:text" json:"realized_pnl"`
	RunID         string          `json:"run_id"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsLong checks if the position is long.
func (p *Position) IsLong() bool {
	return p.Size.IsPositive()
}

// IsShort checks if the position is short.
func (p *Position) IsShort() bool {
	return p.Size.IsNegative()
}

// IsFlat checks if there is no exposure.
func (p *Position) IsFlat() bool {
	return p.Size.IsZero()
}

// Notional returns |size| * avg price.
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Abs().Mul(p.AvgPrice)
}

// AccountBalance is the account-level view returned by the broker.
type AccountBalance struct {
	TotalBalance  decimal.Decimal `json:"totalBalance"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Equity        decimal.Decimal `json:"equity"`
}
