package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is an immutable record of one finalized fill slice.
type Trade struct {
	ID          string          `gorm:"primaryKey" json:"id"`
	ClientID    string          `gorm:"index" json:"client_id"`
	Symbol      string          `gorm:"index" json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `gorm:"type:text" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:text" json:"price"`
	Fee         decimal.Decimal `gorm:"type:text" json:"fee"`
	Funding     decimal.Decimal `gorm:"type:text" json:"funding"`
	RealizedPnL decimal.Decimal `gorm:"type:text" json:"realized_pnl"`
	SlippageBps float64         `json:"slippage_bps"`
	Latency     time.Duration   `json:"latency"`
	Maker       bool            `json:"maker"`
	Mode        string          `json:"mode"`
	RunID       string          `gorm:"index" json:"run_id"`
	IsShadow    bool            `json:"is_shadow"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PnLEntry is the ledger line written for every finalized fill.
type PnLEntry struct {
	ID           uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	TradeID      string          `gorm:"index" json:"trade_id"`
	Symbol       string          `gorm:"index" json:"symbol"`
	RealizedPnL  decimal.Decimal `gorm:"type:text" json:"realized_pnl"`
	Fee          decimal.Decimal `gorm:"type:text" json:"fee"`
	Funding      decimal.Decimal `gorm:"type:text" json:"funding"`
	NetCash      decimal.Decimal `gorm:"type:text" json:"net_cash"`
	BalanceAfter decimal.Decimal `gorm:"type:text" json:"balance_after"`
	RunID        string          `gorm:"index" json:"run_id"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ExecutionReport is sent to listeners once per fill attempt, rejections included.
type ExecutionReport struct {
	OrderID     string          `json:"order_id,omitempty"`
	ClientID    string          `json:"client_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Executed    bool            `json:"executed"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	Funding     decimal.Decimal `json:"funding"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	SlippageBps float64         `json:"slippage_bps"`
	Maker       bool            `json:"maker"`
	Latency     time.Duration   `json:"latency"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
