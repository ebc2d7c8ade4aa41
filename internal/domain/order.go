package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

// OrderType selects how the simulator executes an order.
type OrderType string

// OrderStatus tracks the order lifecycle.
// open -> {filled | partially_filled -> filled} | rejected. canceled only from the registries.
type OrderStatus string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStop       OrderType = "STOP"
	OrderTypeStopMarket OrderType = "STOP_MARKET"

	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopMarket:
		return true
	default:
		return false
	}
}

// IsStop reports whether the order waits for a trigger price.
func (t OrderType) IsStop() bool {
	return t == OrderTypeStop || t == OrderTypeStopMarket
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusRejected || s == OrderStatusCanceled
}

// Order represents a simulated trading order.
// Price and StopPrice are zero when not applicable.
type Order struct {
	ClientID     string          `gorm:"primaryKey" json:"client_id"`
	OrderID      string          `json:"order_id,omitempty"`
	Symbol       string          `gorm:"index" json:"symbol"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `gorm:"type:text" json:"quantity"`
	Price        decimal.Decimal `gorm:"type:text" json:"price"`
	StopPrice    decimal.Decimal `gorm:"type:text" json:"stop_price"`
	ReduceOnly   bool            `json:"reduce_only"`
	Status       OrderStatus     `gorm:"index" json:"status"`
	FilledQty    decimal.Decimal `gorm:"type:text" json:"filled_qty"`
	AvgFillPrice decimal.Decimal `gorm:"type:text" json:"avg_fill_price"`
	RejectReason string          `json:"reject_reason,omitempty"`
	Mode         string          `json:"mode"`
	RunID        string          `gorm:"index" json:"run_id"`
	IsShadow     bool            `json:"is_shadow"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsOpen checks if the order can still receive fills.
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// RemainingQty returns the unfilled quantity.
func (o *Order) RemainingQty() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// HasStopPrice reports whether a protective or trigger price is set.
func (o *Order) HasStopPrice() bool {
	return o.StopPrice.IsPositive()
}

// OrderRequest carries the arguments of a place-order call.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      decimal.Decimal // required for LIMIT
	StopPrice  decimal.Decimal // required for STOP/STOP_MARKET, optional protective stop otherwise
	ReduceOnly bool
	ClientID   string // generated when empty
	IsShadow   bool
}
