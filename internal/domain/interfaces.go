package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Execution defines the contract of an order execution venue.
// It abstracts away the difference between paper trading and real exchanges.
type Execution interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	UpdateMarket(ctx context.Context, snap MarketSnapshot) error
	GetPositions(ctx context.Context) []Position
	ClosePosition(ctx context.Context, symbol string) (bool, error)
	GetAccountBalance(ctx context.Context) AccountBalance
	CancelOrder(ctx context.Context, clientID string) error

	// Close waits for in-flight work and releases resources.
	Close() error
}

// TradeRecorder is the write-only persistence surface used by the broker.
// The broker never reads back through it.
type TradeRecorder interface {
	CreateOrder(ctx context.Context, order Order) error
	UpdateOrderStatus(ctx context.Context, clientID string, status OrderStatus, filledQty decimal.Decimal) error
	CreateTrade(ctx context.Context, trade Trade) error
	UpdatePosition(ctx context.Context, pos Position) error
	AddPnLEntry(ctx context.Context, entry PnLEntry) error
}

// ExecutionListener receives one report per fill attempt.
type ExecutionListener interface {
	OnExecution(report ExecutionReport)
}

// ListenerFunc adapts a function to ExecutionListener.
type ListenerFunc func(ExecutionReport)

// OnExecution calls f(report).
func (f ListenerFunc) OnExecution(report ExecutionReport) {
	f(report)
}
