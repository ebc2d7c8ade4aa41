package execution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"crypto_paper/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig keeps fills effectively instant so tests only wait on WaitIdle.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Latency = LatencyConfig{MeanMS: 0, P95MS: 0}
	cfg.PartialFill.Enabled = false
	cfg.FundingEnabled = false
	cfg.RunID = "test-run"
	return cfg
}

type reportLog struct {
	mu      sync.Mutex
	reports []domain.ExecutionReport
}

func (l *reportLog) OnExecution(r domain.ExecutionReport) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, r)
}

func (l *reportLog) all() []domain.ExecutionReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ExecutionReport(nil), l.reports...)
}

type memRecorder struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	trades    []domain.Trade
	positions map[string]domain.Position
	pnl       []domain.PnLEntry
	fail      bool
}

func newMemRecorder() *memRecorder {
	return &memRecorder{orders: map[string]domain.Order{}, positions: map[string]domain.Position{}}
}

var errDiskFull = errors.New("disk full")

func (m *memRecorder) CreateOrder(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errDiskFull
	}
	m.orders[o.ClientID] = o
	return nil
}

func (m *memRecorder) UpdateOrderStatus(_ context.Context, id string, status domain.OrderStatus, filled decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errDiskFull
	}
	o := m.orders[id]
	o.Status = status
	o.FilledQty = filled
	m.orders[id] = o
	return nil
}

func (m *memRecorder) CreateTrade(_ context.Context, tr domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errDiskFull
	}
	m.trades = append(m.trades, tr)
	return nil
}

func (m *memRecorder) UpdatePosition(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errDiskFull
	}
	m.positions[p.Symbol] = p
	return nil
}

func (m *memRecorder) AddPnLEntry(_ context.Context, e domain.PnLEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errDiskFull
	}
	m.pnl = append(m.pnl, e)
	return nil
}

type errorCounter struct{ n atomic.Int64 }

func (c *errorCounter) RecordError() { c.n.Add(1) }

func newTestBroker(t *testing.T, cfg Config, opts ...Option) *PaperBroker {
	t.Helper()
	b := NewPaperBroker(cfg, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func quote(symbol, bid, ask string) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Symbol:    symbol,
		BestBid:   decimal.RequireFromString(bid),
		BestAsk:   decimal.RequireFromString(ask),
		BidSize:   decimal.NewFromInt(10),
		AskSize:   decimal.NewFromInt(10),
		LastPrice: decimal.RequireFromString(bid),
	}
}

func market(symbol string, side domain.Side, qty string) domain.OrderRequest {
	return domain.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Quantity: decimal.RequireFromString(qty),
	}
}

func TestPaperBroker_MarketBuy(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	rec := newMemRecorder()
	b := newTestBroker(t, cfg, WithRecorder(rec))

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))

	order, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, order.Status)
	assert.NotEmpty(t, order.ClientID)
	b.WaitIdle()

	positions := b.GetPositions(ctx)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.True(t, pos.Size.Equal(decimal.RequireFromString("0.1")), "size %s", pos.Size)

	ask := decimal.NewFromInt(50010)
	ceiling := ask.Mul(decimal.NewFromFloat(1 + cfg.Slippage.MaxBps/10_000))
	assert.True(t, pos.AvgPrice.GreaterThan(ask), "entry %s should be above ask", pos.AvgPrice)
	assert.True(t, pos.AvgPrice.LessThanOrEqual(ceiling), "entry %s should be within max slippage", pos.AvgPrice)

	got, ok := b.GetOrder(order.ClientID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.AvgFillPrice.Equal(pos.AvgPrice))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.trades, 1)
	assert.Len(t, rec.pnl, 1)
	assert.Equal(t, domain.OrderStatusFilled, rec.orders[order.ClientID].Status)
	assert.Equal(t, "test-run", rec.trades[0].RunID)
}

func TestPaperBroker_RestingLimit(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.PartialFill = PartialFillConfig{Enabled: true, MinSlicePct: 20, MaxSlices: 4}
	reports := &reportLog{}
	b := newTestBroker(t, cfg, WithListener(reports))

	require.NoError(t, b.UpdateMarket(ctx, quote("ETHUSDT", "3000", "3010")))

	order, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   "ETHUSDT",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: decimal.NewFromInt(2),
		Price:    decimal.NewFromInt(2990),
	})
	require.NoError(t, err)
	b.WaitIdle()

	assert.Empty(t, b.GetPositions(ctx))
	assert.True(t, b.PendingQty("ETHUSDT").Equal(decimal.NewFromInt(2)))

	// book moves but not through the limit
	require.NoError(t, b.UpdateMarket(ctx, quote("ETHUSDT", "2995", "3000")))
	b.WaitIdle()
	assert.Empty(t, b.GetPositions(ctx))
	got, _ := b.GetOrder(order.ClientID)
	assert.Equal(t, domain.OrderStatusOpen, got.Status)

	require.NoError(t, b.UpdateMarket(ctx, quote("ETHUSDT", "2985", "2990")))
	b.WaitIdle()

	positions := b.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Size.Equal(decimal.NewFromInt(2)), "size %s", positions[0].Size)
	assert.True(t, positions[0].AvgPrice.LessThanOrEqual(decimal.NewFromInt(2990)))
	assert.True(t, b.PendingQty("ETHUSDT").IsZero())

	got, _ = b.GetOrder(order.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)

	for _, r := range reports.all() {
		assert.True(t, r.Executed)
		assert.True(t, r.Maker)
		assert.True(t, r.Fee.IsNegative(), "maker fee %s should be a rebate", r.Fee)
	}
}

func TestPaperBroker_MarkAndClose(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	reports := &reportLog{}
	b := newTestBroker(t, cfg, WithListener(reports))

	require.NoError(t, b.UpdateMarket(ctx, quote("SOLUSDT", "99.99", "100.01")))
	_, err := b.PlaceOrder(ctx, market("SOLUSDT", domain.SideBuy, "10"))
	require.NoError(t, err)
	b.WaitIdle()

	require.NoError(t, b.UpdateMarket(ctx, quote("SOLUSDT", "109.99", "110.01")))

	positions := b.GetPositions(ctx)
	require.Len(t, positions, 1)
	entry := positions[0].AvgPrice
	want := decimal.NewFromInt(110).Sub(entry).Mul(decimal.NewFromInt(10))
	assert.True(t, positions[0].UnrealizedPnL.Equal(want), "upnl %s, want %s", positions[0].UnrealizedPnL, want)

	balance := b.GetAccountBalance(ctx)
	assert.True(t, balance.Equity.Equal(balance.TotalBalance.Add(want)))

	closed, err := b.ClosePosition(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.True(t, closed)
	b.WaitIdle()

	assert.Empty(t, b.GetPositions(ctx))

	expected := cfg.InitialBalance
	for _, r := range reports.all() {
		require.True(t, r.Executed, r.Error)
		expected = expected.Add(r.RealizedPnL).Sub(r.Fee).Sub(r.Funding)
	}
	final := b.GetAccountBalance(ctx)
	assert.True(t, final.TotalBalance.Equal(expected), "balance %s, want %s", final.TotalBalance, expected)
	assert.True(t, final.TotalBalance.GreaterThan(cfg.InitialBalance))

	closed, err = b.ClosePosition(ctx, "SOLUSDT")
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestPaperBroker_LiquidationGuard(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	b := newTestBroker(t, cfg)

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))
	_, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.1"))
	require.NoError(t, err)
	b.WaitIdle()

	// switch to 50x: a 2% stop no longer fits four times inside the liquidation distance
	b.mu.Lock()
	b.cfg.Margin = MarginConfig{Leverage: 50, InitialMarginPct: 0.02, MaintenanceMargin: 0.005, DefaultStopPct: 0.02}
	b.mu.Unlock()

	before := b.GetAccountBalance(ctx)
	posBefore := b.GetPositions(ctx)

	rejected, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.1"))
	require.NoError(t, err)
	b.WaitIdle()

	got, _ := b.GetOrder(rejected.ClientID)
	assert.Equal(t, domain.OrderStatusRejected, got.Status)
	assert.Contains(t, got.RejectReason, "liquidation guard")
	assert.True(t, b.GetAccountBalance(ctx).TotalBalance.Equal(before.TotalBalance))
	assert.Equal(t, posBefore, b.GetPositions(ctx))

	reduce := market("BTCUSDT", domain.SideSell, "0.1")
	reduce.ReduceOnly = true
	closing, err := b.PlaceOrder(ctx, reduce)
	require.NoError(t, err)
	b.WaitIdle()

	got, _ = b.GetOrder(closing.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Empty(t, b.GetPositions(ctx))
}

func TestPaperBroker_ReduceOnly(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, fastConfig())
	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))

	t.Run("nothing to reduce", func(t *testing.T) {
		req := market("BTCUSDT", domain.SideSell, "1")
		req.ReduceOnly = true
		order, err := b.PlaceOrder(ctx, req)
		require.NoError(t, err)
		b.WaitIdle()

		got, _ := b.GetOrder(order.ClientID)
		assert.Equal(t, domain.OrderStatusRejected, got.Status)
		assert.Empty(t, b.GetPositions(ctx))
	})

	t.Run("clamped to position", func(t *testing.T) {
		_, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.2"))
		require.NoError(t, err)
		b.WaitIdle()

		req := market("BTCUSDT", domain.SideSell, "1")
		req.ReduceOnly = true
		order, err := b.PlaceOrder(ctx, req)
		require.NoError(t, err)
		b.WaitIdle()

		got, _ := b.GetOrder(order.ClientID)
		assert.Equal(t, domain.OrderStatusFilled, got.Status)
		assert.True(t, got.FilledQty.Equal(decimal.RequireFromString("0.2")))
		assert.Empty(t, b.GetPositions(ctx), "reduce-only must not flip")
	})
}

func TestPaperBroker_StopTrigger(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, fastConfig())

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "99.99", "100.01")))
	_, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "1"))
	require.NoError(t, err)
	b.WaitIdle()

	stop, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       domain.SideSell,
		Type:       domain.OrderTypeStopMarket,
		Quantity:   decimal.NewFromInt(1),
		StopPrice:  decimal.NewFromInt(95),
		ReduceOnly: true,
	})
	require.NoError(t, err)

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "96.99", "97.01")))
	b.WaitIdle()
	require.Len(t, b.GetPositions(ctx), 1)

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "94.49", "94.51")))
	b.WaitIdle()

	assert.Empty(t, b.GetPositions(ctx))
	got, _ := b.GetOrder(stop.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.AvgFillPrice.LessThan(decimal.RequireFromString("94.49")))
}

func TestPaperBroker_IdempotentUpdate(t *testing.T) {
	ctx := context.Background()
	reports := &reportLog{}
	b := newTestBroker(t, fastConfig(), WithListener(reports))

	first := quote("BTCUSDT", "50000", "50010")
	require.NoError(t, b.UpdateMarket(ctx, first))
	_, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.1"))
	require.NoError(t, err)
	b.WaitIdle()

	snap := quote("BTCUSDT", "50100", "50110")
	snap.LastSide = domain.SideBuy
	snap.LastSize = decimal.NewFromInt(3)
	snap.Timestamp = first.Timestamp.Add(1)

	require.NoError(t, b.UpdateMarket(ctx, snap))
	b.WaitIdle()
	afterFirst := b.GetPositions(ctx)
	b.mu.Lock()
	ofi := b.snapshots["BTCUSDT"].OrderFlowImbalance
	b.mu.Unlock()

	require.NoError(t, b.UpdateMarket(ctx, snap))
	b.WaitIdle()

	assert.Equal(t, afterFirst, b.GetPositions(ctx))
	assert.Len(t, reports.all(), 1)
	b.mu.Lock()
	assert.Equal(t, ofi, b.snapshots["BTCUSDT"].OrderFlowImbalance)
	b.mu.Unlock()
}

func TestPaperBroker_Validation(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, fastConfig())
	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))

	qty := decimal.NewFromInt(1)
	tests := []struct {
		name string
		req  domain.OrderRequest
		want error
	}{
		{"empty symbol", domain.OrderRequest{Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: qty}, domain.ErrInvalidSymbol},
		{"bad side", domain.OrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Type: domain.OrderTypeMarket, Quantity: qty}, domain.ErrInvalidSide},
		{"bad type", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: "ICEBERG", Quantity: qty}, domain.ErrInvalidOrderType},
		{"zero quantity", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket}, domain.ErrInvalidQuantity},
		{"limit without price", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: qty}, domain.ErrMissingPrice},
		{"stop without trigger", domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeStop, Quantity: qty}, domain.ErrMissingStopPrice},
		{"unknown symbol", domain.OrderRequest{Symbol: "DOGEUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: qty}, domain.ErrNoMarketData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.PlaceOrder(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var ve *domain.ValidationError
			assert.ErrorAs(t, err, &ve)
			assert.False(t, domain.IsRetriable(err))
		})
	}

	assert.Empty(t, b.GetPositions(ctx))
	assert.Error(t, b.UpdateMarket(ctx, domain.MarketSnapshot{}))
}

func TestPaperBroker_DuplicateClientID(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, fastConfig())
	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))

	req := market("BTCUSDT", domain.SideBuy, "0.01")
	req.ClientID = "dup-1"
	_, err := b.PlaceOrder(ctx, req)
	require.NoError(t, err)

	_, err = b.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, ErrDuplicateClientID)
	b.WaitIdle()
}

func TestPaperBroker_CancelOrder(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, fastConfig())
	require.NoError(t, b.UpdateMarket(ctx, quote("ETHUSDT", "3000", "3010")))

	order, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   "ETHUSDT",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewFromInt(2900),
	})
	require.NoError(t, err)

	require.NoError(t, b.CancelOrder(ctx, order.ClientID))
	got, _ := b.GetOrder(order.ClientID)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
	assert.True(t, b.PendingQty("ETHUSDT").IsZero())

	// cancelled orders never fill
	require.NoError(t, b.UpdateMarket(ctx, quote("ETHUSDT", "2850", "2860")))
	b.WaitIdle()
	assert.Empty(t, b.GetPositions(ctx))

	assert.ErrorIs(t, b.CancelOrder(ctx, order.ClientID), domain.ErrOrderNotFound)
}

func TestPaperBroker_PersistenceFailure(t *testing.T) {
	ctx := context.Background()
	rec := newMemRecorder()
	rec.fail = true
	counter := &errorCounter{}
	b := newTestBroker(t, fastConfig(), WithRecorder(rec), WithMetrics(counter))

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))
	_, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.1"))
	require.NoError(t, err)
	b.WaitIdle()

	assert.Len(t, b.GetPositions(ctx), 1, "in-memory state survives a failing store")
	assert.Positive(t, counter.n.Load())
}

func TestPaperBroker_ListenerPanic(t *testing.T) {
	ctx := context.Background()
	reports := &reportLog{}
	boom := domain.ListenerFunc(func(domain.ExecutionReport) { panic("boom") })
	b := newTestBroker(t, fastConfig(), WithListener(boom, reports))

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))
	_, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.1"))
	require.NoError(t, err)
	b.WaitIdle()

	assert.Len(t, reports.all(), 1)
	assert.Len(t, b.GetPositions(ctx), 1)
}

func TestPaperBroker_ConcurrentOrders(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.Latency = LatencyConfig{MeanMS: 2, P95MS: 5}
	cfg.MaxInFlight = 4
	b := newTestBroker(t, cfg)
	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		side := domain.SideBuy
		if i%4 == 0 {
			side = domain.SideSell
		}
		wg.Add(1)
		go func(side domain.Side) {
			defer wg.Done()
			_, err := b.PlaceOrder(ctx, market("BTCUSDT", side, "0.01"))
			assert.NoError(t, err)
		}(side)
	}
	wg.Wait()
	b.WaitIdle()

	positions := b.GetPositions(ctx)
	require.Len(t, positions, 1)
	// 15 buys and 5 sells of 0.01
	assert.True(t, positions[0].Size.Equal(decimal.RequireFromString("0.1")), "size %s", positions[0].Size)
}

func TestPaperBroker_Close(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.Latency = LatencyConfig{MeanMS: 5000, P95MS: 6000}
	b := NewPaperBroker(cfg)

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))
	_, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.1"))
	require.NoError(t, err)

	// Close cuts the latency short and still commits the fill
	require.NoError(t, b.Close())
	assert.Len(t, b.GetPositions(ctx), 1)

	_, err = b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.1"))
	assert.ErrorIs(t, err, domain.ErrBrokerClosed)
	require.NoError(t, b.Close())
}

func TestPaperBroker_EmptySnapshot(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, fastConfig())
	require.NoError(t, b.UpdateMarket(ctx, domain.MarketSnapshot{Symbol: "XUSDT"}))

	t.Run("orders need a price", func(t *testing.T) {
		_, err := b.PlaceOrder(ctx, market("XUSDT", domain.SideBuy, "1"))
		assert.ErrorIs(t, err, domain.ErrNoMarketData)
		assert.Empty(t, b.GetPositions(ctx))
	})

	t.Run("zero price fill is rejected", func(t *testing.T) {
		before := b.GetAccountBalance(ctx)

		b.mu.Lock()
		order := &domain.Order{
			ClientID:     "zero-price",
			Symbol:       "XUSDT",
			Side:         domain.SideBuy,
			Type:         domain.OrderTypeMarket,
			Quantity:     decimal.NewFromInt(1),
			Status:       domain.OrderStatusOpen,
			FilledQty:    decimal.Zero,
			AvgFillPrice: decimal.Zero,
		}
		b.orders[order.ClientID] = order
		report := b.commitLocked(fillTask{order: order, fill: PlannedFill{Price: decimal.Zero, Qty: decimal.NewFromInt(1)}})
		b.mu.Unlock()

		assert.False(t, report.Executed)
		assert.Contains(t, report.Error, "no market data")
		got, _ := b.GetOrder("zero-price")
		assert.Equal(t, domain.OrderStatusRejected, got.Status)
		assert.Empty(t, b.GetPositions(ctx))
		assert.True(t, b.GetAccountBalance(ctx).TotalBalance.Equal(before.TotalBalance))
	})
}

func TestPaperBroker_ReducingFillSkipsGuard(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, fastConfig())

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))
	_, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.2"))
	require.NoError(t, err)
	b.WaitIdle()

	b.mu.Lock()
	b.cfg.Margin = MarginConfig{Leverage: 50, InitialMarginPct: 0.02, MaintenanceMargin: 0.005, DefaultStopPct: 0.02}
	b.mu.Unlock()

	// a plain sell that only shrinks the long goes through
	partial, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideSell, "0.1"))
	require.NoError(t, err)
	b.WaitIdle()

	got, _ := b.GetOrder(partial.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	positions := b.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Size.Equal(decimal.RequireFromString("0.1")), "size %s", positions[0].Size)

	// flipping opens fresh exposure and is still guarded
	flip, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideSell, "0.3"))
	require.NoError(t, err)
	b.WaitIdle()

	got, _ = b.GetOrder(flip.ClientID)
	assert.Equal(t, domain.OrderStatusRejected, got.Status)
	positions = b.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Size.Equal(decimal.RequireFromString("0.1")))
}

func TestReduces(t *testing.T) {
	pos := func(size string) domain.Position {
		return domain.Position{Size: decimal.RequireFromString(size)}
	}
	tests := []struct {
		name      string
		cur, next domain.Position
		want      bool
	}{
		{"open from flat", pos("0"), pos("1"), false},
		{"increase long", pos("1"), pos("2"), false},
		{"partial reduce long", pos("2"), pos("1"), true},
		{"partial reduce short", pos("-2"), pos("-0.5"), true},
		{"full close", pos("1"), pos("0"), true},
		{"flip", pos("1"), pos("-1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reduces(tt.cur, tt.next))
		})
	}
}

func TestPaperBroker_CrossedLimitSurvivesClose(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.Latency = LatencyConfig{MeanMS: 5000, P95MS: 6000}
	recorder := newMemRecorder()
	b := NewPaperBroker(cfg, WithRecorder(recorder))

	require.NoError(t, b.UpdateMarket(ctx, quote("ETHUSDT", "3000", "3010")))
	order, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:   "ETHUSDT",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: decimal.NewFromInt(2),
		Price:    decimal.NewFromInt(2990),
	})
	require.NoError(t, err)

	// close lands right after the cross is taken from the registry
	b.mu.Lock()
	var tasks []fillTask
	for _, r := range b.book.takeCrossed(quote("ETHUSDT", "2985", "2990")) {
		b.closed = true
		tasks = append(tasks, b.crossLocked(r)...)
	}
	b.mu.Unlock()
	b.dispatch(tasks)
	require.NoError(t, b.Close())

	got, _ := b.GetOrder(order.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQty.Equal(order.Quantity))
	assert.True(t, b.PendingQty("ETHUSDT").IsZero())

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, domain.OrderStatusFilled, recorder.orders[order.ClientID].Status)
}

func TestPaperBroker_CloseAfterCrossingUpdate(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.Latency = LatencyConfig{MeanMS: 5000, P95MS: 6000}
	b := NewPaperBroker(cfg)

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))
	stop, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      domain.SideBuy,
		Type:      domain.OrderTypeStopMarket,
		Quantity:  decimal.RequireFromString("0.1"),
		StopPrice: decimal.NewFromInt(50100),
	})
	require.NoError(t, err)

	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50200", "50210")))
	require.NoError(t, b.Close())

	got, _ := b.GetOrder(stop.ClientID)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Len(t, b.GetPositions(ctx), 1)
}

type runKey struct{}

// ctxRecorder remembers the run value carried by the context of CreateOrder.
type ctxRecorder struct {
	*memRecorder
	seen atomic.Value
}

func (r *ctxRecorder) CreateOrder(ctx context.Context, o domain.Order) error {
	if v, ok := ctx.Value(runKey{}).(string); ok {
		r.seen.Store(v)
	}
	return r.memRecorder.CreateOrder(ctx, o)
}

func TestPaperBroker_CreateOrderUsesCallerContext(t *testing.T) {
	recorder := &ctxRecorder{memRecorder: newMemRecorder()}
	b := newTestBroker(t, fastConfig(), WithRecorder(recorder))

	ctx := context.WithValue(context.Background(), runKey{}, "bar-42")
	require.NoError(t, b.UpdateMarket(ctx, quote("BTCUSDT", "50000", "50010")))
	_, err := b.PlaceOrder(ctx, market("BTCUSDT", domain.SideBuy, "0.1"))
	require.NoError(t, err)
	b.WaitIdle()

	assert.Equal(t, "bar-42", recorder.seen.Load())
}
