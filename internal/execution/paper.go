package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"crypto_paper/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

const persistTimeout = 5 * time.Second

// ErrDuplicateClientID is returned when a client id is reused.
var ErrDuplicateClientID = errors.New("duplicate client id")

// MetricsSink receives error counts the broker swallows.
type MetricsSink interface {
	RecordError()
}

// Option configures a PaperBroker.
type Option func(*PaperBroker)

// WithRecorder sets the persistence sink. Without it nothing is persisted.
func WithRecorder(r domain.TradeRecorder) Option {
	return func(b *PaperBroker) {
		if r != nil {
			b.recorder = r
		}
	}
}

// WithListener adds execution listeners.
func WithListener(ls ...domain.ExecutionListener) Option {
	return func(b *PaperBroker) {
		for _, l := range ls {
			if l != nil {
				b.listeners = append(b.listeners, l)
			}
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *PaperBroker) {
		if l != nil {
			b.logger = l.With("module", "paper_broker")
		}
	}
}

// WithMetrics counts persistence and listener failures.
func WithMetrics(m MetricsSink) Option {
	return func(b *PaperBroker) { b.metrics = m }
}

// WithClock overrides time.Now, mostly for tests and replays.
func WithClock(now func() time.Time) Option {
	return func(b *PaperBroker) {
		if now != nil {
			b.now = now
		}
	}
}

// fillTask is one planned fill bound to its order.
type fillTask struct {
	order *domain.Order
	fill  PlannedFill
}

// PaperBroker simulates an exchange matching engine.
// A single mutex guards snapshots, positions, orders, the pending registries and
// the balance. It is never held while a fill sleeps for its latency.
type PaperBroker struct {
	cfg Config

	mu        sync.Mutex
	snapshots map[string]domain.MarketSnapshot
	positions map[string]*domain.Position
	orders    map[string]*domain.Order
	book      *orderBook
	balance   decimal.Decimal
	rng       *rand.Rand
	orderSeq  uint64
	closed    bool

	recorder  domain.TradeRecorder
	listeners []domain.ExecutionListener
	metrics   MetricsSink
	logger    *slog.Logger
	now       func() time.Time

	slots     *semaphore.Weighted
	inflight  sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

var _ domain.Execution = (*PaperBroker)(nil)

// NewPaperBroker creates a broker seeded from cfg.Seed.
func NewPaperBroker(cfg Config, opts ...Option) *PaperBroker {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultConfig().MaxInFlight
	}

	b := &PaperBroker{
		cfg:       cfg,
		snapshots: make(map[string]domain.MarketSnapshot),
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]*domain.Order),
		book:      newOrderBook(),
		balance:   cfg.InitialBalance,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		recorder:  noopRecorder{},
		logger:    slog.Default().With("module", "paper_broker"),
		now:       time.Now,
		slots:     semaphore.NewWeighted(maxInFlight),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PlaceOrder validates req, records the order as open and either schedules its
// fills or registers it as a resting limit or pending stop. It never blocks on fills.
func (b *PaperBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if err := validateRequest(req); err != nil {
		return domain.Order{}, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return domain.Order{}, domain.ErrBrokerClosed
	}
	snap, ok := b.snapshots[req.Symbol]
	if !ok || !snap.Mid().IsPositive() {
		b.mu.Unlock()
		return domain.Order{}, &domain.ValidationError{Field: "symbol", Err: fmt.Errorf("%w for %s", domain.ErrNoMarketData, req.Symbol)}
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if _, dup := b.orders[clientID]; dup {
		b.mu.Unlock()
		return domain.Order{}, &domain.ValidationError{Field: "client_id", Err: fmt.Errorf("%w: %s", ErrDuplicateClientID, clientID)}
	}

	b.orderSeq++
	now := b.now()
	order := &domain.Order{
		ClientID:     clientID,
		OrderID:      fmt.Sprintf("P%d", b.orderSeq),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		ReduceOnly:   req.ReduceOnly,
		Status:       domain.OrderStatusOpen,
		FilledQty:    decimal.Zero,
		AvgFillPrice: decimal.Zero,
		Mode:         b.cfg.Mode,
		RunID:        b.cfg.RunID,
		IsShadow:     req.IsShadow,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	b.orders[clientID] = order

	var tasks []fillTask
	switch {
	case req.Type == domain.OrderTypeMarket,
		req.Type == domain.OrderTypeLimit && IsMarketable(req.Side, req.Price, snap):
		tasks = b.planMarketLocked(order, snap)
	case req.Type == domain.OrderTypeLimit:
		b.book.addResting(&RestingOrder{Order: order, Price: req.Price, Remaining: req.Quantity})
	default:
		b.book.addStop(&StopOrder{Order: order, Trigger: req.StopPrice, ReduceOnly: req.ReduceOnly})
	}
	placed := *order
	b.mu.Unlock()

	b.persist(ctx, "create_order", func(ctx context.Context) error {
		return b.recorder.CreateOrder(ctx, placed)
	})
	b.logger.Debug("order placed",
		slog.String("client_id", placed.ClientID),
		slog.String("symbol", placed.Symbol),
		slog.String("side", string(placed.Side)),
		slog.String("type", string(placed.Type)),
		slog.String("qty", placed.Quantity.String()),
		slog.Int("fills", len(tasks)),
	)
	b.dispatch(tasks)
	return placed, nil
}

// UpdateMarket is the single entry point for market data. Under the lock it stores
// the snapshot, marks the open position, takes triggered stops and crossed limits
// out of the registries and schedules their fills; the fills are dispatched after
// the lock is released.
func (b *PaperBroker) UpdateMarket(ctx context.Context, snap domain.MarketSnapshot) error {
	if snap.Symbol == "" {
		return &domain.ValidationError{Field: "symbol", Err: domain.ErrInvalidSymbol}
	}

	b.mu.Lock()
	prev, had := b.snapshots[snap.Symbol]
	duplicate := had && snap.SamePrint(prev)
	switch {
	case duplicate:
		snap.OrderFlowImbalance = prev.OrderFlowImbalance
	case had:
		snap.OrderFlowImbalance = domain.NextFlowImbalance(prev.OrderFlowImbalance, snap.LastSide, snap.LastSize)
	default:
		snap.OrderFlowImbalance = domain.NextFlowImbalance(0, snap.LastSide, snap.LastSize)
	}
	b.snapshots[snap.Symbol] = snap

	mid := snap.Mid()
	remark := !duplicate || !mid.Equal(prev.Mid())
	if pos, ok := b.positions[snap.Symbol]; ok && remark {
		*pos = MarkToMarket(*pos, mid)
		pos.UpdatedAt = b.now()
		marked := *pos
		b.persist(ctx, "update_position", func(ctx context.Context) error {
			return b.recorder.UpdatePosition(ctx, marked)
		})
	}

	var tasks []fillTask
	if !b.closed {
		for _, s := range b.book.takeTriggered(snap.Symbol, mid) {
			tasks = append(tasks, b.triggerLocked(s)...)
		}
		for _, r := range b.book.takeCrossed(snap) {
			tasks = append(tasks, b.crossLocked(r)...)
		}
	}
	b.mu.Unlock()

	b.dispatch(tasks)
	return nil
}

// triggerLocked converts a fired stop into a market fill against the current book.
func (b *PaperBroker) triggerLocked(s *StopOrder) []fillTask {
	if s.Order.Status.IsTerminal() {
		return nil
	}
	b.logger.Info("stop triggered",
		slog.String("client_id", s.Order.ClientID),
		slog.String("symbol", s.Order.Symbol),
		slog.String("trigger", s.Trigger.String()),
	)
	return b.planMarketLocked(s.Order, b.snapshots[s.Order.Symbol])
}

// crossLocked plans the maker slices of a resting limit the book traded through.
func (b *PaperBroker) crossLocked(r *RestingOrder) []fillTask {
	if r.Order.Status.IsTerminal() {
		return nil
	}
	fills := PlanMakerFills(b.cfg, r.Price, r.Remaining, b.rng)
	r.Remaining = decimal.Zero
	b.logger.Debug("resting limit crossed",
		slog.String("client_id", r.Order.ClientID),
		slog.String("price", r.Price.String()),
		slog.Int("slices", len(fills)),
	)
	return b.scheduleLocked(r.Order, fills)
}

// planMarketLocked plans a single taker fill for the order's remaining quantity.
func (b *PaperBroker) planMarketLocked(order *domain.Order, snap domain.MarketSnapshot) []fillTask {
	fill := PlanMarketFill(b.cfg, snap, order.Side, order.RemainingQty(), b.rng)
	return b.scheduleLocked(order, []PlannedFill{fill})
}

// scheduleLocked registers fills as in flight. Adding under the lock orders it
// before Close's wait.
func (b *PaperBroker) scheduleLocked(order *domain.Order, fills []PlannedFill) []fillTask {
	tasks := make([]fillTask, 0, len(fills))
	for _, f := range fills {
		tasks = append(tasks, fillTask{order: order, fill: f})
	}
	b.inflight.Add(len(tasks))
	return tasks
}

func (b *PaperBroker) dispatch(tasks []fillTask) {
	for _, t := range tasks {
		go b.runFill(t)
	}
}

// runFill waits for a slot and the sampled latency, then commits the fill.
// Once scheduled a fill always finalizes; Close only cuts the wait short.
func (b *PaperBroker) runFill(t fillTask) {
	defer b.inflight.Done()

	if err := b.slots.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer b.slots.Release(1)

	if t.fill.Latency > 0 {
		timer := time.NewTimer(t.fill.Latency)
		select {
		case <-timer.C:
		case <-b.quit:
			timer.Stop()
		}
	}

	b.mu.Lock()
	report := b.commitLocked(t)
	b.mu.Unlock()

	b.notify(report)
}

// commitLocked applies one fill: liquidation guard, position and balance update,
// persistence. It returns the report for listeners.
func (b *PaperBroker) commitLocked(t fillTask) domain.ExecutionReport {
	order, fill := t.order, t.fill
	now := b.now()

	report := domain.ExecutionReport{
		OrderID:     order.OrderID,
		ClientID:    order.ClientID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Price:       fill.Price,
		Quantity:    fill.Qty,
		Fee:         decimal.Zero,
		Funding:     decimal.Zero,
		RealizedPnL: decimal.Zero,
		SlippageBps: fill.SlippageBps,
		Maker:       fill.Maker,
		Latency:     fill.Latency,
		Timestamp:   now,
	}

	if order.Status.IsTerminal() {
		report.Error = "order already " + string(order.Status)
		return report
	}

	if !fill.Price.IsPositive() {
		report.Error = domain.ErrNoMarketData.Error()
		b.rejectLocked(order, report.Error, now)
		return report
	}

	pos := b.positionLocked(order.Symbol)
	qty := fill.Qty
	clamped := false

	if order.ReduceOnly {
		qty = ReducibleQty(pos, order.Side, fill.Qty)
		if qty.IsZero() {
			report.Error = "reduce-only order has no position to reduce"
			b.rejectLocked(order, report.Error, now)
			return report
		}
		clamped = qty.LessThan(fill.Qty)
	} else {
		prospective := ApplyFill(pos, order.Side, qty, fill.Price).Position
		if !reduces(pos, prospective) {
			err := CheckLiquidation(b.cfg.Margin, GuardInput{
				Entry:     prospective.AvgPrice,
				FillPrice: fill.Price,
				StopPrice: order.StopPrice,
				Long:      prospective.Size.IsPositive(),
			})
			if err != nil {
				report.Error = err.Error()
				b.rejectLocked(order, report.Error, now)
				return report
			}
		}
	}

	res := ApplyFill(pos, order.Side, qty, fill.Price)
	snap := b.snapshots[order.Symbol]
	notional := qty.Mul(fill.Price)
	fee := FillFee(b.cfg, notional, fill.Maker)
	funding := FillFunding(b.cfg, notional, snap.FundingRate, order.Side)
	netCash := res.RealizedPnL.Sub(fee).Sub(funding)
	b.balance = b.balance.Add(netCash)

	mark := snap.Mid()
	if !mark.IsPositive() {
		mark = fill.Price
	}
	newPos := MarkToMarket(res.Position, mark)
	newPos.RunID = b.cfg.RunID
	newPos.UpdatedAt = now
	if newPos.Size.IsZero() {
		delete(b.positions, order.Symbol)
	} else {
		stored := newPos
		b.positions[order.Symbol] = &stored
	}

	prevFilled := order.FilledQty
	order.FilledQty = prevFilled.Add(qty)
	order.AvgFillPrice = prevFilled.Mul(order.AvgFillPrice).Add(notional).Div(order.FilledQty)
	order.UpdatedAt = now
	if clamped || order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = domain.OrderStatusFilled
	} else {
		order.Status = domain.OrderStatusPartiallyFilled
	}

	trade := domain.Trade{
		ID:          uuid.NewString(),
		ClientID:    order.ClientID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Quantity:    qty,
		Price:       fill.Price,
		Fee:         fee,
		Funding:     funding,
		RealizedPnL: res.RealizedPnL,
		SlippageBps: fill.SlippageBps,
		Latency:     fill.Latency,
		Maker:       fill.Maker,
		Mode:        order.Mode,
		RunID:       order.RunID,
		IsShadow:    order.IsShadow,
		Timestamp:   now,
	}
	entry := domain.PnLEntry{
		TradeID:      trade.ID,
		Symbol:       order.Symbol,
		RealizedPnL:  res.RealizedPnL,
		Fee:          fee,
		Funding:      funding,
		NetCash:      netCash,
		BalanceAfter: b.balance,
		RunID:        order.RunID,
		Timestamp:    now,
	}
	status, filled := order.Status, order.FilledQty

	b.persist(context.Background(), "create_trade", func(ctx context.Context) error { return b.recorder.CreateTrade(ctx, trade) })
	b.persist(context.Background(), "update_position", func(ctx context.Context) error { return b.recorder.UpdatePosition(ctx, newPos) })
	b.persist(context.Background(), "add_pnl_entry", func(ctx context.Context) error { return b.recorder.AddPnLEntry(ctx, entry) })
	b.persist(context.Background(), "update_order_status", func(ctx context.Context) error {
		return b.recorder.UpdateOrderStatus(ctx, order.ClientID, status, filled)
	})

	report.Executed = true
	report.Quantity = qty
	report.Fee = fee
	report.Funding = funding
	report.RealizedPnL = res.RealizedPnL

	b.logger.Debug("fill committed",
		slog.String("client_id", order.ClientID),
		slog.String("symbol", order.Symbol),
		slog.String("price", fill.Price.String()),
		slog.String("qty", qty.String()),
		slog.Bool("maker", fill.Maker),
		slog.String("balance", b.balance.String()),
	)
	return report
}

func (b *PaperBroker) rejectLocked(order *domain.Order, reason string, now time.Time) {
	order.Status = domain.OrderStatusRejected
	order.RejectReason = reason
	order.UpdatedAt = now
	filled := order.FilledQty

	b.logger.Warn("fill rejected",
		slog.String("client_id", order.ClientID),
		slog.String("symbol", order.Symbol),
		slog.String("reason", reason),
	)
	b.persist(context.Background(), "update_order_status", func(ctx context.Context) error {
		return b.recorder.UpdateOrderStatus(ctx, order.ClientID, domain.OrderStatusRejected, filled)
	})
}

// reduces reports whether next only shrinks pos without flipping it. Such fills
// keep the entry price and cannot bring liquidation closer.
func reduces(pos, next domain.Position) bool {
	if pos.Size.IsZero() {
		return false
	}
	if next.Size.IsZero() {
		return true
	}
	return next.Size.Sign() == pos.Size.Sign() && next.Size.Abs().LessThanOrEqual(pos.Size.Abs())
}

// positionLocked returns a copy of the symbol's position, zero when flat.
func (b *PaperBroker) positionLocked(symbol string) domain.Position {
	if pos, ok := b.positions[symbol]; ok {
		return *pos
	}
	return domain.Position{
		Symbol:        symbol,
		Size:          decimal.Zero,
		AvgPrice:      decimal.Zero,
		MarkPrice:     decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}
}

// persist runs a recorder call and swallows its error after logging it.
// In-memory state stays the source of truth.
func (b *PaperBroker) persist(parent context.Context, op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, persistTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		if b.metrics != nil {
			b.metrics.RecordError()
		}
		b.logger.Error("persistence failed", slog.String("op", op), slog.Any("error", err))
	}
}

// notify delivers a report to every listener. A panicking listener is isolated.
func (b *PaperBroker) notify(report domain.ExecutionReport) {
	for _, l := range b.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if b.metrics != nil {
						b.metrics.RecordError()
					}
					b.logger.Error("execution listener panic", slog.Any("panic", r))
				}
			}()
			l.OnExecution(report)
		}()
	}
}

// CancelOrder removes a resting limit or pending stop. Fills already scheduled
// cannot be cancelled.
func (b *PaperBroker) CancelOrder(ctx context.Context, clientID string) error {
	b.mu.Lock()
	order, ok := b.book.remove(clientID)
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", clientID, domain.ErrOrderNotFound)
	}
	order.Status = domain.OrderStatusCanceled
	order.UpdatedAt = b.now()
	filled := order.FilledQty
	b.mu.Unlock()

	b.persist(ctx, "update_order_status", func(ctx context.Context) error {
		return b.recorder.UpdateOrderStatus(ctx, clientID, domain.OrderStatusCanceled, filled)
	})
	return nil
}

// GetOrder returns a copy of the order with clientID.
func (b *PaperBroker) GetOrder(clientID string) (domain.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[clientID]
	if !ok {
		return domain.Order{}, false
	}
	return *order, true
}

// GetPositions returns all open positions sorted by symbol.
func (b *PaperBroker) GetPositions(ctx context.Context) []domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := make([]domain.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		if !pos.Size.IsZero() {
			result = append(result, *pos)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

// ClosePosition sends a reduce-only market order opposite to the open position.
// It returns false when the symbol is flat.
func (b *PaperBroker) ClosePosition(ctx context.Context, symbol string) (bool, error) {
	b.mu.Lock()
	pos, ok := b.positions[symbol]
	var size decimal.Decimal
	if ok {
		size = pos.Size
	}
	b.mu.Unlock()

	if !ok || size.IsZero() {
		return false, nil
	}

	side := domain.SideSell
	if size.IsNegative() {
		side = domain.SideBuy
	}
	_, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       domain.OrderTypeMarket,
		Quantity:   size.Abs(),
		ReduceOnly: true,
	})
	if err != nil {
		return false, fmt.Errorf("close position %s: %w", symbol, err)
	}
	return true, nil
}

// GetAccountBalance returns the cash balance plus the marked unrealized PnL.
func (b *PaperBroker) GetAccountBalance(ctx context.Context) domain.AccountBalance {
	b.mu.Lock()
	defer b.mu.Unlock()

	unrealized := decimal.Zero
	for _, pos := range b.positions {
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}
	return domain.AccountBalance{
		TotalBalance:  b.balance,
		UnrealizedPnL: unrealized,
		Equity:        b.balance.Add(unrealized),
	}
}

// PendingQty returns the quantity still resting for symbol.
func (b *PaperBroker) PendingQty(symbol string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.book.pendingQty(symbol)
}

// WaitIdle blocks until every scheduled fill has finalized. It must not race with
// new orders; bar-by-bar drivers call it between bars.
func (b *PaperBroker) WaitIdle() {
	b.inflight.Wait()
}

// Close rejects new orders, shortens pending latencies and waits for in-flight fills.
func (b *PaperBroker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.quit)
		b.inflight.Wait()
		b.logger.Info("paper broker closed", slog.String("balance", b.GetAccountBalance(context.Background()).TotalBalance.String()))
	})
	return nil
}

func validateRequest(req domain.OrderRequest) error {
	if req.Symbol == "" {
		return &domain.ValidationError{Field: "symbol", Err: domain.ErrInvalidSymbol}
	}
	if !req.Side.Valid() {
		return &domain.ValidationError{Field: "side", Err: domain.ErrInvalidSide}
	}
	if !req.Type.Valid() {
		return &domain.ValidationError{Field: "type", Err: domain.ErrInvalidOrderType}
	}
	if !req.Quantity.IsPositive() {
		return &domain.ValidationError{Field: "quantity", Err: domain.ErrInvalidQuantity}
	}
	if req.Type == domain.OrderTypeLimit && !req.Price.IsPositive() {
		return &domain.ValidationError{Field: "price", Err: domain.ErrMissingPrice}
	}
	if req.Type.IsStop() && !req.StopPrice.IsPositive() {
		return &domain.ValidationError{Field: "stop_price", Err: domain.ErrMissingStopPrice}
	}
	return nil
}

type noopRecorder struct{}

func (noopRecorder) CreateOrder(context.Context, domain.Order) error { return nil }
func (noopRecorder) UpdateOrderStatus(context.Context, string, domain.OrderStatus, decimal.Decimal) error {
	return nil
}
func (noopRecorder) CreateTrade(context.Context, domain.Trade) error       { return nil }
func (noopRecorder) UpdatePosition(context.Context, domain.Position) error { return nil }
func (noopRecorder) AddPnLEntry(context.Context, domain.PnLEntry) error    { return nil }
