package bitget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"crypto_paper/internal/domain"
	"crypto_paper/internal/event"
	"crypto_paper/pkg/quant"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// ConnectionStats tracks live connections. infra.Metrics satisfies it.
type ConnectionStats interface {
	IncrementConnections()
	DecrementConnections()
}

// book is the last top of book seen for one symbol.
type book struct {
	bid, ask, bidSize, askSize decimal.Decimal
	last, funding              decimal.Decimal
}

// FuturesWorker streams Bitget USDT-M futures tickers and trades into the sequencer.
// Ticker pushes refresh the book; trade pushes carry the aggressor side the
// order-flow signal needs.
type FuturesWorker struct {
	url     string
	symbols map[string]string // local symbol -> instId
	inbox   chan<- event.Event
	seq     *uint64
	stats   ConnectionStats

	books map[string]*book // touched only by the read loop

	conn      *websocket.Conn
	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewFuturesWorker factory. stats may be nil.
func NewFuturesWorker(url string, symbols map[string]string, inbox chan<- event.Event, seq *uint64, stats ConnectionStats) *FuturesWorker {
	return &FuturesWorker{
		url:     url,
		symbols: symbols,
		inbox:   inbox,
		seq:     seq,
		stats:   stats,
		books:   make(map[string]*book),
	}
}

// Connect starts the connection loop with automatic reconnection.
func (w *FuturesWorker) Connect(ctx context.Context) error {
	if len(w.symbols) == 0 {
		return &domain.ConfigError{Field: "feed.bitget.symbols", Err: fmt.Errorf("no symbols")}
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.connectionLoop(ctx)
	return nil
}

func (w *FuturesWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bitget Futures panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("Bitget Futures connection loop stopped")
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			if !domain.IsRetriable(err) {
				slog.Error("Bitget Futures connection aborted", slog.Any("error", err))
				return
			}
			slog.Warn("Bitget Futures connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := calculateBackoff(retryCount)
			retryCount++
			if retryCount > maxRetries {
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		connCtx, stopPing := context.WithCancel(ctx)
		go w.pingLoop(connCtx)
		w.readLoop(ctx)
		stopPing()
	}
}

func (w *FuturesWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
		if rejectedHandshake(resp) {
			return domain.NewFatalNetworkError("dial", err)
		}
		return domain.NewNetworkError("dial", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()
	if w.stats != nil {
		w.stats.IncrementConnections()
	}

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return err
	}

	slog.Info("Bitget Futures WebSocket connected", slog.Int("symbols", len(w.symbols)))
	return nil
}

func (w *FuturesWorker) subscribe() error {
	req, err := buildSubscribe(w.symbols)
	if err != nil {
		return domain.NewFatalNetworkError("subscribe", err)
	}
	if err := w.threadSafeWrite(websocket.TextMessage, req); err != nil {
		return domain.NewNetworkError("subscribe", err)
	}
	return nil
}

// rejectedHandshake reports a 4xx upgrade response other than rate limiting.
// Retrying the same URL cannot succeed.
func rejectedHandshake(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
}

func buildSubscribe(symbols map[string]string) ([]byte, error) {
	if len(symbols)*2 > maxSymbols {
		slog.Warn("Bitget Futures subscription limit exceeded", slog.Int("args", len(symbols)*2))
	}
	args := make([]subscribeArg, 0, len(symbols)*2)
	for _, instId := range symbols {
		args = append(args,
			subscribeArg{InstType: instTypeFutures, Channel: channelTicker, InstId: instId},
			subscribeArg{InstType: instTypeFutures, Channel: channelTrade, InstId: instId},
		)
	}
	return json.Marshal(subscribeRequest{Op: "subscribe", Args: args})
}

func (w *FuturesWorker) threadSafeWrite(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection is nil")
	}
	return conn.WriteMessage(messageType, data)
}

func (w *FuturesWorker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.TextMessage, []byte("ping")); err != nil {
				slog.Warn("Bitget Futures ping failed", slog.Any("error", err))
			}
		}
	}
}

func (w *FuturesWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Bitget Futures read error", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}

		if string(message) == "pong" {
			continue
		}
		w.handleMessage(message)
	}
}

func (w *FuturesWorker) handleMessage(message []byte) {
	var head pushMessage[json.RawMessage]
	if err := json.Unmarshal(message, &head); err != nil || len(head.Data) == 0 {
		return
	}
	symbol := w.findSymbol(head.Arg.InstId)
	if symbol == "" {
		return
	}

	switch head.Arg.Channel {
	case channelTicker:
		var resp pushMessage[tickerData]
		if err := json.Unmarshal(message, &resp); err != nil {
			return
		}
		for _, d := range resp.Data {
			b := w.bookFor(symbol)
			b.bid = quant.ParseDecimal(d.BidPr)
			b.ask = quant.ParseDecimal(d.AskPr)
			b.bidSize = quant.ParseDecimal(d.BidSz)
			b.askSize = quant.ParseDecimal(d.AskSz)
			if last := quant.ParseDecimal(d.LastPr); last.IsPositive() {
				b.last = last
			}
			if d.FundingRate != "" {
				b.funding = quant.ParseDecimal(d.FundingRate)
			}
			w.emit(symbol, b, pickTs(d.Ts, resp.Ts), "", decimal.Zero)
		}

	case channelTrade:
		var resp pushMessage[tradeData]
		if err := json.Unmarshal(message, &resp); err != nil {
			return
		}
		// snapshot pushes replay history; only live updates move the flow signal
		if resp.Action == "snapshot" {
			return
		}
		for _, d := range resp.Data {
			b := w.bookFor(symbol)
			if price := quant.ParseDecimal(d.Price); price.IsPositive() {
				b.last = price
			}
			w.emit(symbol, b, pickTs(d.Ts, resp.Ts), parseSide(d.Side), quant.ParseDecimal(d.Size))
		}
	}
}

func (w *FuturesWorker) emit(symbol string, b *book, ts int64, side domain.Side, size decimal.Decimal) {
	ev := event.AcquireMarketUpdateEvent()
	ev.Seq = quant.NextSeq(w.seq)
	ev.Ts = ts
	ev.Symbol = symbol
	ev.Exchange = exchangeName
	ev.BestBid = b.bid
	ev.BestAsk = b.ask
	ev.BidSize = b.bidSize
	ev.AskSize = b.askSize
	ev.LastPrice = b.last
	ev.LastSide = side
	ev.LastSize = size
	ev.FundingRate = b.funding

	select {
	case w.inbox <- ev:
	default:
		// the sequencer resyncs over the skipped number
		event.ReleaseMarketUpdateEvent(ev)
		slog.Warn("Bitget Futures inbox full, dropping update", slog.String("symbol", symbol))
	}
}

func (w *FuturesWorker) bookFor(symbol string) *book {
	b, ok := w.books[symbol]
	if !ok {
		b = &book{}
		w.books[symbol] = b
	}
	return b
}

func (w *FuturesWorker) findSymbol(instId string) string {
	for symbol, id := range w.symbols {
		if id == instId {
			return symbol
		}
	}
	return ""
}

func (w *FuturesWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
		if w.stats != nil {
			w.stats.DecrementConnections()
		}
	}
	w.connected = false
}

// Disconnect closes the connection and waits for the loop to exit.
func (w *FuturesWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
	slog.Info("Bitget Futures WebSocket disconnected")
}

// IsConnected returns connection status
func (w *FuturesWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// calculateBackoff doubles from baseDelay up to maxDelay.
func calculateBackoff(retryCount int) time.Duration {
	if retryCount > 6 {
		return maxDelay
	}
	delay := baseDelay * time.Duration(1<<uint(retryCount))
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseSide(s string) domain.Side {
	switch strings.ToLower(s) {
	case "buy":
		return domain.SideBuy
	case "sell":
		return domain.SideSell
	default:
		return ""
	}
}

func pickTs(itemTs string, envelopeTs int64) int64 {
	if ts, err := strconv.ParseInt(itemTs, 10, 64); err == nil && ts > 0 {
		return ts
	}
	return envelopeTs
}
