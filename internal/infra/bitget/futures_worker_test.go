package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crypto_paper/internal/domain"
	"crypto_paper/internal/event"

	"github.com/shopspring/decimal"
)

func newTestWorker(inbox chan event.Event) *FuturesWorker {
	var seq uint64
	return NewFuturesWorker("wss://example.invalid", map[string]string{"BTCUSDT": "BTCUSDT"}, inbox, &seq, nil)
}

func receive(t *testing.T, inbox chan event.Event) *event.MarketUpdateEvent {
	t.Helper()
	select {
	case ev := <-inbox:
		return ev.(*event.MarketUpdateEvent)
	default:
		t.Fatal("expected an event")
		return nil
	}
}

func TestHandleMessage_Ticker(t *testing.T) {
	inbox := make(chan event.Event, 4)
	w := newTestWorker(inbox)

	w.handleMessage([]byte(`{"action":"snapshot","arg":{"instType":"USDT-FUTURES","channel":"ticker","instId":"BTCUSDT"},
		"data":[{"instId":"BTCUSDT","lastPr":"50005.5","bidPr":"50000","askPr":"50010","bidSz":"1.2","askSz":"0.8","fundingRate":"0.0001","ts":"1700000000000"}],"ts":1700000000001}`))

	ev := receive(t, inbox)
	if ev.Seq != 1 || ev.Symbol != "BTCUSDT" || ev.Exchange != "BITGET_F" {
		t.Errorf("unexpected header: %+v", ev.BaseEvent)
	}
	if !ev.BestBid.Equal(decimal.NewFromInt(50000)) || !ev.BestAsk.Equal(decimal.NewFromInt(50010)) {
		t.Errorf("book = %s/%s", ev.BestBid, ev.BestAsk)
	}
	if !ev.FundingRate.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("funding = %s", ev.FundingRate)
	}
	if ev.LastSide != "" || ev.Ts != 1700000000000 {
		t.Errorf("ticker must not carry a print: side=%q ts=%d", ev.LastSide, ev.Ts)
	}
}

func TestHandleMessage_TradeCarriesBook(t *testing.T) {
	inbox := make(chan event.Event, 4)
	w := newTestWorker(inbox)

	w.handleMessage([]byte(`{"action":"snapshot","arg":{"instType":"USDT-FUTURES","channel":"ticker","instId":"BTCUSDT"},
		"data":[{"instId":"BTCUSDT","lastPr":"50005","bidPr":"50000","askPr":"50010","bidSz":"1","askSz":"1"}],"ts":1}`))
	receive(t, inbox)

	w.handleMessage([]byte(`{"action":"update","arg":{"instType":"USDT-FUTURES","channel":"trade","instId":"BTCUSDT"},
		"data":[{"ts":"1700000000500","price":"50010","size":"0.3","side":"buy","tradeId":"1"}],"ts":1700000000501}`))

	ev := receive(t, inbox)
	if ev.LastSide != domain.SideBuy || !ev.LastSize.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("print = %s %s", ev.LastSide, ev.LastSize)
	}
	if !ev.BestBid.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("trade event should keep the last book, bid=%s", ev.BestBid)
	}
	if ev.Seq != 2 {
		t.Errorf("seq = %d, want 2", ev.Seq)
	}
}

func TestHandleMessage_Ignored(t *testing.T) {
	inbox := make(chan event.Event, 4)
	w := newTestWorker(inbox)

	msgs := []string{
		`not json`,
		`{"event":"subscribe","arg":{"channel":"ticker","instId":"BTCUSDT"}}`,
		`{"action":"update","arg":{"channel":"ticker","instId":"ETHUSDT"},"data":[{"instId":"ETHUSDT","lastPr":"3000"}]}`,
		`{"action":"snapshot","arg":{"channel":"trade","instId":"BTCUSDT"},"data":[{"ts":"1","price":"1","size":"1","side":"sell"}]}`,
	}
	for _, m := range msgs {
		w.handleMessage([]byte(m))
	}
	if len(inbox) != 0 {
		t.Errorf("expected no events, got %d", len(inbox))
	}
}

func TestEmit_DropsWhenInboxFull(t *testing.T) {
	inbox := make(chan event.Event) // unbuffered, nobody reading
	w := newTestWorker(inbox)

	w.emit("BTCUSDT", &book{}, 1, "", decimal.Zero)
	if *w.seq != 1 {
		t.Errorf("seq should still advance, got %d", *w.seq)
	}
}

func TestBuildSubscribe(t *testing.T) {
	raw, err := buildSubscribe(map[string]string{"BTCUSDT": "BTCUSDT"})
	if err != nil {
		t.Fatalf("buildSubscribe: %v", err)
	}
	var req subscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Op != "subscribe" || len(req.Args) != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Args[0].Channel != "ticker" || req.Args[1].Channel != "trade" || req.Args[0].InstType != "USDT-FUTURES" {
		t.Errorf("unexpected args %+v", req.Args)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{10, 60 * time.Second},
		{100, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := calculateBackoff(tt.retryCount); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func statusServer(t *testing.T, code int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnect_HandshakeErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		retriable bool
	}{
		{"forbidden", http.StatusForbidden, false},
		{"not found", http.StatusNotFound, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"unavailable", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seq uint64
			w := NewFuturesWorker(statusServer(t, tt.code), map[string]string{"BTCUSDT": "BTCUSDT"}, make(chan event.Event, 1), &seq, nil)

			err := w.connect(context.Background())
			if err == nil {
				t.Fatal("expected handshake error")
			}
			if !errors.Is(err, domain.ErrConnectionFailed) {
				t.Errorf("expected ErrConnectionFailed, got %v", err)
			}
			if got := domain.IsRetriable(err); got != tt.retriable {
				t.Errorf("IsRetriable = %v, want %v", got, tt.retriable)
			}
		})
	}
}

func TestConnectionLoop_StopsOnFatalError(t *testing.T) {
	var seq uint64
	w := NewFuturesWorker(statusServer(t, http.StatusUnauthorized), map[string]string{"BTCUSDT": "BTCUSDT"}, make(chan event.Event, 1), &seq, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("connection loop kept retrying after a rejected handshake")
	}
	if w.IsConnected() {
		t.Error("worker should not report a connection")
	}
}
