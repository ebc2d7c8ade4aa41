package event

import (
	"testing"
	"time"

	"crypto_paper/internal/domain"

	"github.com/shopspring/decimal"
)

func TestMarketUpdateEvent_ToSnapshot(t *testing.T) {
	ev := &MarketUpdateEvent{
		BaseEvent: BaseEvent{Seq: 3, Ts: 1_700_000_000_000},
		Symbol:    "BTCUSDT",
		BestBid:   decimal.NewFromInt(50000),
		BestAsk:   decimal.NewFromInt(50010),
		LastSide:  domain.SideBuy,
		LastSize:  decimal.RequireFromString("0.5"),
	}

	snap := ev.ToSnapshot()
	if snap.Symbol != "BTCUSDT" || !snap.Mid().Equal(decimal.NewFromInt(50005)) {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if !snap.Timestamp.Equal(time.UnixMilli(1_700_000_000_000)) {
		t.Errorf("timestamp = %v", snap.Timestamp)
	}
	if snap.OrderFlowImbalance != 0 {
		t.Error("flow signal is owned by the broker")
	}
	if ev.GetType() != TypeMarketUpdate || ev.GetSeq() != 3 {
		t.Errorf("type %s seq %d", ev.GetType(), ev.GetSeq())
	}
}

func TestReleaseMarketUpdateEvent_Resets(t *testing.T) {
	ev := AcquireMarketUpdateEvent()
	ev.Seq = 9
	ev.Symbol = "ETHUSDT"
	ev.BestBid = decimal.NewFromInt(3000)
	ev.LastSide = domain.SideSell
	ReleaseMarketUpdateEvent(ev)

	if ev.Seq != 0 || ev.Symbol != "" || !ev.BestBid.IsZero() || ev.LastSide != "" {
		t.Errorf("event not reset: %+v", ev)
	}
	ReleaseMarketUpdateEvent(nil)
}
