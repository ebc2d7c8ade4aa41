package event

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Feeds produce one MarketUpdateEvent per ticker or trade message; pooling keeps
// the websocket read loop from allocating per update.
//
// Usage:
//
//	ev := AcquireMarketUpdateEvent()
//	ev.Symbol = "BTCUSDT"
//	// ... hand to the sequencer ...
//	ReleaseMarketUpdateEvent(ev) // after the sequencer is done with it
var marketUpdatePool = sync.Pool{
	New: func() interface{} {
		return &MarketUpdateEvent{}
	},
}

// AcquireMarketUpdateEvent gets a MarketUpdateEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireMarketUpdateEvent() *MarketUpdateEvent {
	return marketUpdatePool.Get().(*MarketUpdateEvent)
}

// ReleaseMarketUpdateEvent resets ev and returns it to the pool.
func ReleaseMarketUpdateEvent(ev *MarketUpdateEvent) {
	if ev == nil {
		return
	}
	ev.Seq = 0
	ev.Ts = 0
	ev.Symbol = ""
	ev.Exchange = ""
	ev.BestBid = decimal.Zero
	ev.BestAsk = decimal.Zero
	ev.BidSize = decimal.Zero
	ev.AskSize = decimal.Zero
	ev.LastPrice = decimal.Zero
	ev.LastSide = ""
	ev.LastSize = decimal.Zero
	ev.FundingRate = decimal.Zero

	marketUpdatePool.Put(ev)
}

// Warmup pre-allocates events to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 1000

	evs := make([]*MarketUpdateEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireMarketUpdateEvent())
	}
	for _, ev := range evs {
		ReleaseMarketUpdateEvent(ev)
	}
}
