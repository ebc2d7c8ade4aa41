package event

import (
	"time"

	"crypto_paper/internal/domain"

	"github.com/shopspring/decimal"
)

// Type identifies an event kind.
type Type string

const (
	TypeMarketUpdate Type = "MARKET_UPDATE"
)

// Event is anything the sequencer can process.
type Event interface {
	GetSeq() uint64
	GetTs() int64
	GetType() Type
}

// BaseEvent carries the sequence number and the exchange timestamp (unix ms).
type BaseEvent struct {
	Seq uint64 `json:"seq"`
	Ts  int64  `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64 { return e.Seq }
func (e BaseEvent) GetTs() int64   { return e.Ts }

// MarketUpdateEvent is one top-of-book update from a feed.
type MarketUpdateEvent struct {
	BaseEvent
	Symbol      string          `json:"symbol"`
	Exchange    string          `json:"exchange"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	BidSize     decimal.Decimal `json:"bid_size"`
	AskSize     decimal.Decimal `json:"ask_size"`
	LastPrice   decimal.Decimal `json:"last_price"`
	LastSide    domain.Side     `json:"last_side,omitempty"`
	LastSize    decimal.Decimal `json:"last_size"`
	FundingRate decimal.Decimal `json:"funding_rate"`
}

func (e *MarketUpdateEvent) GetType() Type { return TypeMarketUpdate }

// ToSnapshot converts the event into the broker's market view.
func (e *MarketUpdateEvent) ToSnapshot() domain.MarketSnapshot {
	var ts time.Time
	if e.Ts > 0 {
		ts = time.UnixMilli(e.Ts)
	}
	return domain.MarketSnapshot{
		Symbol:      e.Symbol,
		BestBid:     e.BestBid,
		BestAsk:     e.BestAsk,
		BidSize:     e.BidSize,
		AskSize:     e.AskSize,
		LastPrice:   e.LastPrice,
		LastSide:    e.LastSide,
		LastSize:    e.LastSize,
		FundingRate: e.FundingRate,
		Timestamp:   ts,
	}
}
