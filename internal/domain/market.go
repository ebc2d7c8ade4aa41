package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FlowDecay is the per-update decay of the order-flow imbalance accumulator.
const FlowDecay = 0.85

var two = decimal.NewFromInt(2)

// MarketSnapshot is the top-of-book view of one symbol at one update.
// Values are never mutated after they are stored by the broker.
type MarketSnapshot struct {
	Symbol      string          `json:"symbol"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	BidSize     decimal.Decimal `json:"bid_size"`
	AskSize     decimal.Decimal `json:"ask_size"`
	LastPrice   decimal.Decimal `json:"last_price"`
	LastSide    Side            `json:"last_side,omitempty"` // aggressor of the last print, empty if unknown
	LastSize    decimal.Decimal `json:"last_size"`
	FundingRate decimal.Decimal `json:"funding_rate"` // hourly rate
	Timestamp   time.Time       `json:"timestamp"`

	// OrderFlowImbalance is carried snapshot to snapshot and never persisted.
	OrderFlowImbalance float64 `json:"-"`
}

// HasBook reports whether both sides of the book are quoted.
func (s MarketSnapshot) HasBook() bool {
	return s.BestBid.IsPositive() && s.BestAsk.IsPositive()
}

// Mid returns (bid+ask)/2, falling back to the last trade price when the book is empty.
func (s MarketSnapshot) Mid() decimal.Decimal {
	if s.HasBook() {
		return s.BestBid.Add(s.BestAsk).Div(two)
	}
	return s.LastPrice
}

// Spread returns max(ask-bid, 0); zero when a side is missing.
func (s MarketSnapshot) Spread() decimal.Decimal {
	if !s.HasBook() {
		return decimal.Zero
	}
	spread := s.BestAsk.Sub(s.BestBid)
	if spread.IsNegative() {
		return decimal.Zero
	}
	return spread
}

// SpreadBps returns the spread relative to mid in basis points.
func (s MarketSnapshot) SpreadBps() float64 {
	mid := s.Mid()
	if !mid.IsPositive() {
		return 0
	}
	bps, _ := s.Spread().Div(mid).Float64()
	return bps * 10_000
}

// Depth returns the visible size on both sides of the book.
func (s MarketSnapshot) Depth() float64 {
	d, _ := s.BidSize.Add(s.AskSize).Float64()
	return d
}

// ReferencePrice returns the price an aggressive order on side would hit:
// the opposite best quote, or mid/last when that quote is missing.
func (s MarketSnapshot) ReferencePrice(side Side) decimal.Decimal {
	if side == SideBuy && s.BestAsk.IsPositive() {
		return s.BestAsk
	}
	if side == SideSell && s.BestBid.IsPositive() {
		return s.BestBid
	}
	return s.Mid()
}

// SamePrint reports whether other describes the same update (timestamp and last print).
func (s MarketSnapshot) SamePrint(other MarketSnapshot) bool {
	return !s.Timestamp.IsZero() &&
		s.Timestamp.Equal(other.Timestamp) &&
		s.LastSide == other.LastSide &&
		s.LastSize.Equal(other.LastSize) &&
		s.LastPrice.Equal(other.LastPrice)
}

// NextFlowImbalance decays prev and adds the signed size of the last print.
func NextFlowImbalance(prev float64, side Side, size decimal.Decimal) float64 {
	next := FlowDecay * prev
	sz, _ := size.Float64()
	switch side {
	case SideBuy:
		next += sz
	case SideSell:
		next -= sz
	}
	return next
}
