// Package quant holds small numeric helpers shared by the feed and the execution engine.
package quant

import (
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// QtyPlaces is the quantity precision used for fill slicing (satoshi granularity).
const QtyPlaces int32 = 8

var bpsDenominator = decimal.NewFromInt(10_000)

// NextSeq atomically increments the shared sequence counter and returns the new value.
func NextSeq(seq *uint64) uint64 {
	return atomic.AddUint64(seq, 1)
}

// ParseDecimal parses an exchange string field. Empty or malformed input yields zero.
func ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseTimeStamp converts a unix millisecond timestamp into time.Time.
// Zero or negative input yields the zero time.
func ParseTimeStamp(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ApplyBps moves price by bps basis points: +bps raises it, -bps lowers it.
func ApplyBps(price decimal.Decimal, bps float64) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(bps).Div(bpsDenominator))
	return price.Mul(factor)
}

// BpsOf returns amount * bps / 10000.
func BpsOf(amount decimal.Decimal, bps float64) decimal.Decimal {
	return amount.Mul(decimal.NewFromFloat(bps)).Div(bpsDenominator)
}

// RatioToBps converts a plain ratio into basis points.
func RatioToBps(ratio float64) float64 {
	return ratio * 10_000
}
