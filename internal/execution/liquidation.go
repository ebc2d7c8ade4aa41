package execution

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// LiquidationBufferMultiple is how many stop distances must fit before liquidation.
const LiquidationBufferMultiple = 4.0

// LiquidationDistancePct is the fraction of entry price a position can move
// against it before maintenance margin is breached.
func LiquidationDistancePct(cfg MarginConfig) float64 {
	initial := cfg.InitialMarginPct
	if cfg.Leverage > 0 {
		initial = math.Max(initial, 1/cfg.Leverage)
	}
	return math.Max(initial-cfg.MaintenanceMargin, 0)
}

// LiquidationPrice estimates where a position opened at entry would be liquidated.
func LiquidationPrice(cfg MarginConfig, entry decimal.Decimal, long bool) decimal.Decimal {
	dist := decimal.NewFromFloat(LiquidationDistancePct(cfg))
	one := decimal.NewFromInt(1)
	if long {
		return entry.Mul(one.Sub(dist))
	}
	return entry.Mul(one.Add(dist))
}

// GuardInput describes a prospective non-reduce-only fill.
type GuardInput struct {
	Entry     decimal.Decimal // average entry after the fill
	FillPrice decimal.Decimal
	StopPrice decimal.Decimal // zero to use the default hard stop
	Long      bool
}

// StopDistancePct returns the effective stop distance as a fraction of fill price.
func StopDistancePct(cfg MarginConfig, in GuardInput) float64 {
	if in.StopPrice.IsPositive() && in.FillPrice.IsPositive() {
		d, _ := in.FillPrice.Sub(in.StopPrice).Abs().Div(in.FillPrice).Float64()
		return d
	}
	return cfg.DefaultStopPct
}

// CheckLiquidation returns an error when the liquidation price sits closer than
// LiquidationBufferMultiple stop distances.
func CheckLiquidation(cfg MarginConfig, in GuardInput) error {
	if !in.FillPrice.IsPositive() || !in.Entry.IsPositive() {
		return nil
	}
	liq := LiquidationPrice(cfg, in.Entry, in.Long)
	liqDist, _ := in.FillPrice.Sub(liq).Abs().Div(in.FillPrice).Float64()
	stopDist := StopDistancePct(cfg, in)

	if liqDist < LiquidationBufferMultiple*stopDist {
		return fmt.Errorf("liquidation guard: liquidation price %s is %.4f%% away, need %.0fx stop distance %.4f%%",
			liq.StringFixed(2), liqDist*100, LiquidationBufferMultiple, stopDist*100)
	}
	return nil
}
