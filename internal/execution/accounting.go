package execution

import (
	"crypto_paper/internal/domain"
	"crypto_paper/pkg/quant"

	"github.com/shopspring/decimal"
)

// FillResult is the outcome of applying one fill to a position.
type FillResult struct {
	Position    domain.Position
	RealizedPnL decimal.Decimal
	ClosedQty   decimal.Decimal
}

// ApplyFill updates pos with a fill of qty at price on side.
// Fills in the position's direction re-average the entry price; opposite fills
// realize PnL on the closed part and open any excess at the fill price.
func ApplyFill(pos domain.Position, side domain.Side, qty, price decimal.Decimal) FillResult {
	signed := qty.Mul(decimal.NewFromInt(side.Sign()))
	res := FillResult{Position: pos, RealizedPnL: decimal.Zero, ClosedQty: decimal.Zero}

	if pos.Size.IsZero() || pos.Size.Sign() == signed.Sign() {
		newSize := pos.Size.Add(signed)
		cost := pos.Size.Abs().Mul(pos.AvgPrice).Add(qty.Mul(price))
		res.Position.Size = newSize
		res.Position.AvgPrice = cost.Div(newSize.Abs())
		return res
	}

	closed := decimal.Min(pos.Size.Abs(), qty)
	direction := decimal.NewFromInt(int64(pos.Size.Sign()))
	res.RealizedPnL = price.Sub(pos.AvgPrice).Mul(closed).Mul(direction)
	res.ClosedQty = closed

	newSize := pos.Size.Add(signed)
	res.Position.Size = newSize
	res.Position.RealizedPnL = pos.RealizedPnL.Add(res.RealizedPnL)

	switch {
	case newSize.IsZero():
		res.Position.AvgPrice = decimal.Zero
		res.Position.UnrealizedPnL = decimal.Zero
	case newSize.Sign() != pos.Size.Sign():
		// flipped: the excess is a fresh position
		res.Position.AvgPrice = price
	}
	return res
}

// MarkToMarket recomputes unrealized PnL against mark.
func MarkToMarket(pos domain.Position, mark decimal.Decimal) domain.Position {
	if pos.Size.IsZero() || !mark.IsPositive() {
		pos.UnrealizedPnL = decimal.Zero
		if mark.IsPositive() {
			pos.MarkPrice = mark
		}
		return pos
	}
	pos.MarkPrice = mark
	pos.UnrealizedPnL = mark.Sub(pos.AvgPrice).Mul(pos.Size)
	return pos
}

// FillFee returns the signed fee of a fill; a negative maker fee is a rebate.
func FillFee(cfg Config, notional decimal.Decimal, maker bool) decimal.Decimal {
	if maker {
		return quant.BpsOf(notional, cfg.MakerFeeBps)
	}
	return quant.BpsOf(notional, cfg.TakerFeeBps)
}

// FillFunding charges notional * hourly rate to buys and credits it to sells.
func FillFunding(cfg Config, notional, rate decimal.Decimal, side domain.Side) decimal.Decimal {
	if !cfg.FundingEnabled || rate.IsZero() {
		return decimal.Zero
	}
	return notional.Mul(rate).Mul(decimal.NewFromInt(side.Sign()))
}

// ReducibleQty returns how much of qty a reduce-only fill on side may execute.
func ReducibleQty(pos domain.Position, side domain.Side, qty decimal.Decimal) decimal.Decimal {
	if pos.Size.IsZero() || pos.Size.Sign() == int(side.Sign()) {
		return decimal.Zero
	}
	return decimal.Min(pos.Size.Abs(), qty)
}
