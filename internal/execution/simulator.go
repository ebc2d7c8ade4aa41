package execution

import (
	"math"
	"time"

	"crypto_paper/internal/domain"
	"crypto_paper/pkg/quant"

	"github.com/shopspring/decimal"
)

// p95Z is the one-sided z-score of the 95th percentile.
const p95Z = 1.645

// minSigmaMS floors the latency standard deviation.
const minSigmaMS = 0.001

// Sampler is the randomness the simulator needs. *rand.Rand satisfies it.
type Sampler interface {
	Float64() float64
	NormFloat64() float64
	Intn(n int) int
}

// PlannedFill is one fill the simulator proposes; the broker finalizes it after Latency.
type PlannedFill struct {
	Price       decimal.Decimal
	Qty         decimal.Decimal
	Latency     time.Duration
	Maker       bool
	SlippageBps float64
}

// EstimateSlippageBps returns base + spread*spreadCoeff + adverseFlow*flowCoeff, capped at max.
// Adverse flow is the part of the imbalance pushing price against side.
func EstimateSlippageBps(cfg SlippageConfig, snap domain.MarketSnapshot, side domain.Side) float64 {
	bps := cfg.BaseBps +
		snap.SpreadBps()*cfg.SpreadCoeff +
		AdverseFlowBps(snap, side)*cfg.FlowCoeff

	if bps > cfg.MaxBps {
		bps = cfg.MaxBps
	}
	if bps < 0 {
		bps = 0
	}
	return bps
}

// AdverseFlowBps normalises the opposing imbalance by visible depth.
func AdverseFlowBps(snap domain.MarketSnapshot, side domain.Side) float64 {
	var adverse float64
	if side == domain.SideBuy {
		adverse = math.Max(snap.OrderFlowImbalance, 0)
	} else {
		adverse = math.Max(-snap.OrderFlowImbalance, 0)
	}
	depth := snap.Depth()
	if adverse == 0 || depth <= 0 {
		return 0
	}
	return quant.RatioToBps(math.Min(adverse/depth, 1))
}

// SampleLatency draws from N(mean, sigma) with sigma derived from the p95, clamped at zero.
func SampleLatency(cfg LatencyConfig, rng Sampler) time.Duration {
	sigma := (cfg.P95MS - cfg.MeanMS) / p95Z
	if sigma < minSigmaMS {
		sigma = minSigmaMS
	}
	ms := cfg.MeanMS + sigma*rng.NormFloat64()
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// IsMarketable reports whether a limit price already crosses the opposite side.
// Without a quote on that side the last price is used.
func IsMarketable(side domain.Side, limit decimal.Decimal, snap domain.MarketSnapshot) bool {
	if side == domain.SideBuy {
		ref := snap.BestAsk
		if !ref.IsPositive() {
			ref = snap.LastPrice
		}
		return ref.IsPositive() && limit.GreaterThanOrEqual(ref)
	}
	ref := snap.BestBid
	if !ref.IsPositive() {
		ref = snap.LastPrice
	}
	return ref.IsPositive() && limit.LessThanOrEqual(ref)
}

// PlanMarketFill produces the single taker fill of a market order.
func PlanMarketFill(cfg Config, snap domain.MarketSnapshot, side domain.Side, qty decimal.Decimal, rng Sampler) PlannedFill {
	bps := EstimateSlippageBps(cfg.Slippage, snap, side)
	ref := snap.ReferencePrice(side)

	var price decimal.Decimal
	if side == domain.SideBuy {
		price = quant.ApplyBps(ref, bps)
	} else {
		price = quant.ApplyBps(ref, -bps)
	}

	return PlannedFill{
		Price:       price,
		Qty:         qty,
		Latency:     SampleLatency(cfg.Latency, rng),
		SlippageBps: bps,
	}
}

// PlanMakerFills splits qty into maker slices at the limit price.
// Slice latencies accumulate so later slices land later.
func PlanMakerFills(cfg Config, price, qty decimal.Decimal, rng Sampler) []PlannedFill {
	sizes := SliceQuantities(cfg.PartialFill, qty, rng)
	fills := make([]PlannedFill, 0, len(sizes))

	var latency time.Duration
	for _, size := range sizes {
		step := SampleLatency(cfg.Latency, rng)
		if step <= 0 {
			step = time.Microsecond
		}
		latency += step
		fills = append(fills, PlannedFill{
			Price:   price,
			Qty:     size,
			Latency: latency,
			Maker:   true,
		})
	}
	return fills
}

// SliceQuantities returns 1..MaxSlices sizes summing exactly to qty.
// Every slice except possibly the last is at least MinSlicePct of qty; the last
// absorbs whatever rounding leaves over.
func SliceQuantities(cfg PartialFillConfig, qty decimal.Decimal, rng Sampler) []decimal.Decimal {
	if !cfg.Enabled || cfg.MaxSlices <= 1 || cfg.MinSlicePct <= 0 {
		return []decimal.Decimal{qty}
	}

	minPct := cfg.MinSlicePct / 100
	n := 1 + rng.Intn(cfg.MaxSlices)
	if limit := int(math.Floor(1 / minPct)); n > limit {
		n = limit
	}

	minQty := qty.Mul(decimal.NewFromFloat(minPct)).RoundUp(quant.QtyPlaces)
	for n > 1 && minQty.Mul(decimal.NewFromInt(int64(n))).GreaterThan(qty) {
		n--
	}
	if n <= 1 || !minQty.IsPositive() {
		return []decimal.Decimal{qty}
	}

	weights := make([]float64, n)
	var total float64
	for i := range weights {
		weights[i] = rng.Float64() + 1e-9
		total += weights[i]
	}

	free := 1 - float64(n)*minPct
	if free < 0 {
		free = 0
	}

	sizes := make([]decimal.Decimal, 0, n)
	remaining := qty
	for i := 0; i < n-1; i++ {
		share := minPct + free*weights[i]/total
		size := qty.Mul(decimal.NewFromFloat(share)).RoundDown(quant.QtyPlaces)

		maxAllowed := remaining.Sub(minQty.Mul(decimal.NewFromInt(int64(n - 1 - i))))
		if size.LessThan(minQty) {
			size = minQty
		}
		if size.GreaterThan(maxAllowed) {
			size = maxAllowed
		}
		sizes = append(sizes, size)
		remaining = remaining.Sub(size)
	}
	return append(sizes, remaining)
}
