package execution

import (
	"errors"
	"fmt"

	"crypto_paper/internal/domain"

	"github.com/shopspring/decimal"
)

// SlippageConfig parameterises market-order slippage, all in basis points.
type SlippageConfig struct {
	BaseBps     float64 `yaml:"base_bps"`
	MaxBps      float64 `yaml:"max_bps"`
	SpreadCoeff float64 `yaml:"spread_coeff"`
	FlowCoeff   float64 `yaml:"flow_coeff"`
}

// LatencyConfig describes the fill latency distribution in milliseconds.
type LatencyConfig struct {
	MeanMS float64 `yaml:"mean_ms"`
	P95MS  float64 `yaml:"p95_ms"`
}

// PartialFillConfig controls maker slice plans.
type PartialFillConfig struct {
	Enabled     bool    `yaml:"enabled"`
	MinSlicePct float64 `yaml:"min_slice_pct"` // percent of order quantity, 0-100
	MaxSlices   int     `yaml:"max_slices"`
}

// MarginConfig feeds the liquidation guard. Percentages are fractions (0.005 = 0.5%).
type MarginConfig struct {
	Leverage          float64 `yaml:"leverage"`
	InitialMarginPct  float64 `yaml:"initial_margin_pct"`
	MaintenanceMargin float64 `yaml:"maintenance_margin_pct"`
	DefaultStopPct    float64 `yaml:"default_stop_pct"`
}

// Config holds every knob of the paper broker.
type Config struct {
	InitialBalance decimal.Decimal   `yaml:"initial_balance"`
	MakerFeeBps    float64           `yaml:"maker_fee_bps"` // negative is a rebate
	TakerFeeBps    float64           `yaml:"taker_fee_bps"`
	Slippage       SlippageConfig    `yaml:"slippage"`
	Latency        LatencyConfig     `yaml:"latency"`
	PartialFill    PartialFillConfig `yaml:"partial_fill"`
	FundingEnabled bool              `yaml:"funding_enabled"`
	Margin         MarginConfig      `yaml:"margin"`
	Seed           int64             `yaml:"seed"`
	MaxInFlight    int64             `yaml:"max_in_flight"`
	Mode           string            `yaml:"mode"`
	RunID          string            `yaml:"run_id"`
}

// DefaultConfig returns a conservative USDT-margined futures setup.
func DefaultConfig() Config {
	return Config{
		InitialBalance: decimal.NewFromInt(10_000),
		MakerFeeBps:    -1,
		TakerFeeBps:    5,
		Slippage: SlippageConfig{
			BaseBps:     1,
			MaxBps:      25,
			SpreadCoeff: 0.5,
			FlowCoeff:   0.1,
		},
		Latency: LatencyConfig{MeanMS: 50, P95MS: 120},
		PartialFill: PartialFillConfig{
			Enabled:     true,
			MinSlicePct: 20,
			MaxSlices:   4,
		},
		FundingEnabled: true,
		Margin: MarginConfig{
			Leverage:          5,
			InitialMarginPct:  0.2,
			MaintenanceMargin: 0.005,
			DefaultStopPct:    0.02,
		},
		Seed:        42,
		MaxInFlight: 256,
		Mode:        "paper",
	}
}

// Validate checks ranges the simulator relies on.
func (c Config) Validate() error {
	if c.InitialBalance.IsNegative() {
		return &domain.ConfigError{Field: "paper.initial_balance", Err: errors.New("must not be negative")}
	}
	if c.Slippage.BaseBps < 0 || c.Slippage.MaxBps < 0 {
		return &domain.ConfigError{Field: "paper.slippage", Err: errors.New("bps must not be negative")}
	}
	if c.Slippage.BaseBps > c.Slippage.MaxBps {
		return &domain.ConfigError{Field: "paper.slippage.base_bps", Err: fmt.Errorf("base %.2f exceeds max %.2f", c.Slippage.BaseBps, c.Slippage.MaxBps)}
	}
	if c.Latency.MeanMS < 0 || c.Latency.P95MS < 0 {
		return &domain.ConfigError{Field: "paper.latency", Err: errors.New("latency must not be negative")}
	}
	if c.PartialFill.Enabled {
		if c.PartialFill.MinSlicePct <= 0 || c.PartialFill.MinSlicePct > 100 {
			return &domain.ConfigError{Field: "paper.partial_fill.min_slice_pct", Err: errors.New("must be in (0, 100]")}
		}
		if c.PartialFill.MaxSlices < 1 {
			return &domain.ConfigError{Field: "paper.partial_fill.max_slices", Err: errors.New("must be at least 1")}
		}
	}
	if c.Margin.Leverage <= 0 {
		return &domain.ConfigError{Field: "paper.margin.leverage", Err: errors.New("must be positive")}
	}
	if c.Margin.MaintenanceMargin < 0 || c.Margin.InitialMarginPct < 0 || c.Margin.DefaultStopPct < 0 {
		return &domain.ConfigError{Field: "paper.margin", Err: errors.New("percentages must not be negative")}
	}
	if c.MaxInFlight <= 0 {
		return &domain.ConfigError{Field: "paper.max_in_flight", Err: errors.New("must be positive")}
	}
	return nil
}
