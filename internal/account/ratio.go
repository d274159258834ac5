// Package account tracks balances, fills and the quote:base asset ratio
// for the market maker.
package account

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AssetValue is one tracked asset with its USD-equivalent value.
type AssetValue struct {
	Asset     string
	Quantity  float64
	ValueUSD  float64
	UpdatedAt time.Time
}

// RatioAdjustment holds the per-side multipliers produced by an asset
// imbalance. Neutral adjustment is all ones.
type RatioAdjustment struct {
	BidSpreadMultiplier    float64
	AskSpreadMultiplier    float64
	BidLiquidityMultiplier float64
	AskLiquidityMultiplier float64
	ImbalanceRatio         float64 // current ratio / target ratio
}

func neutralAdjustment() RatioAdjustment {
	return RatioAdjustment{
		BidSpreadMultiplier:    1.0,
		AskSpreadMultiplier:    1.0,
		BidLiquidityMultiplier: 1.0,
		AskLiquidityMultiplier: 1.0,
		ImbalanceRatio:         1.0,
	}
}

// RatioManagerConfig sets the target ratio and adjustment aggressiveness.
type RatioManagerConfig struct {
	QuoteAsset      string  // e.g. USDM
	BaseAsset       string  // e.g. ADA
	TargetRatio     float64 // quote value / base value
	Tolerance       float64 // relative deviation considered balanced
	SpreadFactor    float64
	LiquidityFactor float64
}

// RatioManager keeps per-asset USD values and derives spread, liquidity
// and capital-allocation adjustments when the quote:base ratio drifts
// from target. When the ratio exceeds target the manager leans quoting
// toward buying the base asset, and vice versa.
type RatioManager struct {
	cfg RatioManagerConfig
	log *logrus.Entry

	mu       sync.RWMutex
	balances map[string]AssetValue
}

// NewRatioManager creates a manager with no balance data; adjustments are
// neutral until both assets have been reported.
func NewRatioManager(cfg RatioManagerConfig) *RatioManager {
	if cfg.TargetRatio <= 0 {
		cfg.TargetRatio = 1.0
	}
	return &RatioManager{
		cfg:      cfg,
		log:      logrus.WithField("component", "ratio"),
		balances: make(map[string]AssetValue),
	}
}

// UpdateBalance records the current quantity and unit USD price of asset.
func (m *RatioManager) UpdateBalance(asset string, quantity, priceUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = AssetValue{
		Asset:     asset,
		Quantity:  quantity,
		ValueUSD:  quantity * priceUSD,
		UpdatedAt: time.Now(),
	}
}

// CurrentRatio returns quoteValue/baseValue, false when either side is
// unknown or the base value is zero.
func (m *RatioManager) CurrentRatio() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	quote, okQ := m.balances[m.cfg.QuoteAsset]
	base, okB := m.balances[m.cfg.BaseAsset]
	if !okQ || !okB || base.ValueUSD == 0 {
		return 0, false
	}
	return quote.ValueUSD / base.ValueUSD, true
}

// WithinTolerance reports whether the current ratio deviates from target
// by no more than the configured tolerance.
func (m *RatioManager) WithinTolerance() (bool, float64) {
	ratio, ok := m.CurrentRatio()
	if !ok {
		return false, 0
	}
	deviation := math.Abs(ratio-m.cfg.TargetRatio) / m.cfg.TargetRatio
	return deviation <= m.cfg.Tolerance, ratio
}

// Adjustment computes the side multipliers for the current imbalance.
func (m *RatioManager) Adjustment() RatioAdjustment {
	ratio, ok := m.CurrentRatio()
	if !ok {
		return neutralAdjustment()
	}

	imbalance := ratio / m.cfg.TargetRatio
	adj := RatioAdjustment{ImbalanceRatio: imbalance}

	if imbalance > 1.0 {
		// Excess quote asset: tighten bids, widen asks.
		excess := imbalance - 1.0
		adj.BidSpreadMultiplier = math.Max(0.1, 1.0-excess*m.cfg.SpreadFactor)
		adj.BidLiquidityMultiplier = 1.0 + excess*m.cfg.LiquidityFactor
		adj.AskSpreadMultiplier = 1.0 + excess*m.cfg.SpreadFactor
		adj.AskLiquidityMultiplier = math.Max(0.1, 1.0-excess*m.cfg.LiquidityFactor)
	} else {
		// Excess base asset: tighten asks, widen bids.
		deficit := 1.0 - imbalance
		adj.AskSpreadMultiplier = math.Max(0.1, 1.0-deficit*m.cfg.SpreadFactor)
		adj.AskLiquidityMultiplier = 1.0 + deficit*m.cfg.LiquidityFactor
		adj.BidSpreadMultiplier = 1.0 + deficit*m.cfg.SpreadFactor
		adj.BidLiquidityMultiplier = math.Max(0.1, 1.0-deficit*m.cfg.LiquidityFactor)
	}

	if math.Abs(imbalance-1.0) > m.cfg.Tolerance {
		m.log.WithFields(logrus.Fields{
			"ratio":     ratio,
			"target":    m.cfg.TargetRatio,
			"imbalance": imbalance,
		}).Info("asset ratio imbalance")
	}
	return adj
}

// CapitalAllocation splits quoting capital between bid and ask. The sum is
// always 1.0; either side caps at 0.8.
func (m *RatioManager) CapitalAllocation() (bidPct, askPct float64) {
	ratio, ok := m.CurrentRatio()
	if !ok {
		return 0.5, 0.5
	}
	imbalance := ratio / m.cfg.TargetRatio
	if imbalance > 1.0 {
		excess := math.Min(imbalance-1.0, 1.0)
		bidPct = 0.5 + excess*0.3
		askPct = 1.0 - bidPct
	} else {
		deficit := math.Min(1.0-imbalance, 1.0)
		askPct = 0.5 + deficit*0.3
		bidPct = 1.0 - askPct
	}
	return bidPct, askPct
}

// Balances returns a copy of the tracked balances.
func (m *RatioManager) Balances() map[string]AssetValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]AssetValue, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out
}
