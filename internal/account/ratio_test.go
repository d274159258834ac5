package account

import (
	"math"
	"testing"
)

func newTestRatioManager() *RatioManager {
	return NewRatioManager(RatioManagerConfig{
		QuoteAsset:      "USDM",
		BaseAsset:       "ADA",
		TargetRatio:     1.0,
		Tolerance:       0.1,
		SpreadFactor:    2.0,
		LiquidityFactor: 1.5,
	})
}

func TestCurrentRatioUnknownUntilBothSidesReported(t *testing.T) {
	m := newTestRatioManager()

	if _, ok := m.CurrentRatio(); ok {
		t.Error("CurrentRatio() ok with no balances, want false")
	}
	m.UpdateBalance("USDM", 1000, 1)
	if _, ok := m.CurrentRatio(); ok {
		t.Error("CurrentRatio() ok with one side, want false")
	}
	m.UpdateBalance("ADA", 2000, 0.5)
	ratio, ok := m.CurrentRatio()
	if !ok {
		t.Fatal("CurrentRatio() not ok with both sides reported")
	}
	if math.Abs(ratio-1.0) > 1e-9 {
		t.Errorf("ratio = %v, want 1.0", ratio)
	}
}

func TestWithinTolerance(t *testing.T) {
	m := newTestRatioManager()
	m.UpdateBalance("USDM", 1050, 1)
	m.UpdateBalance("ADA", 2000, 0.5)

	ok, ratio := m.WithinTolerance()
	if !ok {
		t.Errorf("WithinTolerance() = false at ratio %v, tolerance 0.1", ratio)
	}

	m.UpdateBalance("USDM", 1500, 1)
	ok, _ = m.WithinTolerance()
	if ok {
		t.Error("WithinTolerance() = true at ratio 1.5")
	}
}

func TestAdjustmentExcessQuoteTightensBids(t *testing.T) {
	m := newTestRatioManager()
	m.UpdateBalance("USDM", 1200, 1)
	m.UpdateBalance("ADA", 2000, 0.5) // ratio 1.2, excess 0.2

	adj := m.Adjustment()
	if adj.BidSpreadMultiplier >= 1.0 {
		t.Errorf("BidSpreadMultiplier = %v, want < 1 with excess quote", adj.BidSpreadMultiplier)
	}
	if adj.AskSpreadMultiplier <= 1.0 {
		t.Errorf("AskSpreadMultiplier = %v, want > 1 with excess quote", adj.AskSpreadMultiplier)
	}
	if adj.BidLiquidityMultiplier <= 1.0 {
		t.Errorf("BidLiquidityMultiplier = %v, want > 1 with excess quote", adj.BidLiquidityMultiplier)
	}

	// excess 0.2 * spread factor 2.0 = 0.4
	if math.Abs(adj.BidSpreadMultiplier-0.6) > 1e-9 {
		t.Errorf("BidSpreadMultiplier = %v, want 0.6", adj.BidSpreadMultiplier)
	}
}

func TestAdjustmentExcessBaseMirrors(t *testing.T) {
	m := newTestRatioManager()
	m.UpdateBalance("USDM", 800, 1)
	m.UpdateBalance("ADA", 2000, 0.5) // ratio 0.8, deficit 0.2

	adj := m.Adjustment()
	if adj.AskSpreadMultiplier >= 1.0 {
		t.Errorf("AskSpreadMultiplier = %v, want < 1 with excess base", adj.AskSpreadMultiplier)
	}
	if adj.BidSpreadMultiplier <= 1.0 {
		t.Errorf("BidSpreadMultiplier = %v, want > 1 with excess base", adj.BidSpreadMultiplier)
	}
}

func TestAdjustmentSpreadFloor(t *testing.T) {
	m := newTestRatioManager()
	m.UpdateBalance("USDM", 5000, 1)
	m.UpdateBalance("ADA", 2000, 0.5) // ratio 5, extreme excess

	adj := m.Adjustment()
	if adj.BidSpreadMultiplier != 0.1 {
		t.Errorf("BidSpreadMultiplier = %v, want floor 0.1", adj.BidSpreadMultiplier)
	}
}

func TestCapitalAllocation(t *testing.T) {
	m := newTestRatioManager()

	bid, ask := m.CapitalAllocation()
	if bid != 0.5 || ask != 0.5 {
		t.Errorf("allocation with no data = %v/%v, want 0.5/0.5", bid, ask)
	}

	m.UpdateBalance("USDM", 1400, 1)
	m.UpdateBalance("ADA", 2000, 0.5) // ratio 1.4
	bid, ask = m.CapitalAllocation()
	if math.Abs(bid-0.62) > 1e-9 {
		t.Errorf("bid allocation = %v, want 0.62", bid)
	}
	if math.Abs(bid+ask-1.0) > 1e-9 {
		t.Errorf("allocations sum to %v, want 1", bid+ask)
	}

	// Extreme imbalance caps at 0.8.
	m.UpdateBalance("USDM", 10000, 1)
	bid, _ = m.CapitalAllocation()
	if bid != 0.8 {
		t.Errorf("bid allocation = %v, want cap 0.8", bid)
	}
}
