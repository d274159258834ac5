package oms

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/deltabot/godelta/deltadefi"
	"github.com/deltabot/godelta/pkg/config"
)

// RiskManager enforces pre-trade limits and tracks daily PnL. The daily
// PnL counter resets 24h after its last reset.
type RiskManager struct {
	cfg config.RiskConfig

	maxSkew      decimal.Decimal
	minQuoteSize decimal.Decimal

	mu             sync.Mutex
	dailyPnL       decimal.Decimal
	dailyResetTime time.Time
	openOrderCount int
}

// NewRiskManager builds a risk manager from the risk and trading sections
// of the config.
func NewRiskManager(risk config.RiskConfig, trading config.TradingConfig) *RiskManager {
	return &RiskManager{
		cfg:            risk,
		maxSkew:        decimal.NewFromFloat(trading.MaxSkew),
		minQuoteSize:   decimal.NewFromFloat(trading.MinQuoteSize),
		dailyResetTime: time.Now(),
	}
}

// Check runs every pre-trade check and returns the violations, empty when
// the order may proceed. position may be nil.
func (r *RiskManager) Check(order *Order, position *Position) []string {
	var violations []string

	if r.cfg.EmergencyStop {
		violations = append(violations, "emergency stop is active")
	}

	if position != nil {
		projected := position.Quantity.Abs()
		if order.Side == deltadefi.OrderSideBuy {
			projected = projected.Add(order.Quantity)
		} else {
			projected = position.Quantity.Sub(order.Quantity).Abs()
		}
		maxPos := decimal.NewFromFloat(r.cfg.MaxPositionSize)
		if projected.GreaterThan(maxPos) {
			violations = append(violations,
				fmt.Sprintf("position size would exceed limit: %s > %s", projected, maxPos))
		}
		if r.maxSkew.IsPositive() && position.Quantity.Abs().GreaterThan(r.maxSkew) {
			violations = append(violations,
				fmt.Sprintf("position skew too large: %s", position.Quantity))
		}
	}

	r.mu.Lock()
	r.maybeResetDaily()
	if r.dailyPnL.LessThanOrEqual(decimal.NewFromFloat(-r.cfg.MaxDailyLoss)) {
		violations = append(violations,
			fmt.Sprintf("daily loss limit exceeded: %s", r.dailyPnL))
	}
	if r.openOrderCount >= r.cfg.MaxOpenOrders {
		violations = append(violations,
			fmt.Sprintf("too many open orders: %d/%d", r.openOrderCount, r.cfg.MaxOpenOrders))
	}
	r.mu.Unlock()

	if r.minQuoteSize.IsPositive() && order.Quantity.LessThan(r.minQuoteSize) {
		violations = append(violations,
			fmt.Sprintf("order quantity below minimum: %s < %s", order.Quantity, r.minQuoteSize))
	}

	return violations
}

// DailyPnL returns the running daily PnL.
func (r *RiskManager) DailyPnL() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeResetDaily()
	return r.dailyPnL
}

// OpenOrderCount returns the tracked open order count.
func (r *RiskManager) OpenOrderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openOrderCount
}

func (r *RiskManager) updatePnL(delta decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeResetDaily()
	r.dailyPnL = r.dailyPnL.Add(delta)
}

func (r *RiskManager) incOpenOrders() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openOrderCount++
}

func (r *RiskManager) decOpenOrders() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openOrderCount > 0 {
		r.openOrderCount--
	}
}

func (r *RiskManager) setOpenOrders(n int) (old int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old = r.openOrderCount
	r.openOrderCount = n
	return old
}

// maybeResetDaily assumes r.mu is held.
func (r *RiskManager) maybeResetDaily() {
	if time.Since(r.dailyResetTime) > 24*time.Hour {
		r.dailyPnL = decimal.Zero
		r.dailyResetTime = time.Now()
	}
}
