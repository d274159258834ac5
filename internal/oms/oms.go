// Package oms implements the order management system: an order state
// machine, position tracking and pre-trade risk checks.
package oms

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/deltabot/godelta/deltadefi"
)

// OrderState is a node of the order lifecycle state machine.
type OrderState string

const (
	StateIdle      OrderState = "idle"
	StatePending   OrderState = "pending"
	StateWorking   OrderState = "working"
	StateFilled    OrderState = "filled"
	StateCancelled OrderState = "cancelled"
	StateRejected  OrderState = "rejected"
	StateFailed    OrderState = "failed"
)

// validTransitions maps each state to its legal successors. Terminal
// states have none.
var validTransitions = map[OrderState][]OrderState{
	StateIdle:      {StatePending, StateRejected},
	// A venue fill or cancel can arrive before the submit acknowledgment,
	// so a pending order may fill or cancel without being seen as working.
	StatePending:   {StateWorking, StateFilled, StateCancelled, StateRejected, StateFailed},
	StateWorking:   {StateFilled, StateCancelled, StateRejected},
	StateFilled:    {},
	StateCancelled: {},
	StateRejected:  {},
	StateFailed:    {},
}

// IsTerminal reports whether s absorbs all further transitions.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	}
	return false
}

func (s OrderState) canTransitionTo(next OrderState) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Fill is one execution against an order.
type Fill struct {
	TradeID   string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// Order is an OMS-tracked order. ExternalOrderID is the venue's ID once
// the order is accepted.
type Order struct {
	OrderID         string
	ExternalOrderID string
	Symbol          string
	Side            deltadefi.OrderSide
	Type            deltadefi.OrderType
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	State           OrderState
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	ErrorMessage    string
	Fills           []Fill
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RemainingQuantity is the unfilled balance.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// FillRatio is filled/total in [0,1].
func (o *Order) FillRatio() float64 {
	if o.Quantity.IsZero() {
		return 0
	}
	ratio, _ := o.FilledQuantity.Div(o.Quantity).Float64()
	return ratio
}

// Position is the signed inventory for one symbol.
type Position struct {
	Symbol      string
	Quantity    decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnL decimal.Decimal
	UpdatedAt   time.Time
}

// NotionalValue returns |quantity| * avg price.
func (p *Position) NotionalValue() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.AvgPrice)
}

func (p *Position) IsLong() bool  { return p.Quantity.IsPositive() }
func (p *Position) IsShort() bool { return p.Quantity.IsNegative() }
func (p *Position) IsFlat() bool  { return p.Quantity.IsZero() }

// OrderCallback observes order events. Callbacks run synchronously under
// the OMS lock and must be fast.
type OrderCallback func(*Order)

// PositionCallback observes position changes.
type PositionCallback func(*Position)

// OMS is the order management system. All exported methods are safe for
// concurrent use.
type OMS struct {
	mu        sync.RWMutex
	orders    map[string]*Order
	positions map[string]*Position
	risk      *RiskManager
	log       *logrus.Entry

	orderCallbacks    []OrderCallback
	positionCallbacks []PositionCallback
}

// New creates an OMS with the given risk manager.
func New(risk *RiskManager) *OMS {
	return &OMS{
		orders:    make(map[string]*Order),
		positions: make(map[string]*Position),
		risk:      risk,
		log:       logrus.WithField("component", "oms"),
	}
}

// OnOrder registers an order event callback.
func (s *OMS) OnOrder(cb OrderCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderCallbacks = append(s.orderCallbacks, cb)
}

// OnPosition registers a position event callback.
func (s *OMS) OnPosition(cb PositionCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionCallbacks = append(s.positionCallbacks, cb)
}

// SubmitOrder runs risk checks and registers a new order in pending state.
// A rejected order is still registered, with the violations recorded, and
// an error is returned.
func (s *OMS) SubmitOrder(symbol string, side deltadefi.OrderSide, typ deltadefi.OrderType, quantity, price decimal.Decimal) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	order := &Order{
		OrderID:   "oms-" + uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Quantity:  quantity,
		Price:     price,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	violations := s.risk.Check(order, s.positions[symbol])
	if len(violations) > 0 {
		order.State = StateRejected
		order.ErrorMessage = joinViolations(violations)
		s.orders[order.OrderID] = order
		s.log.WithField("order_id", order.OrderID).Warnf("order rejected: %s", order.ErrorMessage)
		s.notifyOrder(order)
		return order, fmt.Errorf("order rejected: %s", order.ErrorMessage)
	}

	s.transition(order, StatePending, "")
	s.orders[order.OrderID] = order
	s.risk.incOpenOrders()

	s.log.WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"symbol":   symbol,
		"side":     side,
		"quantity": quantity,
		"price":    price,
	}).Info("order submitted")
	return order, nil
}

// UpdateOrderState moves an order to newState, validating the transition.
// externalID and errMsg are recorded when non-empty.
func (s *OMS) UpdateOrderState(orderID string, newState OrderState, externalID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if !order.State.canTransitionTo(newState) {
		return fmt.Errorf("invalid transition %s -> %s for order %s", order.State, newState, orderID)
	}
	if externalID != "" {
		order.ExternalOrderID = externalID
	}
	s.transition(order, newState, errMsg)
	return nil
}

// AddFill applies an execution to a tracked order and updates the symbol
// position. Fills exceeding the remaining quantity are rejected. A full
// fill moves the order to the filled state.
func (s *OMS) AddFill(orderID string, quantity, price, fee decimal.Decimal, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if order.FilledQuantity.Add(quantity).GreaterThan(order.Quantity) {
		return fmt.Errorf("fill %s exceeds remaining %s on order %s",
			quantity, order.RemainingQuantity(), orderID)
	}

	order.Fills = append(order.Fills, Fill{
		TradeID:   tradeID,
		Quantity:  quantity,
		Price:     price,
		Fee:       fee,
		Timestamp: time.Now(),
	})

	oldNotional := order.FilledQuantity.Mul(order.AvgFillPrice)
	order.FilledQuantity = order.FilledQuantity.Add(quantity)
	order.AvgFillPrice = oldNotional.Add(quantity.Mul(price)).Div(order.FilledQuantity)
	order.UpdatedAt = time.Now()

	s.applyFillToPosition(order.Symbol, order.Side, quantity, price, fee)

	if order.FilledQuantity.GreaterThanOrEqual(order.Quantity) {
		s.transition(order, StateFilled, "")
		s.risk.decOpenOrders()
	} else {
		s.notifyOrder(order)
	}
	return nil
}

// ApplyExternalFill updates the position for a fill whose order the OMS
// does not track, e.g. one left over from a previous run.
func (s *OMS) ApplyExternalFill(symbol string, side deltadefi.OrderSide, quantity, price, fee decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyFillToPosition(symbol, side, quantity, price, fee)
}

// CancelOrder moves a non-terminal order to cancelled.
func (s *OMS) CancelOrder(orderID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if order.State.IsTerminal() {
		return fmt.Errorf("order %s already %s", orderID, order.State)
	}
	s.transition(order, StateCancelled, reason)
	s.risk.decOpenOrders()
	return nil
}

// transition assumes the caller holds the lock and has validated the move.
func (s *OMS) transition(order *Order, newState OrderState, errMsg string) {
	old := order.State
	order.State = newState
	order.UpdatedAt = time.Now()
	if errMsg != "" {
		order.ErrorMessage = errMsg
	}
	if newState == StateFailed || newState == StateRejected {
		s.risk.decOpenOrders()
	}
	s.log.WithFields(logrus.Fields{
		"order_id": order.OrderID,
		"from":     old,
		"to":       newState,
	}).Debug("order state transition")
	s.notifyOrder(order)
}

func (s *OMS) applyFillToPosition(symbol string, side deltadefi.OrderSide, quantity, price, fee decimal.Decimal) {
	pos, ok := s.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		s.positions[symbol] = pos
	}

	delta := quantity
	if side == deltadefi.OrderSideSell {
		delta = quantity.Neg()
	}

	switch {
	case pos.Quantity.IsZero():
		pos.AvgPrice = price
	case pos.Quantity.IsPositive() == (side == deltadefi.OrderSideBuy):
		// Adding to the position: blend the average entry.
		oldNotional := pos.Quantity.Mul(pos.AvgPrice)
		pos.AvgPrice = oldNotional.Add(delta.Mul(price)).Div(pos.Quantity.Add(delta)).Abs()
	default:
		// Reducing the position realizes PnL against the average entry.
		// Selling a long above entry gains; buying a short back below
		// entry gains.
		pnl := quantity.Mul(price.Sub(pos.AvgPrice))
		if side == deltadefi.OrderSideBuy {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		s.risk.updatePnL(pnl.Sub(fee))
	}

	pos.Quantity = pos.Quantity.Add(delta)
	pos.UpdatedAt = time.Now()

	for _, cb := range s.positionCallbacks {
		cb(pos)
	}
}

func (s *OMS) notifyOrder(order *Order) {
	for _, cb := range s.orderCallbacks {
		cb(order)
	}
}

// GetOrder returns a tracked order, or nil.
func (s *OMS) GetOrder(orderID string) *Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[orderID]
}

// GetPosition returns the position for symbol, or nil.
func (s *OMS) GetPosition(symbol string) *Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[symbol]
}

// Orders returns orders filtered by symbol and state; empty filters match
// everything.
func (s *OMS) Orders(symbol string, state OrderState) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if state != "" && o.State != state {
			continue
		}
		out = append(out, o)
	}
	return out
}

// OpenOrders returns orders resting on the venue.
func (s *OMS) OpenOrders(symbol string) []*Order {
	return s.Orders(symbol, StateWorking)
}

// TrackedExternalIDs returns the venue order IDs the OMS knows about in
// non-terminal states. Used by the unregistered-order cleanup.
func (s *OMS) TrackedExternalIDs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make(map[string]bool)
	for _, o := range s.orders {
		if o.ExternalOrderID != "" && !o.State.IsTerminal() {
			ids[o.ExternalOrderID] = true
		}
	}
	return ids
}

// SyncOpenOrderCount recounts working orders and corrects the risk
// manager's counter, returning the actual count.
func (s *OMS) SyncOpenOrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	actual := 0
	for _, o := range s.orders {
		if o.State == StateWorking {
			actual++
		}
	}
	if old := s.risk.setOpenOrders(actual); old != actual {
		s.log.Infof("synchronized open order count %d -> %d", old, actual)
	}
	return actual
}

// Summary is a snapshot of the portfolio for status reporting.
type Summary struct {
	TotalPositions   int             `json:"total_positions"`
	OpenOrders       int             `json:"open_orders"`
	TotalNotional    decimal.Decimal `json:"total_notional"`
	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	DailyPnL         decimal.Decimal `json:"daily_pnl"`
}

// PortfolioSummary aggregates positions and order counts.
func (s *OMS) PortfolioSummary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		TotalPositions: len(s.positions),
		DailyPnL:       s.risk.DailyPnL(),
	}
	for _, o := range s.orders {
		if o.State == StateWorking {
			sum.OpenOrders++
		}
	}
	for _, p := range s.positions {
		sum.TotalNotional = sum.TotalNotional.Add(p.NotionalValue())
		sum.TotalRealizedPnL = sum.TotalRealizedPnL.Add(p.RealizedPnL)
	}
	return sum
}

func joinViolations(vs []string) string {
	out := ""
	for i, v := range vs {
		if i > 0 {
			out += "; "
		}
		out += v
	}
	return out
}
