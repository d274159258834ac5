package oms

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/deltabot/godelta/deltadefi"
	"github.com/deltabot/godelta/pkg/config"
)

func newTestOMS() *OMS {
	cfg := config.Default()
	return New(NewRiskManager(cfg.Risk, cfg.Trading))
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestSubmitOrderLifecycle(t *testing.T) {
	s := newTestOMS()

	order, err := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.State != StatePending {
		t.Fatalf("state after submit: got %s, want %s", order.State, StatePending)
	}

	if err := s.UpdateOrderState(order.OrderID, StateWorking, "ext-1", ""); err != nil {
		t.Fatalf("pending -> working: %v", err)
	}
	got := s.GetOrder(order.OrderID)
	if got.ExternalOrderID != "ext-1" {
		t.Errorf("external id: got %q", got.ExternalOrderID)
	}
	if len(s.OpenOrders("ADAUSDM")) != 1 {
		t.Errorf("expected 1 open order")
	}

	if err := s.CancelOrder(order.OrderID, "requote"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := s.GetOrder(order.OrderID); got.State != StateCancelled {
		t.Errorf("state after cancel: got %s", got.State)
	}
	if err := s.CancelOrder(order.OrderID, "again"); err == nil {
		t.Error("cancelling a terminal order should fail")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := newTestOMS()
	order, err := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// No state leads back to idle.
	if err := s.UpdateOrderState(order.OrderID, StateIdle, "", ""); err == nil {
		t.Error("expected invalid transition error")
	}
	if err := s.UpdateOrderState("nope", StateWorking, "", ""); err == nil {
		t.Error("expected unknown order error")
	}
}

func TestFillBeforeAcknowledgment(t *testing.T) {
	s := newTestOMS()
	order, err := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.State != StatePending {
		t.Fatalf("state after submit: got %s", order.State)
	}

	// The venue's fill beats the submit acknowledgment.
	if err := s.AddFill(order.OrderID, d("100"), d("0.50"), d("0"), "t-early"); err != nil {
		t.Fatalf("fill on pending order: %v", err)
	}
	got := s.GetOrder(order.OrderID)
	if got.State != StateFilled {
		t.Errorf("state after full fill: got %s, want %s", got.State, StateFilled)
	}
	if !StatePending.canTransitionTo(StateFilled) {
		t.Error("transition table should allow pending -> filled")
	}
	if !StatePending.canTransitionTo(StateCancelled) {
		t.Error("transition table should allow pending -> cancelled")
	}
}

func TestAddFillUpdatesOrderAndPosition(t *testing.T) {
	s := newTestOMS()
	order, _ := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	s.UpdateOrderState(order.OrderID, StateWorking, "ext-1", "")

	if err := s.AddFill(order.OrderID, d("40"), d("0.50"), decimal.Zero, "t1"); err != nil {
		t.Fatalf("partial fill: %v", err)
	}
	got := s.GetOrder(order.OrderID)
	if got.State != StateWorking {
		t.Errorf("partially filled order should stay working, got %s", got.State)
	}
	if !got.RemainingQuantity().Equal(d("60")) {
		t.Errorf("remaining: got %s", got.RemainingQuantity())
	}

	if err := s.AddFill(order.OrderID, d("60"), d("0.52"), decimal.Zero, "t2"); err != nil {
		t.Fatalf("final fill: %v", err)
	}
	got = s.GetOrder(order.OrderID)
	if got.State != StateFilled {
		t.Errorf("state after full fill: got %s", got.State)
	}
	// 40*0.50 + 60*0.52 = 51.2 over 100
	if !got.AvgFillPrice.Equal(d("0.512")) {
		t.Errorf("avg fill price: got %s", got.AvgFillPrice)
	}

	pos := s.GetPosition("ADAUSDM")
	if pos == nil || !pos.Quantity.Equal(d("100")) {
		t.Fatalf("position quantity: got %+v", pos)
	}
	if !pos.AvgPrice.Equal(d("0.512")) {
		t.Errorf("position avg price: got %s", pos.AvgPrice)
	}
}

func TestAddFillOverfillRejected(t *testing.T) {
	s := newTestOMS()
	order, _ := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	s.UpdateOrderState(order.OrderID, StateWorking, "", "")

	if err := s.AddFill(order.OrderID, d("101"), d("0.50"), decimal.Zero, "t1"); err == nil {
		t.Fatal("overfill should be rejected")
	}
	if got := s.GetOrder(order.OrderID); !got.FilledQuantity.IsZero() {
		t.Errorf("rejected fill must not change filled quantity, got %s", got.FilledQuantity)
	}
}

func TestRealizedPnL(t *testing.T) {
	s := newTestOMS()

	// Build a 100 @ 0.50 long, then sell 50 @ 0.60.
	buy, _ := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	s.UpdateOrderState(buy.OrderID, StateWorking, "", "")
	s.AddFill(buy.OrderID, d("100"), d("0.50"), decimal.Zero, "t1")

	sell, _ := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideSell, deltadefi.OrderTypeLimit, d("50"), d("0.60"))
	s.UpdateOrderState(sell.OrderID, StateWorking, "", "")
	s.AddFill(sell.OrderID, d("50"), d("0.60"), decimal.Zero, "t2")

	pos := s.GetPosition("ADAUSDM")
	if !pos.Quantity.Equal(d("50")) {
		t.Errorf("quantity: got %s", pos.Quantity)
	}
	// 50 * (0.60 - 0.50) = 5
	if !pos.RealizedPnL.Equal(d("5")) {
		t.Errorf("realized pnl: got %s", pos.RealizedPnL)
	}
	if !s.PortfolioSummary().DailyPnL.Equal(d("5")) {
		t.Errorf("daily pnl: got %s", s.PortfolioSummary().DailyPnL)
	}
}

func TestRiskRejections(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.MaxOpenOrders = 1
	s := New(NewRiskManager(cfg.Risk, cfg.Trading))

	if _, err := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("1"), d("0.50")); err == nil {
		t.Error("below min quote size should be rejected")
	}

	if _, err := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50")); err != nil {
		t.Fatalf("first order should pass: %v", err)
	}
	_, err := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	if err == nil || !strings.Contains(err.Error(), "too many open orders") {
		t.Errorf("expected open-order cap rejection, got %v", err)
	}
}

func TestEmergencyStopBlocksEverything(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.EmergencyStop = true
	s := New(NewRiskManager(cfg.Risk, cfg.Trading))

	_, err := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	if err == nil || !strings.Contains(err.Error(), "emergency stop") {
		t.Errorf("expected emergency stop rejection, got %v", err)
	}
}

func TestOrderCallbacks(t *testing.T) {
	s := newTestOMS()
	var events []OrderState
	s.OnOrder(func(o *Order) { events = append(events, o.State) })

	order, _ := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	s.UpdateOrderState(order.OrderID, StateWorking, "", "")
	s.CancelOrder(order.OrderID, "done")

	want := []OrderState{StatePending, StateWorking, StateCancelled}
	if len(events) != len(want) {
		t.Fatalf("events: got %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, events[i], want[i])
		}
	}
}

func TestSyncOpenOrderCount(t *testing.T) {
	s := newTestOMS()
	order, _ := s.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit, d("100"), d("0.50"))
	s.UpdateOrderState(order.OrderID, StateWorking, "", "")

	// Pending orders count toward the risk counter but only working
	// orders are open; sync reconciles the two.
	if got := s.SyncOpenOrderCount(); got != 1 {
		t.Errorf("synced count: got %d, want 1", got)
	}
	if got := s.risk.OpenOrderCount(); got != 1 {
		t.Errorf("risk counter after sync: got %d", got)
	}
}
