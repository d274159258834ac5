package account

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/deltabot/godelta/deltadefi"
	"github.com/deltabot/godelta/internal/oms"
	"github.com/deltabot/godelta/internal/store"
	"github.com/deltabot/godelta/pkg/config"
)

type fakeBalanceSource struct {
	balances deltadefi.GetAccountBalanceResponse
	err      error
}

func (f *fakeBalanceSource) GetAccountBalance(context.Context) (*deltadefi.GetAccountBalanceResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &f.balances, nil
}

type fakeStream struct {
	handler deltadefi.Handler
}

func (f *fakeStream) SubscribeAccount(h deltadefi.Handler) error {
	f.handler = h
	return nil
}

func (f *fakeStream) push(t *testing.T, data deltadefi.AccountStreamData) {
	t.Helper()
	body, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal stream data: %v", err)
	}
	f.handler(deltadefi.WSMessage{Channel: deltadefi.ChannelAccount, Data: body})
}

func newTestManager(t *testing.T, balances deltadefi.GetAccountBalanceResponse) (*Manager, *fakeStream, *oms.OMS, *store.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Risk.MaxOpenOrders = 100
	cfg.Risk.MaxPositionSize = 1e9
	cfg.Trading.MinQuoteSize = 1

	st, err := store.Open(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	o := oms.New(oms.NewRiskManager(cfg.Risk, cfg.Trading))
	ratio := NewRatioManager(RatioManagerConfig{
		QuoteAsset: "USDM", BaseAsset: "ADA",
		TargetRatio: 1.0, Tolerance: 0.1,
		SpreadFactor: 2.0, LiquidityFactor: 1.5,
	})
	stream := &fakeStream{}
	m := NewManager(&fakeBalanceSource{balances: balances}, stream, o, st, ratio)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, stream, o, st
}

func TestStartAppliesBalanceSnapshot(t *testing.T) {
	_, stream, _, st := newTestManager(t, deltadefi.GetAccountBalanceResponse{
		{Asset: "USDM", Free: 900, Locked: 100},
		{Asset: "ADA", Free: 2000, Locked: 0},
	})
	ctx := context.Background()

	if stream.handler == nil {
		t.Fatal("account stream not subscribed")
	}

	b, err := st.Balances.Get(ctx, "USDM")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if b == nil || b.Total != 1000 {
		t.Errorf("USDM balance = %+v, want total 1000", b)
	}
}

func TestProcessFillForTrackedOrder(t *testing.T) {
	m, _, o, st := newTestManager(t, nil)
	ctx := context.Background()

	order, err := o.SubmitOrder("ADAUSDM", deltadefi.OrderSideBuy, deltadefi.OrderTypeLimit,
		decimal.NewFromInt(100), decimal.NewFromFloat(0.50))
	if err != nil {
		t.Fatalf("SubmitOrder() error: %v", err)
	}
	if err := o.UpdateOrderState(order.OrderID, oms.StateWorking, "dd-1", ""); err != nil {
		t.Fatalf("UpdateOrderState() error: %v", err)
	}
	rec := &store.OrderRecord{
		OrderID: order.OrderID, Symbol: "ADAUSDM", Side: "buy",
		OrderType: "limit", Price: 0.50, Quantity: 100,
	}
	if err := st.Orders.Insert(ctx, rec); err != nil {
		t.Fatalf("Orders.Insert() error: %v", err)
	}

	fill := &deltadefi.AccountFill{
		FillID: "f-1", TradeID: "t-1", OrderID: "dd-1",
		Symbol: "ADAUSDM", Side: "buy", Price: 0.50, Quantity: 100,
	}
	if !m.ProcessFill(ctx, fill) {
		t.Fatal("ProcessFill() = false, want true")
	}

	got := o.GetOrder(order.OrderID)
	if got.State != oms.StateFilled {
		t.Errorf("order state = %s, want filled", got.State)
	}
	pos := o.GetPosition("ADAUSDM")
	if pos == nil || !pos.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("position = %+v, want quantity 100", pos)
	}

	stored, err := st.Positions.Get(ctx, "ADAUSDM")
	if err != nil {
		t.Fatalf("Positions.Get() error: %v", err)
	}
	if stored == nil || stored.Quantity != 100 {
		t.Errorf("persisted position = %+v, want quantity 100", stored)
	}

	// The same trade delivered again is a no-op.
	if m.ProcessFill(ctx, fill) {
		t.Error("duplicate ProcessFill() = true, want false")
	}
	fills, err := st.Fills.ForOrder(ctx, "dd-1")
	if err != nil {
		t.Fatalf("ForOrder() error: %v", err)
	}
	if len(fills) != 1 {
		t.Errorf("stored %d fills, want 1", len(fills))
	}
}

func TestProcessFillForUnknownOrderMovesPosition(t *testing.T) {
	m, _, o, _ := newTestManager(t, nil)
	ctx := context.Background()

	fill := &deltadefi.AccountFill{
		FillID: "f-9", TradeID: "t-9", OrderID: "dd-stale",
		Symbol: "ADAUSDM", Side: "sell", Price: 0.52, Quantity: 40,
	}
	if !m.ProcessFill(ctx, fill) {
		t.Fatal("ProcessFill() = false, want true")
	}

	pos := o.GetPosition("ADAUSDM")
	if pos == nil || !pos.Quantity.Equal(decimal.NewFromInt(-40)) {
		t.Errorf("position = %+v, want quantity -40", pos)
	}
}

func TestStreamBalanceUpdate(t *testing.T) {
	m, stream, _, st := newTestManager(t, nil)
	ctx := context.Background()

	stream.push(t, deltadefi.AccountStreamData{
		Type: "balance_update",
		Balance: []deltadefi.AssetBalance{
			{Asset: "USDM", Free: 500, Locked: 250},
		},
	})

	b, err := st.Balances.Get(ctx, "USDM")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if b == nil || b.Available != 500 || b.Locked != 250 {
		t.Errorf("balance = %+v, want available 500 locked 250", b)
	}

	if m.ratio != nil {
		if v, ok := m.ratio.Balances()["USDM"]; !ok || v.ValueUSD != 750 {
			t.Errorf("ratio USDM value = %+v, want 750", v)
		}
	}
}

func TestStreamFillViaHandler(t *testing.T) {
	_, stream, o, _ := newTestManager(t, nil)

	stream.push(t, deltadefi.AccountStreamData{
		Type: "fill",
		Fill: &deltadefi.AccountFill{
			FillID: "f-2", TradeID: "t-2", OrderID: "dd-2",
			Symbol: "ADAUSDM", Side: "buy", Price: 0.51, Quantity: 10,
		},
	})

	pos := o.GetPosition("ADAUSDM")
	if pos == nil || !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("position = %+v, want quantity 10", pos)
	}
}

func TestSplitSymbol(t *testing.T) {
	cases := []struct {
		symbol string
		base   string
		quote  string
	}{
		{"ADAUSDM", "ADA", "USDM"},
		{"ADAUSDT", "ADA", "USDT"},
		{"BTCUSDC", "BTC", "USDC"},
		{"SOLEUR", "SOL", "EUR"},
	}
	for _, tc := range cases {
		base, quoteAsset := SplitSymbol(tc.symbol)
		if base != tc.base || quoteAsset != tc.quote {
			t.Errorf("SplitSymbol(%s) = %s/%s, want %s/%s",
				tc.symbol, base, quoteAsset, tc.base, tc.quote)
		}
	}
}
