package account

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/deltabot/godelta/deltadefi"
	"github.com/deltabot/godelta/internal/oms"
	"github.com/deltabot/godelta/internal/store"
)

// BalanceSource fetches the REST balance snapshot.
// *deltadefi.AccountsClient satisfies it.
type BalanceSource interface {
	GetAccountBalance(ctx context.Context) (*deltadefi.GetAccountBalanceResponse, error)
}

// AccountStream registers a handler on the account channel.
// *deltadefi.WebSocketClient satisfies it.
type AccountStream interface {
	SubscribeAccount(handler deltadefi.Handler) error
}

// Manager keeps account state in sync: an initial REST balance snapshot,
// live balance and fill updates from the account stream, and fill
// reconciliation feeding the OMS and the store. Fills are deduplicated by
// trade ID.
type Manager struct {
	balances BalanceSource
	stream   AccountStream
	oms      *oms.OMS
	store    *store.Store
	ratio    *RatioManager
	log      *logrus.Entry

	mu        sync.Mutex
	running   bool
	lastPrice map[string]float64 // base asset -> last fill price
}

// NewManager creates an account manager. ratio may be nil.
func NewManager(balances BalanceSource, stream AccountStream, o *oms.OMS, st *store.Store, ratio *RatioManager) *Manager {
	return &Manager{
		balances:  balances,
		stream:    stream,
		oms:       o,
		store:     st,
		ratio:     ratio,
		log:       logrus.WithField("component", "account"),
		lastPrice: make(map[string]float64),
	}
}

// Start loads persisted balances, refreshes them from the venue and
// subscribes to the account stream. A failed snapshot or subscription is
// tolerated; the manager then relies on whichever source works.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	if err := m.loadPersistedBalances(ctx); err != nil {
		m.log.WithError(err).Warn("failed to load persisted balances")
	}
	if err := m.RefreshBalances(ctx); err != nil {
		m.log.WithError(err).Warn("balance snapshot failed, relying on stream updates")
	}
	if m.stream != nil {
		if err := m.stream.SubscribeAccount(m.handleAccountMessage); err != nil {
			m.log.WithError(err).Warn("account stream subscription failed")
		}
	}

	m.log.Info("account manager started")
	return nil
}

// Stop marks the manager stopped. Stream teardown belongs to the stream
// client's owner.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

// RefreshBalances pulls the REST snapshot and applies it.
func (m *Manager) RefreshBalances(ctx context.Context) error {
	if m.balances == nil {
		return errors.New("no balance source configured")
	}
	res, err := m.balances.GetAccountBalance(ctx)
	if err != nil {
		return err
	}
	for _, b := range *res {
		m.applyBalance(ctx, b.Asset, b.Free, b.Locked)
	}
	m.log.Infof("balance snapshot applied, %d assets", len(*res))
	return nil
}

func (m *Manager) loadPersistedBalances(ctx context.Context) error {
	recs, err := m.store.Balances.All(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if m.ratio != nil {
			m.ratio.UpdateBalance(r.Asset, r.Total, m.priceFor(r.Asset))
		}
	}
	if len(recs) > 0 {
		m.log.Infof("loaded %d persisted balances", len(recs))
	}
	return nil
}

// handleAccountMessage runs on the stream read loop; it must stay quick.
func (m *Manager) handleAccountMessage(msg deltadefi.WSMessage) {
	var data deltadefi.AccountStreamData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		m.log.WithError(err).Warn("malformed account stream message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, b := range data.Balance {
		m.applyBalance(ctx, b.Asset, b.Free, b.Locked)
	}
	if data.Fill != nil {
		m.ProcessFill(ctx, data.Fill)
	}
	if data.Order != nil {
		m.reconcileOrder(data.Order)
	}
}

// ProcessFill persists a fill, updates the OMS order or position and
// adjusts balances. Returns false for duplicates.
func (m *Manager) ProcessFill(ctx context.Context, f *deltadefi.AccountFill) bool {
	executedAt := time.Now()
	if f.ExecutedAt > 0 {
		executedAt = time.Unix(f.ExecutedAt, 0)
	}
	rec := &store.FillRecord{
		FillID:          f.FillID,
		OrderID:         f.OrderID,
		TradeID:         f.TradeID,
		Symbol:          f.Symbol,
		Side:            strings.ToLower(f.Side),
		Price:           f.Price,
		Quantity:        f.Quantity,
		Commission:      f.Commission,
		CommissionAsset: f.CommissionAsset,
		IsMaker:         f.IsMaker,
		ExecutedAt:      executedAt,
	}
	if err := m.store.Fills.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateFill) {
			m.log.WithField("trade_id", f.TradeID).Debug("duplicate fill ignored")
			return false
		}
		m.log.WithError(err).WithField("fill_id", f.FillID).Error("failed to persist fill")
		// Continue: the OMS still needs the fill even if persistence
		// misbehaves.
	}

	side := deltadefi.OrderSideBuy
	if strings.EqualFold(f.Side, string(deltadefi.OrderSideSell)) {
		side = deltadefi.OrderSideSell
	}
	qty := decimal.NewFromFloat(f.Quantity)
	price := decimal.NewFromFloat(f.Price)
	fee := decimal.NewFromFloat(f.Commission)

	if order := m.findByExternalID(f.Symbol, f.OrderID); order != nil {
		if err := m.oms.AddFill(order.OrderID, qty, price, fee, f.TradeID); err != nil {
			m.log.WithError(err).WithField("order_id", order.OrderID).Warn("fill rejected by oms")
		} else {
			m.persistOrderFill(ctx, order.OrderID)
		}
	} else {
		// Unknown venue order, e.g. from a previous run. The position
		// still has to move.
		m.oms.ApplyExternalFill(f.Symbol, side, qty, price, fee)
	}

	m.persistPosition(ctx, f.Symbol)
	m.applyFillToBalances(ctx, f, side)

	m.log.WithFields(logrus.Fields{
		"fill_id":  f.FillID,
		"symbol":   f.Symbol,
		"side":     side,
		"price":    f.Price,
		"quantity": f.Quantity,
	}).Info("fill processed")
	return true
}

// reconcileOrder mirrors venue order state changes into the OMS.
func (m *Manager) reconcileOrder(rec *deltadefi.OrderRecord) {
	order := m.findByExternalID(rec.Symbol, rec.OrderID)
	if order == nil {
		return
	}
	var target oms.OrderState
	switch rec.Status {
	case deltadefi.OrderStatusCancelled:
		target = oms.StateCancelled
	case deltadefi.OrderStatusFilled:
		// Fill messages drive the filled transition; nothing to do.
		return
	default:
		return
	}
	if order.State == target || order.State.IsTerminal() {
		return
	}
	if err := m.oms.UpdateOrderState(order.OrderID, target, rec.OrderID, ""); err != nil {
		m.log.WithError(err).WithField("order_id", order.OrderID).Debug("order reconcile skipped")
	}
}

func (m *Manager) findByExternalID(symbol, externalID string) *oms.Order {
	if externalID == "" {
		return nil
	}
	for _, o := range m.oms.Orders(symbol, "") {
		if o.ExternalOrderID == externalID && !o.State.IsTerminal() {
			return o
		}
	}
	return nil
}

func (m *Manager) persistOrderFill(ctx context.Context, orderID string) {
	order := m.oms.GetOrder(orderID)
	if order == nil {
		return
	}
	filled, _ := order.FilledQuantity.Float64()
	avg, _ := order.AvgFillPrice.Float64()
	if err := m.store.Orders.UpdateFill(ctx, orderID, filled, avg); err != nil {
		m.log.WithError(err).WithField("order_id", orderID).Warn("failed to persist order fill")
	}
	if order.State == oms.StateFilled {
		if err := m.store.Orders.UpdateStatus(ctx, orderID, "filled", store.OrderStatusUpdate{}); err != nil {
			m.log.WithError(err).WithField("order_id", orderID).Warn("failed to persist order status")
		}
	}
}

func (m *Manager) persistPosition(ctx context.Context, symbol string) {
	pos := m.oms.GetPosition(symbol)
	if pos == nil {
		return
	}
	qty, _ := pos.Quantity.Float64()
	avg, _ := pos.AvgPrice.Float64()
	pnl, _ := pos.RealizedPnL.Float64()
	rec := &store.PositionRecord{
		Symbol:        symbol,
		Quantity:      qty,
		AvgEntryPrice: avg,
		RealizedPnL:   pnl,
	}
	if err := m.store.Positions.Upsert(ctx, rec); err != nil {
		m.log.WithError(err).WithField("symbol", symbol).Warn("failed to persist position")
	}
}

// applyFillToBalances adjusts the base and quote balances for a fill,
// charging the commission against whichever asset it was taken in.
func (m *Manager) applyFillToBalances(ctx context.Context, f *deltadefi.AccountFill, side deltadefi.OrderSide) {
	base, quoteAsset := SplitSymbol(f.Symbol)

	baseRec, err := m.store.Balances.Get(ctx, base)
	if err != nil || baseRec == nil {
		return
	}
	quoteRec, err := m.store.Balances.Get(ctx, quoteAsset)
	if err != nil || quoteRec == nil {
		return
	}

	baseChange := f.Quantity
	quoteChange := -f.Quantity * f.Price
	if side == deltadefi.OrderSideSell {
		baseChange, quoteChange = -baseChange, -quoteChange
	}
	switch f.CommissionAsset {
	case base:
		baseChange -= f.Commission
	case quoteAsset:
		quoteChange -= f.Commission
	}

	m.mu.Lock()
	m.lastPrice[base] = f.Price
	m.mu.Unlock()

	m.applyBalance(ctx, base, baseRec.Available+baseChange, baseRec.Locked)
	m.applyBalance(ctx, quoteAsset, quoteRec.Available+quoteChange, quoteRec.Locked)
}

func (m *Manager) applyBalance(ctx context.Context, asset string, available, locked float64) {
	total := available + locked
	rec := &store.BalanceRecord{
		Asset:     asset,
		Available: available,
		Locked:    locked,
		Total:     total,
	}
	if err := m.store.Balances.Upsert(ctx, rec); err != nil {
		m.log.WithError(err).WithField("asset", asset).Warn("failed to persist balance")
		return
	}
	if m.ratio != nil {
		m.ratio.UpdateBalance(asset, total, m.priceFor(asset))
	}
}

// priceFor values an asset in USD for ratio tracking. Stablecoins are
// pegged at 1; other assets use the last seen fill price.
func (m *Manager) priceFor(asset string) float64 {
	if isStable(asset) {
		return 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.lastPrice[asset]; ok && p > 0 {
		return p
	}
	return 0
}

// SplitSymbol derives base and quote assets from a pair symbol.
func SplitSymbol(symbol string) (base, quoteAsset string) {
	s := strings.ToUpper(symbol)
	for _, suffix := range []string{"USDM", "USDT", "USDC"} {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			return s[:len(s)-len(suffix)], suffix
		}
	}
	if len(s) > 3 {
		return s[:3], s[3:]
	}
	return s, ""
}

func isStable(asset string) bool {
	switch strings.ToUpper(asset) {
	case "USDM", "USDT", "USDC", "USD":
		return true
	}
	return false
}
