package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deltabot/godelta/pkg/sigchan"
)

// OrderRecord is a persisted order row. Status mirrors the OMS state
// names plus "submitted" for orders accepted by the venue.
type OrderRecord struct {
	OrderID         string
	QuoteID         string
	ExternalOrderID string
	Symbol          string
	Side            string
	OrderType       string
	Price           float64
	Quantity        float64
	FilledQuantity  float64
	AvgFillPrice    float64
	Status          string
	TxHash          string
	ErrorMessage    string
	CreatedAt       time.Time
	SubmittedAt     time.Time
	UpdatedAt       time.Time
}

// OrderRepo persists orders and publishes their lifecycle events to the
// outbox in the same logical step.
type OrderRepo struct {
	db   *sql.DB
	wake *sigchan.Chan
}

// Insert stores a new order and publishes an order_created event.
func (r *OrderRepo) Insert(ctx context.Context, o *OrderRecord) error {
	if o.Status == "" {
		o.Status = "pending"
	}
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO orders (order_id, quote_id, external_order_id, symbol, side, order_type,
  price, quantity, filled_quantity, avg_fill_price, status, tx_hash, error_message,
  created_at, submitted_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, o.OrderID, nullableString(o.QuoteID), nullableString(o.ExternalOrderID),
		o.Symbol, o.Side, o.OrderType,
		o.Price, o.Quantity, o.FilledQuantity, o.AvgFillPrice,
		o.Status, nullableString(o.TxHash), nullableString(o.ErrorMessage),
		o.CreatedAt.Unix(), nullableUnix(o.SubmittedAt), o.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return publishEvent(ctx, r.db, r.wake, "order_created", o.OrderID, o)
}

// OrderStatusUpdate carries optional fields for UpdateStatus; empty
// fields are left untouched.
type OrderStatusUpdate struct {
	ExternalOrderID string
	TxHash          string
	ErrorMessage    string
}

// UpdateStatus updates the order status plus any provided fields, stamps
// submitted_at when status is "submitted", and publishes an
// order_status_updated event.
func (r *OrderRepo) UpdateStatus(ctx context.Context, orderID, status string, upd OrderStatusUpdate) error {
	sets := []string{"status=?", "updated_at=?"}
	args := []interface{}{status, time.Now().Unix()}

	if upd.ExternalOrderID != "" {
		sets = append(sets, "external_order_id=?")
		args = append(args, upd.ExternalOrderID)
	}
	if upd.TxHash != "" {
		sets = append(sets, "tx_hash=?")
		args = append(args, upd.TxHash)
	}
	if upd.ErrorMessage != "" {
		sets = append(sets, "error_message=?")
		args = append(args, upd.ErrorMessage)
	}
	if status == "submitted" {
		sets = append(sets, "submitted_at=?")
		args = append(args, time.Now().Unix())
	}
	args = append(args, orderID)

	_, err := r.db.ExecContext(ctx,
		"UPDATE orders SET "+strings.Join(sets, ", ")+" WHERE order_id=?", args...)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return publishEvent(ctx, r.db, r.wake, "order_status_updated", orderID, map[string]interface{}{
		"status":            status,
		"external_order_id": upd.ExternalOrderID,
		"tx_hash":           upd.TxHash,
		"error_message":     upd.ErrorMessage,
	})
}

// UpdateFill records fill progress and publishes an order_filled event.
func (r *OrderRepo) UpdateFill(ctx context.Context, orderID string, filledQty, avgPrice float64) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE orders SET filled_quantity=?, avg_fill_price=?, updated_at=? WHERE order_id=?
`, filledQty, avgPrice, time.Now().Unix(), orderID)
	if err != nil {
		return fmt.Errorf("update order fill: %w", err)
	}
	return publishEvent(ctx, r.db, r.wake, "order_filled", orderID, map[string]interface{}{
		"filled_quantity": filledQty,
		"avg_fill_price":  avgPrice,
	})
}

// Get returns one order, nil when absent.
func (r *OrderRepo) Get(ctx context.Context, orderID string) (*OrderRecord, error) {
	row := r.db.QueryRowContext(ctx, selectOrders+` WHERE order_id=?`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// Active returns orders in non-terminal states, optionally filtered by
// symbol.
func (r *OrderRepo) Active(ctx context.Context, symbol string) ([]OrderRecord, error) {
	query := selectOrders + ` WHERE status IN ('pending','working','submitted')`
	args := []interface{}{}
	if symbol != "" {
		query += " AND symbol=?"
		args = append(args, symbol)
	}
	query += " ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

const selectOrders = `
SELECT order_id, quote_id, external_order_id, symbol, side, order_type,
  price, quantity, filled_quantity, avg_fill_price, status, tx_hash,
  error_message, created_at, submitted_at, updated_at
FROM orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*OrderRecord, error) {
	var o OrderRecord
	var quoteID, externalID, txHash, errMsg sql.NullString
	var price, avgFill sql.NullFloat64
	var createdAt, updatedAt int64
	var submittedAt sql.NullInt64
	if err := row.Scan(&o.OrderID, &quoteID, &externalID, &o.Symbol, &o.Side, &o.OrderType,
		&price, &o.Quantity, &o.FilledQuantity, &avgFill, &o.Status, &txHash,
		&errMsg, &createdAt, &submittedAt, &updatedAt); err != nil {
		return nil, err
	}
	o.QuoteID = quoteID.String
	o.ExternalOrderID = externalID.String
	o.TxHash = txHash.String
	o.ErrorMessage = errMsg.String
	o.Price = price.Float64
	o.AvgFillPrice = avgFill.Float64
	o.CreatedAt = time.Unix(createdAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)
	if submittedAt.Valid {
		o.SubmittedAt = time.Unix(submittedAt.Int64, 0)
	}
	return &o, nil
}

// FillRecord is one persisted execution. TradeID dedupes fills reported
// on both the stream and REST reconciliation.
type FillRecord struct {
	FillID          string
	OrderID         string
	TradeID         string
	Symbol          string
	Side            string
	Price           float64
	Quantity        float64
	Commission      float64
	CommissionAsset string
	IsMaker         bool
	ExecutedAt      time.Time
}

// FillRepo persists executions.
type FillRepo struct {
	db   *sql.DB
	wake *sigchan.Chan
}

// Insert stores a fill and publishes a fill_created event. A duplicate
// trade ID returns ErrDuplicateFill.
func (r *FillRepo) Insert(ctx context.Context, f *FillRecord) error {
	if f.FillID == "" {
		f.FillID = uuid.NewString()
	}
	if f.ExecutedAt.IsZero() {
		f.ExecutedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO fills (fill_id, order_id, trade_id, symbol, side, price, quantity,
  commission, commission_asset, is_maker, executed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, f.FillID, f.OrderID, nullableString(f.TradeID), f.Symbol, f.Side,
		f.Price, f.Quantity, f.Commission, nullableString(f.CommissionAsset),
		boolToInt(f.IsMaker), f.ExecutedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateFill
		}
		return fmt.Errorf("insert fill: %w", err)
	}
	return publishEvent(ctx, r.db, r.wake, "fill_created", f.OrderID, f)
}

// ErrDuplicateFill reports a fill whose trade ID was already recorded.
var ErrDuplicateFill = fmt.Errorf("fill already recorded")

// ForOrder returns the fills of one order in execution order.
func (r *FillRepo) ForOrder(ctx context.Context, orderID string) ([]FillRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT fill_id, order_id, trade_id, symbol, side, price, quantity,
  commission, commission_asset, is_maker, executed_at
FROM fills WHERE order_id=? ORDER BY executed_at
`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FillRecord
	for rows.Next() {
		var f FillRecord
		var tradeID, commAsset sql.NullString
		var isMaker int
		var executedAt int64
		if err := rows.Scan(&f.FillID, &f.OrderID, &tradeID, &f.Symbol, &f.Side,
			&f.Price, &f.Quantity, &f.Commission, &commAsset, &isMaker, &executedAt); err != nil {
			return nil, err
		}
		f.TradeID = tradeID.String
		f.CommissionAsset = commAsset.String
		f.IsMaker = isMaker != 0
		f.ExecutedAt = time.Unix(executedAt, 0)
		out = append(out, f)
	}
	return out, rows.Err()
}

// HasTrade reports whether a trade ID was already recorded.
func (r *FillRepo) HasTrade(ctx context.Context, tradeID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM fills WHERE trade_id=?`, tradeID).Scan(&n)
	return n > 0, err
}

func publishEvent(ctx context.Context, db *sql.DB, wake *sigchan.Chan, eventType, aggregateID string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO outbox (event_id, event_type, aggregate_id, payload, status, retry_count, max_retries, created_at)
VALUES (?,?,?,?,'pending',0,5,?)
`, uuid.NewString(), eventType, aggregateID, string(body), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}
	if wake != nil {
		wake.Emit()
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
