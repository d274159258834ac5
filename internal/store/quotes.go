package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Quote lifecycle states recorded in the store.
const (
	QuoteStatusGenerated       = "generated"
	QuoteStatusOrdersCreated   = "orders_created"
	QuoteStatusOrdersSubmitted = "orders_submitted"
	QuoteStatusExpired         = "expired"
)

// QuoteLayer is one persisted price level.
type QuoteLayer struct {
	Layer     int     `json:"layer"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	SpreadBps float64 `json:"spread_bps"`
}

// QuoteRecord is a persisted quote with its layers and source prices.
type QuoteRecord struct {
	QuoteID        string
	SymbolSrc      string
	SymbolDst      string
	SourceBidPrice float64
	SourceBidQty   float64
	SourceAskPrice float64
	SourceAskQty   float64
	BidPrice       float64 // first bid layer, 0 when side disabled
	BidQty         float64
	AskPrice       float64
	AskQty         float64
	SpreadBps      float64
	BidLayers      []QuoteLayer
	AskLayers      []QuoteLayer
	Status         string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// QuoteRepo persists generated quotes.
type QuoteRepo struct {
	db *sql.DB
}

type quoteLayers struct {
	Bid []QuoteLayer `json:"bid"`
	Ask []QuoteLayer `json:"ask"`
}

// Insert stores a quote in generated state.
func (r *QuoteRepo) Insert(ctx context.Context, q *QuoteRecord) error {
	layers, err := json.Marshal(quoteLayers{Bid: q.BidLayers, Ask: q.AskLayers})
	if err != nil {
		return fmt.Errorf("marshal quote layers: %w", err)
	}
	if q.Status == "" {
		q.Status = QuoteStatusGenerated
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO quotes (quote_id, symbol_src, symbol_dst,
  source_bid_price, source_bid_qty, source_ask_price, source_ask_qty,
  bid_price, bid_qty, ask_price, ask_qty, spread_bps, layers_json,
  status, created_at, expires_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, q.QuoteID, q.SymbolSrc, q.SymbolDst,
		q.SourceBidPrice, q.SourceBidQty, q.SourceAskPrice, q.SourceAskQty,
		q.BidPrice, q.BidQty, q.AskPrice, q.AskQty, q.SpreadBps, string(layers),
		q.Status, q.CreatedAt.Unix(), nullableUnix(q.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

// UpdateStatus moves a quote through its lifecycle.
func (r *QuoteRepo) UpdateStatus(ctx context.Context, quoteID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE quotes SET status=? WHERE quote_id=?`, status, quoteID)
	if err != nil {
		return fmt.Errorf("update quote status: %w", err)
	}
	return nil
}

// ExpireOlderThan marks non-terminal quotes whose expiry passed as expired
// and returns how many were affected.
func (r *QuoteRepo) ExpireOlderThan(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE quotes SET status=?
WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?
`, QuoteStatusExpired, QuoteStatusGenerated, QuoteStatusOrdersCreated, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("expire quotes: %w", err)
	}
	return res.RowsAffected()
}

// Recent returns up to limit quotes for symbolDst, newest first.
func (r *QuoteRepo) Recent(ctx context.Context, symbolDst string, limit int) ([]QuoteRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT quote_id, symbol_src, symbol_dst,
  source_bid_price, source_bid_qty, source_ask_price, source_ask_qty,
  bid_price, bid_qty, ask_price, ask_qty, spread_bps, layers_json,
  status, created_at, expires_at
FROM quotes WHERE symbol_dst=? ORDER BY created_at DESC LIMIT ?
`, symbolDst, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QuoteRecord
	for rows.Next() {
		var q QuoteRecord
		var layersJSON string
		var createdAt int64
		var expiresAt sql.NullInt64
		var bidPrice, bidQty, askPrice, askQty, spread sql.NullFloat64
		if err := rows.Scan(&q.QuoteID, &q.SymbolSrc, &q.SymbolDst,
			&q.SourceBidPrice, &q.SourceBidQty, &q.SourceAskPrice, &q.SourceAskQty,
			&bidPrice, &bidQty, &askPrice, &askQty, &spread, &layersJSON,
			&q.Status, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		q.BidPrice, q.BidQty = bidPrice.Float64, bidQty.Float64
		q.AskPrice, q.AskQty = askPrice.Float64, askQty.Float64
		q.SpreadBps = spread.Float64
		q.CreatedAt = time.Unix(createdAt, 0)
		if expiresAt.Valid {
			q.ExpiresAt = time.Unix(expiresAt.Int64, 0)
		}
		var layers quoteLayers
		if err := json.Unmarshal([]byte(layersJSON), &layers); err == nil {
			q.BidLayers, q.AskLayers = layers.Bid, layers.Ask
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func nullableUnix(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
