package store

import (
	"context"
	"database/sql"
	"time"
)

// PositionRecord is the persisted per-symbol position snapshot.
type PositionRecord struct {
	Symbol        string
	Quantity      float64
	AvgEntryPrice float64
	RealizedPnL   float64
	UpdatedAt     time.Time
}

// PositionRepo persists position snapshots.
type PositionRepo struct {
	db *sql.DB
}

// Upsert writes the current position. Realized PnL accumulates across
// upserts unless explicitly provided.
func (r *PositionRepo) Upsert(ctx context.Context, p *PositionRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO positions (symbol, quantity, avg_entry_price, realized_pnl, updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(symbol) DO UPDATE SET
  quantity=excluded.quantity,
  avg_entry_price=excluded.avg_entry_price,
  realized_pnl=excluded.realized_pnl,
  updated_at=excluded.updated_at
`, p.Symbol, p.Quantity, p.AvgEntryPrice, p.RealizedPnL, time.Now().Unix())
	return err
}

// Get returns the position for a symbol, nil when absent.
func (r *PositionRepo) Get(ctx context.Context, symbol string) (*PositionRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT symbol, quantity, avg_entry_price, realized_pnl, updated_at
FROM positions WHERE symbol=?`, symbol)
	var p PositionRecord
	var updatedAt int64
	err := row.Scan(&p.Symbol, &p.Quantity, &p.AvgEntryPrice, &p.RealizedPnL, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// All returns every position with a non-zero quantity or realized PnL.
func (r *PositionRepo) All(ctx context.Context) ([]PositionRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT symbol, quantity, avg_entry_price, realized_pnl, updated_at
FROM positions WHERE quantity != 0 OR realized_pnl != 0
ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		var p PositionRecord
		var updatedAt int64
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgEntryPrice, &p.RealizedPnL, &updatedAt); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// BalanceRecord is the persisted per-asset balance snapshot.
type BalanceRecord struct {
	Asset     string
	Available float64
	Locked    float64
	Total     float64
	UpdatedAt time.Time
}

// BalanceRepo persists account balance snapshots.
type BalanceRepo struct {
	db *sql.DB
}

// Upsert writes the latest balance snapshot for an asset.
func (r *BalanceRepo) Upsert(ctx context.Context, b *BalanceRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO account_balances (asset, available, locked, total, updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(asset) DO UPDATE SET
  available=excluded.available,
  locked=excluded.locked,
  total=excluded.total,
  updated_at=excluded.updated_at
`, b.Asset, b.Available, b.Locked, b.Total, time.Now().Unix())
	return err
}

// Get returns the balance for one asset, nil when absent.
func (r *BalanceRepo) Get(ctx context.Context, asset string) (*BalanceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT asset, available, locked, total, updated_at
FROM account_balances WHERE asset=?`, asset)
	var b BalanceRecord
	var updatedAt int64
	err := row.Scan(&b.Asset, &b.Available, &b.Locked, &b.Total, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.UpdatedAt = time.Unix(updatedAt, 0)
	return &b, nil
}

// All returns every asset with a positive total.
func (r *BalanceRepo) All(ctx context.Context) ([]BalanceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT asset, available, locked, total, updated_at
FROM account_balances WHERE total > 0 ORDER BY asset`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceRecord
	for rows.Next() {
		var b BalanceRecord
		var updatedAt int64
		if err := rows.Scan(&b.Asset, &b.Available, &b.Locked, &b.Total, &updatedAt); err != nil {
			return nil, err
		}
		b.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, b)
	}
	return out, rows.Err()
}
