// Package store persists quotes, orders, fills, balances, positions and
// outbox events in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/deltabot/godelta/pkg/sigchan"
)

// Store owns the database handle and exposes one repository per entity.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	Quotes    *QuoteRepo
	Orders    *OrderRepo
	Fills     *FillRepo
	Positions *PositionRepo
	Balances  *BalanceRepo
	Outbox    *OutboxRepo
	Sessions  *SessionRepo
}

// Open opens (creating if needed) the database at path, applies pragmas
// and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent repo calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: logrus.WithField("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	// One wake channel shared by every repo that writes outbox rows, so
	// the outbox worker picks new events up immediately.
	wake := sigchan.New(1)
	s.Quotes = &QuoteRepo{db: db}
	s.Orders = &OrderRepo{db: db, wake: wake}
	s.Fills = &FillRepo{db: db, wake: wake}
	s.Positions = &PositionRepo{db: db}
	s.Balances = &BalanceRepo{db: db}
	s.Outbox = &OutboxRepo{db: db, wake: wake}
	s.Sessions = &SessionRepo{db: db}

	s.log.Infof("database ready at %s", path)
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS quotes (
  quote_id TEXT PRIMARY KEY,
  symbol_src TEXT NOT NULL,
  symbol_dst TEXT NOT NULL,
  source_bid_price REAL NOT NULL,
  source_bid_qty REAL NOT NULL,
  source_ask_price REAL NOT NULL,
  source_ask_qty REAL NOT NULL,
  bid_price REAL,
  bid_qty REAL,
  ask_price REAL,
  ask_qty REAL,
  spread_bps REAL,
  layers_json TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'generated',
  created_at INTEGER NOT NULL,
  expires_at INTEGER
);`,
		`CREATE INDEX IF NOT EXISTS idx_quotes_symbol_created ON quotes(symbol_dst, created_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS orders (
  order_id TEXT PRIMARY KEY,
  quote_id TEXT REFERENCES quotes(quote_id),
  external_order_id TEXT,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  order_type TEXT NOT NULL,
  price REAL,
  quantity REAL NOT NULL,
  filled_quantity REAL NOT NULL DEFAULT 0,
  avg_fill_price REAL,
  status TEXT NOT NULL DEFAULT 'pending',
  tx_hash TEXT,
  error_message TEXT,
  created_at INTEGER NOT NULL,
  submitted_at INTEGER,
  updated_at INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_external ON orders(external_order_id);`,
		`
CREATE TABLE IF NOT EXISTS fills (
  fill_id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  trade_id TEXT,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  price REAL NOT NULL,
  quantity REAL NOT NULL,
  commission REAL NOT NULL DEFAULT 0,
  commission_asset TEXT,
  is_maker INTEGER NOT NULL DEFAULT 1,
  executed_at INTEGER NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_trade ON fills(trade_id) WHERE trade_id IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id, executed_at);`,
		`
CREATE TABLE IF NOT EXISTS positions (
  symbol TEXT PRIMARY KEY,
  quantity REAL NOT NULL,
  avg_entry_price REAL NOT NULL,
  realized_pnl REAL NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS account_balances (
  asset TEXT PRIMARY KEY,
  available REAL NOT NULL,
  locked REAL NOT NULL,
  total REAL NOT NULL,
  updated_at INTEGER NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS outbox (
  event_id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 5,
  error_message TEXT,
  created_at INTEGER NOT NULL,
  next_retry_at INTEGER,
  processed_at INTEGER
);`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox(status, created_at);`,
		`
CREATE TABLE IF NOT EXISTS trading_sessions (
  session_id TEXT PRIMARY KEY,
  started_at INTEGER NOT NULL,
  ended_at INTEGER,
  config_snapshot TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  error_message TEXT
);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
