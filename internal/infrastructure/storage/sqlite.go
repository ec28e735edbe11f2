package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_virtual_grid/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			position_id TEXT NOT NULL,
			level_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			closed_size REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			gross_pnl REAL NOT NULL,
			fees REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			reason TEXT NOT NULL,
			fully_closed BOOLEAN NOT NULL DEFAULT 0,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_closed ON trades(symbol, closed_at);`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			signal_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			strength REAL NOT NULL,
			urgency TEXT NOT NULL,
			type TEXT NOT NULL,
			signal_price REAL NOT NULL,
			signal_time DATETIME NOT NULL,
			action TEXT NOT NULL,
			reason TEXT NOT NULL,
			trade_id TEXT NOT NULL DEFAULT '',
			executed_price REAL NOT NULL DEFAULT 0,
			executed_size REAL NOT NULL DEFAULT 0,
			fees REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_symbol_created ON executions(symbol, created_at);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	return nil
}

// TradeRepository Implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.TradeRecord) error {
	query := `INSERT INTO trades (id, position_id, level_id, symbol, side, closed_size, entry_price, exit_price, gross_pnl, fees, realized_pnl, reason, fully_closed, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.PositionID, t.LevelID, t.Symbol, string(t.Side), t.ClosedSize, t.EntryPrice, t.ExitPrice,
		t.GrossPnL, t.Fees, t.RealizedPnL, t.Reason, t.FullyClosed, t.ClosedAt.UTC())
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns the newest trades first. An empty symbol lists all.
func (s *SQLiteStore) ListTrades(ctx context.Context, symbol string, limit int) ([]*domain.TradeRecord, error) {
	query := `SELECT id, position_id, level_id, symbol, side, closed_size, entry_price, exit_price, gross_pnl, fees, realized_pnl, reason, fully_closed, closed_at
			  FROM trades WHERE (? = '' OR symbol = ?) ORDER BY closed_at DESC, rowid DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, symbol, symbol, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.TradeRecord
	for rows.Next() {
		var t domain.TradeRecord
		var side string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.LevelID, &t.Symbol, &side, &t.ClosedSize, &t.EntryPrice, &t.ExitPrice,
			&t.GrossPnL, &t.Fees, &t.RealizedPnL, &t.Reason, &t.FullyClosed, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	query := `INSERT INTO executions (id, symbol, signal_id, direction, strength, urgency, type, signal_price, signal_time, action, reason, trade_id, executed_price, executed_size, fees, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sig := rec.Signal
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, sig.Symbol, sig.ID, string(sig.Direction), sig.Strength, string(sig.Urgency), string(sig.Type), sig.Price, sig.Timestamp.UTC(),
		string(rec.Action), rec.Reason, rec.TradeID, rec.ExecutedPrice, rec.ExecutedSize, rec.Fees, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save execution %s: %w", rec.ID, err)
	}
	return nil
}

// ListExecutions returns the newest executions first. An empty symbol lists all.
func (s *SQLiteStore) ListExecutions(ctx context.Context, symbol string, limit int) ([]*domain.ExecutionRecord, error) {
	query := `SELECT id, symbol, signal_id, direction, strength, urgency, type, signal_price, signal_time, action, reason, trade_id, executed_price, executed_size, fees, created_at
			  FROM executions WHERE (? = '' OR symbol = ?) ORDER BY created_at DESC, rowid DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, symbol, symbol, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*domain.ExecutionRecord
	for rows.Next() {
		var r domain.ExecutionRecord
		var direction, urgency, typ, action string
		if err := rows.Scan(&r.ID, &r.Signal.Symbol, &r.Signal.ID, &direction, &r.Signal.Strength, &urgency, &typ, &r.Signal.Price, &r.Signal.Timestamp,
			&action, &r.Reason, &r.TradeID, &r.ExecutedPrice, &r.ExecutedSize, &r.Fees, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Signal.Direction = domain.Direction(direction)
		r.Signal.Urgency = domain.Urgency(urgency)
		r.Signal.Type = domain.SignalType(typ)
		r.Action = domain.Action(action)
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
