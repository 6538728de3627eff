package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"pricewatch/internal/watchlist"
)

// SQLiteStore persists the watchlist and its alerts.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" works for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS instruments (
			symbol TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			display_symbol TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT '',
			date_added INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL REFERENCES instruments(symbol) ON DELETE CASCADE,
			price REAL NOT NULL,
			created_at INTEGER NOT NULL,
			triggered INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS alerts_symbol ON alerts(symbol, triggered);`,
	}
	for _, s := range schema {
		if _, err := db.Exec(s); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Load returns every instrument with its alerts, in insertion order.
func (s *SQLiteStore) Load(ctx context.Context) ([]watchlist.WatchedInstrument, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT symbol, description, display_symbol, type, date_added FROM instruments ORDER BY rowid ASC")
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []watchlist.WatchedInstrument
	index := map[string]int{}
	for rows.Next() {
		var w watchlist.WatchedInstrument
		var added int64
		if err := rows.Scan(&w.Symbol, &w.Description, &w.DisplaySymbol, &w.Type, &added); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		w.DateAdded = time.UnixMilli(added)
		index[w.Symbol] = len(out)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	arows, err := s.db.QueryContext(ctx,
		"SELECT symbol, price, created_at, triggered FROM alerts ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var sym string
		var a watchlist.Alert
		var created int64
		if err := arows.Scan(&sym, &a.Price, &created, &a.Triggered); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.CreatedAt = time.UnixMilli(created)
		if i, ok := index[sym]; ok {
			out[i].Alerts = append(out[i].Alerts, a)
		}
	}
	return out, arows.Err()
}

func (s *SQLiteStore) SaveInstrument(ctx context.Context, w watchlist.WatchedInstrument) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instruments (symbol, description, display_symbol, type, date_added) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET description=excluded.description, display_symbol=excluded.display_symbol, type=excluded.type`,
		w.Symbol, w.Description, w.DisplaySymbol, w.Type, w.DateAdded.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save instrument %s: %w", w.Symbol, err)
	}
	return nil
}

// DeleteInstrument removes the instrument and its alerts.
func (s *SQLiteStore) DeleteInstrument(ctx context.Context, symbol string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM alerts WHERE symbol = ?", symbol); err != nil {
		return fmt.Errorf("delete alerts %s: %w", symbol, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM instruments WHERE symbol = ?", symbol); err != nil {
		return fmt.Errorf("delete instrument %s: %w", symbol, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveAlert(ctx context.Context, symbol string, a watchlist.Alert) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO alerts (symbol, price, created_at, triggered) VALUES (?, ?, ?, ?)",
		symbol, a.Price, a.CreatedAt.UnixMilli(), boolToInt(a.Triggered),
	)
	if err != nil {
		return fmt.Errorf("save alert %s@%v: %w", symbol, a.Price, err)
	}
	return nil
}

// MarkTriggered flips the oldest untriggered alert on symbol at exactly price,
// matching the in-memory rule.
func (s *SQLiteStore) MarkTriggered(ctx context.Context, symbol string, price float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET triggered = 1 WHERE id = (
			SELECT id FROM alerts WHERE symbol = ? AND price = ? AND triggered = 0 ORDER BY id ASC LIMIT 1
		)`,
		symbol, price,
	)
	if err != nil {
		return fmt.Errorf("mark triggered %s@%v: %w", symbol, price, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
