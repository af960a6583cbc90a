// Package sqlite persists the daily instrument master dump locally. The dump
// is a few hundred thousand rows refreshed once per trading day; keeping it
// in SQLite lets the resolver query contracts by underlying and expiry
// without re-downloading the master on every start.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"optionstream/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the catalogue store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/instruments.db"
}

// Catalogue is a SQLite-backed model.Catalogue.
type Catalogue struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (c *Catalogue) DB() *sql.DB { return c.db }

// Open opens (or creates) the catalogue database with WAL mode and schema.
func Open(cfg Config) (*Catalogue, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened instrument catalogue at %s", cfg.DBPath)
	return &Catalogue{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			token           INTEGER NOT NULL,
			exchange_token  TEXT    NOT NULL,
			exchange        TEXT    NOT NULL,
			trading_symbol  TEXT    NOT NULL,
			name            TEXT    NOT NULL,
			expiry          TEXT    NOT NULL,
			strike_price    REAL    NOT NULL,
			tick_size       REAL    NOT NULL,
			lot_size        INTEGER NOT NULL,
			instrument_type TEXT    NOT NULL,
			segment         TEXT    NOT NULL,
			PRIMARY KEY (token)
		);
		CREATE INDEX IF NOT EXISTS idx_instruments_lookup
			ON instruments (exchange, name, expiry);

		CREATE TABLE IF NOT EXISTS catalogue_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// ReplaceAll swaps in a fresh instrument dump in one transaction and records
// the refresh time. The previous day's rows are dropped wholesale.
func (c *Catalogue) ReplaceAll(ctx context.Context, instruments []model.OptionInstrument, fetchedAt time.Time) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM instruments`); err != nil {
		tx.Rollback()
		return fmt.Errorf("clear instruments: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO instruments
			(token, exchange_token, exchange, trading_symbol, name, expiry,
			 strike_price, tick_size, lot_size, instrument_type, segment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, in := range instruments {
		_, err := stmt.Exec(in.Token, in.ExchangeToken, in.Exchange, in.TradingSymbol,
			in.Name, in.Expiry, in.StrikePrice, in.TickSize, in.LotSize,
			in.InstrumentType, in.Segment)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("insert instrument %d: %w", in.Token, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO catalogue_meta (key, value) VALUES ('last_refresh', ?)`,
		fetchedAt.Format(time.RFC3339),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record refresh time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[sqlite] replaced instrument catalogue: %d rows", len(instruments))
	return nil
}

// Options returns every option contract of the underlying key at the expiry,
// strike-sorted with CE before PE. Errors with model.ResolutionError when the
// underlying or expiry is unknown.
func (c *Catalogue) Options(ctx context.Context, symbolKey, expiry string) ([]model.OptionInstrument, error) {
	exchange, name, err := model.ParseSymbolKey(symbolKey)
	if err != nil {
		return nil, &model.ResolutionError{Symbol: symbolKey, Reason: err.Error()}
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT token, exchange_token, exchange, trading_symbol, name, expiry,
		       strike_price, tick_size, lot_size, instrument_type, segment
		FROM instruments
		WHERE exchange = ? AND name = ? AND expiry = ?
		  AND instrument_type IN ('CE', 'PE')
		ORDER BY strike_price ASC,
		         CASE instrument_type WHEN 'CE' THEN 0 ELSE 1 END ASC
	`, exchange, name, expiry)
	if err != nil {
		return nil, fmt.Errorf("query instruments %s @ %s: %w", symbolKey, expiry, err)
	}
	defer rows.Close()

	var out []model.OptionInstrument
	for rows.Next() {
		var in model.OptionInstrument
		if err := rows.Scan(&in.Token, &in.ExchangeToken, &in.Exchange, &in.TradingSymbol,
			&in.Name, &in.Expiry, &in.StrikePrice, &in.TickSize, &in.LotSize,
			&in.InstrumentType, &in.Segment); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		known, err := c.knownUnderlying(ctx, exchange, name)
		if err != nil {
			return nil, err
		}
		reason := "no option contracts at expiry"
		if !known {
			reason = "unknown underlying symbol"
		}
		return nil, &model.ResolutionError{Symbol: symbolKey, Expiry: expiry, Reason: reason}
	}
	return out, nil
}

func (c *Catalogue) knownUnderlying(ctx context.Context, exchange, name string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM instruments WHERE exchange = ? AND name = ?`,
		exchange, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count instruments %s:%s: %w", exchange, name, err)
	}
	return n > 0, nil
}

// Expiries lists the distinct expiry dates known for an underlying key.
// Used for validation error messages and the sync CLI.
func (c *Catalogue) Expiries(ctx context.Context, symbolKey string) ([]string, error) {
	exchange, name, err := model.ParseSymbolKey(symbolKey)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT expiry FROM instruments WHERE exchange = ? AND name = ? ORDER BY expiry`,
		exchange, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastRefresh reports when the catalogue was last replaced. Zero time when
// it has never been synced.
func (c *Catalogue) LastRefresh(ctx context.Context) (time.Time, error) {
	var value string
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM catalogue_meta WHERE key = 'last_refresh'`,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, value)
}

// Close closes the database.
func (c *Catalogue) Close() error {
	return c.db.Close()
}
