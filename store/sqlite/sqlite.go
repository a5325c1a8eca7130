/*
Package sqlite provides a SQLite-backed implementation of the economy storage interfaces.

PURPOSE:
  Implements Ledger, LedgerAdmin, Catalog, Settings and CompensationStore
  using SQLite. store/postgres follows the same patterns with pgx.

INTERFACES IMPLEMENTED:
  economy.Ledger:            Ledger records with conditional update
  economy.LedgerAdmin:       Record creation
  economy.Catalog:           Product prices
  economy.Settings:          Conversion rate
  economy.CompensationStore: Pending compensation queue

CONDITIONAL UPDATE:
  Every ledger row carries a version column. ConditionalUpdate reads the row,
  evaluates the guard, applies the mutation to a copy and writes it back with

    UPDATE ledger_records SET ... WHERE user_id = ? AND version = ?

  Zero affected rows means another writer committed in between; the whole
  read-guard-write cycle is retried against the fresh row. The guard is
  therefore always evaluated against the state the write replaces.

KEY TABLES:
  ledger_records: One row per user (wallet, holdings, settlement markers)
  products:       Catalog prices
  settings:       Key/value settings (conversion rate)
  compensations:  Pending gift credits

DECIMALS:
  Money is stored as TEXT and parsed with shopspring/decimal. Never REAL.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/economy.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := economy.NewEngine(store, store, store, store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - economy/store.go: Interface definitions
  - economy/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/economy-engine/economy"
)

const (
	maxCASAttempts    = 16
	conversionRateKey = "beans_per_gold"

	// Fixed width so TEXT ordering matches time ordering.
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB

	// casMu serializes conditional updates within this process; the version
	// check still guards against other processes sharing the file.
	casMu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Ledger records (one row per user, updated by version CAS)
	CREATE TABLE IF NOT EXISTS ledger_records (
		user_id TEXT PRIMARY KEY,
		golds TEXT NOT NULL,
		beans TEXT NOT NULL,
		holdings_json TEXT NOT NULL DEFAULT '[]',
		settled_json TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Catalog
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		price TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Settings
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Pending compensations (debited gifts awaiting credit)
	CREATE TABLE IF NOT EXISTS compensations (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		gift_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		amount_beans TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_compensations_created
		ON compensations(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_compensations_receiver
		ON compensations(receiver_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER (economy.Ledger interface)
// =============================================================================

// Get returns the ledger record for a user.
func (s *Store) Get(ctx context.Context, userID economy.UserID) (economy.UserLedgerRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, golds, beans, holdings_json, settled_json, version
		FROM ledger_records WHERE user_id = ?`, userID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return economy.UserLedgerRecord{}, economy.ErrRecordNotFound
	}
	if err != nil {
		return economy.UserLedgerRecord{}, fmt.Errorf("failed to load ledger record: %w", err)
	}
	return rec, nil
}

// ConditionalUpdate applies mutate to the user's record iff guard holds.
func (s *Store) ConditionalUpdate(ctx context.Context, userID economy.UserID, guard economy.Guard, mutate economy.Mutation) (bool, error) {
	s.casMu.Lock()
	defer s.casMu.Unlock()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.Get(ctx, userID)
		if errors.Is(err, economy.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if !guard(current.Clone()) {
			return false, nil
		}

		next := current.Clone()
		mutate(&next)
		next.UserID = current.UserID
		if err := next.Validate(); err != nil {
			return false, err
		}

		holdingsJSON, settledJSON, err := encodeRecord(next)
		if err != nil {
			return false, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE ledger_records
			SET golds = ?, beans = ?, holdings_json = ?, settled_json = ?,
			    version = version + 1, updated_at = ?
			WHERE user_id = ? AND version = ?`,
			next.Wallet.Golds.String(), next.Wallet.Beans.String(), holdingsJSON, settledJSON,
			time.Now().UTC().Format(timeFormat),
			userID, current.Version,
		)
		if err != nil {
			return false, fmt.Errorf("failed to update ledger record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to update ledger record: %w", err)
		}
		if n == 1 {
			return true, nil
		}
	}
	return false, economy.ErrConcurrentModification
}

// CreateRecord inserts a new ledger record.
func (s *Store) CreateRecord(ctx context.Context, rec economy.UserLedgerRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	holdingsJSON, settledJSON, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeFormat)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger_records (user_id, golds, beans, holdings_json, settled_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		rec.UserID, rec.Wallet.Golds.String(), rec.Wallet.Beans.String(),
		holdingsJSON, settledJSON, now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return economy.ErrDuplicateRecord
		}
		return fmt.Errorf("failed to create ledger record: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (economy.UserLedgerRecord, error) {
	var (
		rec                       economy.UserLedgerRecord
		golds, beans              string
		holdingsJSON, settledJSON string
	)
	if err := row.Scan(&rec.UserID, &golds, &beans, &holdingsJSON, &settledJSON, &rec.Version); err != nil {
		return rec, err
	}

	var err error
	if rec.Wallet.Golds, err = decimal.NewFromString(golds); err != nil {
		return rec, fmt.Errorf("corrupt golds for %s: %w", rec.UserID, err)
	}
	if rec.Wallet.Beans, err = decimal.NewFromString(beans); err != nil {
		return rec, fmt.Errorf("corrupt beans for %s: %w", rec.UserID, err)
	}
	if err := json.Unmarshal([]byte(holdingsJSON), &rec.Holdings); err != nil {
		return rec, fmt.Errorf("corrupt holdings for %s: %w", rec.UserID, err)
	}
	if err := json.Unmarshal([]byte(settledJSON), &rec.Settled); err != nil {
		return rec, fmt.Errorf("corrupt settlements for %s: %w", rec.UserID, err)
	}
	return rec, nil
}

func encodeRecord(rec economy.UserLedgerRecord) (holdingsJSON, settledJSON string, err error) {
	holdings := rec.Holdings
	if holdings == nil {
		holdings = []economy.Holding{}
	}
	settled := rec.Settled
	if settled == nil {
		settled = []economy.Settlement{}
	}

	h, err := json.Marshal(holdings)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode holdings: %w", err)
	}
	st, err := json.Marshal(settled)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode settlements: %w", err)
	}
	return string(h), string(st), nil
}

// =============================================================================
// CATALOG & SETTINGS
// =============================================================================

// GetPrice returns a product's price.
func (s *Store) GetPrice(ctx context.Context, productID economy.ProductID) (decimal.Decimal, bool, error) {
	var price string
	err := s.db.QueryRowContext(ctx, "SELECT price FROM products WHERE id = ?", productID).Scan(&price)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to load price: %w", err)
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt price for %s: %w", productID, err)
	}
	return d, true, nil
}

// SetPrice creates or updates a product's price.
func (s *Store) SetPrice(ctx context.Context, productID economy.ProductID, price decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, price, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET price = excluded.price, updated_at = excluded.updated_at`,
		productID, price.String(), time.Now().UTC().Format(timeFormat),
	)
	return err
}

// GetConversionRate returns the active conversion rate.
func (s *Store) GetConversionRate(ctx context.Context) (economy.ConversionRate, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", conversionRateKey).Scan(&value)
	if err == sql.ErrNoRows {
		return economy.ConversionRate{}, false, nil
	}
	if err != nil {
		return economy.ConversionRate{}, false, fmt.Errorf("failed to load settings: %w", err)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return economy.ConversionRate{}, false, fmt.Errorf("corrupt conversion rate: %w", err)
	}
	return economy.ConversionRate{BeansPerGold: d}, true, nil
}

// SetConversionRate replaces the active conversion rate.
func (s *Store) SetConversionRate(ctx context.Context, rate economy.ConversionRate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		conversionRateKey, rate.BeansPerGold.String(), time.Now().UTC().Format(timeFormat),
	)
	return err
}

// =============================================================================
// COMPENSATIONS (economy.CompensationStore interface)
// =============================================================================

// SaveCompensation inserts or replaces a compensation.
func (s *Store) SaveCompensation(ctx context.Context, c economy.PendingCompensation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compensations
		(id, sender_id, receiver_id, gift_id, quantity, amount_beans, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error`,
		c.ID, c.SenderID, c.ReceiverID, c.GiftID, c.Quantity, c.AmountBeans.String(),
		c.Attempts, nullString(c.LastError), c.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to save compensation: %w", err)
	}
	return nil
}

// ListCompensations returns open compensations, oldest first.
func (s *Store) ListCompensations(ctx context.Context, limit int) ([]economy.PendingCompensation, error) {
	query := `
		SELECT id, sender_id, receiver_id, gift_id, quantity, amount_beans, attempts, last_error, created_at
		FROM compensations
		ORDER BY created_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query compensations: %w", err)
	}
	defer rows.Close()

	var result []economy.PendingCompensation
	for rows.Next() {
		var (
			c                 economy.PendingCompensation
			amount, createdAt string
			lastErr           sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.SenderID, &c.ReceiverID, &c.GiftID, &c.Quantity,
			&amount, &c.Attempts, &lastErr, &createdAt); err != nil {
			return nil, err
		}
		if c.AmountBeans, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount for compensation %s: %w", c.ID, err)
		}
		c.LastError = lastErr.String
		if c.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("corrupt created_at for compensation %s: %w", c.ID, err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// DeleteCompensation removes a compensation.
func (s *Store) DeleteCompensation(ctx context.Context, id economy.CompensationID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM compensations WHERE id = ?", id)
	return err
}

// MarkAttempt records a failed reconciliation attempt.
func (s *Store) MarkAttempt(ctx context.Context, id economy.CompensationID, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE compensations SET attempts = attempts + 1, last_error = ? WHERE id = ?",
		nullString(lastErr), id,
	)
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"compensations", "ledger_records", "products", "settings"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
