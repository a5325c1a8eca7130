/*
Package postgres provides a PostgreSQL-backed implementation of the economy storage interfaces.

PURPOSE:
  Same contract and schema shape as store/sqlite, on a pgx connection pool.
  Used when the service runs more than one replica against a shared database.

CONDITIONAL UPDATE:
  Optimistic version CAS, as in store/sqlite:

    UPDATE ledger_records SET ... WHERE user_id = $1 AND version = $2

  Zero affected rows means a concurrent writer won; the read-guard-write cycle
  is retried against the fresh row. No row locks are held between statements.

SEE ALSO:
  - store/sqlite: Single-node implementation
  - economy/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/economy-engine/economy"
)

const (
	maxCASAttempts    = 16
	conversionRateKey = "beans_per_gold"

	uniqueViolation = "23505"
)

// Store implements all storage interfaces on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS ledger_records (
		user_id TEXT PRIMARY KEY,
		golds TEXT NOT NULL,
		beans TEXT NOT NULL,
		holdings_json TEXT NOT NULL DEFAULT '[]',
		settled_json TEXT NOT NULL DEFAULT '[]',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		price TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS compensations (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		gift_id TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		amount_beans TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_compensations_created ON compensations(created_at, id);
	`)
	return err
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) Get(ctx context.Context, userID economy.UserID) (economy.UserLedgerRecord, error) {
	var (
		rec                       economy.UserLedgerRecord
		golds, beans              string
		holdingsJSON, settledJSON string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, golds, beans, holdings_json, settled_json, version
		FROM ledger_records WHERE user_id = $1`, string(userID),
	).Scan(&rec.UserID, &golds, &beans, &holdingsJSON, &settledJSON, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return economy.UserLedgerRecord{}, economy.ErrRecordNotFound
	}
	if err != nil {
		return economy.UserLedgerRecord{}, fmt.Errorf("failed to load ledger record: %w", err)
	}

	if rec.Wallet.Golds, err = decimal.NewFromString(golds); err != nil {
		return economy.UserLedgerRecord{}, fmt.Errorf("corrupt golds for %s: %w", userID, err)
	}
	if rec.Wallet.Beans, err = decimal.NewFromString(beans); err != nil {
		return economy.UserLedgerRecord{}, fmt.Errorf("corrupt beans for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(holdingsJSON), &rec.Holdings); err != nil {
		return economy.UserLedgerRecord{}, fmt.Errorf("corrupt holdings for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(settledJSON), &rec.Settled); err != nil {
		return economy.UserLedgerRecord{}, fmt.Errorf("corrupt settlements for %s: %w", userID, err)
	}
	return rec, nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, userID economy.UserID, guard economy.Guard, mutate economy.Mutation) (bool, error) {
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
		holdingsJSON, settledJSON, err := encodeCollections(next)
		if err != nil {
			return false, err
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE ledger_records
			SET golds = $1, beans = $2, holdings_json = $3, settled_json = $4,
			    version = version + 1, updated_at = NOW()
			WHERE user_id = $5 AND version = $6`,
			next.Wallet.Golds.String(), next.Wallet.Beans.String(), holdingsJSON, settledJSON,
			string(userID), current.Version,
		)
		if err != nil {
			return false, fmt.Errorf("failed to update ledger record: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return true, nil
		}
	}
	return false, economy.ErrConcurrentModification
}

func (s *Store) CreateRecord(ctx context.Context, rec economy.UserLedgerRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	holdingsJSON, settledJSON, err := encodeCollections(rec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ledger_records (user_id, golds, beans, holdings_json, settled_json, version)
		VALUES ($1, $2, $3, $4, $5, 1)`,
		string(rec.UserID), rec.Wallet.Golds.String(), rec.Wallet.Beans.String(), holdingsJSON, settledJSON,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return economy.ErrDuplicateRecord
	}
	if err != nil {
		return fmt.Errorf("failed to create ledger record: %w", err)
	}
	return nil
}

func encodeCollections(rec economy.UserLedgerRecord) (string, string, error) {
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

func (s *Store) GetPrice(ctx context.Context, productID economy.ProductID) (decimal.Decimal, bool, error) {
	var price string
	err := s.pool.QueryRow(ctx, "SELECT price FROM products WHERE id = $1", string(productID)).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *Store) SetPrice(ctx context.Context, productID economy.ProductID, price decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO products (id, price) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET price = EXCLUDED.price, updated_at = NOW()`,
		string(productID), price.String(),
	)
	return err
}

func (s *Store) GetConversionRate(ctx context.Context) (economy.ConversionRate, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, "SELECT value FROM settings WHERE key = $1", conversionRateKey).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *Store) SetConversionRate(ctx context.Context, rate economy.ConversionRate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		conversionRateKey, rate.BeansPerGold.String(),
	)
	return err
}

// =============================================================================
// COMPENSATIONS
// =============================================================================

func (s *Store) SaveCompensation(ctx context.Context, c economy.PendingCompensation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO compensations
		(id, sender_id, receiver_id, gift_id, quantity, amount_beans, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error`,
		string(c.ID), string(c.SenderID), string(c.ReceiverID), string(c.GiftID), c.Quantity,
		c.AmountBeans.String(), c.Attempts, c.LastError, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save compensation: %w", err)
	}
	return nil
}

func (s *Store) ListCompensations(ctx context.Context, limit int) ([]economy.PendingCompensation, error) {
	query := `
		SELECT id, sender_id, receiver_id, gift_id, quantity, amount_beans, attempts, last_error, created_at
		FROM compensations
		ORDER BY created_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query compensations: %w", err)
	}
	defer rows.Close()

	var result []economy.PendingCompensation
	for rows.Next() {
		var (
			c      economy.PendingCompensation
			amount string
		)
		if err := rows.Scan(&c.ID, &c.SenderID, &c.ReceiverID, &c.GiftID, &c.Quantity,
			&amount, &c.Attempts, &c.LastError, &c.CreatedAt); err != nil {
			return nil, err
		}
		if c.AmountBeans, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount for compensation %s: %w", c.ID, err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) DeleteCompensation(ctx context.Context, id economy.CompensationID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM compensations WHERE id = $1", string(id))
	return err
}

func (s *Store) MarkAttempt(ctx context.Context, id economy.CompensationID, lastErr string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE compensations SET attempts = attempts + 1, last_error = $1 WHERE id = $2",
		lastErr, string(id),
	)
	return err
}

// Reset clears all data. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE compensations, ledger_records, products, settings")
	return err
}
