// Package store provides in-process implementations of the economy storage interfaces.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/economy-engine/economy"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements Ledger, LedgerAdmin, Catalog, Settings and
// CompensationStore. ConditionalUpdate holds the write lock across guard,
// mutation and write, which makes every update atomic per record.
type Memory struct {
	mu            sync.RWMutex
	records       map[economy.UserID]economy.UserLedgerRecord
	prices        map[economy.ProductID]decimal.Decimal
	rate          *economy.ConversionRate
	compensations map[economy.CompensationID]economy.PendingCompensation
}

func NewMemory() *Memory {
	return &Memory{
		records:       make(map[economy.UserID]economy.UserLedgerRecord),
		prices:        make(map[economy.ProductID]decimal.Decimal),
		compensations: make(map[economy.CompensationID]economy.PendingCompensation),
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) Get(_ context.Context, userID economy.UserID) (economy.UserLedgerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[userID]
	if !ok {
		return economy.UserLedgerRecord{}, economy.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) ConditionalUpdate(ctx context.Context, userID economy.UserID, guard economy.Guard, mutate economy.Mutation) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[userID]
	if !ok || !guard(rec.Clone()) {
		return false, nil
	}

	next := rec.Clone()
	mutate(&next)
	next.UserID = rec.UserID
	if err := next.Validate(); err != nil {
		return false, err
	}
	stored := next.Clone()
	stored.Version = rec.Version + 1
	m.records[userID] = stored
	return true, nil
}

// CreateRecord inserts a new record. Existing records are never overwritten.
func (m *Memory) CreateRecord(_ context.Context, rec economy.UserLedgerRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.UserID]; exists {
		return economy.ErrDuplicateRecord
	}
	rec = rec.Clone()
	rec.Version = 1
	m.records[rec.UserID] = rec
	return nil
}

// =============================================================================
// CATALOG & SETTINGS
// =============================================================================

func (m *Memory) GetPrice(_ context.Context, productID economy.ProductID) (decimal.Decimal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	price, ok := m.prices[productID]
	return price, ok, nil
}

func (m *Memory) SetPrice(_ context.Context, productID economy.ProductID, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[productID] = price
	return nil
}

func (m *Memory) GetConversionRate(_ context.Context) (economy.ConversionRate, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.rate == nil {
		return economy.ConversionRate{}, false, nil
	}
	return *m.rate, true, nil
}

func (m *Memory) SetConversionRate(_ context.Context, rate economy.ConversionRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rate = &rate
	return nil
}

// =============================================================================
// COMPENSATIONS
// =============================================================================

func (m *Memory) SaveCompensation(_ context.Context, c economy.PendingCompensation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensations[c.ID] = c
	return nil
}

func (m *Memory) ListCompensations(_ context.Context, limit int) ([]economy.PendingCompensation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]economy.PendingCompensation, 0, len(m.compensations))
	for _, c := range m.compensations {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) DeleteCompensation(_ context.Context, id economy.CompensationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.compensations, id)
	return nil
}

func (m *Memory) MarkAttempt(_ context.Context, id economy.CompensationID, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.compensations[id]
	if !ok {
		return nil
	}
	c.Attempts++
	c.LastError = lastErr
	m.compensations[id] = c
	return nil
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[economy.UserID]economy.UserLedgerRecord)
	m.prices = make(map[economy.ProductID]decimal.Decimal)
	m.rate = nil
	m.compensations = make(map[economy.CompensationID]economy.PendingCompensation)
	return nil
}
