package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/economy-engine/economy"
)

func seeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	rec := economy.NewUserLedgerRecord("alice", decimal.NewFromInt(10), decimal.Zero)
	require.NoError(t, m.CreateRecord(context.Background(), rec))
	return m
}

func TestMemory_ConditionalUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("applies when guard holds", func(t *testing.T) {
		m := seeded(t)
		ok, err := m.ConditionalUpdate(ctx, "alice", economy.Always, func(r *economy.UserLedgerRecord) {
			r.Wallet.Golds = r.Wallet.Golds.Sub(decimal.NewFromInt(4))
		})
		require.NoError(t, err)
		assert.True(t, ok)

		rec, err := m.Get(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, rec.Wallet.Golds.Equal(decimal.NewFromInt(6)))
		assert.Equal(t, int64(2), rec.Version)
	})

	t.Run("skips when guard fails", func(t *testing.T) {
		m := seeded(t)
		before, _ := m.Get(ctx, "alice")
		ok, err := m.ConditionalUpdate(ctx, "alice",
			func(economy.UserLedgerRecord) bool { return false },
			func(r *economy.UserLedgerRecord) { r.Wallet.Golds = decimal.Zero },
		)
		require.NoError(t, err)
		assert.False(t, ok)
		after, _ := m.Get(ctx, "alice")
		assert.Equal(t, before, after)
	})

	t.Run("missing record is no match", func(t *testing.T) {
		m := seeded(t)
		ok, err := m.ConditionalUpdate(ctx, "nobody", economy.Always, func(*economy.UserLedgerRecord) {})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rejects invariant violations", func(t *testing.T) {
		m := seeded(t)
		ok, err := m.ConditionalUpdate(ctx, "alice", economy.Always, func(r *economy.UserLedgerRecord) {
			r.Wallet.Golds = decimal.NewFromInt(-1)
		})
		assert.False(t, ok)
		assert.ErrorIs(t, err, economy.ErrInvariantViolation)
		rec, _ := m.Get(ctx, "alice")
		assert.True(t, rec.Wallet.Golds.Equal(decimal.NewFromInt(10)))
	})

	t.Run("mutation cannot alias stored state", func(t *testing.T) {
		m := seeded(t)
		var leaked *economy.UserLedgerRecord
		_, err := m.ConditionalUpdate(ctx, "alice", economy.Always, func(r *economy.UserLedgerRecord) {
			r.AddHolding("rose", 1)
			leaked = r
		})
		require.NoError(t, err)
		leaked.Holdings[0].Quantity = 99

		rec, _ := m.Get(ctx, "alice")
		assert.Equal(t, int64(1), rec.QuantityOf("rose"))
	})

	t.Run("cancelled context", func(t *testing.T) {
		m := seeded(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := m.ConditionalUpdate(cctx, "alice", economy.Always, func(*economy.UserLedgerRecord) {})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemory_ConcurrentIncrementsAreNotLost(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ConditionalUpdate(ctx, "alice", economy.Always, func(r *economy.UserLedgerRecord) {
				r.Wallet.Beans = r.Wallet.Beans.Add(decimal.NewFromInt(1))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := m.Get(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, rec.Wallet.Beans.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, int64(51), rec.Version)
}

func TestMemory_CreateRecord(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	err := m.CreateRecord(ctx, economy.NewUserLedgerRecord("alice", decimal.Zero, decimal.Zero))
	assert.ErrorIs(t, err, economy.ErrDuplicateRecord)

	err = m.CreateRecord(ctx, economy.NewUserLedgerRecord("bob", decimal.NewFromInt(-5), decimal.Zero))
	assert.ErrorIs(t, err, economy.ErrInvariantViolation)

	_, err = m.Get(ctx, "bob")
	assert.ErrorIs(t, err, economy.ErrRecordNotFound)
}

func TestMemory_Compensations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []economy.CompensationID{"b", "a", "c"} {
		require.NoError(t, m.SaveCompensation(ctx, economy.PendingCompensation{
			ID:        id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := m.ListCompensations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []economy.CompensationID{"b", "a", "c"}, []economy.CompensationID{all[0].ID, all[1].ID, all[2].ID})

	limited, err := m.ListCompensations(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, m.MarkAttempt(ctx, "a", "boom"))
	require.NoError(t, m.MarkAttempt(ctx, "a", "boom again"))
	require.NoError(t, m.MarkAttempt(ctx, "missing", "ignored"))
	all, _ = m.ListCompensations(ctx, 0)
	assert.Equal(t, 2, all[1].Attempts)
	assert.Equal(t, "boom again", all[1].LastError)

	require.NoError(t, m.DeleteCompensation(ctx, "a"))
	require.NoError(t, m.DeleteCompensation(ctx, "a"))
	all, _ = m.ListCompensations(ctx, 0)
	assert.Len(t, all, 2)
}

func TestMemory_CatalogAndSettings(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, found, err := m.GetConversionRate(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.SetConversionRate(ctx, economy.ConversionRate{BeansPerGold: decimal.NewFromInt(50)}))
	rate, found, err := m.GetConversionRate(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, rate.BeansPerGold.Equal(decimal.NewFromInt(50)))

	require.NoError(t, m.SetPrice(ctx, "rose", decimal.NewFromInt(10)))
	price, found, err := m.GetPrice(ctx, "rose")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, price.Equal(decimal.NewFromInt(10)))

	_, found, _ = m.GetPrice(ctx, "tulip")
	assert.False(t, found)
}
