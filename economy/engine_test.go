package economy_test

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/economy/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fixture: users alice (100 golds) and bob (0), rose at 10 golds, 5 beans per gold.
func newFixture(t *testing.T) (*store.Memory, *economy.Engine) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.CreateRecord(ctx, economy.NewUserLedgerRecord("alice", d("100"), d("0"))))
	require.NoError(t, mem.CreateRecord(ctx, economy.NewUserLedgerRecord("bob", d("0"), d("0"))))
	require.NoError(t, mem.SetPrice(ctx, "rose", d("10")))
	require.NoError(t, mem.SetConversionRate(ctx, economy.ConversionRate{BeansPerGold: d("5")}))

	e := economy.NewEngine(mem, mem, mem, mem)
	e.Log = quietLogger()
	return mem, e
}

func record(t *testing.T, l economy.Ledger, id economy.UserID) economy.UserLedgerRecord {
	t.Helper()
	rec, err := l.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got)
}

// flakyLedger fails ConditionalUpdate for one user while failures > 0.
type flakyLedger struct {
	economy.Ledger
	user     economy.UserID
	failures atomic.Int32
}

func (f *flakyLedger) ConditionalUpdate(ctx context.Context, id economy.UserID, g economy.Guard, m economy.Mutation) (bool, error) {
	if id == f.user && f.failures.Add(-1) >= 0 {
		return false, errors.New("connection reset")
	}
	return f.Ledger.ConditionalUpdate(ctx, id, g, m)
}

// cancellingLedger cancels the caller's context right after the sender's update commits.
type cancellingLedger struct {
	economy.Ledger
	sender economy.UserID
	cancel context.CancelFunc
}

func (c *cancellingLedger) ConditionalUpdate(ctx context.Context, id economy.UserID, g economy.Guard, m economy.Mutation) (bool, error) {
	ok, err := c.Ledger.ConditionalUpdate(ctx, id, g, m)
	if id == c.sender {
		c.cancel()
	}
	return ok, err
}

type mockCatalog struct{ mock.Mock }

func (m *mockCatalog) GetPrice(ctx context.Context, id economy.ProductID) (decimal.Decimal, bool, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(decimal.Decimal), args.Bool(1), args.Error(2)
}

type mockSettings struct{ mock.Mock }

func (m *mockSettings) GetConversionRate(ctx context.Context) (economy.ConversionRate, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(economy.ConversionRate), args.Bool(1), args.Error(2)
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchase_DeductsGoldsAndAddsHolding(t *testing.T) {
	// GIVEN: alice has 100 golds, rose costs 10
	mem, e := newFixture(t)

	// WHEN: Buying 5 roses
	out, err := e.Purchase(context.Background(), "alice", "rose", 5)

	// THEN: 50 golds remain and she holds 5 roses
	require.NoError(t, err)
	assertDecimal(t, "50", out.Total)
	rec := record(t, mem, "alice")
	assertDecimal(t, "50", rec.Wallet.Golds)
	assertDecimal(t, "0", rec.Wallet.Beans)
	assert.Equal(t, []economy.Holding{{ProductID: "rose", Quantity: 5}}, rec.Holdings)
}

func TestPurchase_IncrementsExistingHolding(t *testing.T) {
	mem, e := newFixture(t)
	ctx := context.Background()

	_, err := e.Purchase(ctx, "alice", "rose", 2)
	require.NoError(t, err)
	_, err = e.Purchase(ctx, "alice", "rose", 3)
	require.NoError(t, err)

	rec := record(t, mem, "alice")
	assertDecimal(t, "50", rec.Wallet.Golds)
	assert.Equal(t, []economy.Holding{{ProductID: "rose", Quantity: 5}}, rec.Holdings)
}

func TestPurchase_InsufficientFundsLeavesRecordUnchanged(t *testing.T) {
	// GIVEN: A buyer with 40 golds
	mem, e := newFixture(t)
	ctx := context.Background()
	require.NoError(t, mem.CreateRecord(ctx, economy.NewUserLedgerRecord("carol", d("40"), d("0"))))
	before := record(t, mem, "carol")

	// WHEN: Buying 5 roses at 10 (needs 50)
	_, err := e.Purchase(ctx, "carol", "rose", 5)

	// THEN: InsufficientFunds and nothing changed
	require.ErrorIs(t, err, economy.ErrInsufficientFunds)
	var funds *economy.InsufficientFundsError
	require.ErrorAs(t, err, &funds)
	assert.Equal(t, "50", funds.Required)
	assert.True(t, economy.IsClientError(err))
	assert.Equal(t, before, record(t, mem, "carol"))
}

func TestPurchase_HoldingOverflowIsInvalidQuantity(t *testing.T) {
	// GIVEN: A buyer already holding almost MaxInt64 roses
	mem, e := newFixture(t)
	ctx := context.Background()
	require.NoError(t, mem.CreateRecord(ctx, economy.UserLedgerRecord{
		UserID:   "hoarder",
		Wallet:   economy.Wallet{Golds: d("100"), Beans: d("0")},
		Holdings: []economy.Holding{{ProductID: "rose", Quantity: math.MaxInt64 - 1}},
	}))
	before := record(t, mem, "hoarder")

	// WHEN: Buying 2 more
	_, err := e.Purchase(ctx, "hoarder", "rose", 2)

	// THEN: A client error, not a retryable store failure, and nothing changed
	require.ErrorIs(t, err, economy.ErrInvalidQuantity)
	assert.True(t, economy.IsClientError(err))
	assert.False(t, economy.IsRetryable(err))
	assert.Equal(t, before, record(t, mem, "hoarder"))
}

func TestPurchase_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		buyer    economy.UserID
		product  economy.ProductID
		quantity int64
		wantErr  error
	}{
		{"zero quantity", "alice", "rose", 0, economy.ErrInvalidQuantity},
		{"negative quantity", "alice", "rose", -3, economy.ErrInvalidQuantity},
		{"unknown product", "alice", "tulip", 1, economy.ErrNotFound},
		{"unknown buyer", "mallory", "rose", 1, economy.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, e := newFixture(t)
			before := record(t, mem, "alice")

			_, err := e.Purchase(context.Background(), tt.buyer, tt.product, tt.quantity)

			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, before, record(t, mem, "alice"))
		})
	}
}

func TestPurchase_ConcurrentPurchasesNeverOverdraw(t *testing.T) {
	// GIVEN: 100 golds, enough for exactly 10 roses
	mem, e := newFixture(t)

	// WHEN: 25 goroutines each buy one rose
	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Purchase(context.Background(), "alice", "rose", 1)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, economy.ErrInsufficientFunds):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly 10 succeed and golds end at zero
	assert.Equal(t, int32(10), succeeded.Load())
	assert.Equal(t, int32(15), rejected.Load())
	rec := record(t, mem, "alice")
	assertDecimal(t, "0", rec.Wallet.Golds)
	assert.Equal(t, int64(10), rec.QuantityOf("rose"))
}

// =============================================================================
// GIFT
// =============================================================================

func TestGift_CreditsReceiver(t *testing.T) {
	// GIVEN: alice holds 3 roses (10 golds each, 5 beans per gold)
	mem, e := newFixture(t)
	ctx := context.Background()
	_, err := e.Purchase(ctx, "alice", "rose", 3)
	require.NoError(t, err)

	// WHEN: Gifting 2 roses to bob
	out, err := e.Gift(ctx, "alice", "bob", "rose", 2)

	// THEN: alice keeps 1 rose, bob gets 10*2/5 = 4 beans, nothing pending
	require.NoError(t, err)
	assert.Equal(t, economy.GiftCredited, out.Status)
	assertDecimal(t, "4", out.AmountBeans)
	assert.Equal(t, int64(1), record(t, mem, "alice").QuantityOf("rose"))
	assertDecimal(t, "4", record(t, mem, "bob").Wallet.Beans)

	pending, err := mem.ListCompensations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGift_DebitedToZeroKeepsHolding(t *testing.T) {
	mem, e := newFixture(t)
	ctx := context.Background()
	_, err := e.Purchase(ctx, "alice", "rose", 1)
	require.NoError(t, err)

	_, err = e.Gift(ctx, "alice", "bob", "rose", 1)
	require.NoError(t, err)

	h, ok := record(t, mem, "alice").Holding("rose")
	require.True(t, ok)
	assert.Equal(t, int64(0), h.Quantity)
}

func TestGift_InsufficientQuantityChangesNothing(t *testing.T) {
	mem, e := newFixture(t)
	ctx := context.Background()
	_, err := e.Purchase(ctx, "alice", "rose", 1)
	require.NoError(t, err)
	alice, bob := record(t, mem, "alice"), record(t, mem, "bob")

	_, err = e.Gift(ctx, "alice", "bob", "rose", 2)

	require.ErrorIs(t, err, economy.ErrInsufficientProductQuantity)
	assert.Equal(t, alice, record(t, mem, "alice"))
	assert.Equal(t, bob, record(t, mem, "bob"))
}

func TestGift_MissingReceiverOpensCompensation(t *testing.T) {
	// GIVEN: alice holds 2 roses and the receiver has no record
	mem, e := newFixture(t)
	ctx := context.Background()
	_, err := e.Purchase(ctx, "alice", "rose", 2)
	require.NoError(t, err)

	// WHEN: Gifting to the missing receiver
	out, err := e.Gift(ctx, "alice", "dave", "rose", 2)

	// THEN: The debit stands and the credit is queued
	require.NoError(t, err)
	assert.Equal(t, economy.GiftPending, out.Status)
	require.NotNil(t, out.Compensation)
	assert.ErrorIs(t, out.Fault, economy.ErrIntegrityFault)
	assert.Equal(t, int64(0), record(t, mem, "alice").QuantityOf("rose"))

	pending, err := mem.ListCompensations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, out.Compensation.ID, pending[0].ID)
	assert.Equal(t, economy.UserID("dave"), pending[0].ReceiverID)
	assertDecimal(t, "4", pending[0].AmountBeans)
}

func TestGift_StoreFailureOnCreditOpensCompensation(t *testing.T) {
	mem, e := newFixture(t)
	ctx := context.Background()
	_, err := e.Purchase(ctx, "alice", "rose", 1)
	require.NoError(t, err)

	flaky := &flakyLedger{Ledger: mem, user: "bob"}
	flaky.failures.Store(1)
	e.Ledger = flaky

	out, err := e.Gift(ctx, "alice", "bob", "rose", 1)

	require.NoError(t, err)
	assert.Equal(t, economy.GiftPending, out.Status)
	assert.ErrorIs(t, out.Fault, economy.ErrStore)
	assertDecimal(t, "0", record(t, mem, "bob").Wallet.Beans)
}

func TestGift_CreditSurvivesCallerCancellation(t *testing.T) {
	// GIVEN: A caller that goes away as soon as the debit commits
	mem, e := newFixture(t)
	_, err := e.Purchase(context.Background(), "alice", "rose", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Ledger = &cancellingLedger{Ledger: mem, sender: "alice", cancel: cancel}

	// WHEN: Gifting
	out, err := e.Gift(ctx, "alice", "bob", "rose", 1)

	// THEN: The credit still completes
	require.NoError(t, err)
	assert.Equal(t, economy.GiftCredited, out.Status)
	assertDecimal(t, "2", record(t, mem, "bob").Wallet.Beans)
}

func TestGift_UnrecordedCompensationIsReported(t *testing.T) {
	_, e := newFixture(t)
	ctx := context.Background()
	_, err := e.Purchase(ctx, "alice", "rose", 1)
	require.NoError(t, err)
	e.Compensations = failingCompensations{}

	_, err = e.Gift(ctx, "alice", "dave", "rose", 1)

	var unrecorded *economy.CompensationUnrecordedError
	require.ErrorAs(t, err, &unrecorded)
	assert.Equal(t, economy.UserID("dave"), unrecorded.Compensation.ReceiverID)
	assert.True(t, economy.IsRetryable(err))
}

func TestGift_LookupFailuresTouchNoRecord(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *mockCatalog, s *mockSettings)
		wantErr error
	}{
		{
			name: "unknown gift",
			setup: func(c *mockCatalog, s *mockSettings) {
				c.On("GetPrice", mock.Anything, economy.ProductID("rose")).Return(decimal.Zero, false, nil)
				s.On("GetConversionRate", mock.Anything).Return(economy.ConversionRate{BeansPerGold: d("5")}, true, nil)
			},
			wantErr: economy.ErrNotFound,
		},
		{
			name: "no conversion rate",
			setup: func(c *mockCatalog, s *mockSettings) {
				c.On("GetPrice", mock.Anything, economy.ProductID("rose")).Return(d("10"), true, nil)
				s.On("GetConversionRate", mock.Anything).Return(economy.ConversionRate{}, false, nil)
			},
			wantErr: economy.ErrNotFound,
		},
		{
			name: "settings unavailable",
			setup: func(c *mockCatalog, s *mockSettings) {
				c.On("GetPrice", mock.Anything, economy.ProductID("rose")).Return(d("10"), true, nil)
				s.On("GetConversionRate", mock.Anything).Return(economy.ConversionRate{}, false, errors.New("timeout"))
			},
			wantErr: economy.ErrStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, e := newFixture(t)
			ctx := context.Background()
			_, err := e.Purchase(ctx, "alice", "rose", 1)
			require.NoError(t, err)
			alice := record(t, mem, "alice")

			catalog, settings := &mockCatalog{}, &mockSettings{}
			tt.setup(catalog, settings)
			e.Catalog, e.Settings = catalog, settings

			_, err = e.Gift(ctx, "alice", "bob", "rose", 1)

			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, alice, record(t, mem, "alice"))
			catalog.AssertExpectations(t)
			settings.AssertExpectations(t)
		})
	}
}

// =============================================================================
// CONVERT
// =============================================================================

func TestConvert(t *testing.T) {
	tests := []struct {
		name      string
		beans     string
		quantity  string
		wantErr   error
		wantBeans string
		wantGolds string
	}{
		{"converts at rate", "150", "100", nil, "50", "2"},
		{"fractional result", "75", "75", nil, "0", "1.5"},
		{"below minimum", "150", "30", economy.ErrInvalidQuantity, "150", "0"},
		{"below minimum without beans", "0", "30", economy.ErrInvalidQuantity, "0", "0"},
		{"insufficient beans", "60", "100", economy.ErrInsufficientBalance, "60", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: 50 beans per gold
			mem, e := newFixture(t)
			ctx := context.Background()
			require.NoError(t, mem.SetConversionRate(ctx, economy.ConversionRate{BeansPerGold: d("50")}))
			require.NoError(t, mem.CreateRecord(ctx, economy.NewUserLedgerRecord("erin", d("0"), d(tt.beans))))
			before := record(t, mem, "erin")

			// WHEN
			out, err := e.Convert(ctx, "erin", d(tt.quantity))

			// THEN
			rec := record(t, mem, "erin")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, before, rec)
				return
			}
			require.NoError(t, err)
			assertDecimal(t, tt.wantGolds, out.Golds)
			assertDecimal(t, tt.wantBeans, rec.Wallet.Beans)
			assertDecimal(t, tt.wantGolds, rec.Wallet.Golds)
		})
	}
}

func TestConvert_MissingRate(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.CreateRecord(ctx, economy.NewUserLedgerRecord("erin", d("0"), d("500"))))
	e := economy.NewEngine(mem, mem, mem, mem)
	e.Log = quietLogger()

	_, err := e.Convert(ctx, "erin", d("100"))

	var nf *economy.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, economy.NotFoundSettings, nf.Kind)
}
