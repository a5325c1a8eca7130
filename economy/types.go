/*
Package economy provides the transaction engine for the virtual economy.

PURPOSE:
  Moves value between a user's wallet, the user's product inventory, and
  another user's wallet. The persisted store only guarantees atomicity for a
  single user record, so every operation is expressed as one or more
  conditional updates ("update record R iff guard G holds") and the engine
  defines what happens when a multi-record operation is partially applied.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: golds (primary currency) and beans (secondary currency)
  - Holding: owned quantity of one product
  - UserLedgerRecord: the unit of atomicity (wallet + holdings)
  - PendingCompensation: a debit still waiting for its matching credit

DESIGN PRINCIPLES:
  1. Precision: balances use decimal.Decimal, beans are fractional
  2. One record per write: no operation needs a cross-record transaction
  3. Forward only: a committed debit is completed, never rolled back

SEE ALSO:
  - engine.go: Purchase, Gift, Convert
  - reconcile.go: Pending compensation reconciliation
  - store.go: Ledger, Catalog, Settings, CompensationStore interfaces
*/
package economy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type ProductID string
type CompensationID string

// =============================================================================
// WALLET & HOLDINGS
// =============================================================================

// Wallet holds a user's two balances. Both are non-negative at all times.
type Wallet struct {
	Golds decimal.Decimal
	Beans decimal.Decimal
}

// Settlement marks a compensation as credited into a record.
type Settlement struct {
	ID CompensationID `json:"id"`
	At time.Time      `json:"at"`
}

// Holding is the owned quantity of a single product.
type Holding struct {
	ProductID ProductID `json:"product_id"`
	Quantity  int64     `json:"quantity"`
}

// UserLedgerRecord is everything a single conditional update may touch.
type UserLedgerRecord struct {
	UserID   UserID
	Wallet   Wallet
	Holdings []Holding

	// Settled lists compensations already credited into this record.
	// Reconciliation checks it in the same guard that applies the credit.
	Settled []Settlement

	// Version is maintained by the store. Mutations must not change it.
	Version int64
}

// NewUserLedgerRecord creates an empty record with the given balances.
func NewUserLedgerRecord(id UserID, golds, beans decimal.Decimal) UserLedgerRecord {
	return UserLedgerRecord{
		UserID: id,
		Wallet: Wallet{Golds: golds, Beans: beans},
	}
}

// Holding returns the holding for productID, if any.
func (r UserLedgerRecord) Holding(productID ProductID) (Holding, bool) {
	for _, h := range r.Holdings {
		if h.ProductID == productID {
			return h, true
		}
	}
	return Holding{}, false
}

// QuantityOf returns the owned quantity of productID (zero if not held).
func (r UserLedgerRecord) QuantityOf(productID ProductID) int64 {
	h, _ := r.Holding(productID)
	return h.Quantity
}

// HasSettled reports whether compensation id was already credited here.
func (r UserLedgerRecord) HasSettled(id CompensationID) bool {
	for _, s := range r.Settled {
		if s.ID == id {
			return true
		}
	}
	return false
}

// AddHolding increments an existing holding or appends a new one.
func (r *UserLedgerRecord) AddHolding(productID ProductID, quantity int64) {
	for i := range r.Holdings {
		if r.Holdings[i].ProductID == productID {
			r.Holdings[i].Quantity += quantity
			return
		}
	}
	r.Holdings = append(r.Holdings, Holding{ProductID: productID, Quantity: quantity})
}

// PruneSettled drops settlement markers recorded before cutoff, keeping
// those for which keep reports true.
func (r *UserLedgerRecord) PruneSettled(cutoff time.Time, keep func(CompensationID) bool) {
	out := r.Settled[:0]
	for _, s := range r.Settled {
		if !s.At.Before(cutoff) || (keep != nil && keep(s.ID)) {
			out = append(out, s)
		}
	}
	r.Settled = out
}

// Clone returns a deep copy, so a mutation can never alias stored state.
func (r UserLedgerRecord) Clone() UserLedgerRecord {
	c := r
	c.Holdings = append([]Holding(nil), r.Holdings...)
	c.Settled = append([]Settlement(nil), r.Settled...)
	return c
}

// Validate checks the record invariants. Stores call it before every write.
func (r UserLedgerRecord) Validate() error {
	if r.Wallet.Golds.IsNegative() {
		return &InvariantError{UserID: r.UserID, Reason: fmt.Sprintf("negative golds %s", r.Wallet.Golds)}
	}
	if r.Wallet.Beans.IsNegative() {
		return &InvariantError{UserID: r.UserID, Reason: fmt.Sprintf("negative beans %s", r.Wallet.Beans)}
	}
	seen := make(map[ProductID]bool, len(r.Holdings))
	for _, h := range r.Holdings {
		if h.Quantity < 0 {
			return &InvariantError{UserID: r.UserID, Reason: fmt.Sprintf("negative quantity %d for %s", h.Quantity, h.ProductID)}
		}
		if seen[h.ProductID] {
			return &InvariantError{UserID: r.UserID, Reason: fmt.Sprintf("duplicate holding %s", h.ProductID)}
		}
		seen[h.ProductID] = true
	}
	return nil
}

// =============================================================================
// CATALOG & SETTINGS VALUES
// =============================================================================

// Product is owned by the catalog; the engine only reads its price.
type Product struct {
	ID    ProductID
	Price decimal.Decimal
}

// ConversionRate is the process-wide beans-per-gold factor.
// It is also the minimum quantity of beans that can be converted.
type ConversionRate struct {
	BeansPerGold decimal.Decimal
}

// =============================================================================
// PENDING COMPENSATION - Debit awaiting its credit
// =============================================================================

// PendingCompensation records a gift whose sender was debited but whose
// receiver has not been credited yet. It is deleted only after the credit
// is confirmed.
type PendingCompensation struct {
	ID          CompensationID
	SenderID    UserID
	ReceiverID  UserID
	GiftID      ProductID
	Quantity    int64
	AmountBeans decimal.Decimal
	CreatedAt   time.Time
	Attempts    int
	LastError   string
}
