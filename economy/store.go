/*
store.go - Interfaces the engine consumes

PURPOSE:
  Defines the boundary between the engine and its collaborators. The engine
  never reads a value and writes it back later: every mutation goes through
  Ledger.ConditionalUpdate, which evaluates the guard and applies the
  mutation as one atomic step on one record.

KEY INTERFACES:
  Ledger:            Per-user wallet + holdings records (CAS primitive)
  Catalog:           Read-only product prices
  Settings:          Read-only conversion rate
  CompensationStore: Durable queue of pending gift credits
  EventPublisher:    Best-effort domain events

CONDITIONAL UPDATE CONTRACT:
  ConditionalUpdate(ctx, id, guard, mutate) must be linearizable with every
  other update of the same record:
    - guard sees the exact state that mutate will replace
    - matched=false, err=nil when the record is missing or guard is false
    - nothing is written when mutate breaks an invariant (ErrInvariantViolation)
  Implementations: memory (mutex), sqlite and postgres (version column CAS).

IMPLEMENTATIONS:
  - economy/store/memory.go: In-memory for testing/dev
  - store/sqlite/sqlite.go:   SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx
  - remote/, cache/:          Catalog/Settings over HTTP and Redis

SEE ALSO:
  - engine.go: Uses these interfaces
*/
package economy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER - Single-record compare-and-swap
// =============================================================================

// Guard is evaluated against the current record inside the atomic step.
type Guard func(rec UserLedgerRecord) bool

// Mutation edits a private copy of the record; the store persists the copy.
type Mutation func(rec *UserLedgerRecord)

// Always is the guard for unconditional updates (record existence only).
func Always(UserLedgerRecord) bool { return true }

// Ledger stores UserLedgerRecords.
type Ledger interface {
	// Get returns the record or ErrRecordNotFound.
	Get(ctx context.Context, userID UserID) (UserLedgerRecord, error)

	// ConditionalUpdate atomically applies mutate iff guard holds.
	ConditionalUpdate(ctx context.Context, userID UserID, guard Guard, mutate Mutation) (bool, error)
}

// LedgerAdmin is implemented by stores that can create records.
// The engine itself never creates records.
type LedgerAdmin interface {
	CreateRecord(ctx context.Context, rec UserLedgerRecord) error
}

// =============================================================================
// READERS - Catalog and settings
// =============================================================================

// Catalog resolves product prices.
type Catalog interface {
	GetPrice(ctx context.Context, productID ProductID) (decimal.Decimal, bool, error)
}

// Settings resolves the active conversion rate.
type Settings interface {
	GetConversionRate(ctx context.Context) (ConversionRate, bool, error)
}

// =============================================================================
// COMPENSATIONS - Durable queue of pending credits
// =============================================================================

// CompensationStore persists PendingCompensation records.
type CompensationStore interface {
	SaveCompensation(ctx context.Context, c PendingCompensation) error

	// ListCompensations returns open compensations, oldest first.
	// limit <= 0 means no limit.
	ListCompensations(ctx context.Context, limit int) ([]PendingCompensation, error)

	// DeleteCompensation removes a compensation. Deleting a missing id is not an error.
	DeleteCompensation(ctx context.Context, id CompensationID) error

	// MarkAttempt records a failed reconciliation attempt.
	MarkAttempt(ctx context.Context, id CompensationID, lastErr string) error
}

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	EventGiftCredited         EventType = "gift.credited"
	EventGiftPending          EventType = "gift.pending"
	EventCompensationSettled  EventType = "compensation.settled"
	EventIntegrityFaultRaised EventType = "integrity.fault"
)

// Event is published after a state change has been committed.
type Event struct {
	Type           EventType       `json:"type"`
	SenderID       UserID          `json:"sender_id,omitempty"`
	ReceiverID     UserID          `json:"receiver_id,omitempty"`
	GiftID         ProductID       `json:"gift_id,omitempty"`
	Quantity       int64           `json:"quantity,omitempty"`
	AmountBeans    decimal.Decimal `json:"amount_beans"`
	CompensationID CompensationID  `json:"compensation_id,omitempty"`
	At             time.Time       `json:"at"`
}

// EventPublisher delivers events. Publishing never affects an operation's outcome.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
