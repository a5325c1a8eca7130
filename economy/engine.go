/*
engine.go - Purchase, Gift and Convert

PURPOSE:
  The transaction engine. Each operation resolves prices/rates, then mutates
  ledger records only through Ledger.ConditionalUpdate. A failed guard is a
  business error and is never retried automatically.

OPERATIONS:
  Purchase: golds -> holding, one record, one CAS
  Convert:  beans -> golds, one record, one CAS
  Gift:     sender holding -> receiver beans, two records, two CAS

GIFT STATE MACHINE:
  Initiated -> Debited -> Credited
                       -> PendingCompensation -> Credited (reconcile.go)

  Once the sender's debit commits there is no way back to Initiated. If the
  receiver cannot be credited the engine writes a PendingCompensation and
  reports GiftPending; the reconciler completes the credit later.

CANCELLATION:
  A caller may abandon an operation before its first CAS commits. After the
  gift debit commits the rest of the gift runs detached from the caller's
  cancellation.

SEE ALSO:
  - reconcile.go: Completes pending gift credits
  - store.go: Ledger contract
  - errors.go: Error taxonomy
*/
package economy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/warp/economy-engine/metrics"
)

var tracer = otel.Tracer("github.com/warp/economy-engine/economy")

const (
	compensationSaveAttempts = 3
	defaultReconcileBatch    = 100
	defaultSettledRetention  = 30 * 24 * time.Hour
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine implements the economy operations on top of a Ledger.
type Engine struct {
	Ledger        Ledger
	Catalog       Catalog
	Settings      Settings
	Compensations CompensationStore
	Events        EventPublisher
	Log           logrus.FieldLogger

	Now   func() time.Time
	NewID func() CompensationID

	// ReconcileBatch bounds how many compensations one reconciliation pass loads.
	ReconcileBatch int

	// ReconcileLimiter paces credit attempts during reconciliation. Nil means unpaced.
	ReconcileLimiter *rate.Limiter

	// SettledRetention is how long a settlement marker stays on a receiver record.
	SettledRetention time.Duration
}

// NewEngine creates an engine with default logging, ids and no event sink.
func NewEngine(ledger Ledger, catalog Catalog, settings Settings, compensations CompensationStore) *Engine {
	return &Engine{
		Ledger:           ledger,
		Catalog:          catalog,
		Settings:         settings,
		Compensations:    compensations,
		Events:           NopPublisher{},
		Log:              logrus.StandardLogger(),
		Now:              time.Now,
		NewID:            func() CompensationID { return CompensationID(uuid.NewString()) },
		ReconcileBatch:   defaultReconcileBatch,
		SettledRetention: defaultSettledRetention,
	}
}

// =============================================================================
// OUTCOMES
// =============================================================================

type PurchaseOutcome struct {
	BuyerID   UserID
	ProductID ProductID
	Quantity  int64
	UnitPrice decimal.Decimal
	Total     decimal.Decimal
}

type GiftStatus string

const (
	GiftCredited GiftStatus = "credited"
	GiftPending  GiftStatus = "pending_compensation"
)

type GiftOutcome struct {
	Status      GiftStatus
	SenderID    UserID
	ReceiverID  UserID
	GiftID      ProductID
	Quantity    int64
	AmountBeans decimal.Decimal

	// Set when Status is GiftPending.
	Compensation *PendingCompensation
	// Why the credit was deferred: an IntegrityFaultError or a StoreError.
	Fault error
}

type ConvertOutcome struct {
	UserID UserID
	Beans  decimal.Decimal // spent
	Golds  decimal.Decimal // received
	Rate   decimal.Decimal
}

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase deducts price*quantity golds from the buyer and adds quantity to
// the buyer's holding of productID, in one conditional update.
func (e *Engine) Purchase(ctx context.Context, buyerID UserID, productID ProductID, quantity int64) (out PurchaseOutcome, err error) {
	ctx, span := tracer.Start(ctx, "economy.Purchase", trace.WithAttributes(
		attribute.String("buyer_id", string(buyerID)),
		attribute.String("product_id", string(productID)),
		attribute.Int64("quantity", quantity),
	))
	defer e.finish("purchase", span, time.Now(), &err)

	if quantity <= 0 {
		return out, fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidQuantity, quantity)
	}

	price, err := e.price(ctx, productID)
	if err != nil {
		return out, err
	}
	total := price.Mul(decimal.NewFromInt(quantity))

	// Holding or not, the guard is about funds and holding headroom: the
	// mutation upserts. Stores may evaluate the guard more than once, so the
	// overflow flag reflects the last evaluation.
	var overflow bool
	matched, err := e.Ledger.ConditionalUpdate(ctx, buyerID,
		func(rec UserLedgerRecord) bool {
			overflow = rec.QuantityOf(productID) > math.MaxInt64-quantity
			return !overflow && rec.Wallet.Golds.GreaterThanOrEqual(total)
		},
		func(rec *UserLedgerRecord) {
			rec.Wallet.Golds = rec.Wallet.Golds.Sub(total)
			rec.AddHolding(productID, quantity)
		},
	)
	if err != nil {
		return out, storeErr("purchase", err)
	}
	if !matched && overflow {
		return out, fmt.Errorf("%w: %s cannot hold %d more of %s",
			ErrInvalidQuantity, buyerID, quantity, productID)
	}
	if !matched {
		return out, e.rejected(ctx, buyerID,
			&InsufficientFundsError{BuyerID: buyerID, ProductID: productID, Required: total.String()})
	}

	e.Log.WithFields(logrus.Fields{
		"buyer_id":   buyerID,
		"product_id": productID,
		"quantity":   quantity,
		"total":      total.String(),
	}).Debug("purchase committed")

	return PurchaseOutcome{
		BuyerID:   buyerID,
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: price,
		Total:     total,
	}, nil
}

// =============================================================================
// GIFT
// =============================================================================

// Gift moves quantity of giftID out of the sender's holdings and credits the
// receiver with the gift's value in beans. A credit that cannot be applied is
// queued as a PendingCompensation and reported with Status GiftPending.
func (e *Engine) Gift(ctx context.Context, senderID, receiverID UserID, giftID ProductID, quantity int64) (out GiftOutcome, err error) {
	ctx, span := tracer.Start(ctx, "economy.Gift", trace.WithAttributes(
		attribute.String("sender_id", string(senderID)),
		attribute.String("receiver_id", string(receiverID)),
		attribute.String("gift_id", string(giftID)),
		attribute.Int64("quantity", quantity),
	))
	defer e.finish("gift", span, time.Now(), &err)

	if quantity <= 0 {
		return out, fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidQuantity, quantity)
	}

	price, beansPerGold, err := e.giftTerms(ctx, giftID)
	if err != nil {
		return out, err
	}

	matched, err := e.Ledger.ConditionalUpdate(ctx, senderID,
		func(rec UserLedgerRecord) bool {
			return rec.QuantityOf(giftID) >= quantity
		},
		func(rec *UserLedgerRecord) {
			rec.AddHolding(giftID, -quantity)
		},
	)
	if err != nil {
		return out, storeErr("gift debit", err)
	}
	if !matched {
		return out, e.rejected(ctx, senderID, fmt.Errorf("%w: %s holds fewer than %d of %s",
			ErrInsufficientProductQuantity, senderID, quantity, giftID))
	}

	// Debited: the transfer can only move forward now.
	ctx = context.WithoutCancel(ctx)
	span.AddEvent("debited")

	amount := price.Mul(decimal.NewFromInt(quantity)).Div(beansPerGold)
	out = GiftOutcome{
		SenderID:    senderID,
		ReceiverID:  receiverID,
		GiftID:      giftID,
		Quantity:    quantity,
		AmountBeans: amount,
	}
	log := e.Log.WithFields(logrus.Fields{
		"sender_id":    senderID,
		"receiver_id":  receiverID,
		"gift_id":      giftID,
		"quantity":     quantity,
		"amount_beans": amount.String(),
	})

	fault := e.credit(ctx, receiverID, amount)
	if fault == nil {
		out.Status = GiftCredited
		e.publish(ctx, Event{
			Type: EventGiftCredited, SenderID: senderID, ReceiverID: receiverID,
			GiftID: giftID, Quantity: quantity, AmountBeans: amount,
		})
		log.Debug("gift credited")
		return out, nil
	}

	comp := PendingCompensation{
		ID:          e.NewID(),
		SenderID:    senderID,
		ReceiverID:  receiverID,
		GiftID:      giftID,
		Quantity:    quantity,
		AmountBeans: amount,
		CreatedAt:   e.Now().UTC(),
		LastError:   fault.Error(),
	}
	if err := e.saveCompensation(ctx, comp); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"compensation_id": comp.ID,
			"credit_fault":    fault.Error(),
		}).Error("gift debited but compensation could not be recorded")
		return out, &CompensationUnrecordedError{Compensation: comp, Err: err}
	}

	metrics.CompensationOpened()
	span.AddEvent("compensation_opened", trace.WithAttributes(attribute.String("compensation_id", string(comp.ID))))
	log.WithError(fault).WithField("compensation_id", comp.ID).Warn("gift credit deferred to compensation queue")

	out.Status = GiftPending
	out.Compensation = &comp
	out.Fault = fault
	e.publish(ctx, Event{
		Type: EventGiftPending, SenderID: senderID, ReceiverID: receiverID,
		GiftID: giftID, Quantity: quantity, AmountBeans: amount, CompensationID: comp.ID,
	})
	return out, nil
}

// giftTerms resolves the gift price and the conversion rate concurrently.
func (e *Engine) giftTerms(ctx context.Context, giftID ProductID) (price, beansPerGold decimal.Decimal, err error) {
	var (
		wg                sync.WaitGroup
		priceErr, rateErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		price, priceErr = e.price(ctx, giftID)
	}()
	go func() {
		defer wg.Done()
		beansPerGold, rateErr = e.rate(ctx)
	}()
	wg.Wait()

	if priceErr != nil {
		return decimal.Zero, decimal.Zero, priceErr
	}
	if rateErr != nil {
		return decimal.Zero, decimal.Zero, rateErr
	}
	return price, beansPerGold, nil
}

// credit adds amount beans to the receiver. The only precondition is that
// the record exists; a missing record is an integrity fault.
func (e *Engine) credit(ctx context.Context, receiverID UserID, amount decimal.Decimal) error {
	matched, err := e.Ledger.ConditionalUpdate(ctx, receiverID, Always, func(rec *UserLedgerRecord) {
		rec.Wallet.Beans = rec.Wallet.Beans.Add(amount)
	})
	if err != nil {
		return storeErr("gift credit", err)
	}
	if !matched {
		fault := &IntegrityFaultError{UserID: receiverID, Op: "gift credit"}
		e.integrityFault(ctx, fault)
		return fault
	}
	return nil
}

func (e *Engine) saveCompensation(ctx context.Context, c PendingCompensation) error {
	var err error
	for attempt := 1; attempt <= compensationSaveAttempts; attempt++ {
		if err = e.Compensations.SaveCompensation(ctx, c); err == nil {
			return nil
		}
		e.Log.WithError(err).WithFields(logrus.Fields{
			"compensation_id": c.ID,
			"attempt":         attempt,
		}).Warn("compensation save failed")
		if attempt < compensationSaveAttempts {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return err
}

// =============================================================================
// CONVERT
// =============================================================================

// Convert exchanges quantity beans for quantity/beansPerGold golds.
// The conversion rate is also the smallest quantity that can be converted.
func (e *Engine) Convert(ctx context.Context, userID UserID, quantity decimal.Decimal) (out ConvertOutcome, err error) {
	ctx, span := tracer.Start(ctx, "economy.Convert", trace.WithAttributes(
		attribute.String("user_id", string(userID)),
		attribute.String("quantity", quantity.String()),
	))
	defer e.finish("convert", span, time.Now(), &err)

	beansPerGold, err := e.rate(ctx)
	if err != nil {
		return out, err
	}
	if quantity.LessThan(beansPerGold) {
		return out, fmt.Errorf("%w: must convert at least %s beans, got %s",
			ErrInvalidQuantity, beansPerGold, quantity)
	}

	golds := quantity.Div(beansPerGold)
	matched, err := e.Ledger.ConditionalUpdate(ctx, userID,
		func(rec UserLedgerRecord) bool {
			return rec.Wallet.Beans.GreaterThanOrEqual(quantity)
		},
		func(rec *UserLedgerRecord) {
			rec.Wallet.Beans = rec.Wallet.Beans.Sub(quantity)
			rec.Wallet.Golds = rec.Wallet.Golds.Add(golds)
		},
	)
	if err != nil {
		return out, storeErr("convert", err)
	}
	if !matched {
		return out, e.rejected(ctx, userID,
			fmt.Errorf("%w: %s has fewer than %s beans", ErrInsufficientBalance, userID, quantity))
	}

	return ConvertOutcome{UserID: userID, Beans: quantity, Golds: golds, Rate: beansPerGold}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) price(ctx context.Context, productID ProductID) (decimal.Decimal, error) {
	price, found, err := e.Catalog.GetPrice(ctx, productID)
	if err != nil {
		return decimal.Zero, storeErr("catalog", err)
	}
	if !found {
		return decimal.Zero, &NotFoundError{Kind: NotFoundProduct, ID: string(productID)}
	}
	if price.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: product %s has negative price %s", ErrIntegrityFault, productID, price)
	}
	return price, nil
}

func (e *Engine) rate(ctx context.Context) (decimal.Decimal, error) {
	r, found, err := e.Settings.GetConversionRate(ctx)
	if err != nil {
		return decimal.Zero, storeErr("settings", err)
	}
	if !found || !r.BeansPerGold.IsPositive() {
		return decimal.Zero, &NotFoundError{Kind: NotFoundSettings}
	}
	return r.BeansPerGold, nil
}

// rejected tells a missing record apart from a failed guard.
func (e *Engine) rejected(ctx context.Context, userID UserID, guardErr error) error {
	if _, err := e.Ledger.Get(ctx, userID); errors.Is(err, ErrRecordNotFound) {
		return &NotFoundError{Kind: NotFoundUser, ID: string(userID)}
	}
	return guardErr
}

func (e *Engine) integrityFault(ctx context.Context, fault *IntegrityFaultError) {
	metrics.IntegrityFault()
	e.Log.WithError(fault).WithField("user_id", fault.UserID).Error("ledger record missing")
	e.publish(ctx, Event{Type: EventIntegrityFaultRaised, ReceiverID: fault.UserID})
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.Events == nil {
		return
	}
	ev.At = e.Now().UTC()
	if err := e.Events.Publish(ctx, ev); err != nil {
		e.Log.WithError(err).WithField("event", ev.Type).Warn("event publish failed")
	}
}

// finish ends the span and records the operation's outcome.
func (e *Engine) finish(op string, span trace.Span, start time.Time, errp *error) {
	outcome := "ok"
	if err := *errp; err != nil {
		outcome = outcomeLabel(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordOperation(op, outcome, time.Since(start))
	span.End()
}

func outcomeLabel(err error) string {
	switch {
	case IsClientError(err):
		return "client_error"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, ErrStore):
		return "store_error"
	default:
		return "error"
	}
}
