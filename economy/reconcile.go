/*
reconcile.go - Completing deferred gift credits

PURPOSE:
  ReconcilePendingCompensations walks the compensation queue and applies each
  pending credit to its receiver. A compensation is deleted strictly after its
  credit has been confirmed.

AT-MOST-ONCE CREDIT:
  The credit CAS records a Settlement marker on the receiver record in the
  same atomic step that adds the beans, and its guard refuses records already
  carrying the marker. Two reconcilers racing on the same compensation, or a
  pass that crashed between credit and delete, can therefore never credit
  twice. Markers outlive the compensation and are pruned by age
  (Engine.SettledRetention) whenever the record is credited again, except
  for markers whose compensation is still queued: a credited compensation
  whose delete keeps failing must keep its marker however old it is.

FAILURES:
  A failure on one compensation is recorded with MarkAttempt and the pass
  moves on. Only a failure to load the queue aborts the pass.

SEE ALSO:
  - engine.go: Gift opens compensations
  - api/scheduler.go: Runs passes on a schedule
*/
package economy

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warp/economy-engine/metrics"
)

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Scanned  int `json:"scanned"`
	Credited int `json:"credited"`
	Settled  int `json:"settled"` // deleted, whether credited by this pass or an earlier one
	Failed   int `json:"failed"`
}

// ReconcilePendingCompensations credits the receivers of pending
// compensations and returns how many were credited by this pass.
func (e *Engine) ReconcilePendingCompensations(ctx context.Context) (credited int, err error) {
	res, err := e.Reconcile(ctx)
	return res.Credited, err
}

// Reconcile runs one pass over at most ReconcileBatch compensations.
func (e *Engine) Reconcile(ctx context.Context) (res ReconcileResult, err error) {
	ctx, span := tracer.Start(ctx, "economy.Reconcile")
	defer e.finish("reconcile", span, time.Now(), &err)

	// The whole queue is loaded so pruning can tell which markers still
	// belong to a queued compensation.
	all, err := e.Compensations.ListCompensations(ctx, 0)
	if err != nil {
		return res, storeErr("list compensations", err)
	}
	queued := make(map[CompensationID]struct{}, len(all))
	for _, c := range all {
		queued[c.ID] = struct{}{}
	}
	pending := all
	if e.ReconcileBatch > 0 && len(pending) > e.ReconcileBatch {
		pending = pending[:e.ReconcileBatch]
	}
	res.Scanned = len(pending)
	span.SetAttributes(attribute.Int("compensations", len(pending)))

	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if e.ReconcileLimiter != nil {
			if err := e.ReconcileLimiter.Wait(ctx); err != nil {
				return res, err
			}
		}

		applied, err := e.settle(ctx, c, queued)
		if applied {
			res.Credited++
		}
		if err != nil {
			res.Failed++
			e.markAttempt(ctx, c, err)
			continue
		}
		res.Settled++
	}

	if remaining, err := e.Compensations.ListCompensations(ctx, 0); err == nil {
		metrics.SetPending(len(remaining))
	}

	e.Log.WithFields(logrus.Fields{
		"scanned":  res.Scanned,
		"credited": res.Credited,
		"settled":  res.Settled,
		"failed":   res.Failed,
	}).Info("reconciliation pass finished")
	return res, nil
}

// settle applies c's credit if it has not been applied yet, then deletes c.
// applied reports whether this call moved the beans, even when the delete
// that follows fails.
func (e *Engine) settle(ctx context.Context, c PendingCompensation, queued map[CompensationID]struct{}) (applied bool, err error) {
	ctx, span := tracer.Start(ctx, "economy.settle", trace.WithAttributes(
		attribute.String("compensation_id", string(c.ID)),
		attribute.String("receiver_id", string(c.ReceiverID)),
	))
	defer span.End()

	now := e.Now().UTC()
	cutoff := now.Add(-e.SettledRetention)

	applied, err = e.Ledger.ConditionalUpdate(ctx, c.ReceiverID,
		func(rec UserLedgerRecord) bool {
			return !rec.HasSettled(c.ID)
		},
		func(rec *UserLedgerRecord) {
			rec.Wallet.Beans = rec.Wallet.Beans.Add(c.AmountBeans)
			rec.PruneSettled(cutoff, func(id CompensationID) bool {
				_, ok := queued[id]
				return ok
			})
			rec.Settled = append(rec.Settled, Settlement{ID: c.ID, At: now})
		},
	)
	if err != nil {
		return false, storeErr("compensation credit", err)
	}

	if !applied {
		// Either the receiver is gone or an earlier pass already credited it.
		rec, err := e.Ledger.Get(ctx, c.ReceiverID)
		if errors.Is(err, ErrRecordNotFound) {
			fault := &IntegrityFaultError{UserID: c.ReceiverID, Op: "compensation credit"}
			e.integrityFault(ctx, fault)
			return false, fault
		}
		if err != nil {
			return false, storeErr("compensation lookup", err)
		}
		if !rec.HasSettled(c.ID) {
			return false, &IntegrityFaultError{UserID: c.ReceiverID, Op: "compensation credit"}
		}
	}

	if err := e.Compensations.DeleteCompensation(ctx, c.ID); err != nil {
		// The marker keeps the next pass from crediting again.
		return applied, storeErr("delete compensation", err)
	}

	log := e.Log.WithFields(logrus.Fields{
		"compensation_id": c.ID,
		"receiver_id":     c.ReceiverID,
		"amount_beans":    c.AmountBeans.String(),
	})
	if applied {
		metrics.CompensationSettled()
		e.publish(ctx, Event{
			Type: EventCompensationSettled, SenderID: c.SenderID, ReceiverID: c.ReceiverID,
			GiftID: c.GiftID, Quantity: c.Quantity, AmountBeans: c.AmountBeans, CompensationID: c.ID,
		})
		log.Info("compensation credited")
	} else {
		log.Info("compensation already credited; removed from queue")
	}
	return applied, nil
}

func (e *Engine) markAttempt(ctx context.Context, c PendingCompensation, cause error) {
	log := e.Log.WithError(cause).WithFields(logrus.Fields{
		"compensation_id": c.ID,
		"receiver_id":     c.ReceiverID,
		"attempts":        c.Attempts + 1,
	})
	log.Warn("compensation not settled")
	if err := e.Compensations.MarkAttempt(ctx, c.ID, cause.Error()); err != nil {
		log.WithField("mark_error", err.Error()).Error("failed to record compensation attempt")
	}
}
