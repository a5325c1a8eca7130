/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically runs a reconciliation pass so pending gift credits complete
  without operator action.

DESIGN:
  - robfig/cron schedule (cron expression or "@every 1m")
  - A pass still running when the next tick fires is skipped, never overlapped
  - Each pass runs under a timeout derived from the schedule's context
  - Stop waits for an in-flight pass to finish

USAGE:
  scheduler := NewReconcileScheduler(engine, "@every 1m", log)
  if err := scheduler.Start(); err != nil { ... }
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual pass)
  - economy/reconcile.go: The pass itself
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/economy-engine/economy"
)

// ReconcileScheduler runs economy reconciliation on a cron schedule.
type ReconcileScheduler struct {
	Engine   *economy.Engine
	Schedule string
	Timeout  time.Duration
	Log      logrus.FieldLogger

	cron *cron.Cron
	mu   sync.Mutex
}

// NewReconcileScheduler creates a new scheduler.
func NewReconcileScheduler(engine *economy.Engine, schedule string, log logrus.FieldLogger) *ReconcileScheduler {
	return &ReconcileScheduler{
		Engine:   engine,
		Schedule: schedule,
		Timeout:  5 * time.Minute,
		Log:      log,
	}
}

// Start begins the scheduler. An empty schedule disables it.
func (rs *ReconcileScheduler) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Schedule == "" {
		rs.Log.Info("reconcile scheduler disabled")
		return nil
	}
	if rs.cron != nil {
		return nil
	}

	logger := cronLogger{rs.Log}
	c := cron.New(cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	if _, err := c.AddFunc(rs.Schedule, func() { rs.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", rs.Schedule, err)
	}
	c.Start()
	rs.cron = c

	rs.Log.WithField("schedule", rs.Schedule).Info("reconcile scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running pass.
func (rs *ReconcileScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cron == nil {
		return
	}
	<-rs.cron.Stop().Done()
	rs.cron = nil
	rs.Log.Info("reconcile scheduler stopped")
}

// RunOnce runs a single pass and logs its outcome.
func (rs *ReconcileScheduler) RunOnce(ctx context.Context) (economy.ReconcileResult, error) {
	if rs.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.Timeout)
		defer cancel()
	}

	res, err := rs.Engine.Reconcile(ctx)
	if err != nil {
		rs.Log.WithError(err).Error("scheduled reconciliation failed")
		return res, err
	}
	if res.Scanned > 0 {
		rs.Log.WithFields(logrus.Fields{
			"credited": res.Credited,
			"settled":  res.Settled,
			"failed":   res.Failed,
		}).Info("scheduled reconciliation completed")
	}
	return res, nil
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(kv []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
