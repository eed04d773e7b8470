/*
scheduler.go - Automated month-end reconciliation

PURPOSE:
  Periodically checks whether the previous calendar month has been
  reconciled and, if not, runs and records it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Only closed months are reconciled; the current month never is
  - Skips months that already have a completed run
  - Records runs for audit and UI display

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(runs, handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation (shared with the manual endpoint)
  - volume/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/volume-engine/store"
	"github.com/warp/volume-engine/volume"
)

// ReconciliationScheduler handles automated month-end reconciliation.
type ReconciliationScheduler struct {
	Runs          store.RunLog
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	logger logrus.FieldLogger
	now    func() time.Time
	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(runs store.RunLog, handler *Handler) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Runs:          runs,
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		logger:        handler.Logger.WithField("component", "scheduler"),
		now:           time.Now,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	rs.logger.WithField("interval", rs.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.logger.Info("scheduler stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.checkAndProcess()

	for {
		select {
		case <-rs.ticker.C:
			rs.checkAndProcess()
		case <-rs.stop:
			return
		}
	}
}

// checkAndProcess reconciles the previous month unless it is already done.
// It reports whether a run was attempted.
func (rs *ReconciliationScheduler) checkAndProcess() bool {
	ctx := context.Background()
	period := volume.PreviousMonth(rs.now())
	log := rs.logger.WithField("period", period.String())

	done, err := rs.Runs.IsReconciliationComplete(ctx, period)
	if err != nil {
		log.WithError(err).Error("failed to check reconciliation status")
		return false
	}
	if done {
		log.Debug("period already reconciled")
		return false
	}

	_, run, err := rs.Handler.RunReconciliation(ctx, period)
	if err != nil {
		log.WithError(err).Error("scheduled reconciliation failed")
		return true
	}
	log.WithFields(logrus.Fields{
		"run_id":    run.ID,
		"variance":  run.Variance.Liters.String(),
		"dominant":  run.DominantCategory,
		"anomalies": run.Anomalies,
	}).Info("scheduled reconciliation completed")
	return true
}

// RunNow triggers an immediate check (for testing/admin).
func (rs *ReconciliationScheduler) RunNow() bool {
	return rs.checkAndProcess()
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	return rs.now().Add(rs.CheckInterval)
}
