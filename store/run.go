package store

import (
	"context"
	"time"

	"github.com/warp/volume-engine/volume"
)

// =============================================================================
// RUN LOG - Persisted summaries of reconciliation runs
// =============================================================================

// RunLog records reconciliation runs. Runs are unique per period; saving a
// second run for a period replaces the first.
type RunLog interface {
	SaveReconciliationRun(ctx context.Context, r ReconciliationRun) error
	GetReconciliationRuns(ctx context.Context, status string) ([]ReconciliationRun, error)
	IsReconciliationComplete(ctx context.Context, p volume.Period) (bool, error)
}

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// ReconciliationRun is the persisted summary of one reconciliation.
type ReconciliationRun struct {
	ID               string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Status           string // pending, running, completed, failed
	LedgerClosing    volume.Volume
	WaterfallClosing volume.Volume
	Variance         volume.Volume
	DominantCategory string
	Anomalies        int
	Error            string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
}

// SummarizeRun turns a finished reconciliation into a completed run row.
func SummarizeRun(rec *volume.Reconciliation) ReconciliationRun {
	started, finished := rec.StartedAt, rec.FinishedAt
	run := ReconciliationRun{
		ID:               rec.RunID.String(),
		PeriodStart:      rec.Period.Start,
		PeriodEnd:        rec.Period.End,
		Status:           RunCompleted,
		LedgerClosing:    rec.Variance.LedgerTotal,
		WaterfallClosing: rec.Variance.WaterfallTotal,
		Variance:         rec.Variance.Total,
		Anomalies:        len(rec.Anomalies),
		StartedAt:        &started,
		CompletedAt:      &finished,
		CreatedAt:        started,
	}
	if top, ok := rec.Variance.Dominant(); ok {
		run.DominantCategory = string(top.Category)
	}
	return run
}
