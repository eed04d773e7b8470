/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Volumes are rendered
  as decimal strings in liters so no precision is lost on the way out.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Ledger:
    BatchBalanceDTO, LedgerDTO

  Waterfall:
    WaterfallDTO

  Reconciliation:
    VarianceDTO, RunDTO, CreateRunRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/volume-engine/store"
	"github.com/warp/volume-engine/volume"
)

const dateLayout = "2006-01-02"

// =============================================================================
// LEDGER DTOs
// =============================================================================

// BatchBalanceDTO is one batch's reconstructed balance.
type BatchBalanceDTO struct {
	BatchID          string            `json:"batch_id"`
	TaxClass         string            `json:"tax_class"`
	AsOf             time.Time         `json:"as_of"`
	DeclaredInitial  string            `json:"declared_initial"`
	EffectiveInitial string            `json:"effective_initial"`
	TransferDerived  bool              `json:"transfer_derived"`
	Inflows          string            `json:"inflows"`
	Outflows         string            `json:"outflows"`
	RawNet           string            `json:"raw_net"`
	Clamped          string            `json:"clamped"`
	ClampedLoss      string            `json:"clamped_loss"`
	Categories       map[string]string `json:"categories"`
	Anomalies        []volume.Anomaly  `json:"anomalies"`
}

// LedgerDTO is a point-in-time aggregation.
type LedgerDTO struct {
	AsOf      time.Time              `json:"as_of"`
	Totals    []volume.TaxClassTotal `json:"totals"`
	Excluded  []volume.TaxClassTotal `json:"excluded"`
	Total     string                 `json:"total"`
	Batches   int                    `json:"batches"`
	Anomalies []volume.Anomaly       `json:"anomalies"`
}

// =============================================================================
// WATERFALL DTOs
// =============================================================================

// PeriodDTO renders a period with its boundary rules.
type PeriodDTO struct {
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	StartInclusive bool      `json:"start_inclusive"`
	EndInclusive   bool      `json:"end_inclusive"`
}

// WaterfallDTO is a period waterfall.
type WaterfallDTO struct {
	Period    PeriodDTO              `json:"period"`
	Lines     []volume.WaterfallLine `json:"lines"`
	Excluded  []volume.WaterfallLine `json:"excluded"`
	Total     volume.WaterfallLine   `json:"total"`
	Anomalies []volume.Anomaly       `json:"anomalies"`
}

// =============================================================================
// RECONCILIATION DTOs
// =============================================================================

// VarianceDTO is the result of one reconciliation.
type VarianceDTO struct {
	RunID     string                 `json:"run_id"`
	Period    PeriodDTO              `json:"period"`
	Variance  volume.VarianceSheet   `json:"variance"`
	ByClass   []volume.VarianceSheet `json:"by_class"`
	Tolerance string                 `json:"tolerance,omitempty"`
	Flagged   bool                   `json:"flagged"`
	Anomalies []volume.Anomaly       `json:"anomalies"`
}

// CreateRunRequest triggers a reconciliation for a period. Dates are
// YYYY-MM-DD (inclusive) or RFC 3339.
type CreateRunRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RunDTO is a persisted run summary.
type RunDTO struct {
	ID               string `json:"id"`
	PeriodStart      string `json:"period_start"`
	PeriodEnd        string `json:"period_end"`
	Status           string `json:"status"`
	LedgerClosing    string `json:"ledger_closing"`
	WaterfallClosing string `json:"waterfall_closing"`
	Variance         string `json:"variance"`
	DominantCategory string `json:"dominant_category,omitempty"`
	Anomalies        int    `json:"anomalies"`
	Error            string `json:"error,omitempty"`
	CompletedAt      string `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(b volume.BatchBalance) BatchBalanceDTO {
	dto := BatchBalanceDTO{
		BatchID:          string(b.BatchID),
		TaxClass:         string(b.TaxClass),
		AsOf:             b.AsOf,
		DeclaredInitial:  b.DeclaredInitial.Liters.String(),
		EffectiveInitial: b.EffectiveInitial.Liters.String(),
		TransferDerived:  b.TransferDerived,
		Inflows:          b.Inflows.Liters.String(),
		Outflows:         b.Outflows.Liters.String(),
		RawNet:           b.RawNet.Liters.String(),
		Clamped:          b.Clamped.Liters.String(),
		ClampedLoss:      b.ClampedLoss.Liters.String(),
		Categories:       map[string]string{},
		Anomalies:        b.Anomalies,
	}
	for c, v := range b.Categories {
		dto.Categories[string(c)] = v.Liters.String()
	}
	if dto.Anomalies == nil {
		dto.Anomalies = []volume.Anomaly{}
	}
	return dto
}

func toLedgerDTO(r volume.AggregateResult) LedgerDTO {
	dto := LedgerDTO{
		AsOf:      r.AsOf,
		Totals:    []volume.TaxClassTotal{},
		Excluded:  []volume.TaxClassTotal{},
		Total:     r.Total().ClampedVolume.Liters.String(),
		Batches:   len(r.Balances),
		Anomalies: nonNilAnomalies(r.Anomalies),
	}
	for _, tc := range volume.SortedTaxClasses(r.Totals) {
		dto.Totals = append(dto.Totals, r.Totals[tc])
	}
	for _, tc := range volume.SortedTaxClasses(r.Excluded) {
		dto.Excluded = append(dto.Excluded, r.Excluded[tc])
	}
	return dto
}

func toPeriodDTO(p volume.Period) PeriodDTO {
	return PeriodDTO{Start: p.Start, End: p.End, StartInclusive: p.StartInclusive, EndInclusive: p.EndInclusive}
}

func toWaterfallDTO(r volume.WaterfallResult) WaterfallDTO {
	dto := WaterfallDTO{
		Period:    toPeriodDTO(r.Period),
		Lines:     []volume.WaterfallLine{},
		Excluded:  []volume.WaterfallLine{},
		Total:     r.Total(),
		Anomalies: nonNilAnomalies(r.Anomalies),
	}
	for _, tc := range volume.SortedTaxClasses(r.Lines) {
		dto.Lines = append(dto.Lines, r.Lines[tc])
	}
	for _, tc := range volume.SortedTaxClasses(r.Excluded) {
		dto.Excluded = append(dto.Excluded, r.Excluded[tc])
	}
	return dto
}

func toVarianceDTO(rec *volume.Reconciliation) VarianceDTO {
	dto := VarianceDTO{
		RunID:     rec.RunID.String(),
		Period:    toPeriodDTO(rec.Period),
		Variance:  rec.Variance,
		ByClass:   []volume.VarianceSheet{},
		Anomalies: nonNilAnomalies(rec.Anomalies),
	}
	for _, tc := range volume.SortedTaxClasses(rec.ByClass) {
		dto.ByClass = append(dto.ByClass, rec.ByClass[tc])
	}
	return dto
}

func toRunDTO(run store.ReconciliationRun) RunDTO {
	dto := RunDTO{
		ID:               run.ID,
		PeriodStart:      run.PeriodStart.Format(dateLayout),
		PeriodEnd:        run.PeriodEnd.Format(dateLayout),
		Status:           run.Status,
		LedgerClosing:    run.LedgerClosing.Liters.String(),
		WaterfallClosing: run.WaterfallClosing.Liters.String(),
		Variance:         run.Variance.Liters.String(),
		DominantCategory: run.DominantCategory,
		Anomalies:        run.Anomalies,
		Error:            run.Error,
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func nonNilAnomalies(as []volume.Anomaly) []volume.Anomaly {
	if as == nil {
		return []volume.Anomaly{}
	}
	return as
}
