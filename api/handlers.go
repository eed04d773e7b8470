/*
handlers.go - HTTP API handlers for the volume reconciliation engine

PURPOSE:
  Exposes the ledger, the waterfall and the variance decomposition via a
  REST API. Handles HTTP request/response, JSON serialization, and
  delegates to the volume package.

ENDPOINTS:
  Ledger:
    GET    /api/batches/{id}/balance?as_of=     One batch at a cutoff
    GET    /api/ledger?as_of=&tax_class=         Aggregation at a cutoff

  Waterfall:
    GET    /api/waterfall?from=&to=              Period waterfall

  Reconciliation:
    GET    /api/variance?from=&to=&tolerance=    Run without persisting
    POST   /api/reconciliation/runs              Run and persist a summary
    GET    /api/reconciliation/runs?status=      Run history

  Policy:
    GET    /api/policy                           Active policy document

TIME PARAMETERS:
  as_of, from and to accept RFC 3339 or YYYY-MM-DD. A bare date used as
  as_of or to means the end of that UTC day; as from it means the start.
  as_of defaults to now.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid period, parameters or policy
  - 404: Unknown batch
  - 503: The event source could not be read
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scheduler.go: Monthly automatic runs
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/volume-engine/factory"
	"github.com/warp/volume-engine/store"
	"github.com/warp/volume-engine/volume"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Reconciler    *volume.Reconciler
	Runs          store.RunLog // nil disables run persistence
	Policy        volume.Policy
	PolicyFactory *factory.PolicyFactory
	Logger        logrus.FieldLogger

	now func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(rec *volume.Reconciler, runs store.RunLog, policy volume.Policy, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	return &Handler{
		Reconciler:    rec,
		Runs:          runs,
		Policy:        policy,
		PolicyFactory: factory.NewPolicyFactory(),
		Logger:        logger,
		now:           time.Now,
	}
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

// GetBatchBalance reconstructs one batch.
func (h *Handler) GetBatchBalance(w http.ResponseWriter, r *http.Request) {
	id := volume.BatchID(chi.URLParam(r, "id"))
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of", err)
		return
	}

	bal, err := h.Reconciler.Aggregator().Balance(r.Context(), id, asOf)
	if err != nil {
		h.writeEngineError(w, "Failed to reconstruct balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// GetLedger aggregates clamped volume by tax class.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of", err)
		return
	}
	filter := volume.AggregateFilter{}
	for _, tc := range splitList(r.URL.Query().Get("tax_class")) {
		filter.TaxClasses = append(filter.TaxClasses, volume.TaxClass(tc))
	}
	for _, id := range splitList(r.URL.Query().Get("batch")) {
		filter.BatchIDs = append(filter.BatchIDs, volume.BatchID(id))
	}

	res, err := h.Reconciler.Aggregator().Aggregate(r.Context(), asOf, filter)
	if err != nil {
		h.writeEngineError(w, "Failed to aggregate ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(res))
}

// =============================================================================
// WATERFALL ENDPOINTS
// =============================================================================

// GetWaterfall computes the period waterfall.
func (h *Handler) GetWaterfall(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	res, err := h.Reconciler.Waterfall().Compute(r.Context(), period)
	if err != nil {
		h.writeEngineError(w, "Failed to compute waterfall", err)
		return
	}
	writeJSON(w, http.StatusOK, toWaterfallDTO(res))
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

// GetVariance reconciles a period without recording a run.
func (h *Handler) GetVariance(w http.ResponseWriter, r *http.Request) {
	period, err := periodFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}
	var tolerance *volume.Volume
	if s := r.URL.Query().Get("tolerance"); s != "" {
		v, err := volume.ParseLiters(s)
		if err != nil || v.IsNegative() {
			writeError(w, http.StatusBadRequest, "Invalid tolerance", err)
			return
		}
		tolerance = &v
	}

	rec, err := h.Reconciler.Reconcile(r.Context(), period)
	if err != nil {
		h.writeEngineError(w, "Failed to reconcile", err)
		return
	}

	dto := toVarianceDTO(rec)
	if tolerance != nil {
		dto.Tolerance = tolerance.Liters.String()
		dto.Flagged = rec.Variance.Exceeds(*tolerance)
	} else {
		dto.Flagged = !rec.Variance.Total.IsZero()
	}
	writeJSON(w, http.StatusOK, dto)
}

// CreateReconciliationRun reconciles a period and records the summary.
func (h *Handler) CreateReconciliationRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	period, err := parsePeriod(req.From, req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	rec, run, err := h.RunReconciliation(r.Context(), period)
	if err != nil {
		h.writeEngineError(w, "Reconciliation failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"run":      toRunDTO(run),
		"variance": toVarianceDTO(rec),
	})
}

// ListReconciliationRuns returns run history, newest period first.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		writeJSON(w, http.StatusOK, []RunDTO{})
		return
	}
	status := r.URL.Query().Get("status")

	runs, err := h.Runs.GetReconciliationRuns(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get reconciliation runs", err)
		return
	}

	dtos := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunReconciliation reconciles period and records the run as running and
// then completed or failed. It is shared by the API and the scheduler.
func (h *Handler) RunReconciliation(ctx context.Context, period volume.Period) (*volume.Reconciliation, store.ReconciliationRun, error) {
	started := h.now()
	run := store.ReconciliationRun{
		ID:          uuid.NewString(),
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Status:      store.RunRunning,
		StartedAt:   &started,
		CreatedAt:   started,
	}
	if h.Runs != nil {
		if err := h.Runs.SaveReconciliationRun(ctx, run); err != nil {
			return nil, run, fmt.Errorf("failed to save run record: %w", err)
		}
	}

	rec, err := h.Reconciler.Reconcile(ctx, period)
	if err != nil {
		run.Status = store.RunFailed
		run.Error = err.Error()
		if h.Runs != nil {
			if serr := h.Runs.SaveReconciliationRun(context.WithoutCancel(ctx), run); serr != nil {
				h.Logger.WithError(serr).Warn("failed to record failed run")
			}
		}
		return nil, run, err
	}

	run = store.SummarizeRun(rec)
	if h.Runs != nil {
		if err := h.Runs.SaveReconciliationRun(ctx, run); err != nil {
			return rec, run, fmt.Errorf("failed to update run record: %w", err)
		}
	}
	return rec, run, nil
}

// =============================================================================
// POLICY ENDPOINTS
// =============================================================================

// GetPolicy returns the active policy in document form.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToDocument(h.Policy))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) asOf(r *http.Request) (time.Time, error) {
	s := r.URL.Query().Get("as_of")
	if s == "" {
		return h.now().UTC(), nil
	}
	return parseInstant(s, true)
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case volume.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case volume.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, message, err)
	case volume.IsFatal(err):
		h.Logger.WithError(err).Error(message)
		writeError(w, http.StatusServiceUnavailable, "Could not read source events", err)
	default:
		h.Logger.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func periodFromQuery(r *http.Request) (volume.Period, error) {
	q := r.URL.Query()
	return parsePeriod(q.Get("from"), q.Get("to"))
}

// parsePeriod builds a closed period. A bare to date covers that whole day.
func parsePeriod(from, to string) (volume.Period, error) {
	if from == "" || to == "" {
		return volume.Period{}, fmt.Errorf("%w: from and to are required", volume.ErrInvalidPeriod)
	}
	start, err := parseInstant(from, false)
	if err != nil {
		return volume.Period{}, fmt.Errorf("%w: from: %v", volume.ErrInvalidPeriod, err)
	}
	end, err := parseInstant(to, true)
	if err != nil {
		return volume.Period{}, fmt.Errorf("%w: to: %v", volume.ErrInvalidPeriod, err)
	}
	p := volume.ClosedPeriod(start, end)
	return p, p.Validate()
}

func parseInstant(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	if endOfDay {
		return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
