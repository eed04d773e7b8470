/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Batch balances and ledger aggregation
- Waterfall and variance endpoints
- Recording and listing reconciliation runs
- The month-end scheduler
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/volume-engine/store/sqlite"
	"github.com/warp/volume-engine/volume"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

func hdr(id, batch string, at time.Time) volume.EventHeader {
	return volume.EventHeader{ID: volume.EventID(id), BatchID: volume.BatchID(batch), At: at}
}

// newTestServer seeds two batches: A (1000 L) moves 400 L into B in
// February, B bottles 100 L and A filters off 5 L in March.
func newTestServer(t *testing.T) (*Handler, *sqlite.Store, http.Handler) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.SaveBatch(ctx, volume.Batch{
		ID: "A", Classification: volume.ClassBaseFerment, OriginStatus: volume.OriginVerified,
		DeclaredInitialVolume: volume.MustParseLiters("1000"), StartedAt: day(time.February, 10),
	}))
	require.NoError(t, s.SaveBatch(ctx, volume.Batch{
		ID: "B", ParentBatchID: "A", Classification: volume.ClassBaseFerment, OriginStatus: volume.OriginVerified,
		DeclaredInitialVolume: volume.Zero(), StartedAt: day(time.February, 20),
	}))
	require.NoError(t, s.AppendEvents(ctx,
		volume.TransferOut{EventHeader: hdr("t1-out", "A", day(time.February, 20)), ToBatch: "B",
			Moved: volume.MustParseLiters("400"), Lost: volume.MustParseLiters("10")},
		volume.TransferIn{EventHeader: hdr("t1-in", "B", day(time.February, 20)), FromBatch: "A",
			Moved: volume.MustParseLiters("400")},
		volume.PackagingRun{EventHeader: hdr("p1", "B", day(time.March, 5)),
			Taken: volume.MustParseLiters("100"), DeclaredLoss: volume.Zero(), UnitsProduced: 100, UnitSizeMl: 1000},
		volume.ProcessLoss{EventHeader: hdr("l1", "A", day(time.March, 10)),
			LossKind: volume.LossFiltering, Lost: volume.MustParseLiters("5")},
	))

	rec, err := volume.NewReconciler(s, volume.DefaultPolicy(), nil)
	require.NoError(t, err)
	h := NewHandler(rec, s, volume.DefaultPolicy(), nil)
	h.now = func() time.Time { return day(time.April, 2) }
	return h, s, NewRouter(h)
}

func do(t *testing.T, srv http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestGetBatchBalance(t *testing.T) {
	_, _, srv := newTestServer(t)

	// GIVEN: B received 400 L and bottled 100 L
	// WHEN: Asking for its balance at the end of March
	w := do(t, srv, http.MethodGet, "/api/batches/B/balance?as_of=2026-03-31", nil)

	// THEN: 300 L remain
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dto := decode[BatchBalanceDTO](t, w)
	assert.Equal(t, "B", dto.BatchID)
	assert.Equal(t, "300", dto.Clamped)
	assert.Equal(t, "400", dto.Inflows)
	assert.Equal(t, string(volume.TaxStillWine), dto.TaxClass)

	// AND: Before the bottling run it still held 400 L
	w = do(t, srv, http.MethodGet, "/api/batches/B/balance?as_of=2026-03-04", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "400", decode[BatchBalanceDTO](t, w).Clamped)
}

func TestGetBatchBalance_Errors(t *testing.T) {
	_, _, srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/batches/ghost/balance", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, http.MethodGet, "/api/batches/A/balance?as_of=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid as_of", decode[ErrorResponse](t, w).Error)
}

func TestGetLedger(t *testing.T) {
	_, _, srv := newTestServer(t)

	// WHEN: Aggregating at the end of March
	w := do(t, srv, http.MethodGet, "/api/ledger?as_of=2026-03-31", nil)

	// THEN: Both batches roll up into still wine
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dto := decode[LedgerDTO](t, w)
	assert.Equal(t, "885", dto.Total)
	assert.Equal(t, 2, dto.Batches)
	require.Len(t, dto.Totals, 1)
	assert.Equal(t, volume.TaxStillWine, dto.Totals[0].TaxClass)

	// AND: Filtering to one batch narrows the total
	w = do(t, srv, http.MethodGet, "/api/ledger?as_of=2026-03-31&batch=A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	dto = decode[LedgerDTO](t, w)
	assert.Equal(t, "585", dto.Total)
	assert.Equal(t, 1, dto.Batches)
}

// =============================================================================
// WATERFALL AND VARIANCE TESTS
// =============================================================================

func TestGetWaterfall(t *testing.T) {
	_, _, srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/waterfall?from=2026-03-01&to=2026-03-31", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dto := decode[WaterfallDTO](t, w)
	assert.True(t, dto.Period.Start.Equal(day(time.March, 1)))
	assert.True(t, dto.Total.Opening.Equal(volume.MustParseLiters("990")), dto.Total.Opening.String())
	assert.True(t, dto.Total.Closing.Equal(volume.MustParseLiters("885")), dto.Total.Closing.String())
	assert.Empty(t, dto.Anomalies)
}

func TestGetVariance(t *testing.T) {
	_, _, srv := newTestServer(t)

	// GIVEN: A clean history
	// WHEN: Reconciling March
	w := do(t, srv, http.MethodGet, "/api/variance?from=2026-03-01&to=2026-03-31&tolerance=0.5", nil)

	// THEN: Ledger and waterfall agree
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dto := decode[VarianceDTO](t, w)
	assert.True(t, dto.Variance.Total.IsZero(), dto.Variance.Total.String())
	assert.False(t, dto.Flagged)
	assert.Equal(t, "0.5", dto.Tolerance)
	assert.NotEmpty(t, dto.RunID)
}

func TestGetVariance_BadInput(t *testing.T) {
	_, _, srv := newTestServer(t)

	tests := []struct {
		name  string
		query string
	}{
		{"missing to", "from=2026-03-01"},
		{"reversed", "from=2026-03-31&to=2026-03-01"},
		{"bad date", "from=March&to=2026-03-31"},
		{"negative tolerance", "from=2026-03-01&to=2026-03-31&tolerance=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodGet, "/api/variance?"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

// =============================================================================
// RUN TESTS
// =============================================================================

func TestCreateAndListRuns(t *testing.T) {
	_, _, srv := newTestServer(t)

	// WHEN: Recording a run for March
	w := do(t, srv, http.MethodPost, "/api/reconciliation/runs", CreateRunRequest{From: "2026-03-01", To: "2026-03-31"})

	// THEN: The run is completed with zero variance
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[struct {
		Run      RunDTO      `json:"run"`
		Variance VarianceDTO `json:"variance"`
	}](t, w)
	assert.Equal(t, "completed", created.Run.Status)
	assert.Equal(t, "0", created.Run.Variance)
	assert.Equal(t, "885", created.Run.LedgerClosing)
	assert.Equal(t, created.Variance.RunID, created.Run.ID)

	// AND: It shows up in the history
	w = do(t, srv, http.MethodGet, "/api/reconciliation/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[[]RunDTO](t, w)
	require.Len(t, runs, 1)
	assert.Equal(t, created.Run.ID, runs[0].ID)
	assert.Equal(t, "2026-03-01", runs[0].PeriodStart)

	w = do(t, srv, http.MethodGet, "/api/reconciliation/runs?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]RunDTO](t, w))
}

func TestCreateRun_BadBody(t *testing.T) {
	_, _, srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/reconciliation/runs", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRuns_WithoutRunLog(t *testing.T) {
	h, _, _ := newTestServer(t)
	h.Runs = nil

	w := do(t, NewRouter(h), http.MethodGet, "/api/reconciliation/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

// =============================================================================
// POLICY AND HEALTH
// =============================================================================

func TestGetPolicy(t *testing.T) {
	_, _, srv := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/policy", nil)
	require.Equal(t, http.StatusOK, w.Code)

	doc := decode[map[string]any](t, w)
	assert.Equal(t, "0.9", doc["transfer_derivation_threshold"])
	assert.Equal(t, "2", doc["packaging_loss_tolerance_liters"])
}

func TestHealthz(t *testing.T) {
	_, _, srv := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// =============================================================================
// SCHEDULER TESTS
// =============================================================================

func TestScheduler_RunsPreviousMonthOnce(t *testing.T) {
	h, s, _ := newTestServer(t)
	sched := NewReconciliationScheduler(s, h)
	sched.now = func() time.Time { return time.Date(2026, time.April, 2, 3, 0, 0, 0, time.UTC) }

	// WHEN: The scheduler checks in early April
	// THEN: March is reconciled
	assert.True(t, sched.RunNow())

	done, err := s.IsReconciliationComplete(context.Background(), volume.MonthPeriod(2026, time.March))
	require.NoError(t, err)
	assert.True(t, done)

	// AND: A second check does nothing
	assert.False(t, sched.RunNow())

	runs, err := s.GetReconciliationRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	h, s, _ := newTestServer(t)
	sched := NewReconciliationScheduler(s, h)
	sched.Enabled = false

	sched.Start()
	sched.Stop()

	runs, err := s.GetReconciliationRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs)
}
