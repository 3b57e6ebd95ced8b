package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.CycleStarted()
	m.CycleStarted()
	m.RecordPublished()
	m.RecordEmpty()
	m.QueryFailed(FailureIO)
	m.QueryFailed(FailureIO)
	m.AdapterConnect(true)
	m.AdapterConnect(false)
	m.FieldsSkipped(3)
	m.PointsWritten(10)
	m.PointsDropped(DropOverflow, 4)
	m.SetBufferedPoints(7)

	if got := testutil.ToFloat64(m.cycles); got != 2 {
		t.Errorf("cycles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.recordsPublished); got != 1 {
		t.Errorf("recordsPublished = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.queryFailures.WithLabelValues(FailureIO)); got != 2 {
		t.Errorf("queryFailures{io} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.adapterConnects.WithLabelValues("error")); got != 1 {
		t.Errorf("adapterConnects{error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.fieldsSkipped); got != 3 {
		t.Errorf("fieldsSkipped = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.pointsDropped.WithLabelValues(DropOverflow)); got != 4 {
		t.Errorf("pointsDropped{overflow} = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.bufferedPoints); got != 7 {
		t.Errorf("bufferedPoints = %v, want 7", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.CycleStarted()
	m.RecordPublished()
	m.QueryFailed(FailureNoData)
	m.AdapterConnect(true)
	m.SetAdapterState(2)
	m.PointsDropped(DropExhausted, 1)
	m.MessageDropped()
	m.ObserveFlush(0.1)

	if m.Registry() != nil {
		t.Error("nil Metrics should return nil registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.PointsWritten(5)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "ingest_points_written_total 5") {
		t.Errorf("exposition missing counter:\n%s", body)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordPublished()
	if got := testutil.ToFloat64(b.recordsPublished); got != 0 {
		t.Errorf("second registry saw %v publishes, want 0", got)
	}
}
