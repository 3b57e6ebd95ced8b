package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/config"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/logging"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// fakeStore records the last query and returns canned results.
type fakeStore struct {
	mu         sync.Mutex
	keys       []string
	series     map[string][]telemetry.Sample
	err        error
	keysCalls  int
	lastWindow time.Duration
	lastKeys   []string
	lastStart  time.Time
	lastEnd    time.Time
}

func (f *fakeStore) Keys(_ context.Context, window time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keysCalls++
	f.lastWindow = window
	return f.keys, f.err
}

func (f *fakeStore) Series(_ context.Context, keys []string, start, end time.Time) (map[string][]telemetry.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKeys = keys
	f.lastStart, f.lastEnd = start, end
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]telemetry.Sample, len(keys))
	for _, k := range keys {
		out[k] = append([]telemetry.Sample{}, f.series[k]...)
	}
	return out, nil
}

type fakeCheck struct{ err error }

func (f fakeCheck) HealthCheck(context.Context) error { return f.err }

func testDeps(store Store) Deps {
	return Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
			DefaultQueryHours: 24,
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:  logging.Discard(),
		Store:   store,
		Version: "test",
	}
}

// testServer creates a Server over a fake store and serves its router with httptest.
func testServer(t *testing.T, store *fakeStore, mutate ...func(*Deps)) (*Server, *httptest.Server) {
	t.Helper()

	deps := testDeps(store)
	for _, m := range mutate {
		m(&deps)
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec,noctx // test URL
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

// =============================================================================
// Construction and lifecycle
// =============================================================================

func TestNew_RequiresDeps(t *testing.T) {
	deps := testDeps(&fakeStore{})
	deps.Logger = nil
	if _, err := New(deps); err == nil {
		t.Error("New() without logger should fail")
	}

	deps = testDeps(nil)
	if _, err := New(deps); err == nil {
		t.Error("New() without store should fail")
	}
}

func TestNew_DefaultQueryHoursClamped(t *testing.T) {
	deps := testDeps(&fakeStore{})
	deps.Config.DefaultQueryHours = 0
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if srv.cfg.DefaultQueryHours != defaultQueryHours {
		t.Errorf("DefaultQueryHours = %d, want %d", srv.cfg.DefaultQueryHours, defaultQueryHours)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	srv, err := New(testDeps(&fakeStore{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer srv.Close()

	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	resp, _ := get(t, "http://"+srv.Addr()+"/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestServer_StartBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	deps := testDeps(&fakeStore{})
	deps.Config.Port = ln.Addr().(*net.TCPAddr).Port
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		srv.Close()
		t.Fatal("Start() on a bound port should fail")
	}
}

func TestServer_CloseWithoutStart(t *testing.T) {
	srv, err := New(testDeps(&fakeStore{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

// =============================================================================
// Health and middleware
// =============================================================================

func TestHealth(t *testing.T) {
	_, ts := testServer(t, &fakeStore{}, func(d *Deps) {
		d.Checks = map[string]HealthChecker{
			"mqtt":     fakeCheck{},
			"influxdb": fakeCheck{err: errors.New("connection refused")},
		}
	})

	resp, body := get(t, ts.URL+"/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var got struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks"`
	}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Version != "test" {
		t.Errorf("version = %q, want test", got.Version)
	}
	if got.Checks["mqtt"] != "ok" || got.Checks["influxdb"] != "connection refused" {
		t.Errorf("checks = %v", got.Checks)
	}
}

func TestHealth_AllOK(t *testing.T) {
	_, ts := testServer(t, &fakeStore{}, func(d *Deps) {
		d.Checks = map[string]HealthChecker{"mqtt": fakeCheck{}}
	})

	_, body := get(t, ts.URL+"/api/v1/health")
	if !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("body = %s, want status ok", body)
	}
}

func TestRequestID_Generated(t *testing.T) {
	_, ts := testServer(t, &fakeStore{})

	resp, _ := get(t, ts.URL+"/api/v1/health")
	if id := resp.Header.Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("X-Request-ID = %q, want a UUID", id)
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	_, ts := testServer(t, &fakeStore{})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "client-abc" {
		t.Errorf("X-Request-ID = %q, want client-abc", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	_, ts := testServer(t, &fakeStore{}, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://dash.local"}
	})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/data", nil)
	req.Header.Set("Origin", "http://dash.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for disallowed origin = %q, want empty", got)
	}
}

func TestRecovery(t *testing.T) {
	srv, err := New(testDeps(&fakeStore{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	_, ts := testServer(t, &fakeStore{})

	resp, _ := get(t, ts.URL+"/api/v1/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.MessageReceived()
	_, ts := testServer(t, &fakeStore{}, func(d *Deps) { d.Metrics = m })

	resp, body := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, "ingest_messages_total 1") {
		t.Errorf("metrics body missing ingest_messages_total 1")
	}
}

func TestMetricsEndpoint_NotMountedWithoutMetrics(t *testing.T) {
	_, ts := testServer(t, &fakeStore{})

	resp, _ := get(t, ts.URL+"/metrics")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// =============================================================================
// Series
// =============================================================================

func TestSeries_DefaultWindow(t *testing.T) {
	store := &fakeStore{keys: []string{"engine_temp_c", "speed_kmh"}}
	_, ts := testServer(t, store)

	resp, body := get(t, ts.URL+"/api/v1/series")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}
	if strings.TrimSpace(body) != `["engine_temp_c","speed_kmh"]` {
		t.Errorf("body = %s", body)
	}
	if store.lastWindow != 24*time.Hour {
		t.Errorf("window = %v, want 24h", store.lastWindow)
	}
}

func TestSeries_Hours(t *testing.T) {
	tests := []struct {
		query      string
		wantStatus int
		wantWindow time.Duration
	}{
		{"hours=1", http.StatusOK, time.Hour},
		{"hours=168", http.StatusOK, 168 * time.Hour},
		{"hours=0", http.StatusBadRequest, 0},
		{"hours=169", http.StatusBadRequest, 0},
		{"hours=abc", http.StatusBadRequest, 0},
		{"hours=-3", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			store := &fakeStore{}
			_, ts := testServer(t, store)

			resp, _ := get(t, ts.URL+"/api/v1/series?"+tt.query)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && store.lastWindow != tt.wantWindow {
				t.Errorf("window = %v, want %v", store.lastWindow, tt.wantWindow)
			}
			if tt.wantStatus != http.StatusOK && store.keysCalls != 0 {
				t.Error("store queried for an invalid request")
			}
		})
	}
}

func TestSeries_EmptyIsArray(t *testing.T) {
	_, ts := testServer(t, &fakeStore{})

	_, body := get(t, ts.URL+"/api/v1/series")
	if strings.TrimSpace(body) != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestSeries_StoreError(t *testing.T) {
	_, ts := testServer(t, &fakeStore{err: errors.New("influx down")})

	resp, _ := get(t, ts.URL+"/api/v1/series")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

// =============================================================================
// Data
// =============================================================================

func TestData_Success(t *testing.T) {
	store := &fakeStore{series: map[string][]telemetry.Sample{
		"engine_temp_c": {{TS: 1_000_000, V: 95}},
	}}
	_, ts := testServer(t, store)

	resp, body := get(t, ts.URL+"/api/v1/data?keys=engine_temp_c&keys=rpm&start_ms=0&end_ms=2000000")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}

	var got map[string][]telemetry.Sample
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got["engine_temp_c"]) != 1 || got["engine_temp_c"][0] != (telemetry.Sample{TS: 1_000_000, V: 95}) {
		t.Errorf("engine_temp_c = %+v", got["engine_temp_c"])
	}
	if samples, ok := got["rpm"]; !ok || len(samples) != 0 {
		t.Errorf("rpm = %+v (present %v), want empty list", samples, ok)
	}
	if !store.lastStart.Equal(time.UnixMilli(0)) || !store.lastEnd.Equal(time.UnixMilli(2_000_000)) {
		t.Errorf("window = [%v, %v)", store.lastStart, store.lastEnd)
	}
}

func TestData_CommaSeparatedKeys(t *testing.T) {
	store := &fakeStore{}
	_, ts := testServer(t, store)

	get(t, ts.URL+"/api/v1/data?keys=rpm,speed_kmh&keys=rpm&start_ms=0&end_ms=10")
	if fmt.Sprint(store.lastKeys) != "[rpm speed_kmh]" {
		t.Errorf("keys = %v, want [rpm speed_kmh]", store.lastKeys)
	}
}

func TestData_NoKeys(t *testing.T) {
	store := &fakeStore{}
	_, ts := testServer(t, store)

	resp, body := get(t, ts.URL+"/api/v1/data?start_ms=0&end_ms=10")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if strings.TrimSpace(body) != "{}" {
		t.Errorf("body = %s, want {}", body)
	}
	if store.lastKeys != nil {
		t.Error("store queried without keys")
	}
}

func TestData_BadRequests(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing start", "keys=rpm&end_ms=10"},
		{"missing end", "keys=rpm&start_ms=0"},
		{"non-numeric start", "keys=rpm&start_ms=yesterday&end_ms=10"},
		{"float end", "keys=rpm&start_ms=0&end_ms=1.5"},
		{"end before start", "keys=rpm&start_ms=10&end_ms=5"},
		{"empty window", "keys=rpm&start_ms=10&end_ms=10"},
		{"quote in key", "keys=rpm%22&start_ms=0&end_ms=10"},
		{"flux injection", "keys=a%22)%20or%20true%20or%20(r.key%3D%3D%22&start_ms=0&end_ms=10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			_, ts := testServer(t, store)

			resp, body := get(t, ts.URL+"/api/v1/data?"+tt.query)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", resp.StatusCode, body)
			}
			if store.lastKeys != nil {
				t.Error("store queried for an invalid request")
			}
			var e Error
			if err := json.Unmarshal([]byte(body), &e); err != nil || e.Code != ErrCodeBadRequest {
				t.Errorf("error body = %s", body)
			}
		})
	}
}

func TestData_StoreError(t *testing.T) {
	_, ts := testServer(t, &fakeStore{err: errors.New("influx down")})

	resp, _ := get(t, ts.URL+"/api/v1/data?keys=rpm&start_ms=0&end_ms=10")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
