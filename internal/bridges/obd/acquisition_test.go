package obd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// fakeQuerier answers by command name; names missing from values are absent.
type fakeQuerier struct {
	mu          sync.Mutex
	values      map[string]Quantity
	generation  uint64
	ensureCalls int
	queried     []string
	retried     []string
	panicOnce   bool

	// onQuery runs on every query, e.g. to advance a fake clock.
	onQuery func()
}

func (q *fakeQuerier) EnsureConnected(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensureCalls++
	if q.panicOnce {
		q.panicOnce = false
		panic("adapter driver bug")
	}
	return nil
}

func (q *fakeQuerier) Query(_ context.Context, cmd Command) (Quantity, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queried = append(q.queried, cmd.Name)
	if q.onQuery != nil {
		q.onQuery()
	}
	v, ok := q.values[cmd.Name]
	return v, ok
}

func (q *fakeQuerier) QueryWithRetry(_ context.Context, cmd Command, _ int, _ time.Duration) (Quantity, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, cmd.Name)
	if q.onQuery != nil {
		q.onQuery()
	}
	v, ok := q.values[cmd.Name]
	return v, ok
}

func (q *fakeQuerier) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

func (q *fakeQuerier) calls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ensureCalls
}

type fakePublisher struct {
	mu          sync.Mutex
	records     []telemetry.Record
	err         error
	ensureCalls int
}

func (p *fakePublisher) EnsureConnected() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureCalls++
	return p.err
}

func (p *fakePublisher) Publish(_ context.Context, rec telemetry.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, rec)
	return nil
}

func assertCounter(t *testing.T, m *metrics.Metrics, name, help string, want int) {
	t.Helper()
	expected := fmt.Sprintf("# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, want)
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), name); err != nil {
		t.Errorf("%s: %v", name, err)
	}
}

func newTestLoop(q *fakeQuerier, p *fakePublisher, m *metrics.Metrics) *Loop {
	l := NewLoop(q, NewResolver(DefaultCatalog(), nil), p, LoopConfig{
		Interval:     10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	}, m)
	l.now = func() time.Time { return time.Unix(1000, 0) }
	return l
}

// =============================================================================
// Cycle
// =============================================================================

func TestCycle_EmptyRecordNotPublished(t *testing.T) {
	m := metrics.New()
	q := &fakeQuerier{}
	p := &fakePublisher{}
	l := newTestLoop(q, p, m)

	rec, published := l.Cycle(context.Background())
	if published {
		t.Error("Cycle() published an empty record")
	}
	if !rec.Empty() || rec.Timestamp != 1000 {
		t.Errorf("record = %+v, want empty at 1000", rec)
	}
	if len(p.records) != 0 {
		t.Errorf("publisher received %d records, want 0", len(p.records))
	}
	if p.ensureCalls != 1 || q.ensureCalls != 1 {
		t.Errorf("EnsureConnected calls: publisher=%d adapter=%d, want 1 each", p.ensureCalls, q.ensureCalls)
	}
	assertCounter(t, m, "obd_records_empty_total", "Cycles that produced no readings and were not published.", 1)
}

func TestCycle_StampsRecordAtCycleStart(t *testing.T) {
	clock := time.Unix(1000, 0)
	q := &fakeQuerier{
		values:  map[string]Quantity{"SPEED": Q(42, UnitKPH), "COOLANT_TEMP": Q(90, UnitCelsius)},
		onQuery: func() { clock = clock.Add(3 * time.Second) },
	}
	p := &fakePublisher{}
	l := newTestLoop(q, p, nil)
	l.now = func() time.Time { return clock }

	rec, published := l.Cycle(context.Background())
	if !published {
		t.Fatal("Cycle() did not publish")
	}
	if rec.Timestamp != 1000 {
		t.Errorf("record timestamp = %d, want 1000 (cycle start)", rec.Timestamp)
	}
	if !clock.After(time.Unix(1000, 0)) {
		t.Error("clock did not advance during queries")
	}
	if len(p.records) != 1 || p.records[0].Timestamp != 1000 {
		t.Errorf("published records = %+v, want one stamped 1000", p.records)
	}
}

func TestCycle_PublishesSingleField(t *testing.T) {
	q := &fakeQuerier{values: map[string]Quantity{"SPEED": Q(42, UnitKPH)}}
	p := &fakePublisher{}
	l := newTestLoop(q, p, nil)

	_, published := l.Cycle(context.Background())
	if !published {
		t.Fatal("Cycle() did not publish a record with speed_kmh")
	}
	if len(p.records) != 1 {
		t.Fatalf("publisher received %d records, want 1", len(p.records))
	}

	b, err := json.Marshal(p.records[0])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(b) != `{"timestamp":1000,"speed_kmh":42}` {
		t.Errorf("payload = %s", b)
	}
}

func TestCycle_AllFields(t *testing.T) {
	q := &fakeQuerier{values: map[string]Quantity{
		"SPEED":             Q(88.6, UnitKPH),
		"THROTTLE_POS":      Q(137, UnitPercent),
		"COOLANT_TEMP":      Q(91, UnitCelsius),
		"INTAKE_TEMP":       Q(24, UnitCelsius),
		"SHORT_FUEL_TRIM_1": Q(-250, UnitPercent),
		"LONG_FUEL_TRIM_1":  Q(3.1, UnitPercent),
		"ELM_VOLTAGE":       Q(12.34, UnitVolt),
	}}
	p := &fakePublisher{}
	l := newTestLoop(q, p, nil)

	rec, ok := l.Cycle(context.Background())
	if !ok {
		t.Fatal("Cycle() did not publish")
	}

	want := map[string]float64{
		telemetry.KeySpeed:          89,
		telemetry.KeyThrottle:       100,
		telemetry.KeyEngineTemp:     91,
		telemetry.KeyAirTemp:        24,
		telemetry.KeyShortFuelTrim:  -100,
		telemetry.KeyLongFuelTrim:   3,
		telemetry.KeyAdapterVoltage: 12.3,
	}
	if len(rec.Fields) != len(want) {
		t.Errorf("fields = %v, want %v", rec.Fields, want)
	}
	for k, v := range want {
		if rec.Fields[k] != v {
			t.Errorf("%s = %v, want %v", k, rec.Fields[k], v)
		}
	}

	// Speed, throttle and coolant use the retrying query.
	if len(q.retried) != 3 {
		t.Errorf("retried queries = %v, want SPEED, THROTTLE_POS, COOLANT_TEMP", q.retried)
	}
	if len(q.queried) != 4 {
		t.Errorf("plain queries = %v, want 4", q.queried)
	}
}

func TestCycle_PublishErrorDropped(t *testing.T) {
	m := metrics.New()
	q := &fakeQuerier{values: map[string]Quantity{"SPEED": Q(42, UnitKPH)}}
	p := &fakePublisher{err: errors.New("mqtt: not connected")}
	l := newTestLoop(q, p, m)

	if _, ok := l.Cycle(context.Background()); ok {
		t.Error("Cycle() reported publish success")
	}
	assertCounter(t, m, "obd_publish_errors_total", "Records dropped because the transport rejected them.", 1)
}

func TestCycle_ResolverResetOnReconnect(t *testing.T) {
	cat := MapCatalog{"SPEED": {Name: "SPEED_A"}}
	q := &fakeQuerier{values: map[string]Quantity{
		"SPEED_A": Q(10, UnitKPH),
		"SPEED_B": Q(20, UnitKPH),
	}, generation: 1}
	p := &fakePublisher{}
	l := NewLoop(q, NewResolver(cat, nil), p, LoopConfig{Fields: []Field{FieldTable[0]}}, nil)

	rec, _ := l.Cycle(context.Background())
	if rec.Fields[telemetry.KeySpeed] != 10 {
		t.Fatalf("first cycle speed = %v, want 10", rec.Fields[telemetry.KeySpeed])
	}

	cat["SPEED"] = Command{Name: "SPEED_B"}
	rec, _ = l.Cycle(context.Background())
	if rec.Fields[telemetry.KeySpeed] != 10 {
		t.Errorf("cached binding not used: speed = %v", rec.Fields[telemetry.KeySpeed])
	}

	q.mu.Lock()
	q.generation = 2
	q.mu.Unlock()
	rec, _ = l.Cycle(context.Background())
	if rec.Fields[telemetry.KeySpeed] != 20 {
		t.Errorf("binding not refreshed after reconnect: speed = %v", rec.Fields[telemetry.KeySpeed])
	}
}

// =============================================================================
// Run
// =============================================================================

func TestRun_RecoversFromPanicAndStopsOnCancel(t *testing.T) {
	q := &fakeQuerier{panicOnce: true, values: map[string]Quantity{"SPEED": Q(1, UnitKPH)}}
	p := &fakePublisher{}
	l := newTestLoop(q, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for q.calls() < 3 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("loop did not keep cycling after panic")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.records) < 2 {
		t.Errorf("published %d records, want at least 2 after recovery", len(p.records))
	}
}

// =============================================================================
// Field selection
// =============================================================================

func TestFieldsFor(t *testing.T) {
	fields, err := FieldsFor([]string{NameRPM, NameSpeed})
	if err != nil {
		t.Fatalf("FieldsFor() error = %v", err)
	}
	if len(fields) != 2 || fields[0].Key != telemetry.KeyRPM || fields[1].Key != telemetry.KeySpeed {
		t.Errorf("FieldsFor() = %+v", fields)
	}

	if _, err := FieldsFor([]string{"BOOST"}); !errors.Is(err, ErrUnknownField) {
		t.Errorf("FieldsFor(BOOST) error = %v, want ErrUnknownField", err)
	}
}

func TestNewLoop_DefaultFields(t *testing.T) {
	l := NewLoop(&fakeQuerier{}, NewResolver(DefaultCatalog(), nil), &fakePublisher{}, LoopConfig{}, nil)
	if len(l.cfg.Fields) != 7 {
		t.Errorf("default fields = %d, want 7", len(l.cfg.Fields))
	}
	if l.cfg.Retries != DefaultRetries || l.cfg.Interval != DefaultInterval {
		t.Errorf("defaults not applied: %+v", l.cfg)
	}
}
