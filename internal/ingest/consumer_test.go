package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// recordingSink collects every Add call.
type recordingSink struct {
	mu    sync.Mutex
	calls [][]telemetry.Point
}

func (s *recordingSink) Add(points []telemetry.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, points)
}

func (s *recordingSink) points() []telemetry.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Point
	for _, c := range s.calls {
		out = append(out, c...)
	}
	return out
}

type recordingHub struct {
	mu   sync.Mutex
	sent []LiveUpdate
}

func (h *recordingHub) Broadcast(channel string, payload any) {
	if channel != ChannelTelemetry {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, payload.(LiveUpdate))
}

func assertIngestCounter(t *testing.T, m *metrics.Metrics, name, help string, want int) {
	t.Helper()
	expected := fmt.Sprintf("# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, want)
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), name); err != nil {
		t.Errorf("%s: %v", name, err)
	}
}

var receivedAt = time.Unix(5000, 0)

// =============================================================================
// Decode
// =============================================================================

func TestDecode_MixedFields(t *testing.T) {
	c := NewConsumer(&recordingSink{}, nil)

	got := c.Decode([]byte(`{"timestamp": 1000, "speed_kmh": 42, "bogus": "x"}`), receivedAt)
	if len(got) != 1 {
		t.Fatalf("Decode() = %d points, want 1: %+v", len(got), got)
	}
	want := telemetry.NewPoint("speed_kmh", 42, time.Unix(1000, 0))
	if got[0] != want {
		t.Errorf("point = %+v, want %+v", got[0], want)
	}
}

func TestDecode_Rejected(t *testing.T) {
	c := NewConsumer(&recordingSink{}, nil)

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "not json"},
		{"empty", ""},
		{"array", `[1, 2, 3]`},
		{"string", `"speed"`},
		{"number", `42`},
		{"null", `null`},
		{"truncated", `{"speed_kmh": 4`},
		{"trailing", `{"speed_kmh": 4} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Decode([]byte(tt.payload), receivedAt); got != nil {
				t.Errorf("Decode(%q) = %+v, want nil", tt.payload, got)
			}
		})
	}
}

func TestDecode_FieldCoercion(t *testing.T) {
	c := NewConsumer(&recordingSink{}, nil)

	tests := []struct {
		name   string
		value  string
		want   int64
		wantOK bool
	}{
		{"integer", `95`, 95, true},
		{"negative", `-12`, -12, true},
		{"float truncates", `12.9`, 12, true},
		{"negative float truncates toward zero", `-3.7`, -3, true},
		{"exponent", `1e3`, 1000, true},
		{"integer string", `"17"`, 17, true},
		{"padded string", `" 17 "`, 17, true},
		{"decimal string", `"1.5"`, 0, false},
		{"word string", `"x"`, 0, false},
		{"true", `true`, 1, true},
		{"false", `false`, 0, true},
		{"null", `null`, 0, false},
		{"object", `{"a": 1}`, 0, false},
		{"array", `[1]`, 0, false},
		{"too large", `1e300`, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := fmt.Sprintf(`{"timestamp": 1000, "f": %s}`, tt.value)
			got := c.Decode([]byte(payload), receivedAt)
			if !tt.wantOK {
				if len(got) != 0 {
					t.Errorf("Decode(%s) = %+v, want no points", payload, got)
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("Decode(%s) = %d points, want 1", payload, len(got))
			}
			if got[0].Value != tt.want {
				t.Errorf("value = %d, want %d", got[0].Value, tt.want)
			}
		})
	}
}

func TestDecode_Timestamp(t *testing.T) {
	c := NewConsumer(&recordingSink{}, nil)

	tests := []struct {
		name string
		ts   string
		want time.Time
	}{
		{"integer", `1000`, time.Unix(1000, 0)},
		{"float truncates", `1000.9`, time.Unix(1000, 0)},
		{"numeric string", `"1000"`, time.Unix(1000, 0)},
		{"non-numeric string", `"soon"`, receivedAt},
		{"bool", `true`, receivedAt},
		{"null", `null`, receivedAt},
		{"overflows nanoseconds", `99999999999999999`, receivedAt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := fmt.Sprintf(`{"timestamp": %s, "rpm": 800}`, tt.ts)
			got := c.Decode([]byte(payload), receivedAt)
			if len(got) != 1 {
				t.Fatalf("Decode(%s) = %d points, want 1", payload, len(got))
			}
			if !got[0].Time.Equal(tt.want) {
				t.Errorf("time = %v, want %v", got[0].Time, tt.want)
			}
		})
	}

	t.Run("absent", func(t *testing.T) {
		got := c.Decode([]byte(`{"rpm": 800}`), receivedAt)
		if len(got) != 1 || !got[0].Time.Equal(receivedAt) {
			t.Errorf("Decode() = %+v, want one point at %v", got, receivedAt)
		}
	})
}

func TestDecode_SortedAndInvalidUTF8(t *testing.T) {
	c := NewConsumer(&recordingSink{}, nil)

	payload := []byte("{\"timestamp\":1000,\"rpm\":800,\"engine_temp_c\":95,\"note\":\"\xff\xfe\",\"air_temp_c\":20}")
	got := c.Decode(payload, receivedAt)

	keys := make([]string, 0, len(got))
	for _, p := range got {
		keys = append(keys, p.Key)
		if p.Measurement != telemetry.Measurement {
			t.Errorf("measurement = %q, want %q", p.Measurement, telemetry.Measurement)
		}
	}
	want := "air_temp_c,engine_temp_c,rpm"
	if strings.Join(keys, ",") != want {
		t.Errorf("keys = %v, want %s", keys, want)
	}
}

func TestDecode_EmptyObject(t *testing.T) {
	c := NewConsumer(&recordingSink{}, nil)
	if got := c.Decode([]byte(`{"timestamp": 1000}`), receivedAt); len(got) != 0 {
		t.Errorf("Decode() = %+v, want no points", got)
	}
}

// =============================================================================
// Handle / Run
// =============================================================================

func TestHandle_ForwardsAndBroadcasts(t *testing.T) {
	sink := &recordingSink{}
	hub := &recordingHub{}
	m := metrics.New()
	c := NewConsumer(sink, m)
	c.SetBroadcaster(hub)

	n := c.Handle(mqtt.Message{
		Topic:    "bilprojekt72439/obd/data",
		Payload:  []byte(`{"timestamp": 1000, "speed_kmh": 42, "bogus": "x"}`),
		Received: receivedAt,
	})
	if n != 1 {
		t.Fatalf("Handle() = %d, want 1", n)
	}
	if len(sink.calls) != 1 {
		t.Fatalf("sink calls = %d, want 1", len(sink.calls))
	}
	if len(hub.sent) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(hub.sent))
	}
	u := hub.sent[0]
	if u.TS != 1_000_000 || u.Fields["speed_kmh"] != 42 || u.Topic != "bilprojekt72439/obd/data" {
		t.Errorf("broadcast = %+v", u)
	}

	assertIngestCounter(t, m, "ingest_messages_total", "Transport messages received by the ingestor.", 1)
	assertIngestCounter(t, m, "ingest_fields_skipped_total",
		"Individual fields skipped because they were not integer-coercible.", 1)
}

func TestHandle_MalformedNotForwarded(t *testing.T) {
	sink := &recordingSink{}
	hub := &recordingHub{}
	m := metrics.New()
	c := NewConsumer(sink, m)
	c.SetBroadcaster(hub)

	for _, payload := range []string{"not json", "", `{"timestamp": 1}`} {
		if n := c.Handle(mqtt.Message{Topic: "t", Payload: []byte(payload)}); n != 0 {
			t.Errorf("Handle(%q) = %d, want 0", payload, n)
		}
	}
	if len(sink.calls) != 0 {
		t.Errorf("sink calls = %d, want 0", len(sink.calls))
	}
	if len(hub.sent) != 0 {
		t.Errorf("broadcasts = %d, want 0", len(hub.sent))
	}
	assertIngestCounter(t, m, "ingest_messages_malformed_total",
		"Messages discarded because they could not be parsed.", 2)
}

func TestHandle_SkipsStatusTopics(t *testing.T) {
	sink := &recordingSink{}
	c := NewConsumer(sink, nil)
	topics := mqtt.TopicsFor("bilprojekt72439/obd/data")
	c.SetSkip(topics.IsStatus)

	c.Handle(mqtt.Message{
		Topic:   topics.Status("obdtelemetry-publisher-1234"),
		Payload: []byte(`{"status":"online","timestamp":1000}`),
	})
	if len(sink.calls) != 0 {
		t.Errorf("status message reached the sink: %+v", sink.calls)
	}
}

func TestHandle_ZeroReceivedUsesClock(t *testing.T) {
	sink := &recordingSink{}
	c := NewConsumer(sink, nil)
	c.now = func() time.Time { return time.Unix(777, 0) }

	c.Handle(mqtt.Message{Topic: "t", Payload: []byte(`{"rpm": 800}`)})

	got := sink.points()
	if len(got) != 1 || !got[0].Time.Equal(time.Unix(777, 0)) {
		t.Errorf("points = %+v, want one point at 777s", got)
	}
}

func TestRun_ProcessesInOrderUntilClosed(t *testing.T) {
	sink := &recordingSink{}
	c := NewConsumer(sink, nil)

	msgs := make(chan mqtt.Message, 3)
	msgs <- mqtt.Message{Topic: "t", Payload: []byte(`{"timestamp": 1, "rpm": 1}`)}
	msgs <- mqtt.Message{Topic: "t", Payload: []byte(`garbage`)}
	msgs <- mqtt.Message{Topic: "t", Payload: []byte(`{"timestamp": 2, "rpm": 2}`)}
	close(msgs)

	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), msgs)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after channel closed")
	}

	got := sink.points()
	if len(got) != 2 || got[0].Value != 1 || got[1].Value != 2 {
		t.Errorf("points = %+v, want rpm 1 then 2", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := NewConsumer(&recordingSink{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx, make(chan mqtt.Message))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestIndent(t *testing.T) {
	if got := Indent([]byte(`{"a":1}`)); got != "{\n  \"a\": 1\n}" {
		t.Errorf("Indent(json) = %q", got)
	}
	if got := Indent([]byte("plain text")); got != "plain text" {
		t.Errorf("Indent(text) = %q", got)
	}
}
