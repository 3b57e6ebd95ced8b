package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/obd-telemetry/internal/infrastructure/mqtt"
	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// ChannelTelemetry is the live-feed channel decoded messages are broadcast on.
const ChannelTelemetry = "telemetry"

// PointSink accepts decoded points. *BatchWriter satisfies it.
type PointSink interface {
	Add(points []telemetry.Point)
}

// Broadcaster fans decoded messages out to live subscribers.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// LiveUpdate is the payload broadcast for every message that produced points.
type LiveUpdate struct {
	Topic  string           `json:"topic"`
	TS     int64            `json:"ts"` // epoch milliseconds
	Fields map[string]int64 `json:"fields"`
}

// Consumer decodes transport messages and forwards the points to a sink.
//
// Messages are processed strictly one at a time in arrival order.
type Consumer struct {
	sink    PointSink
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	hub    Broadcaster
	skip   func(topic string) bool
	logger Logger
}

// NewConsumer creates a consumer that hands points to sink.
//
// Parameters:
//   - sink: Receives the points of every non-empty message
//   - m: Optional metrics, may be nil
func NewConsumer(sink PointSink, m *metrics.Metrics) *Consumer {
	return &Consumer{
		sink:    sink,
		metrics: m,
		now:     time.Now,
		logger:  nopLogger{},
	}
}

// SetLogger sets the logger for decode diagnostics.
func (c *Consumer) SetLogger(logger Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if logger == nil {
		logger = nopLogger{}
	}
	c.logger = logger
}

// SetBroadcaster enables the live feed.
func (c *Consumer) SetBroadcaster(b Broadcaster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hub = b
}

// SetSkip sets a filter for topics that carry no telemetry, such as the
// retained online/offline status messages.
func (c *Consumer) SetSkip(skip func(topic string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skip = skip
}

// Run processes messages until ctx is done or msgs is closed.
func (c *Consumer) Run(ctx context.Context, msgs <-chan mqtt.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			c.Handle(m)
		}
	}
}

// Handle processes a single message.
//
// Returns:
//   - int: Number of points handed to the sink
func (c *Consumer) Handle(m mqtt.Message) int {
	c.mu.RLock()
	skip, hub, log := c.skip, c.hub, c.logger
	c.mu.RUnlock()

	if skip != nil && skip(m.Topic) {
		return 0
	}
	c.metrics.MessageReceived()

	received := m.Received
	if received.IsZero() {
		received = c.now()
	}

	res, err := decode(m.Payload, received)
	if err != nil {
		c.metrics.MessageMalformed()
		log.Debug("discarding malformed message", "topic", m.Topic, "bytes", len(m.Payload), "error", err)
		return 0
	}
	if res.skipped > 0 {
		c.metrics.FieldsSkipped(res.skipped)
		log.Debug("skipped non-integer fields", "topic", m.Topic, "skipped", res.skipped)
	}
	if len(res.points) == 0 {
		return 0
	}

	c.sink.Add(res.points)

	if hub != nil {
		fields := make(map[string]int64, len(res.points))
		for _, p := range res.points {
			fields[p.Key] = p.Value
		}
		hub.Broadcast(ChannelTelemetry, LiveUpdate{
			Topic:  m.Topic,
			TS:     res.ts.UnixMilli(),
			Fields: fields,
		})
	}
	return len(res.points)
}

// Decode converts one message payload into points.
//
// Parameters:
//   - payload: Raw message bytes; invalid UTF-8 is replaced before parsing
//   - now: Timestamp used when the message has no usable "timestamp"
//
// Returns:
//   - []telemetry.Point: One point per integer-coercible field, sorted by
//     key; nil when the payload is not a JSON object
func (c *Consumer) Decode(payload []byte, now time.Time) []telemetry.Point {
	res, err := decode(payload, now)
	if err != nil {
		return nil
	}
	return res.points
}

// ============================================================================
// Decoding
// ============================================================================

var errNotObject = errors.New("payload is not a JSON object")

type decoded struct {
	points  []telemetry.Point
	ts      time.Time
	skipped int
}

func decode(payload []byte, now time.Time) (decoded, error) {
	text := strings.ToValidUTF8(string(payload), "�")

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return decoded{}, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return decoded{}, errors.New("trailing data after JSON value")
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return decoded{}, errNotObject
	}

	ts := timestampOf(obj, now)

	keys := make([]string, 0, len(obj))
	for k := range obj {
		if k == telemetry.KeyTimestamp {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := decoded{ts: ts}
	for _, k := range keys {
		v, ok := coerceInt(obj[k], true)
		if !ok {
			out.skipped++
			continue
		}
		out.points = append(out.points, telemetry.NewPoint(k, v, ts))
	}
	return out, nil
}

// timestampOf reads the record time in whole seconds. Booleans are not
// timestamps.
func timestampOf(obj map[string]any, now time.Time) time.Time {
	raw, ok := obj[telemetry.KeyTimestamp]
	if !ok {
		return now
	}
	secs, ok := coerceInt(raw, false)
	if !ok {
		return now
	}
	if secs > math.MaxInt64/int64(time.Second) || secs < math.MinInt64/int64(time.Second) {
		return now
	}
	return time.Unix(secs, 0)
}

// coerceInt converts a decoded JSON value to an integer. Numbers truncate
// toward zero, strings must hold a decimal integer.
func coerceInt(v any, allowBool bool) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return truncate(f)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case bool:
		if !allowBool {
			return 0, false
		}
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func truncate(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	t := math.Trunc(f)
	if t >= math.MaxInt64 || t < math.MinInt64 {
		return 0, false
	}
	return int64(t), true
}

// Indent pretty-prints a payload for the watch command. Non-JSON payloads
// are returned unchanged.
func Indent(payload []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return strings.ToValidUTF8(string(payload), "�")
	}
	return buf.String()
}
