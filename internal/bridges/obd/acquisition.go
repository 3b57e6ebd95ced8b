package obd

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
	"github.com/nerrad567/obd-telemetry/internal/telemetry"
)

// Loop timing defaults.
const (
	DefaultInterval        = time.Second
	DefaultErrorBackoff    = time.Second
	DefaultRetries         = 2
	DefaultQueryRetryDelay = 100 * time.Millisecond
)

// Field binds a logical sensor to its record key and normalization class.
type Field struct {
	Name  string
	Key   string
	Class Class

	// Retry selects QueryWithRetry over a single Query.
	Retry bool
}

// FieldTable lists every field the loop knows how to acquire.
var FieldTable = []Field{
	{Name: NameSpeed, Key: telemetry.KeySpeed, Class: ClassSpeed, Retry: true},
	{Name: NameThrottle, Key: telemetry.KeyThrottle, Class: ClassThrottle, Retry: true},
	{Name: NameCoolantTemp, Key: telemetry.KeyEngineTemp, Class: ClassTemperature, Retry: true},
	{Name: NameIntakeTemp, Key: telemetry.KeyAirTemp, Class: ClassTemperature},
	{Name: NameShortTrim, Key: telemetry.KeyShortFuelTrim, Class: ClassFuelTrim},
	{Name: NameLongTrim, Key: telemetry.KeyLongFuelTrim, Class: ClassFuelTrim},
	{Name: NameAdapterVolt, Key: telemetry.KeyAdapterVoltage, Class: ClassVoltage},
	{Name: NameRPM, Key: telemetry.KeyRPM, Class: ClassGeneric},
	{Name: NameOilTemp, Key: telemetry.KeyOilTemp, Class: ClassTemperature},
}

// FieldsFor selects fields from FieldTable by logical name, keeping the
// order given.
//
// Returns:
//   - []Field: Selected fields
//   - error: ErrUnknownField for a name not in FieldTable
func FieldsFor(names []string) ([]Field, error) {
	out := make([]Field, 0, len(names))
	for _, name := range names {
		f, ok := lookupField(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
		}
		out = append(out, f)
	}
	return out, nil
}

func lookupField(name string) (Field, bool) {
	for _, f := range FieldTable {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Querier is the adapter side of the loop. *Connection satisfies it.
type Querier interface {
	EnsureConnected(ctx context.Context) error
	Query(ctx context.Context, cmd Command) (Quantity, bool)
	QueryWithRetry(ctx context.Context, cmd Command, retries int, delay time.Duration) (Quantity, bool)
	Generation() uint64
}

// Publisher is the transport side of the loop.
type Publisher interface {
	// EnsureConnected starts a connect in the background if needed. It
	// must not block.
	EnsureConnected() error

	// Publish sends one record. Failures are dropped by the caller.
	Publish(ctx context.Context, rec telemetry.Record) error
}

// LoopConfig holds acquisition loop settings.
type LoopConfig struct {
	// Interval is the cycle period. Default: 1s.
	Interval time.Duration

	// ErrorBackoff is the pause after a cycle panics. Default: 1s.
	ErrorBackoff time.Duration

	// Retries and RetryDelay apply to fields with Retry set.
	// Defaults: 2 and 100ms. A negative Retries disables retrying.
	Retries    int
	RetryDelay time.Duration

	// Fields to acquire, in order. Default: the first seven of FieldTable.
	Fields []Field
}

// Loop polls the adapter on a fixed period and publishes non-empty records.
type Loop struct {
	conn     Querier
	resolver *Resolver
	pub      Publisher
	norm     Normalizer
	cfg      LoopConfig
	metrics  *metrics.Metrics
	now      func() time.Time

	// generation last seen from conn; a change resets the resolver cache.
	generation uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewLoop creates an acquisition loop.
//
// Parameters:
//   - conn: Adapter connection
//   - resolver: Resolves logical names against the adapter catalog
//   - pub: Record publisher
//   - cfg: Loop settings; zero values select the defaults
//   - m: Optional metrics, may be nil
func NewLoop(conn Querier, resolver *Resolver, pub Publisher, cfg LoopConfig, m *metrics.Metrics) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	switch {
	case cfg.Retries == 0:
		cfg.Retries = DefaultRetries
	case cfg.Retries < 0:
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultQueryRetryDelay
	}
	if cfg.Fields == nil {
		cfg.Fields = FieldTable[:7]
	}
	return &Loop{
		conn:     conn,
		resolver: resolver,
		pub:      pub,
		cfg:      cfg,
		metrics:  m,
		now:      time.Now,
		logger:   nopLogger{},
	}
}

// SetLogger sets the logger for loop events.
func (l *Loop) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	defer l.loggerMu.Unlock()
	if logger == nil {
		logger = nopLogger{}
	}
	l.logger = logger
}

func (l *Loop) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

// Run executes cycles until ctx is cancelled. A cycle that panics is logged
// and followed by ErrorBackoff instead of the normal period. Run never
// returns for any other reason.
func (l *Loop) Run(ctx context.Context) {
	l.getLogger().Info("obd acquisition started",
		"interval", l.cfg.Interval.String(),
		"fields", len(l.cfg.Fields),
	)
	defer l.getLogger().Info("obd acquisition stopped")

	for {
		start := time.Now()
		wait := l.cfg.ErrorBackoff
		if l.safeCycle(ctx) {
			wait = l.cfg.Interval - time.Since(start)
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

// safeCycle runs one cycle and reports false if it panicked.
func (l *Loop) safeCycle(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.getLogger().Error("obd acquisition cycle panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			ok = false
		}
	}()
	l.Cycle(ctx)
	return true
}

// Cycle performs one acquisition: connect both sides, read every field,
// and publish the record if it carries at least one reading.
//
// Returns:
//   - telemetry.Record: The assembled record
//   - bool: true if the record was published
func (l *Loop) Cycle(ctx context.Context) (telemetry.Record, bool) {
	l.metrics.CycleStarted()
	log := l.getLogger()

	if err := l.pub.EnsureConnected(); err != nil {
		log.Debug("transport not connected", "error", err)
	}
	if err := l.conn.EnsureConnected(ctx); err != nil {
		log.Warn("obd adapter connect failed", "error", err)
	}
	if g := l.conn.Generation(); g != l.generation {
		l.resolver.Reset()
		l.generation = g
	}

	// The record is stamped when the cycle starts, not when the last query returns.
	rec := telemetry.NewRecord(l.now())
	for _, f := range l.cfg.Fields {
		if v, ok := l.read(ctx, f); ok {
			rec.Set(f.Key, v)
		}
	}

	if rec.Empty() {
		l.metrics.RecordEmpty()
		log.Debug("obd cycle produced no readings, skipping publish")
		return rec, false
	}

	if err := l.pub.Publish(ctx, rec); err != nil {
		l.metrics.PublishFailed()
		log.Warn("telemetry publish failed, dropping record", "error", err, "fields", len(rec.Fields))
		return rec, false
	}
	l.metrics.RecordPublished()
	return rec, true
}

// read acquires and normalizes a single field.
func (l *Loop) read(ctx context.Context, f Field) (float64, bool) {
	b := l.resolver.Bind(f.Name)
	if !b.Resolved {
		return 0, false
	}

	var q Quantity
	var ok bool
	if f.Retry {
		q, ok = l.conn.QueryWithRetry(ctx, b.Command, l.cfg.Retries, l.cfg.RetryDelay)
	} else {
		q, ok = l.conn.Query(ctx, b.Command)
	}
	if !ok {
		return 0, false
	}

	v, ok := l.norm.Normalize(q, f.Class)
	if !ok {
		return 0, false
	}
	if f.Class == ClassVoltage {
		return MillivoltsToVolts(v), true
	}
	return float64(v), true
}

// sleepCtx waits for d or until ctx is done. It reports false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
