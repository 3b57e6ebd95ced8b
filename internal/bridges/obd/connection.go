package obd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/obd-telemetry/internal/infrastructure/metrics"
)

// Default connection timings.
const (
	// DefaultRetryDelay is the minimum gap between connect attempts.
	DefaultRetryDelay = 3 * time.Second

	// DefaultQueryTimeout bounds a single adapter query.
	DefaultQueryTimeout = 5 * time.Second
)

// State is the adapter connection state.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFaulted:
		return "faulted"
	default:
		return "disconnected"
	}
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Link is an open adapter session.
type Link interface {
	Query(ctx context.Context, cmd Command) (Quantity, error)
	Probe(ctx context.Context) error
	Status() Status
	Close() error
}

// Dialer opens links. SerialDialer is the production implementation.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Link, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Link, error) {
	return f(ctx)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// ConnectionConfig holds connection timings.
type ConnectionConfig struct {
	// RetryDelay is the minimum time after an attempt or fault before the
	// next connect. Default: 3s.
	RetryDelay time.Duration

	// QueryTimeout bounds each Query. Default: 5s.
	QueryTimeout time.Duration

	// Clock defaults to the system clock.
	Clock Clock
}

// Connection owns the adapter link and its lifecycle.
//
// Queries never return errors: every failure is reported as an absent
// reading. I/O failures tear the link down so that the next EnsureConnected
// reconnects once the retry delay has passed.
//
// Thread Safety: All methods are safe for concurrent use. Queries are
// serialised so that only one request is on the wire at a time.
type Connection struct {
	dialer  Dialer
	cfg     ConnectionConfig
	metrics *metrics.Metrics

	mu          sync.Mutex
	link        Link
	state       State
	lastAttempt time.Time
	lastFault   time.Time
	generation  uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// NewConnection creates a disconnected Connection.
//
// Parameters:
//   - dialer: Opens the adapter link
//   - cfg: Timings; zero values select the defaults
//   - m: Optional metrics, may be nil
func NewConnection(dialer Dialer, cfg ConnectionConfig, m *metrics.Metrics) *Connection {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &Connection{
		dialer:  dialer,
		cfg:     cfg,
		metrics: m,
		logger:  nopLogger{},
	}
}

// SetLogger sets the logger for connection events.
func (c *Connection) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	if logger == nil {
		logger = nopLogger{}
	}
	c.logger = logger
}

func (c *Connection) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// EnsureConnected connects if needed.
//
// A connected link that fails its probe is closed first. While disconnected,
// a new attempt is made only once RetryDelay has passed since the later of
// the last attempt and the last fault. Adapter-only links are accepted as
// connected.
//
// Returns:
//   - error: The dial failure of an attempt made by this call, nil otherwise
func (c *Connection) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		err := c.link.Probe(ctx)
		if err == nil {
			return nil
		}
		c.getLogger().Warn("obd adapter probe failed, dropping link", "error", err)
		c.closeLinkLocked()
		c.setStateLocked(StateDisconnected)
	}

	now := c.cfg.Clock.Now()
	since := c.lastAttempt
	if c.lastFault.After(since) {
		since = c.lastFault
	}
	if !since.IsZero() && now.Sub(since) < c.cfg.RetryDelay {
		return nil
	}

	c.lastAttempt = now
	c.setStateLocked(StateConnecting)

	link, err := c.dialer.Dial(ctx)
	if err != nil {
		c.metrics.AdapterConnect(false)
		c.lastFault = c.cfg.Clock.Now()
		c.setStateLocked(StateFaulted)
		c.setStateLocked(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.link = link
	c.generation++
	c.metrics.AdapterConnect(true)
	c.setStateLocked(StateConnected)

	if link.Status() == StatusVehicle {
		c.getLogger().Info("obd adapter connected", "status", link.Status().String(), "generation", c.generation)
	} else {
		c.getLogger().Warn("obd adapter connected without vehicle link", "status", link.Status().String(), "generation", c.generation)
	}
	return nil
}

// Query issues cmd on the current link.
//
// The result is absent when disconnected or when the adapter has no value.
// I/O errors are logged and fault the link. Errors are never returned.
func (c *Connection) Query(ctx context.Context, cmd Command) (Quantity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.link == nil {
		c.metrics.QueryFailed(metrics.FailureNotReady)
		return Quantity{}, false
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	q, err := c.link.Query(qctx, cmd)
	if err == nil {
		return q, true
	}

	if transient(err) {
		kind := metrics.FailureNoData
		if errors.Is(err, ErrNoResponse) {
			kind = metrics.FailureTimeout
		}
		c.metrics.QueryFailed(kind)
		c.getLogger().Debug("obd query returned no value", "command", cmd.String(), "error", err)
		return Quantity{}, false
	}

	c.metrics.QueryFailed(metrics.FailureIO)
	c.getLogger().Error("obd query failed, closing adapter link", "command", cmd.String(), "error", err)
	c.faultLocked()
	return Quantity{}, false
}

// QueryWithRetry calls Query up to retries+1 times, waiting delay between
// attempts, and returns the first present reading. The wait ends early when
// ctx is done.
func (c *Connection) QueryWithRetry(ctx context.Context, cmd Command, retries int, delay time.Duration) (Quantity, bool) {
	for attempt := 0; attempt <= retries; attempt++ {
		if q, ok := c.Query(ctx, cmd); ok {
			return q, true
		}
		if attempt == retries {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Quantity{}, false
		case <-timer.C:
		}
	}
	return Quantity{}, false
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation increments on every successful connect. Callers compare it to
// detect reconnects.
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Close releases the link.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.closeLinkLocked()
	c.setStateLocked(StateDisconnected)
	return err
}

func (c *Connection) faultLocked() {
	c.closeLinkLocked()
	c.lastFault = c.cfg.Clock.Now()
	c.setStateLocked(StateFaulted)
	c.setStateLocked(StateDisconnected)
}

func (c *Connection) closeLinkLocked() error {
	if c.link == nil {
		return nil
	}
	err := c.link.Close()
	c.link = nil
	return err
}

func (c *Connection) setStateLocked(s State) {
	c.state = s
	c.metrics.SetAdapterState(int(s))
}
