package obd

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ELM327 protocol constants.
const (
	// prompt terminates every adapter response.
	prompt = '>'

	// readChunk is the size of a single port read.
	readChunk = 64

	// maxResponse bounds how much text is buffered while waiting for a prompt.
	maxResponse = 4096

	// serialPollInterval is the port read timeout. Reads return empty after it
	// so the query deadline and context are checked regularly.
	serialPollInterval = 100 * time.Millisecond

	// defaultQueryTimeout applies when no timeout is configured.
	defaultQueryTimeout = 5 * time.Second
)

// Status is how far the adapter's link reaches.
type Status int

// Adapter link statuses.
const (
	StatusNotConnected Status = iota
	// StatusAdapter means the ELM327 answers but the vehicle bus does not,
	// typically because the ignition is off.
	StatusAdapter
	StatusVehicle
)

func (s Status) String() string {
	switch s {
	case StatusAdapter:
		return "adapter_connected"
	case StatusVehicle:
		return "vehicle_connected"
	default:
		return "not_connected"
	}
}

// Port is the byte stream to the adapter. Ports opened with go.bug.st/serial
// satisfy it.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// initSequence resets the adapter and sets a predictable output format:
// echo off, linefeeds off, spaces on, headers off.
var initSequence = []struct {
	cmd    string
	wantOK bool
}{
	{"ATZ", false},
	{"ATE0", true},
	{"ATL0", true},
	{"ATS1", true},
	{"ATH0", true},
}

// ELM327 drives an ELM327-compatible adapter over a Port.
//
// Thread Safety: All methods are safe for concurrent use; requests are
// serialised.
type ELM327 struct {
	port    Port
	timeout time.Duration
	logger  Logger

	mu        sync.Mutex
	status    Status
	supported map[byte]bool // PIDs the vehicle reported, nil until known
	knownUpTo byte          // highest PID covered by a support bitmask
	broken    error         // first I/O error; the link is dead after it
	closed    bool
}

var _ Link = (*ELM327)(nil)

// OpenELM327 initialises the adapter on port.
//
// The adapter counts as connected once it answers ATRV. If the vehicle then
// answers 0100 the status becomes StatusVehicle and the supported-PID
// bitmasks are recorded; otherwise the link stays at StatusAdapter and is
// upgraded by the first successful vehicle query.
//
// Parameters:
//   - ctx: Context for cancellation
//   - port: Open port; closed on failure
//   - timeout: Per-command timeout
//   - logger: Optional logger, may be nil
//
// Returns:
//   - *ELM327: Initialised driver
//   - error: ErrConnectionFailed wrapping the cause
func OpenELM327(ctx context.Context, port Port, timeout time.Duration, logger Logger) (*ELM327, error) {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	if logger == nil {
		logger = nopLogger{}
	}
	e := &ELM327{port: port, timeout: timeout, logger: logger}

	if err := e.initialise(ctx); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return e, nil
}

func (e *ELM327) initialise(ctx context.Context) error {
	for _, step := range initSequence {
		lines, err := e.exchange(ctx, step.cmd)
		if err != nil {
			return fmt.Errorf("%s: %w", step.cmd, err)
		}
		if step.wantOK && !hasOK(lines) {
			return fmt.Errorf("%s: unexpected response %q", step.cmd, strings.Join(lines, " | "))
		}
	}

	lines, err := e.exchange(ctx, "ATRV")
	if err != nil {
		return fmt.Errorf("ATRV: %w", err)
	}
	e.status = StatusAdapter
	if len(lines) > 0 {
		e.logger.Info("obd adapter answered", "voltage", lines[len(lines)-1])
	}

	lines, err = e.exchange(ctx, "ATSP0")
	if err != nil {
		return fmt.Errorf("ATSP0: %w", err)
	}
	if !hasOK(lines) {
		return fmt.Errorf("ATSP0: unexpected response %q", strings.Join(lines, " | "))
	}

	return e.discoverSupport(ctx)
}

// discoverSupport reads the supported-PID bitmasks. A vehicle that does not
// answer leaves the adapter degraded rather than failing the connect.
func (e *ELM327) discoverSupport(ctx context.Context) error {
	supported := make(map[byte]bool)
	var upTo byte

	for base := byte(0x00); ; base += 0x20 {
		data, err := e.queryPID(ctx, ModeCurrentData, base)
		if err != nil {
			if errors.Is(err, ErrIO) {
				return err
			}
			if base == 0x00 {
				e.logger.Warn("obd vehicle not answering, adapter only", "error", err)
				return nil
			}
			break
		}
		if len(data) < 4 {
			break
		}
		for i := 0; i < 32; i++ {
			if data[i/8]&(0x80>>(i%8)) != 0 {
				supported[base+1+byte(i)] = true
			}
		}
		upTo = base + 0x20
		if base == 0x40 || !supported[base+0x20] {
			break
		}
	}

	e.supported = supported
	e.knownUpTo = upTo
	e.status = StatusVehicle
	e.logger.Info("obd vehicle connected", "supported_pids", len(supported))
	return nil
}

// Query issues cmd and decodes the answer.
//
// Returns:
//   - Quantity: Decoded value
//   - error: ErrNoData, ErrNoResponse, ErrUnsupported or ErrDecode for a
//     usable link; ErrIO or ErrClosed when the link is dead
func (e *ELM327) Query(ctx context.Context, cmd Command) (Quantity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Quantity{}, ErrClosed
	}
	if e.broken != nil {
		return Quantity{}, e.broken
	}
	if cmd.Decode == nil {
		return Quantity{}, fmt.Errorf("%w: %s has no decoder", ErrDecode, cmd.Name)
	}

	if cmd.IsAdapter() {
		lines, err := e.exchange(ctx, cmd.AT)
		if err != nil {
			return Quantity{}, e.fail(err)
		}
		if err := responseError(lines); err != nil {
			return Quantity{}, err
		}
		if len(lines) == 0 {
			return Quantity{}, fmt.Errorf("%w: empty response to %s", ErrNoData, cmd.AT)
		}
		return cmd.Decode([]byte(lines[len(lines)-1]))
	}

	if !e.pidSupported(cmd.Mode, cmd.PID) {
		return Quantity{}, fmt.Errorf("%w: %s", ErrUnsupported, cmd)
	}

	data, err := e.queryPID(ctx, cmd.Mode, cmd.PID)
	if err != nil {
		return Quantity{}, e.fail(err)
	}
	if e.status < StatusVehicle {
		e.status = StatusVehicle
		e.logger.Info("obd vehicle link established")
	}
	return cmd.Decode(data)
}

// Probe reports whether the link is still usable. It does not touch the bus.
func (e *ELM327) Probe(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.broken
}

// Status returns how far the link reaches.
func (e *ELM327) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.broken != nil {
		return StatusNotConnected
	}
	return e.status
}

// Close releases the port. Safe to call twice.
func (e *ELM327) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.port.Close()
}

func (e *ELM327) fail(err error) error {
	if errors.Is(err, ErrIO) && e.broken == nil {
		e.broken = err
	}
	return err
}

func (e *ELM327) pidSupported(mode, pid byte) bool {
	if mode != ModeCurrentData || e.supported == nil {
		return true
	}
	if pid%0x20 == 0 || pid > e.knownUpTo {
		return true
	}
	return e.supported[pid]
}

// ============================================================================
// Wire handling
// ============================================================================

// queryPID requests mode/pid and returns the data bytes after the header.
func (e *ELM327) queryPID(ctx context.Context, mode, pid byte) ([]byte, error) {
	req := fmt.Sprintf("%02X%02X", mode, pid)
	lines, err := e.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := responseError(lines); err != nil {
		return nil, err
	}

	for _, line := range lines {
		b, ok := parseHexLine(line)
		if !ok || len(b) < 2 {
			continue
		}
		if b[0] == 0x40+mode && b[1] == pid {
			return b[2:], nil
		}
	}
	return nil, fmt.Errorf("%w: unexpected response to %s: %q", ErrNoData, req, strings.Join(lines, " | "))
}

// exchange writes req and returns the response lines up to the prompt.
func (e *ELM327) exchange(ctx context.Context, req string) ([]string, error) {
	if err := e.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("%w: reset input: %w", ErrIO, err)
	}
	if _, err := e.port.Write([]byte(req + "\r")); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrIO, req, err)
	}
	raw, err := e.readUntilPrompt(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req, err)
	}
	return splitResponse(raw, req), nil
}

func (e *ELM327) readUntilPrompt(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(e.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
		}

		n, err := e.port.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if i := bytes.IndexByte(buf, prompt); i >= 0 {
				return buf[:i], nil
			}
			if len(buf) > maxResponse {
				return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrNoData, maxResponse)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read: %w", ErrIO, err)
		}
		if time.Now().After(deadline) {
			return nil, ErrNoResponse
		}
	}
}

// splitResponse breaks raw adapter output into trimmed lines, dropping the
// command echo and progress chatter.
func splitResponse(raw []byte, req string) []string {
	text := strings.ReplaceAll(string(raw), "\n", "\r")
	var lines []string
	for _, l := range strings.Split(text, "\r") {
		l = strings.TrimSpace(l)
		switch {
		case l == "", l == req:
			continue
		case strings.HasPrefix(l, "SEARCHING"):
			continue
		case strings.HasPrefix(l, "BUS INIT") && !strings.Contains(l, "ERROR"):
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// responseError maps the adapter's error replies to ErrNoData.
func responseError(lines []string) error {
	for _, l := range lines {
		u := strings.ToUpper(l)
		if u == "?" ||
			strings.Contains(u, "NO DATA") ||
			strings.Contains(u, "UNABLE TO CONNECT") ||
			strings.Contains(u, "ERROR") ||
			strings.Contains(u, "STOPPED") ||
			strings.Contains(u, "BUS BUSY") {
			return fmt.Errorf("%w: %s", ErrNoData, l)
		}
	}
	return nil
}

func hasOK(lines []string) bool {
	for _, l := range lines {
		if strings.EqualFold(l, "OK") {
			return true
		}
	}
	return false
}

func parseHexLine(line string) ([]byte, bool) {
	compact := strings.ReplaceAll(line, " ", "")
	if compact == "" || len(compact)%2 != 0 {
		return nil, false
	}
	b, err := hex.DecodeString(compact)
	if err != nil {
		return nil, false
	}
	return b, true
}

// ============================================================================
// Serial dialer
// ============================================================================

// SerialDialer opens an ELM327 on a serial device.
type SerialDialer struct {
	// Port is the device path, e.g. /dev/ttyUSB0.
	Port string

	// Baud is the line speed; 0 selects 38400.
	Baud int

	// Timeout bounds each command during init and queries.
	Timeout time.Duration

	Logger Logger
}

// Dial opens the device and runs the adapter init sequence.
func (d SerialDialer) Dial(ctx context.Context) (Link, error) {
	baud := d.Baud
	if baud <= 0 {
		baud = 38400
	}

	p, err := serial.Open(d.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrConnectionFailed, d.Port, err)
	}
	if err := p.SetReadTimeout(serialPollInterval); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: set read timeout: %w", ErrConnectionFailed, err)
	}

	elm, err := OpenELM327(ctx, p, d.Timeout, d.Logger)
	if err != nil {
		return nil, err
	}
	return elm, nil
}
