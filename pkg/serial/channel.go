// Package serial implements the console channel of a board under test: a
// byte stream that test code waits on with regular-expression patterns.
package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout applies when Expect is called with a zero timeout.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNotOpen is returned by operations that need an open channel.
	ErrNotOpen = errors.New("serial: channel not open")
	// ErrOpen wraps failures to acquire the underlying device.
	ErrOpen = errors.New("serial: cannot open device")
	// ErrBroken reports end-of-stream on the device while waiting.
	ErrBroken = errors.New("serial: channel broken")
	// ErrBusy is returned when a wait is already in flight on the channel.
	ErrBusy = errors.New("serial: another wait is in progress")
)

// Config describes how a console device is opened and paced.
type Config struct {
	Device   string
	BaudRate int
	// WritePacing is the minimum delay between transmitted bytes.
	WritePacing time.Duration
	// RTS and DTR, when non-nil, are driven to the given level on open.
	RTS *bool
	DTR *bool
}

// Outcome classifies how a wait finished.
type Outcome string

const (
	OutcomeMatch   Outcome = "match"
	OutcomeTimeout Outcome = "timeout"
	OutcomeBroken  Outcome = "broken"
)

// Observer receives the outcome of every wait on a channel.
type Observer func(device string, outcome Outcome)

// Match is a successful pattern wait.
type Match struct {
	// Bytes is the matched span.
	Bytes []byte
	// Groups holds capture groups; Groups[0] equals Bytes.
	Groups [][]byte
	// Before holds the bytes discarded ahead of the match.
	Before []byte
}

func (m *Match) String() string {
	if m == nil {
		return ""
	}
	return string(m.Bytes)
}

// Group returns capture group i as a string, or "" when absent.
func (m *Match) Group(i int) string {
	if m == nil || i < 0 || i >= len(m.Groups) {
		return ""
	}
	return string(m.Groups[i])
}

// Console is the test-facing view of a board's serial channel.
type Console interface {
	Device() string
	Flush() error
	Expect(ctx context.Context, pattern string, timeout time.Duration, opts ...ExpectOption) (*Match, error)
	Write(ctx context.Context, p []byte) error
	ReadAvailable(ctx context.Context, quiet time.Duration) ([]byte, error)
}

type expectOptions struct {
	quiet bool
}

// ExpectOption tunes a single wait.
type ExpectOption func(*expectOptions)

// Quiet suppresses the timeout diagnostic. A timeout is still reported as a
// nil match.
func Quiet() ExpectOption {
	return func(o *expectOptions) { o.quiet = true }
}

// Option configures a Channel.
type Option func(*Channel)

// WithOpener replaces the device opener.
func WithOpener(open Opener) Option {
	return func(c *Channel) { c.opener = open }
}

// WithLogger sets the channel logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithObserver registers a wait-outcome callback.
func WithObserver(obs Observer) Option {
	return func(c *Channel) { c.observe = obs }
}

// stream is the reader side of one open/close cycle.
type stream struct {
	data chan []byte
	done chan struct{} // closed once the reader hit an error
	stop chan struct{} // closed by Close
	err  error
}

// Channel is a console connection to one board.
//
// At most one wait (Expect, ReadAvailable, Flush) runs at a time. Writes may
// proceed concurrently with a wait.
type Channel struct {
	cfg     Config
	opener  Opener
	log     *slog.Logger
	observe Observer

	mu      sync.Mutex
	port    Port
	st      *stream
	limiter *rate.Limiter

	waitMu  sync.Mutex
	pending []byte
	// pendingFrom is the stream pending was read from. Bytes from an earlier
	// open are dropped once a wait sees a new stream.
	pendingFrom *stream
}

// NewChannel returns a closed channel for cfg.
func NewChannel(cfg Config, opts ...Option) *Channel {
	c := &Channel{cfg: cfg, opener: OpenDevice}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("device", cfg.Device)
	return c
}

// Device returns the device path the channel binds to.
func (c *Channel) Device() string {
	return c.cfg.Device
}

// Config returns the channel configuration.
func (c *Channel) Config() Config {
	return c.cfg
}

// IsOpen reports whether the device is currently held.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

// Open acquires the device. Opening an open channel is a no-op.
func (c *Channel) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}

	port, err := c.opener(c.cfg)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrOpen, c.cfg.Device, err)
	}
	if err := c.applyModemLines(port); err != nil {
		port.Close()
		return fmt.Errorf("%w %s: %v", ErrOpen, c.cfg.Device, err)
	}

	st := &stream{
		data: make(chan []byte, 64),
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	go readLoop(port, st)

	c.port = port
	c.st = st
	if c.cfg.WritePacing > 0 {
		c.limiter = rate.NewLimiter(rate.Every(c.cfg.WritePacing), 1)
	} else {
		c.limiter = nil
	}
	c.log.Debug("serial channel opened", "baud", c.cfg.BaudRate)
	return nil
}

func (c *Channel) applyModemLines(port Port) error {
	if c.cfg.RTS == nil && c.cfg.DTR == nil {
		return nil
	}
	lines, ok := port.(ModemLines)
	if !ok {
		return errNoModemLines
	}
	if c.cfg.RTS != nil {
		if err := lines.SetRTS(*c.cfg.RTS); err != nil {
			return fmt.Errorf("set RTS: %w", err)
		}
	}
	if c.cfg.DTR != nil {
		if err := lines.SetDTR(*c.cfg.DTR); err != nil {
			return fmt.Errorf("set DTR: %w", err)
		}
	}
	return nil
}

// readLoop pumps the port into st.data until the port fails or the channel is
// closed. Device ports return errIdle on silence so the loop can see stop.
func readLoop(port Port, st *stream) {
	for {
		buf := make([]byte, 4096)
		n, err := port.Read(buf)
		if n > 0 {
			select {
			case st.data <- buf[:n]:
			case <-st.stop:
				return
			}
		}
		if errors.Is(err, errIdle) {
			select {
			case <-st.stop:
				return
			default:
				continue
			}
		}
		if err != nil {
			select {
			case <-st.stop:
			default:
				st.err = err
				close(st.done)
			}
			return
		}
	}
}

// Close releases the device. Closing a closed channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	close(c.st.stop)
	err := c.port.Close()
	c.port = nil
	c.st = nil
	c.limiter = nil
	c.log.Debug("serial channel closed")
	if err != nil {
		return fmt.Errorf("serial: close %s: %w", c.cfg.Device, err)
	}
	return nil
}

func (c *Channel) current() (Port, *stream, *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port, c.st, c.limiter
}

// SetRTS drives the RTS line of an open channel.
func (c *Channel) SetRTS(on bool) error {
	port, _, _ := c.current()
	if port == nil {
		return ErrNotOpen
	}
	lines, ok := port.(ModemLines)
	if !ok {
		return errNoModemLines
	}
	return lines.SetRTS(on)
}

// SetDTR drives the DTR line of an open channel.
func (c *Channel) SetDTR(on bool) error {
	port, _, _ := c.current()
	if port == nil {
		return ErrNotOpen
	}
	lines, ok := port.(ModemLines)
	if !ok {
		return errNoModemLines
	}
	return lines.SetDTR(on)
}

// Flush discards everything received so far, both in the OS buffers and in
// the channel's own pending bytes.
func (c *Channel) Flush() error {
	if !c.waitMu.TryLock() {
		return ErrBusy
	}
	defer c.waitMu.Unlock()

	port, st, _ := c.current()
	if port == nil {
		return ErrNotOpen
	}
	c.bind(st)
	if f, ok := port.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("serial: flush %s: %w", c.cfg.Device, err)
		}
	}
drain:
	for {
		select {
		case <-st.data:
		default:
			break drain
		}
	}
	c.pending = nil
	return nil
}

// Write transmits p, pacing bytes when the channel is configured to.
func (c *Channel) Write(ctx context.Context, p []byte) error {
	port, _, limiter := c.current()
	if port == nil {
		return ErrNotOpen
	}
	if limiter == nil {
		if _, err := port.Write(p); err != nil {
			return fmt.Errorf("serial: write %s: %w", c.cfg.Device, err)
		}
		return nil
	}
	for i := range p {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := port.Write(p[i : i+1]); err != nil {
			return fmt.Errorf("serial: write %s: %w", c.cfg.Device, err)
		}
	}
	return nil
}

// Expect waits up to timeout for pattern to appear in the incoming stream.
//
// On a match, the matched bytes and everything before them are consumed. On a
// timeout Expect returns a nil match and a nil error and keeps every pending
// byte for the next wait; unless Quiet is given, the pattern and the bytes
// received so far are logged. End-of-stream returns ErrBroken.
func (c *Channel) Expect(ctx context.Context, pattern string, timeout time.Duration, opts ...ExpectOption) (*Match, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("serial: bad pattern %q: %w", pattern, err)
	}
	return c.ExpectRegexp(ctx, re, timeout, opts...)
}

// ExpectRegexp is Expect with a precompiled pattern.
func (c *Channel) ExpectRegexp(ctx context.Context, re *regexp.Regexp, timeout time.Duration, opts ...ExpectOption) (*Match, error) {
	var o expectOptions
	for _, opt := range opts {
		opt(&o)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !c.waitMu.TryLock() {
		return nil, ErrBusy
	}
	defer c.waitMu.Unlock()

	_, st, _ := c.current()
	if st == nil {
		return nil, ErrNotOpen
	}
	c.bind(st)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if m := c.consume(re); m != nil {
			c.report(OutcomeMatch)
			return m, nil
		}
		select {
		case chunk := <-st.data:
			c.pending = append(c.pending, chunk...)
		case <-st.done:
			c.drain(st)
			if m := c.consume(re); m != nil {
				c.report(OutcomeMatch)
				return m, nil
			}
			c.report(OutcomeBroken)
			c.log.Error("serial channel reached end of stream",
				"pattern", re.String(), "received", string(c.pending), "err", st.err)
			return nil, fmt.Errorf("%w: %s: %v (received %q)", ErrBroken, c.cfg.Device, st.err, c.pending)
		case <-st.stop:
			return nil, ErrNotOpen
		case <-timer.C:
			c.report(OutcomeTimeout)
			if !o.quiet {
				c.log.Error("timeout waiting for pattern",
					"pattern", re.String(), "timeout", timeout, "received", string(c.pending))
			}
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReadAvailable collects output until the line stays silent for quiet, then
// returns everything received, consuming it.
func (c *Channel) ReadAvailable(ctx context.Context, quiet time.Duration) ([]byte, error) {
	if !c.waitMu.TryLock() {
		return nil, ErrBusy
	}
	defer c.waitMu.Unlock()

	_, st, _ := c.current()
	if st == nil {
		return nil, ErrNotOpen
	}
	c.bind(st)

	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case chunk := <-st.data:
			c.pending = append(c.pending, chunk...)
			timer.Reset(quiet)
		case <-st.done:
			c.drain(st)
			return c.take(), nil
		case <-st.stop:
			return nil, ErrNotOpen
		case <-timer.C:
			return c.take(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// bind drops pending bytes left over from a previous open. Output from before
// a reset or a console release must not satisfy a later wait.
func (c *Channel) bind(st *stream) {
	if c.pendingFrom != st {
		c.pending = nil
		c.pendingFrom = st
	}
}

func (c *Channel) consume(re *regexp.Regexp) *Match {
	loc := re.FindSubmatchIndex(c.pending)
	if loc == nil {
		return nil
	}
	m := &Match{
		Before: append([]byte(nil), c.pending[:loc[0]]...),
		Groups: make([][]byte, len(loc)/2),
	}
	for i := range m.Groups {
		if loc[2*i] >= 0 {
			m.Groups[i] = append([]byte(nil), c.pending[loc[2*i]:loc[2*i+1]]...)
		}
	}
	m.Bytes = m.Groups[0]
	c.pending = append([]byte(nil), c.pending[loc[1]:]...)
	return m
}

func (c *Channel) take() []byte {
	out := c.pending
	c.pending = nil
	return out
}

func (c *Channel) drain(st *stream) {
	for {
		select {
		case chunk := <-st.data:
			c.pending = append(c.pending, chunk...)
		default:
			return
		}
	}
}

func (c *Channel) report(o Outcome) {
	if c.observe != nil {
		c.observe(c.cfg.Device, o)
	}
}
