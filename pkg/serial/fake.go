package serial

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// FakePort is an in-memory console used in place of a tty. Bytes handed to
// Feed become readable by the channel; everything the channel writes is kept
// for inspection.
type FakePort struct {
	// OpenErr, when set, fails every Open.
	OpenErr error

	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte
	hangup  bool
	written bytes.Buffer
	rts     []bool
	dtr     []bool
	flushes int
	opens   int
}

// NewFakePort returns an idle FakePort.
func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Open satisfies Opener. Each call returns a fresh handle sharing the same
// byte streams.
func (p *FakePort) Open(Config) (Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	p.opens++
	return &fakeConn{p: p}, nil
}

// Feed makes s readable by the channel.
func (p *FakePort) Feed(s string) {
	p.mu.Lock()
	p.pending = append(p.pending, s...)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Hangup simulates the device disappearing: reads drain what is left, then
// return io.EOF.
func (p *FakePort) Hangup() {
	p.mu.Lock()
	p.hangup = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Written returns everything written so far.
func (p *FakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Flushes reports how many times the OS buffers were flushed.
func (p *FakePort) Flushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

// Opens reports how many times the port was opened.
func (p *FakePort) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// RTS returns the RTS levels driven so far, oldest first.
func (p *FakePort) RTS() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.rts...)
}

// DTR returns the DTR levels driven so far, oldest first.
func (p *FakePort) DTR() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.dtr...)
}

type fakeConn struct {
	p      *FakePort
	closed bool
}

func (c *fakeConn) Read(b []byte) (int, error) {
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.pending) == 0 && !p.hangup && !c.closed {
		p.cond.Wait()
	}
	if c.closed {
		return 0, os.ErrClosed
	}
	if len(p.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (c *fakeConn) Write(b []byte) (int, error) {
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.closed {
		return 0, os.ErrClosed
	}
	return p.written.Write(b)
}

func (c *fakeConn) Close() error {
	c.p.mu.Lock()
	c.closed = true
	c.p.mu.Unlock()
	c.p.cond.Broadcast()
	return nil
}

func (c *fakeConn) Flush() error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.pending = nil
	c.p.flushes++
	return nil
}

func (c *fakeConn) SetRTS(on bool) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.rts = append(c.p.rts, on)
	return nil
}

func (c *fakeConn) SetDTR(on bool) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.dtr = append(c.p.dtr, on)
	return nil
}
