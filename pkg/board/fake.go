package board

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/gpio"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/serial"
)

// Call is one recorded operation on a FakeBoard.
type Call struct {
	Slot int
	Op   string
	Arg  string
}

func (c Call) String() string {
	if c.Arg != "" {
		return fmt.Sprintf("%d:%s(%s)", c.Slot, c.Op, c.Arg)
	}
	return fmt.Sprintf("%d:%s", c.Slot, c.Op)
}

// CallLog is an ordered record of operations shared by several fake boards.
type CallLog struct {
	mu    sync.Mutex
	calls []Call
}

// Record appends a call.
func (l *CallLog) Record(slot int, op, arg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, Call{Slot: slot, Op: op, Arg: arg})
}

// Calls returns every recorded call in order.
func (l *CallLog) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Ops returns the calls made on one slot, rendered as "op" or "op(arg)".
func (l *CallLog) Ops(slot int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ops []string
	for _, c := range l.calls {
		if c.Slot != slot {
			continue
		}
		if c.Arg != "" {
			ops = append(ops, c.Op+"("+c.Arg+")")
		} else {
			ops = append(ops, c.Op)
		}
	}
	return ops
}

// Count returns how often op was recorded for slot.
func (l *CallLog) Count(slot int, op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Slot == slot && c.Op == op {
			n++
		}
	}
	return n
}

// FakeBoard is an in-memory Board. It follows the real lifecycle table,
// records every call in a CallLog and talks over a serial.FakePort.
type FakeBoard struct {
	// Fail makes an operation return the given error without changing state.
	Fail map[Op]error
	// Port feeds the board's console.
	Port *serial.FakePort
	// OnStep, when set, runs after every successful operation.
	OnStep func(op Op)

	slot    int
	desc    Descriptor
	log     *CallLog
	channel *serial.Channel
	console serial.Console
	pins    *gpio.Bank

	mu       sync.Mutex
	state    State
	cleanups int
}

var _ Board = (*FakeBoard)(nil)

// NewFakeBoard returns a Fresh fake board with an open console. The console
// device is the descriptor's serial_port, or /dev/ttyFAKE<slot>.
func NewFakeBoard(slot int, desc Descriptor, log *CallLog) (*FakeBoard, error) {
	if log == nil {
		log = &CallLog{}
	}
	device := desc.SerialPort
	if device == "" {
		device = fmt.Sprintf("/dev/ttyFAKE%d", slot)
	}
	port := serial.NewFakePort()
	ch := serial.NewChannel(serial.Config{Device: device}, serial.WithOpener(port.Open))
	if err := ch.Open(); err != nil {
		return nil, err
	}
	var pins *gpio.Bank
	if len(desc.PinMappings) > 0 {
		var err error
		if pins, err = gpio.NewBank(desc.PinMappings); err != nil {
			ch.Close()
			return nil, err
		}
	}
	b := &FakeBoard{
		Fail:    map[Op]error{},
		Port:    port,
		slot:    slot,
		desc:    desc,
		log:     log,
		channel: ch,
		pins:    pins,
	}
	b.console = &recordingConsole{Channel: ch, board: b}
	return b, nil
}

func (b *FakeBoard) Slot() int               { return b.slot }
func (b *FakeBoard) Name() string            { return fmt.Sprintf("%s[%d]", b.desc.Model, b.slot) }
func (b *FakeBoard) Descriptor() Descriptor  { return b.desc }
func (b *FakeBoard) Arch() string            { return "cortex-m4" }
func (b *FakeBoard) Console() serial.Console { return b.console }
func (b *FakeBoard) GPIO() *gpio.Bank        { return b.pins }

// Channel returns the concrete console.
func (b *FakeBoard) Channel() *serial.Channel { return b.channel }

func (b *FakeBoard) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Cleanups reports how many times Cleanup was called.
func (b *FakeBoard) Cleanups() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleanups
}

func (b *FakeBoard) step(op Op, arg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Record(b.slot, op.String(), arg)
	next, err := NextState(b.state, op)
	if err != nil {
		return fmt.Errorf("board %s: %w", b.Name(), err)
	}
	if err := b.Fail[op]; err != nil {
		return fmt.Errorf("board %s: %s: %w", b.Name(), op, err)
	}
	b.state = next
	if b.OnStep != nil {
		b.OnStep(op)
	}
	return nil
}

func (b *FakeBoard) EraseBoard(ctx context.Context) error  { return b.step(OpErase, "") }
func (b *FakeBoard) FlashKernel(ctx context.Context) error { return b.step(OpFlashKernel, "") }
func (b *FakeBoard) Reset(ctx context.Context) error       { return b.step(OpReset, "") }

func (b *FakeBoard) FlashApp(ctx context.Context, app AppSpec) error {
	return b.step(OpFlashApp, app.withDefaults().Name)
}

// Cleanup releases the fake's console and pins. Every call is counted.
func (b *FakeBoard) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Record(b.slot, OpCleanup.String(), "")
	b.cleanups++
	b.state = StateCleaned
	var errs []error
	if b.pins != nil {
		errs = append(errs, b.pins.Close())
	}
	errs = append(errs, b.channel.Close(), b.Fail[OpCleanup])
	return errors.Join(errs...)
}

// recordingConsole logs flushes in the board's CallLog.
type recordingConsole struct {
	*serial.Channel
	board *FakeBoard
}

func (c *recordingConsole) Flush() error {
	c.board.log.Record(c.board.slot, "flush", "")
	return c.Channel.Flush()
}
