//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "hwci"

func init() {
	Register(RaspberryPi5InterfaceName, func() (Interface, error) { return NewCdevInterface(DefaultChip), nil })
	Register(CdevInterfaceName, func() (Interface, error) { return NewCdevInterface(DefaultChip), nil })
}

// CdevInterface requests lines through the Linux GPIO character device.
// Pin specs are "<offset>" on the default chip or "<chip>:<offset>".
type CdevInterface struct {
	defaultChip string

	mu    sync.Mutex
	lines []*cdevPin
}

// NewCdevInterface returns an interface whose bare offsets refer to chip.
func NewCdevInterface(chip string) *CdevInterface {
	return &CdevInterface{defaultChip: chip}
}

// Pin requests the line named by spec as an input.
func (c *CdevInterface) Pin(label, spec string) (Pin, error) {
	chip, offset, err := ParsePinSpec(spec, c.defaultChip)
	if err != nil {
		return nil, err
	}
	line, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsInput, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, err
	}
	p := &cdevPin{label: label, line: line, mode: ModeInput}
	c.mu.Lock()
	c.lines = append(c.lines, p)
	c.mu.Unlock()
	return p, nil
}

// Close releases every line still held.
func (c *CdevInterface) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.lines {
		p.Close()
	}
	c.lines = nil
	return nil
}

type cdevPin struct {
	label string

	mu     sync.Mutex
	line   *gpiocdev.Line
	mode   Mode
	closed bool
}

func (p *cdevPin) SetMode(mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	var err error
	switch mode {
	case ModeInput:
		err = p.line.Reconfigure(gpiocdev.AsInput)
	case ModeOutput:
		err = p.line.Reconfigure(gpiocdev.AsOutput(0))
	default:
		return fmt.Errorf("gpio: invalid mode %q", mode)
	}
	if err != nil {
		return fmt.Errorf("gpio: set %s mode %s: %w", p.label, mode, err)
	}
	p.mode = mode
	return nil
}

func (p *cdevPin) Read() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.mode != ModeInput {
		return 0, fmt.Errorf("%w: read of %s pin %s", ErrWrongMode, p.mode, p.label)
	}
	return p.line.Value()
}

func (p *cdevPin) Write(value int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.mode != ModeOutput {
		return fmt.Errorf("%w: write to %s pin %s", ErrWrongMode, p.mode, p.label)
	}
	return p.line.SetValue(value)
}

func (p *cdevPin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.line.Close()
}
