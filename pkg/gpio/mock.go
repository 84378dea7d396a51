package gpio

import (
	"fmt"
	"sync"
)

// MockInterfaceName is the io_interface name of the in-memory backend.
const MockInterfaceName = "mock_gpio"

func init() {
	Register(MockInterfaceName, func() (Interface, error) { return NewMockInterface(), nil })
}

// MockInterface is an in-memory GPIO controller. Pins keep the last value
// written and can be driven externally with Drive.
type MockInterface struct {
	mu     sync.Mutex
	pins   map[string]*MockPin
	closed bool
}

// NewMockInterface returns an empty MockInterface.
func NewMockInterface() *MockInterface {
	return &MockInterface{pins: map[string]*MockPin{}}
}

// Pin returns the mock pin for spec, creating it in input mode.
func (m *MockInterface) Pin(label, spec string) (Pin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if p, ok := m.pins[spec]; ok {
		return p, nil
	}
	p := &MockPin{Label: label, Spec: spec, mode: ModeInput}
	m.pins[spec] = p
	return p, nil
}

// Close marks every pin released.
func (m *MockInterface) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, p := range m.pins {
		p.Close()
	}
	return nil
}

// MockPin is a pin of a MockInterface.
type MockPin struct {
	Label string
	Spec  string

	mu     sync.Mutex
	mode   Mode
	value  int
	writes []int
	closed bool
}

func (p *MockPin) SetMode(mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if mode != ModeInput && mode != ModeOutput {
		return fmt.Errorf("gpio: invalid mode %q", mode)
	}
	p.mode = mode
	return nil
}

func (p *MockPin) Read() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	return p.value, nil
}

func (p *MockPin) Write(value int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.mode != ModeOutput {
		return fmt.Errorf("%w: write to %s pin %s", ErrWrongMode, p.mode, p.Label)
	}
	p.value = value
	p.writes = append(p.writes, value)
	return nil
}

func (p *MockPin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Drive sets the level seen by Read, as if the board drove the line.
func (p *MockPin) Drive(value int) {
	p.mu.Lock()
	p.value = value
	p.mu.Unlock()
}

// Mode returns the current pin direction.
func (p *MockPin) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Writes returns every value written, oldest first.
func (p *MockPin) Writes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.writes...)
}

// Released reports whether the pin was closed.
func (p *MockPin) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
