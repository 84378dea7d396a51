// Package gpio gives test scenarios access to the I/O pins wired between the
// CI host and a board under test.
package gpio

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Mode is the direction of a pin.
type Mode string

const (
	ModeInput  Mode = "input"
	ModeOutput Mode = "output"
)

var (
	// ErrUnknownPin is returned for labels missing from the board's pin map.
	ErrUnknownPin = errors.New("gpio: unknown pin label")
	// ErrUnknownInterface is returned for unsupported io_interface names.
	ErrUnknownInterface = errors.New("gpio: unknown io interface")
	// ErrWrongMode is returned for reads of output pins and writes to input pins.
	ErrWrongMode = errors.New("gpio: pin in wrong mode")
	// ErrClosed is returned by pins whose bank was released.
	ErrClosed = errors.New("gpio: pin released")
)

// Mapping binds a pin label to a physical pin on a host interface.
type Mapping struct {
	Interface string `yaml:"io_interface" validate:"required"`
	PinSpec   string `yaml:"io_pin_spec" validate:"required"`
}

// Key identifies the physical pin, for conflict checks across boards.
// Character-device backends share one key space, so every spelling of a line
// ("17", "GPIO17", "gpiochip0:17") yields the same key.
func (m Mapping) Key() string {
	if isCdevBackend(m.Interface) {
		if chip, off, err := ParsePinSpec(m.PinSpec, DefaultChip); err == nil {
			return "cdev/" + chip + ":" + strconv.Itoa(off)
		}
	}
	return m.Interface + "/" + m.PinSpec
}

const (
	// RaspberryPi5InterfaceName is the io_interface name for the RP1 header
	// of a Raspberry Pi 5 host.
	RaspberryPi5InterfaceName = "raspberrypi5gpio"
	// CdevInterfaceName selects any GPIO character device.
	CdevInterfaceName = "gpiocdev"
	// DefaultChip is the chip bare offsets refer to.
	DefaultChip = "gpiochip0"
)

func isCdevBackend(name string) bool {
	return name == RaspberryPi5InterfaceName || name == CdevInterfaceName
}

// ParsePinSpec splits a pin spec into chip and line offset. Specs are
// "<offset>", "GPIO<offset>" or "<chip>:<offset>"; a /dev/ prefix on the
// chip is dropped.
func ParsePinSpec(spec, defaultChip string) (string, int, error) {
	chip := defaultChip
	off := spec
	if i := strings.LastIndexByte(spec, ':'); i >= 0 {
		chip, off = strings.TrimPrefix(spec[:i], "/dev/"), spec[i+1:]
	}
	off = strings.TrimPrefix(strings.ToUpper(off), "GPIO")
	n, err := strconv.Atoi(off)
	if err != nil || n < 0 || chip == "" {
		return "", 0, fmt.Errorf("gpio: bad pin spec %q", spec)
	}
	return chip, n, nil
}

// Pin is a single host-side I/O line.
type Pin interface {
	SetMode(mode Mode) error
	Read() (int, error)
	Write(value int) error
	Close() error
}

// Interface is a host GPIO controller that hands out pins.
type Interface interface {
	Pin(label string, spec string) (Pin, error)
	Close() error
}

// Factory creates an Interface by name.
type Factory func() (Interface, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a backend available under name.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends lists the registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether a backend is registered under name.
func Known(name string) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, ok := factories[name]
	return ok
}

func lookup(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Bank is the set of pins available to one board.
type Bank struct {
	mappings map[string]Mapping

	mu     sync.Mutex
	ifaces map[string]Interface
	pins   map[string]Pin
	closed bool
}

// NewBank validates mappings against the registered backends. Interfaces are
// opened lazily on first use of one of their pins.
func NewBank(mappings map[string]Mapping) (*Bank, error) {
	for label, m := range mappings {
		if !Known(m.Interface) {
			return nil, fmt.Errorf("%w %q for pin %q", ErrUnknownInterface, m.Interface, label)
		}
	}
	return &Bank{
		mappings: mappings,
		ifaces:   map[string]Interface{},
		pins:     map[string]Pin{},
	}, nil
}

// Labels returns the pin labels in sorted order.
func (b *Bank) Labels() []string {
	labels := make([]string, 0, len(b.mappings))
	for label := range b.mappings {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Mappings returns the physical mapping of every label.
func (b *Bank) Mappings() map[string]Mapping {
	out := make(map[string]Mapping, len(b.mappings))
	for k, v := range b.mappings {
		out[k] = v
	}
	return out
}

// Pin returns the pin behind label, requesting it from its interface on
// first use.
func (b *Bank) Pin(label string) (Pin, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if p, ok := b.pins[label]; ok {
		return p, nil
	}
	m, ok := b.mappings[label]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPin, label)
	}
	iface, ok := b.ifaces[m.Interface]
	if !ok {
		f, known := lookup(m.Interface)
		if !known {
			return nil, fmt.Errorf("%w %q", ErrUnknownInterface, m.Interface)
		}
		var err error
		iface, err = f()
		if err != nil {
			return nil, fmt.Errorf("gpio: open %s: %w", m.Interface, err)
		}
		b.ifaces[m.Interface] = iface
	}
	p, err := iface.Pin(label, m.PinSpec)
	if err != nil {
		return nil, fmt.Errorf("gpio: pin %q (%s): %w", label, m.PinSpec, err)
	}
	b.pins[label] = p
	return p, nil
}

// Close releases every requested pin, then every interface. All release
// errors are reported together.
func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for label, p := range b.pins {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gpio: release %q: %w", label, err))
		}
	}
	for name, iface := range b.ifaces {
		if err := iface.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gpio: close %s: %w", name, err))
		}
	}
	b.pins = nil
	b.ifaces = nil
	return errors.Join(errs...)
}
