// Package registry turns board descriptors into ready board sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/gpio"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/serial"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/toolexec"
)

var (
	// ErrUnknownModel is returned for a descriptor naming no known model.
	ErrUnknownModel = errors.New("registry: unknown board model")
	// ErrDescriptorNotFound is returned for a missing descriptor file.
	ErrDescriptorNotFound = errors.New("registry: descriptor not found")
	// ErrDeviceConflict is returned when two slots resolve to the same
	// serial device or GPIO pin.
	ErrDeviceConflict = errors.New("registry: device claimed by two boards")
)

// Resolver builds the ordered board list for a run.
type Resolver interface {
	Resolve(ctx context.Context, descs []board.Descriptor, reqs map[int]board.Requirement) ([]board.Board, error)
}

// LoadDescriptor reads and validates one descriptor file.
func LoadDescriptor(path string) (board.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return board.Descriptor{}, fmt.Errorf("%w: %s", ErrDescriptorNotFound, path)
		}
		return board.Descriptor{}, fmt.Errorf("registry: %w", err)
	}
	defer f.Close()
	return board.DecodeDescriptor(f, path)
}

// LoadDescriptors loads every path in order and stops at the first failure.
func LoadDescriptors(paths ...string) ([]board.Descriptor, error) {
	descs := make([]board.Descriptor, 0, len(paths))
	for _, p := range paths {
		d, err := LoadDescriptor(p)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// Registry resolves descriptors against a model catalog and the host's
// serial ports.
type Registry struct {
	Catalog *board.Catalog
	Lister  probe.Lister
	Tools   toolexec.Runner
	// Opener opens console devices; nil uses serial.OpenDevice.
	Opener serial.Opener
	Paths  board.Paths
	Logger *slog.Logger

	OpObserver     board.OpObserver
	SerialObserver serial.Observer
	HardReset      board.HardResetFunc
}

// plan is a fully resolved slot that has not touched hardware yet.
type plan struct {
	slot   int
	desc   board.Descriptor
	model  *board.Model
	device string
}

var _ Resolver = (*Registry)(nil)

// Resolve merges each slot's requirement into its descriptor, resolves the
// model and console device, and checks that no device or pin is shared.
// Only then are consoles opened and sessions built, in slot order. On any
// failure everything opened so far is released and no boards are returned.
func (r *Registry) Resolve(ctx context.Context, descs []board.Descriptor, reqs map[int]board.Requirement) ([]board.Board, error) {
	logger := r.logger()
	plans, err := r.plan(descs, reqs)
	if err != nil {
		return nil, err
	}

	boards := make([]board.Board, 0, len(plans))
	for _, p := range plans {
		if err := ctx.Err(); err != nil {
			return nil, errors.Join(err, cleanupAll(boards))
		}
		s, err := r.build(p)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("registry: slot %d: %w", p.slot, err), cleanupAll(boards))
		}
		logger.Info("board resolved", "slot", p.slot, "model", p.model.Name, "device", p.device,
			"kernel_config", s.KernelConfig(), "role", p.desc.Role)
		boards = append(boards, s)
	}
	return boards, nil
}

func (r *Registry) plan(descs []board.Descriptor, reqs map[int]board.Requirement) ([]plan, error) {
	if r.Catalog == nil {
		return nil, errors.New("registry: no model catalog")
	}
	var ports []probe.Port
	listed := false

	plans := make([]plan, 0, len(descs))
	for i, d := range descs {
		merged := d.Merge(reqs[i])
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("registry: slot %d: %w", i, err)
		}
		model, ok := r.Catalog.Lookup(merged.Model)
		if !ok {
			return nil, fmt.Errorf("%w %q in slot %d", ErrUnknownModel, merged.Model, i)
		}
		if _, err := model.Variant(merged.KernelConfig); err != nil {
			return nil, fmt.Errorf("registry: slot %d: %w", i, err)
		}

		device := merged.SerialPort
		if device == "" {
			if !listed {
				if r.Lister == nil {
					return nil, fmt.Errorf("registry: slot %d: no serial_port and no port lister", i)
				}
				var err error
				if ports, err = r.Lister.Ports(); err != nil {
					return nil, fmt.Errorf("registry: list serial ports: %w", err)
				}
				listed = true
			}
			port, err := probe.Select(ports, model.Selector(merged))
			if err != nil {
				return nil, fmt.Errorf("registry: slot %d (%s): %w", i, merged.Model, err)
			}
			device = port.Device
		}
		plans = append(plans, plan{slot: i, desc: merged, model: model, device: device})
	}
	if err := checkConflicts(plans); err != nil {
		return nil, err
	}
	return plans, nil
}

// checkConflicts rejects plans that share a serial device or a GPIO pin.
func checkConflicts(plans []plan) error {
	devices := map[string]int{}
	pins := map[string]int{}
	for _, p := range plans {
		if prev, ok := devices[p.device]; ok {
			return fmt.Errorf("%w: slots %d and %d both use %s", ErrDeviceConflict, prev, p.slot, p.device)
		}
		devices[p.device] = p.slot
		for label, m := range p.desc.PinMappings {
			key := m.Key()
			if prev, ok := pins[key]; ok && prev != p.slot {
				return fmt.Errorf("%w: slots %d and %d both use pin %s (%s)", ErrDeviceConflict, prev, p.slot, key, label)
			}
			pins[key] = p.slot
		}
	}
	return nil
}

func (r *Registry) build(p plan) (*board.Session, error) {
	logger := r.logger()
	baud := p.model.BaudRate
	if baud == 0 {
		baud = serial.DefaultBaudRate
	}
	opts := []serial.Option{serial.WithLogger(logger)}
	if r.Opener != nil {
		opts = append(opts, serial.WithOpener(r.Opener))
	}
	if r.SerialObserver != nil {
		opts = append(opts, serial.WithObserver(r.SerialObserver))
	}
	console := serial.NewChannel(serial.Config{
		Device:      p.device,
		BaudRate:    baud,
		WritePacing: p.model.WritePacing,
		RTS:         p.model.OpenRTS,
		DTR:         p.model.OpenDTR,
	}, opts...)

	var pins *gpio.Bank
	if len(p.desc.PinMappings) > 0 {
		var err error
		if pins, err = gpio.NewBank(p.desc.PinMappings); err != nil {
			return nil, err
		}
	}
	if err := console.Open(); err != nil {
		return nil, closePins(pins, err)
	}

	s, err := board.NewSession(board.SessionConfig{
		Slot:       p.slot,
		Descriptor: p.desc,
		Model:      p.model,
		Paths:      r.Paths,
		Tools:      r.Tools,
		Console:    console,
		Pins:       pins,
		Logger:     logger,
		Observer:   r.OpObserver,
		HardReset:  r.HardReset,
	})
	if err != nil {
		return nil, closePins(pins, errors.Join(err, console.Close()))
	}
	return s, nil
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func closePins(pins *gpio.Bank, err error) error {
	if pins == nil {
		return err
	}
	return errors.Join(err, pins.Close())
}

// cleanupAll releases boards in reverse order of construction.
func cleanupAll(boards []board.Board) error {
	var errs []error
	for i := len(boards) - 1; i >= 0; i-- {
		if err := boards[i].Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
