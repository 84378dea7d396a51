package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/gpio"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/serial"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/toolexec"
)

// Paths locates the source trees firmware is built from.
type Paths struct {
	// KernelRoot is the kernel checkout; board directories are relative to it.
	KernelRoot string
	// AppsRoot is the application checkout; apps live under its examples
	// directory.
	AppsRoot string
}

// OpObserver is told about every finished lifecycle operation.
type OpObserver func(model string, op Op, took time.Duration, err error)

// SessionConfig gathers what a Session needs. Console must be constructed
// but need not be open.
type SessionConfig struct {
	Slot       int
	Descriptor Descriptor
	Model      *Model
	Paths      Paths
	Tools      toolexec.Runner
	Console    *serial.Channel
	Pins       *gpio.Bank
	Logger     *slog.Logger
	Observer   OpObserver
	// HardReset overrides the CMSIS-DAP reset used by the cmsis-dap method.
	HardReset HardResetFunc
}

// Session drives one physical board. It owns the board's console and pins
// exclusively from construction until Cleanup.
type Session struct {
	slot     int
	desc     Descriptor
	model    *Model
	variant  KernelVariant
	paths    Paths
	tools    toolexec.Runner
	console  *serial.Channel
	pins     *gpio.Bank
	prog     Programmer
	resetter Resetter
	observe  OpObserver
	log      *slog.Logger

	mu    sync.Mutex
	state State
}

var _ Board = (*Session)(nil)

// NewSession builds a Fresh session. The kernel configuration named by the
// descriptor must exist in the model.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Model == nil {
		return nil, errors.New("board: session needs a model")
	}
	if cfg.Tools == nil {
		return nil, errors.New("board: session needs a tool runner")
	}
	if cfg.Console == nil {
		return nil, errors.New("board: session needs a console")
	}
	variant, err := cfg.Model.Variant(cfg.Descriptor.KernelConfig)
	if err != nil {
		return nil, err
	}
	prog, err := programmerFor(cfg.Model)
	if err != nil {
		return nil, err
	}
	resetter, err := resetterFor(cfg.Model, cfg.HardReset)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		slot:     cfg.Slot,
		desc:     cfg.Descriptor,
		model:    cfg.Model,
		variant:  variant,
		paths:    cfg.Paths,
		tools:    cfg.Tools,
		console:  cfg.Console,
		pins:     cfg.Pins,
		prog:     prog,
		resetter: resetter,
		observe:  cfg.Observer,
		log:      logger.With("slot", cfg.Slot, "model", cfg.Model.Name, "device", cfg.Console.Device()),
		state:    StateFresh,
	}, nil
}

func (s *Session) Slot() int              { return s.slot }
func (s *Session) Descriptor() Descriptor { return s.desc }
func (s *Session) Model() *Model          { return s.model }
func (s *Session) Arch() string           { return s.model.Arch }
func (s *Session) GPIO() *gpio.Bank       { return s.pins }

// Name identifies the session in logs and errors.
func (s *Session) Name() string {
	return fmt.Sprintf("%s[%d]", s.model.Name, s.slot)
}

// KernelConfig returns the resolved kernel configuration name.
func (s *Session) KernelConfig() string {
	return s.model.kernelConfigName(s.desc.KernelConfig)
}

// Console returns the board's serial channel.
func (s *Session) Console() serial.Console {
	return s.console
}

// Channel returns the concrete console channel.
func (s *Session) Channel() *serial.Channel {
	return s.console
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) vars() Vars {
	return Vars{
		SerialNumber: s.desc.SerialNumber,
		Device:       s.console.Device(),
		FlashFile:    s.model.FlashFile,
		Board:        s.model.TockloaderBoard,
	}
}

// do runs fn as lifecycle operation op, advancing the state only when fn
// succeeds.
func (s *Session) do(ctx context.Context, op Op, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := NextState(s.state, op)
	if err != nil {
		return fmt.Errorf("board %s: %w", s.Name(), err)
	}
	start := time.Now()
	err = fn(ctx)
	took := time.Since(start)
	if s.observe != nil {
		s.observe(s.model.Name, op, took, err)
	}
	if err != nil {
		s.log.Error("board operation failed", "op", op.String(), "took", took, "err", err)
		return fmt.Errorf("board %s: %s: %w", s.Name(), op, err)
	}
	s.log.Info("board operation finished", "op", op.String(), "state", next.String(), "took", took)
	s.state = next
	return nil
}

// EraseBoard wipes the board's applications. It is the safe first step on a
// board in unknown condition.
func (s *Session) EraseBoard(ctx context.Context) error {
	return s.do(ctx, OpErase, func(ctx context.Context) error {
		s.log.Info("erasing board")
		if err := s.runTemplate(ctx, s.model.EraseCommand); err != nil {
			return err
		}
		if s.model.ResetAfterErase {
			return s.resetter.Reset(ctx, s)
		}
		return nil
	})
}

// FlashKernel builds the configured kernel variant and writes it to the
// board.
func (s *Session) FlashKernel(ctx context.Context) error {
	return s.do(ctx, OpFlashKernel, func(ctx context.Context) error {
		s.log.Info("flashing kernel", "kernel_config", s.KernelConfig(), "board_dir", s.variant.BoardDir)

		if !isDir(s.paths.KernelRoot) {
			return fmt.Errorf("%w: kernel tree %q", ErrMissingSourceTree, s.paths.KernelRoot)
		}
		boardDir := filepath.Join(s.paths.KernelRoot, filepath.FromSlash(s.variant.BoardDir))
		if !isDir(boardDir) {
			return fmt.Errorf("%w: board directory %q", ErrMissingSourceTree, boardDir)
		}

		if s.variant.MakeTarget != "" {
			return s.withConsoleReleased(func() error {
				return s.transfer(ctx, toolexec.Command{Name: "make", Args: []string{s.variant.MakeTarget}, Dir: boardDir})
			})
		}

		if err := s.build(ctx, boardDir, nil); err != nil {
			return err
		}
		image := filepath.Join(s.paths.KernelRoot, "target", s.model.KernelTarget, "release", s.variant.Binary)
		if !isFile(image) {
			return fmt.Errorf("%w: kernel image %q not produced", ErrBuildFailed, image)
		}
		args := append([]string{"flash"}, s.prog.ConnectArgs(s.vars())...)
		if s.model.FlashAddress != "" {
			args = append(args, "--address", s.model.FlashAddress)
		}
		args = append(args, image)
		return s.withConsoleReleased(func() error {
			return s.transfer(ctx, toolexec.Command{Name: "tockloader", Args: args, Dir: boardDir})
		})
	})
}

// FlashApp builds app for the board's architecture and installs it.
func (s *Session) FlashApp(ctx context.Context, app AppSpec) error {
	app = app.withDefaults()
	return s.do(ctx, OpFlashApp, func(ctx context.Context) error {
		s.log.Info("flashing app", "app", app.Name, "path", app.Path)

		if !isDir(s.paths.AppsRoot) {
			return fmt.Errorf("%w: application tree %q", ErrMissingSourceTree, s.paths.AppsRoot)
		}
		appDir := filepath.Join(s.paths.AppsRoot, "examples", filepath.FromSlash(app.Path))
		if !isDir(appDir) {
			return fmt.Errorf("%w: %q", ErrAppNotFound, appDir)
		}

		var makeArgs []string
		if s.model.Arch != "" {
			makeArgs = []string{"TOCK_TARGETS=" + s.model.Arch}
		}
		if err := s.build(ctx, appDir, makeArgs); err != nil {
			return err
		}

		tab := filepath.Join(appDir, filepath.FromSlash(app.PackageFile))
		if !isFile(tab) {
			return fmt.Errorf("%w: %q", ErrPackageNotFound, tab)
		}
		args := append([]string{"install"}, s.prog.ConnectArgs(s.vars())...)
		args = append(args, tab)
		return s.withConsoleReleased(func() error {
			return s.transfer(ctx, toolexec.Command{Name: "tockloader", Args: args, Dir: appDir})
		})
	})
}

// Reset restarts the board's firmware.
func (s *Session) Reset(ctx context.Context) error {
	return s.do(ctx, OpReset, func(ctx context.Context) error {
		s.log.Info("resetting board", "method", string(s.model.ResetMethod))
		return s.resetter.Reset(ctx, s)
	})
}

// Cleanup releases the board's pins, then its console. It is valid from any
// state; later calls do nothing.
func (s *Session) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCleaned {
		return nil
	}
	start := time.Now()
	var errs []error
	if s.pins != nil {
		if err := s.pins.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.console.Close(); err != nil {
		errs = append(errs, err)
	}
	s.state = StateCleaned
	err := errors.Join(errs...)
	if s.observe != nil {
		s.observe(s.model.Name, OpCleanup, time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("board %s: cleanup: %w", s.Name(), err)
	}
	s.log.Debug("board cleaned up")
	return nil
}

func (s *Session) build(ctx context.Context, dir string, args []string) error {
	_, err := s.tools.Run(ctx, toolexec.Command{Name: "make", Args: args, Dir: dir, Env: s.model.BuildEnv})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBuildFailed, err)
	}
	return nil
}

func (s *Session) transfer(ctx context.Context, cmd toolexec.Command) error {
	cmd.Env = append(cmd.Env, s.model.BuildEnv...)
	if _, err := s.tools.Run(ctx, cmd); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

// runTemplate expands and runs a model command template.
func (s *Session) runTemplate(ctx context.Context, tmpl string) error {
	args, err := ExpandCommand(tmpl, s.vars())
	if err != nil {
		return err
	}
	return s.withConsoleReleased(func() error {
		return s.transfer(ctx, toolexec.Command{Name: args[0], Args: args[1:]})
	})
}

// withConsoleReleased closes the console around fn for boards whose
// programming path shares the console UART.
func (s *Session) withConsoleReleased(fn func() error) error {
	if !s.model.ReleaseConsoleDuringFlash || !s.console.IsOpen() {
		return fn()
	}
	if err := s.console.Close(); err != nil {
		return err
	}
	err := fn()
	if openErr := s.console.Open(); openErr != nil {
		return errors.Join(err, fmt.Errorf("reopen console: %w", openErr))
	}
	return err
}

func isDir(p string) bool {
	if p == "" {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}
