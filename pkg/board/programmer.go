package board

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/probe"
)

// Programmer supplies the tockloader arguments that reach a board with a
// given program method.
type Programmer interface {
	ConnectArgs(v Vars) []string
}

func programmerFor(m *Model) (Programmer, error) {
	switch m.ProgramMethod {
	case ProgramOnChipDebugger:
		return debuggerProgrammer{openocdBoard: m.OpenOCDBoard}, nil
	case ProgramSerialBootloader:
		return bootloaderProgrammer{}, nil
	case ProgramNone:
		return flashFileProgrammer{}, nil
	}
	return nil, fmt.Errorf("board: model %q: unknown program method %q", m.Name, m.ProgramMethod)
}

type debuggerProgrammer struct {
	openocdBoard string
}

func (p debuggerProgrammer) ConnectArgs(v Vars) []string {
	var args []string
	if v.SerialNumber != "" {
		args = append(args, "--openocd-serial-number", v.SerialNumber)
	}
	args = append(args, "--openocd")
	if p.openocdBoard != "" {
		args = append(args, "--openocd-board", p.openocdBoard)
	}
	return append(args, "--board", v.Board)
}

type bootloaderProgrammer struct{}

func (bootloaderProgrammer) ConnectArgs(v Vars) []string {
	return []string{"--board", v.Board, "--port", v.Device}
}

type flashFileProgrammer struct{}

func (flashFileProgrammer) ConnectArgs(v Vars) []string {
	return []string{"--board", v.Board, "--flash-file", v.FlashFile}
}

// Resetter restarts a board's firmware without altering flash contents.
type Resetter interface {
	Reset(ctx context.Context, s *Session) error
}

// HardResetFunc pulses a board's reset line through its debug probe.
type HardResetFunc func(ctx context.Context, serialNumber string) error

func cmsisDAPHardReset(ctx context.Context, serialNumber string) error {
	return probe.NewCMSISDAPResetter(serialNumber).Reset(ctx)
}

func resetterFor(m *Model, hard HardResetFunc) (Resetter, error) {
	switch m.ResetMethod {
	case ResetCommand:
		return commandResetter{}, nil
	case ResetRTS:
		return rtsResetter{pulse: 100 * time.Millisecond}, nil
	case ResetReopenSerial:
		return reopenResetter{pause: 100 * time.Millisecond}, nil
	case ResetCMSISDAP:
		if hard == nil {
			hard = cmsisDAPHardReset
		}
		return dapResetter{hard: hard}, nil
	}
	return nil, fmt.Errorf("board: model %q: unknown reset method %q", m.Name, m.ResetMethod)
}

type commandResetter struct{}

func (commandResetter) Reset(ctx context.Context, s *Session) error {
	return s.runTemplate(ctx, s.model.ResetCommand)
}

// rtsResetter pulses RTS on an open console; with the console closed it
// falls back to the model's reset command.
type rtsResetter struct {
	pulse time.Duration
}

func (r rtsResetter) Reset(ctx context.Context, s *Session) error {
	if !s.console.IsOpen() {
		if s.model.ResetCommand == "" {
			return fmt.Errorf("%w: console closed and no reset_command", ErrTransferFailed)
		}
		return s.runTemplate(ctx, s.model.ResetCommand)
	}
	s.log.Info("resetting by toggling RTS")
	if err := s.console.SetRTS(true); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if err := sleep(ctx, r.pulse); err != nil {
		return err
	}
	if err := s.console.SetRTS(false); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

// reopenResetter resets boards that restart when their console is opened.
type reopenResetter struct {
	pause time.Duration
}

func (r reopenResetter) Reset(ctx context.Context, s *Session) error {
	if !s.console.IsOpen() {
		if err := s.console.Open(); err != nil {
			return err
		}
		return s.console.Close()
	}
	if err := s.console.Close(); err != nil {
		return err
	}
	if err := sleep(ctx, r.pause); err != nil {
		return err
	}
	return s.console.Open()
}

type dapResetter struct {
	hard HardResetFunc
}

func (r dapResetter) Reset(ctx context.Context, s *Session) error {
	if err := r.hard(ctx, s.desc.SerialNumber); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
