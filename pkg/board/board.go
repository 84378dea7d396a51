// Package board models a physical board under test: its static descriptor,
// the data-driven definition of its family, and the session that drives it
// through erase, flash, reset and cleanup.
package board

import (
	"context"
	"errors"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/gpio"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/serial"
)

var (
	// ErrMissingSourceTree is returned when the kernel or application tree
	// (or a board directory inside it) does not exist.
	ErrMissingSourceTree = errors.New("board: missing source tree")
	// ErrAppNotFound is returned when an application directory is absent.
	ErrAppNotFound = errors.New("board: app directory not found")
	// ErrPackageNotFound is returned when a built application has no
	// package file.
	ErrPackageNotFound = errors.New("board: package file not found")
	// ErrBuildFailed wraps failing kernel or application builds.
	ErrBuildFailed = errors.New("board: build failed")
	// ErrTransferFailed wraps failing erase, flash, install or reset tools.
	ErrTransferFailed = errors.New("board: transfer failed")
)

// Board is a prepared connection to one board under test.
type Board interface {
	Slot() int
	Name() string
	Descriptor() Descriptor
	Arch() string
	State() State

	// Console is the board's serial channel.
	Console() serial.Console
	// GPIO is the board's pin set, or nil when it has no pin mappings.
	GPIO() *gpio.Bank

	EraseBoard(ctx context.Context) error
	FlashKernel(ctx context.Context) error
	FlashApp(ctx context.Context, app AppSpec) error
	Reset(ctx context.Context) error
	// Cleanup releases every host resource held for the board.
	Cleanup() error
}
