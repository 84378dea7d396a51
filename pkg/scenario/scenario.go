// Package scenario defines the tests a run executes against its boards and
// the reusable shapes most tests are written in.
package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
)

var (
	// ErrBoardCount is returned when a scenario receives the wrong number of
	// boards.
	ErrBoardCount = errors.New("scenario: wrong number of boards")
	// ErrSharedDevice is returned when two roles resolve to one console.
	ErrSharedDevice = errors.New("scenario: boards share a serial device")
	// ErrRoles is returned for a role list with empty or repeated names.
	ErrRoles = errors.New("scenario: invalid roles")
)

// Scenario is a test run against an ordered list of boards. The position of
// a board in the list is its role.
type Scenario interface {
	Name() string
	Run(ctx context.Context, boards []board.Board) error
}

// Requirer is implemented by scenarios that override descriptor fields for
// some slots.
type Requirer interface {
	Requirements() map[int]board.Requirement
}

// Preparer is implemented by scenarios that erase and flash their boards
// themselves. The runner skips its own preparation for them.
type Preparer interface {
	PreparesBoards() bool
}

// AssertionError is a failed expectation about the behavior of a board, as
// opposed to a failure of the harness or its tools.
type AssertionError struct {
	Msg string
}

func (e *AssertionError) Error() string {
	return "assertion failed: " + e.Msg
}

// Failf returns an AssertionError with a formatted message.
func Failf(format string, args ...any) error {
	return &AssertionError{Msg: fmt.Sprintf(format, args...)}
}

// IsAssertion reports whether err is or wraps an AssertionError.
func IsAssertion(err error) bool {
	var ae *AssertionError
	return errors.As(err, &ae)
}

// Func adapts a function to Scenario.
type Func struct {
	Title string
	Reqs  map[int]board.Requirement
	Body  func(ctx context.Context, boards []board.Board) error
}

func (f *Func) Name() string { return f.Title }

func (f *Func) Requirements() map[int]board.Requirement { return f.Reqs }

func (f *Func) Run(ctx context.Context, boards []board.Board) error {
	return f.Body(ctx, boards)
}
