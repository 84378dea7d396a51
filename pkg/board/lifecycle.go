package board

import (
	"errors"
	"fmt"
)

// State is a step of a board session's lifecycle.
type State uint8

const (
	StateFresh State = iota
	StateErased
	StateKernelFlashed
	StateAppFlashed
	StateRunning
	StateCleaned
)

var stateNames = map[State]string{
	StateFresh:         "Fresh",
	StateErased:        "Erased",
	StateKernelFlashed: "KernelFlashed",
	StateAppFlashed:    "AppFlashed",
	StateRunning:       "Running",
	StateCleaned:       "Cleaned",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

// Op is a lifecycle operation.
type Op uint8

const (
	OpErase Op = iota
	OpFlashKernel
	OpFlashApp
	OpReset
	OpCleanup
)

var opNames = map[Op]string{
	OpErase:       "erase",
	OpFlashKernel: "flash-kernel",
	OpFlashApp:    "flash-app",
	OpReset:       "reset",
	OpCleanup:     "cleanup",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", o)
}

var (
	// ErrInvalidTransition is returned for an operation the current state
	// does not allow.
	ErrInvalidTransition = errors.New("board: invalid lifecycle transition")
	// ErrCleanedUp is returned for any operation after cleanup.
	ErrCleanedUp = errors.New("board: session already cleaned up")
)

// transitions maps each operation to the states it may start from and the
// state it leaves behind. Cleanup is accepted from every state.
var transitions = map[Op]map[State]State{
	OpErase: {
		StateFresh:         StateErased,
		StateErased:        StateErased,
		StateKernelFlashed: StateErased,
		StateAppFlashed:    StateErased,
		StateRunning:       StateErased,
	},
	OpFlashKernel: {
		StateErased: StateKernelFlashed,
	},
	OpFlashApp: {
		StateKernelFlashed: StateAppFlashed,
		StateAppFlashed:    StateAppFlashed,
	},
	OpReset: {
		StateErased:        StateErased,
		StateKernelFlashed: StateRunning,
		StateAppFlashed:    StateRunning,
		StateRunning:       StateRunning,
	},
}

// NextState returns the state reached by applying op in current.
func NextState(current State, op Op) (State, error) {
	if current == StateCleaned {
		return current, ErrCleanedUp
	}
	if op == OpCleanup {
		return StateCleaned, nil
	}
	row, ok := transitions[op]
	if !ok {
		return current, fmt.Errorf("board: unhandled operation %s", op)
	}
	next, ok := row[current]
	if !ok {
		return current, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, current)
	}
	return next, nil
}
