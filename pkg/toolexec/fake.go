package toolexec

import (
	"context"
	"sync"
)

// RunHook intercepts a command issued to a FakeRunner.
type RunHook func(cmd Command) (Result, error)

// FakeRunner records commands instead of executing them. It is used by tests
// and dry runs.
type FakeRunner struct {
	// OnRun, when set, decides the outcome of every command.
	OnRun RunHook
	// Failures maps a tool name to the error returned for it.
	Failures map[string]error

	mu       sync.Mutex
	commands []Command
}

// NewFakeRunner returns a FakeRunner where every command succeeds.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Failures: map[string]error{}}
}

// Run records cmd and returns the scripted outcome.
func (f *FakeRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	hook := f.OnRun
	failure := f.Failures[cmd.Name]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if hook != nil {
		return hook(cmd)
	}
	if failure != nil {
		return Result{}, failure
	}
	return Result{}, nil
}

// Commands returns a copy of every command seen so far.
func (f *FakeRunner) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// Reset forgets recorded commands.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	f.commands = nil
	f.mu.Unlock()
}
