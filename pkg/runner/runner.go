// Package runner drives one scenario against one set of boards: resolve,
// prepare, run, and always clean up.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/metrics"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/registry"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/scenario"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitAssertion = 1
	ExitFailure   = 2
)

// SlotError attributes a preparation failure to a board.
type SlotError struct {
	Slot  int
	Model string
	Op    string
	Err   error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %d (%s): %s: %v", e.Slot, e.Model, e.Op, e.Err)
}

func (e *SlotError) Unwrap() error { return e.Err }

// Runner executes scenarios.
type Runner struct {
	Resolver registry.Resolver
	Logger   *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Recorder
	// ParallelPrepare prepares boards concurrently. Each board's own steps
	// stay in order.
	ParallelPrepare bool
}

// Run resolves descs with the scenario's requirements, prepares every board
// unless the scenario does it itself, then runs the scenario. Every board
// that was resolved is cleaned up exactly once, in slot order, whatever the
// outcome; cleanup errors are logged and never become the result.
func (r *Runner) Run(ctx context.Context, descs []board.Descriptor, scn scenario.Scenario) (err error) {
	logger := r.logger().With("scenario", scn.Name())
	start := time.Now()
	defer func() {
		r.Metrics.ScenarioFinished(scn.Name(), outcome(err))
		if err != nil {
			logger.Error("scenario failed", "took", time.Since(start), "err", err)
		} else {
			logger.Info("scenario passed", "took", time.Since(start))
		}
	}()

	var reqs map[int]board.Requirement
	if req, ok := scn.(scenario.Requirer); ok {
		reqs = req.Requirements()
	}
	boards, err := r.Resolver.Resolve(ctx, descs, reqs)
	if err != nil {
		return err
	}
	logger.Info("boards resolved", "count", len(boards))

	defer func() {
		if p := recover(); p != nil {
			logger.Error("scenario panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("runner: scenario %s panicked: %v", scn.Name(), p)
		}
		r.cleanup(logger, boards)
	}()

	if p, ok := scn.(scenario.Preparer); !ok || !p.PreparesBoards() {
		if err := r.prepare(ctx, logger, boards); err != nil {
			return err
		}
	}

	logger.Info("running scenario")
	return scn.Run(ctx, boards)
}

func (r *Runner) prepare(ctx context.Context, logger *slog.Logger, boards []board.Board) error {
	prep := func(ctx context.Context, b board.Board) error {
		d := b.Descriptor()
		logger.Info("preparing board", "slot", b.Slot(), "model", d.Model, "apps", len(d.Apps))
		if err := board.Prepare(ctx, b, d.Apps); err != nil {
			se := &SlotError{Slot: b.Slot(), Model: d.Model, Op: "prepare", Err: err}
			var step *board.StepError
			if errors.As(err, &step) {
				se.Op = step.Step
				se.Err = step.Err
			}
			return se
		}
		return nil
	}

	if !r.ParallelPrepare {
		for _, b := range boards {
			if err := prep(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range boards {
		g.Go(func() error { return prep(gctx, b) })
	}
	return g.Wait()
}

func (r *Runner) cleanup(logger *slog.Logger, boards []board.Board) {
	for _, b := range boards {
		if err := cleanupOne(b); err != nil {
			logger.Error("board cleanup failed", "slot", b.Slot(), "board", b.Name(), "err", err)
		}
	}
}

// cleanupOne keeps a panicking Cleanup from skipping the boards after it.
func cleanupOne(b board.Board) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cleanup panicked: %v", p)
		}
	}()
	return b.Cleanup()
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomePass
	case scenario.IsAssertion(err):
		return metrics.OutcomeFail
	}
	return metrics.OutcomeError
}

// ExitCode maps a Run result to a process exit status: 0 on success, 1 when
// the board misbehaved, 2 when the harness or its tools failed.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case scenario.IsAssertion(err):
		return ExitAssertion
	}
	return ExitFailure
}
