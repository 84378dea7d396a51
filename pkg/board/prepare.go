package board

import (
	"context"
	"fmt"
)

// StepError names the preparation step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepFlush is the console flush between erase and kernel flash.
const StepFlush = "flush"

// Prepare brings b to a known image: erase, discard stale console output,
// flash the kernel, then install apps in order.
func Prepare(ctx context.Context, b Board, apps []AppSpec) error {
	if err := b.EraseBoard(ctx); err != nil {
		return &StepError{Step: OpErase.String(), Err: err}
	}
	if err := b.Console().Flush(); err != nil {
		return &StepError{Step: StepFlush, Err: err}
	}
	if err := b.FlashKernel(ctx); err != nil {
		return &StepError{Step: OpFlashKernel.String(), Err: err}
	}
	for _, app := range apps {
		if err := b.FlashApp(ctx, app); err != nil {
			return &StepError{Step: OpFlashApp.String() + " " + app.String(), Err: err}
		}
	}
	return nil
}
