package scenario

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/serial"
)

// WaitForMessage installs apps and passes when msg appears on the console
// within timeout. msg is matched literally.
func WaitForMessage(title string, apps []board.AppSpec, msg string, timeout time.Duration) *OneShot {
	pattern := regexp.QuoteMeta(msg)
	return &OneShot{
		Title: title,
		Apps:  apps,
		Body: func(ctx context.Context, b board.Board) error {
			m, err := b.Console().Expect(ctx, pattern, timeout)
			if err != nil {
				return err
			}
			if m == nil {
				return Failf("board %s: %q not seen within %s", b.Name(), msg, timeout)
			}
			return nil
		},
	}
}

// AnalyzeConsole installs apps, collects console output until the board is
// quiet for the given duration, then hands the output to analyze.
func AnalyzeConsole(title string, apps []board.AppSpec, quiet time.Duration, analyze func(output []byte) error) *OneShot {
	return &OneShot{
		Title: title,
		Apps:  apps,
		Body: func(ctx context.Context, b board.Board) error {
			out, err := b.Console().ReadAvailable(ctx, quiet)
			if err != nil {
				return err
			}
			return analyze(out)
		},
	}
}

// KernelTest runs body on a board flashed with the given kernel
// configuration and no apps, after a reset.
func KernelTest(title, kernelConfig string, body func(ctx context.Context, b board.Board) error) *OneShot {
	return &OneShot{
		Title:           title,
		Requirement:     board.Requirement{KernelConfig: kernelConfig},
		Apps:            []board.AppSpec{},
		ResetAfterFlash: true,
		Body:            body,
	}
}

// PollAll waits for pattern on every board by polling each console in turn
// for at most poll per attempt, until all have matched or total elapses.
// Boards that never matched are absent from the result.
func PollAll(ctx context.Context, boards []board.Board, pattern string, poll, total time.Duration) (map[int]*serial.Match, error) {
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("scenario: bad pattern %q: %w", pattern, err)
	}
	found := make(map[int]*serial.Match, len(boards))
	deadline := time.Now().Add(total)
	for len(found) < len(boards) && time.Now().Before(deadline) {
		for i, b := range boards {
			if _, ok := found[i]; ok {
				continue
			}
			m, err := b.Console().Expect(ctx, pattern, poll, serial.Quiet())
			if err != nil {
				return found, fmt.Errorf("board %s: %w", b.Name(), err)
			}
			if m != nil {
				found[i] = m
			}
		}
	}
	return found, nil
}
