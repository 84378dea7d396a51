package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
)

// FakeResolver builds board.FakeBoards, applying the same requirement merge
// and conflict checks as Registry.
type FakeResolver struct {
	// Log receives every call made on the built boards.
	Log *board.CallLog
	// Prepare, when set, adjusts each fake before it is returned.
	Prepare func(b *board.FakeBoard)

	// Boards holds the fakes built by the last Resolve.
	Boards []*board.FakeBoard
}

var _ Resolver = (*FakeResolver)(nil)

// NewFakeResolver returns a resolver recording into a fresh CallLog.
func NewFakeResolver() *FakeResolver {
	return &FakeResolver{Log: &board.CallLog{}}
}

func (f *FakeResolver) Resolve(ctx context.Context, descs []board.Descriptor, reqs map[int]board.Requirement) ([]board.Board, error) {
	plans := make([]plan, 0, len(descs))
	for i, d := range descs {
		merged := d.Merge(reqs[i])
		if err := merged.Validate(); err != nil {
			return nil, fmt.Errorf("registry: slot %d: %w", i, err)
		}
		device := merged.SerialPort
		if device == "" {
			device = fmt.Sprintf("/dev/ttyFAKE%d", i)
		}
		plans = append(plans, plan{slot: i, desc: merged, device: device})
	}
	if err := checkConflicts(plans); err != nil {
		return nil, err
	}

	f.Boards = nil
	boards := make([]board.Board, 0, len(plans))
	for _, p := range plans {
		b, err := board.NewFakeBoard(p.slot, p.desc, f.Log)
		if err != nil {
			return nil, errors.Join(err, cleanupAll(boards))
		}
		if f.Prepare != nil {
			f.Prepare(b)
		}
		f.Boards = append(f.Boards, b)
		boards = append(boards, b)
	}
	return boards, nil
}
