package scenario

import (
	"context"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
)

// OneShot runs against exactly one board. It prepares the board itself
// (erase, flush, kernel, apps), optionally resets it, then hands it to Body.
type OneShot struct {
	Title string
	// Apps are installed after the kernel. Nil uses the descriptor's apps.
	Apps []board.AppSpec
	// Requirement is applied to the board's descriptor before resolution.
	Requirement board.Requirement
	// ResetAfterFlash restarts the board before Body runs.
	ResetAfterFlash bool
	Body            func(ctx context.Context, b board.Board) error
}

var (
	_ Scenario = (*OneShot)(nil)
	_ Requirer = (*OneShot)(nil)
	_ Preparer = (*OneShot)(nil)
	_ Scenario = (*MultiBoard)(nil)
	_ Requirer = (*MultiBoard)(nil)
)

func (o *OneShot) Name() string {
	if o.Title == "" {
		return "oneshot"
	}
	return o.Title
}

func (o *OneShot) PreparesBoards() bool { return true }

func (o *OneShot) Requirements() map[int]board.Requirement {
	if o.Requirement.IsZero() {
		return nil
	}
	return map[int]board.Requirement{0: o.Requirement}
}

func (o *OneShot) Run(ctx context.Context, boards []board.Board) error {
	if len(boards) != 1 {
		return fmt.Errorf("%w: %s needs exactly one board, got %d", ErrBoardCount, o.Name(), len(boards))
	}
	b := boards[0]
	apps := o.Apps
	if apps == nil {
		apps = b.Descriptor().Apps
	}
	if err := board.Prepare(ctx, b, apps); err != nil {
		return fmt.Errorf("board %s: %w", b.Name(), err)
	}
	if o.ResetAfterFlash {
		if err := b.Reset(ctx); err != nil {
			return err
		}
	}
	if o.Body == nil {
		return nil
	}
	return o.Body(ctx, b)
}

// MultiBoard assigns one role per board by position and checks that the
// boards are distinct devices before handing them to Body.
type MultiBoard struct {
	Title string
	Roles []string
	// Reqs are per-slot overrides; each slot's role is added to them.
	Reqs map[int]board.Requirement
	Body func(ctx context.Context, roles map[string]board.Board) error
}

func (m *MultiBoard) Name() string {
	if m.Title == "" {
		return "multiboard"
	}
	return m.Title
}

func (m *MultiBoard) Requirements() map[int]board.Requirement {
	reqs := make(map[int]board.Requirement, len(m.Roles))
	for slot, r := range m.Reqs {
		reqs[slot] = r
	}
	for slot, role := range m.Roles {
		r := reqs[slot]
		r.Role = role
		reqs[slot] = r
	}
	return reqs
}

// Validate checks that every role has a distinct, non-empty name.
func (m *MultiBoard) Validate() error {
	seen := make(map[string]int, len(m.Roles))
	for i, role := range m.Roles {
		if role == "" {
			return fmt.Errorf("%w: %s: role %d has no name", ErrRoles, m.Name(), i)
		}
		if prev, ok := seen[role]; ok {
			return fmt.Errorf("%w: %s: role %q given to slots %d and %d", ErrRoles, m.Name(), role, prev, i)
		}
		seen[role] = i
	}
	return nil
}

func (m *MultiBoard) Run(ctx context.Context, boards []board.Board) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(boards) != len(m.Roles) {
		return fmt.Errorf("%w: %s needs %d boards (%v), got %d", ErrBoardCount, m.Name(), len(m.Roles), m.Roles, len(boards))
	}
	seen := make(map[string]string, len(boards))
	roles := make(map[string]board.Board, len(boards))
	for i, b := range boards {
		role := m.Roles[i]
		dev := b.Console().Device()
		if other, ok := seen[dev]; ok {
			return fmt.Errorf("%w: roles %s and %s both use %s", ErrSharedDevice, other, role, dev)
		}
		seen[dev] = role
		roles[role] = b
	}
	if m.Body == nil {
		return nil
	}
	return m.Body(ctx, roles)
}
