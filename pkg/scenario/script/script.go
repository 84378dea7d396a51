// Package script loads scenarios written in Lua.
//
// A script declares its shape through globals and provides a run function:
//
//	name  = "ble_advertise_scan"          -- optional, defaults to the file name
//	shape = "multi"                       -- "oneshot", "multi" or "plain"
//	roles = { "advertiser", "scanner" }   -- multi only
//	apps  = { "blink" }                   -- oneshot only
//	reset_after_flash = false             -- oneshot only
//	requirements = { [2] = { kernel_config = "thread" } }
//
//	function run(boards) ... end
//
// run receives the single board for oneshot scripts, a role to board table
// for multi scripts and the board list for plain scripts. Slots in
// requirements are 1-based like every Lua list.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/scenario"
)

// ErrBadScript is returned for scripts missing a required declaration.
var ErrBadScript = errors.New("script: invalid scenario script")

const (
	ShapeOneShot = "oneshot"
	ShapeMulti   = "multi"
	ShapePlain   = "plain"
)

// Script is a Lua scenario. It is not safe for concurrent use.
type Script struct {
	name  string
	shape string
	L     *lua.LState
	run   *lua.LFunction
	inner scenario.Scenario
	log   *slog.Logger

	// abort is the Go error behind the last raised Lua error, if any.
	abort error
}

var (
	_ scenario.Scenario = (*Script)(nil)
	_ scenario.Requirer = (*Script)(nil)
	_ scenario.Preparer = (*Script)(nil)
)

// Load reads the script at path.
func Load(path string, logger *slog.Logger) (*Script, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return load(name, logger, func(L *lua.LState) error { return L.DoFile(path) })
}

// LoadString reads a script from source text.
func LoadString(name, src string, logger *slog.Logger) (*Script, error) {
	return load(name, logger, func(L *lua.LState) error { return L.DoString(src) })
}

func load(name string, logger *slog.Logger, exec func(*lua.LState) error) (*Script, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Script{name: name, L: lua.NewState(), log: logger}
	s.install()
	if err := exec(s.L); err != nil {
		s.L.Close()
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	if err := s.declare(); err != nil {
		s.L.Close()
		return nil, err
	}
	s.log = logger.With("scenario", s.name)
	return s, nil
}

func (s *Script) declare() error {
	L := s.L
	if n, ok := L.GetGlobal("name").(lua.LString); ok && n != "" {
		s.name = string(n)
	}
	fn, ok := L.GetGlobal("run").(*lua.LFunction)
	if !ok {
		return fmt.Errorf("%w: %s defines no run function", ErrBadScript, s.name)
	}
	s.run = fn

	reqs, err := requirements(L.GetGlobal("requirements"))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadScript, s.name, err)
	}

	s.shape = ShapePlain
	if v, ok := L.GetGlobal("shape").(lua.LString); ok {
		s.shape = string(v)
	}
	switch s.shape {
	case ShapeOneShot:
		for slot := range reqs {
			if slot != 0 {
				return fmt.Errorf("%w: %s: oneshot scripts drive one board, requirements name slot %d", ErrBadScript, s.name, slot+1)
			}
		}
		o := &scenario.OneShot{
			Title:           s.name,
			Requirement:     reqs[0],
			ResetAfterFlash: lua.LVAsBool(L.GetGlobal("reset_after_flash")),
			Body: func(ctx context.Context, b board.Board) error {
				return s.call(ctx, s.boardValue(b))
			},
		}
		if t, ok := L.GetGlobal("apps").(*lua.LTable); ok {
			names, err := stringList(t)
			if err != nil {
				return fmt.Errorf("%w: %s: apps: %v", ErrBadScript, s.name, err)
			}
			o.Apps = appSpecs(names)
		}
		s.inner = o
	case ShapeMulti:
		t, ok := L.GetGlobal("roles").(*lua.LTable)
		if !ok {
			return fmt.Errorf("%w: %s: multi scripts need roles", ErrBadScript, s.name)
		}
		roles, err := stringList(t)
		if err != nil || len(roles) == 0 {
			return fmt.Errorf("%w: %s: roles must be a non-empty list of names", ErrBadScript, s.name)
		}
		m := &scenario.MultiBoard{
			Title: s.name,
			Roles: roles,
			Reqs:  reqs,
			Body: func(ctx context.Context, byRole map[string]board.Board) error {
				t := s.L.NewTable()
				for role, b := range byRole {
					t.RawSetString(role, s.boardValue(b))
				}
				return s.call(ctx, t)
			},
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrBadScript, err)
		}
		s.inner = m
	case ShapePlain:
		s.inner = &scenario.Func{
			Title: s.name,
			Reqs:  reqs,
			Body: func(ctx context.Context, boards []board.Board) error {
				t := s.L.NewTable()
				for _, b := range boards {
					t.Append(s.boardValue(b))
				}
				return s.call(ctx, t)
			},
		}
	default:
		return fmt.Errorf("%w: %s: unknown shape %q", ErrBadScript, s.name, s.shape)
	}
	return nil
}

func (s *Script) Name() string { return s.name }

// Shape returns the declared scenario shape.
func (s *Script) Shape() string { return s.shape }

func (s *Script) Requirements() map[int]board.Requirement {
	if r, ok := s.inner.(scenario.Requirer); ok {
		return r.Requirements()
	}
	return nil
}

func (s *Script) PreparesBoards() bool {
	p, ok := s.inner.(scenario.Preparer)
	return ok && p.PreparesBoards()
}

func (s *Script) Run(ctx context.Context, boards []board.Board) error {
	return s.inner.Run(ctx, boards)
}

// Close releases the Lua state.
func (s *Script) Close() error {
	s.L.Close()
	return nil
}

func (s *Script) call(ctx context.Context, arg lua.LValue) error {
	s.abort = nil
	s.L.SetContext(ctx)
	err := s.L.CallByParam(lua.P{Fn: s.run, NRet: 0, Protect: true}, arg)
	if s.abort != nil {
		return s.abort
	}
	if err != nil {
		return fmt.Errorf("script %s: %w", s.name, err)
	}
	return nil
}

// raise stops the script with err. It does not return.
func (s *Script) raise(err error) int {
	s.abort = err
	s.L.RaiseError("%s", err.Error())
	return 0
}

func requirements(v lua.LValue) (map[int]board.Requirement, error) {
	if v == lua.LNil {
		return nil, nil
	}
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, errors.New("requirements must be a table")
	}
	reqs := map[int]board.Requirement{}
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		n, ok := k.(lua.LNumber)
		if !ok || n < 1 || n != lua.LNumber(int(n)) {
			err = fmt.Errorf("requirement key %v is not a slot number", k)
			return
		}
		fields, ok := v.(*lua.LTable)
		if !ok {
			err = fmt.Errorf("requirement for slot %d is not a table", int(n))
			return
		}
		var r board.Requirement
		fields.ForEach(func(fk, fv lua.LValue) {
			if err != nil {
				return
			}
			switch lua.LVAsString(fk) {
			case "kernel_config":
				r.KernelConfig = lua.LVAsString(fv)
			case "role":
				r.Role = lua.LVAsString(fv)
			case "apps":
				list, ok := fv.(*lua.LTable)
				if !ok {
					err = fmt.Errorf("slot %d: apps must be a list", int(n))
					return
				}
				names, lerr := stringList(list)
				if lerr != nil {
					err = fmt.Errorf("slot %d: apps: %v", int(n), lerr)
					return
				}
				r.Apps = appSpecs(names)
			default:
				err = fmt.Errorf("slot %d: unknown requirement field %v", int(n), fk)
			}
		})
		reqs[int(n)-1] = r
	})
	return reqs, err
}

func stringList(t *lua.LTable) ([]string, error) {
	out := make([]string, 0, t.Len())
	for i := 1; i <= t.Len(); i++ {
		s, ok := t.RawGetInt(i).(lua.LString)
		if !ok {
			return nil, fmt.Errorf("entry %d is not a string", i)
		}
		out = append(out, string(s))
	}
	return out, nil
}

func appSpecs(names []string) []board.AppSpec {
	apps := make([]board.AppSpec, len(names))
	for i, n := range names {
		apps[i] = board.ParseAppSpec(n)
	}
	return apps
}
