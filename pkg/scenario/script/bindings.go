package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/gpio"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/scenario"
)

const (
	boardType = "hwci.board"
	pinType   = "hwci.pin"
)

func (s *Script) install() {
	L := s.L
	L.SetGlobal("fail", L.NewFunction(s.luaFail))
	L.SetGlobal("sleep", L.NewFunction(s.luaSleep))
	L.SetGlobal("log", L.NewFunction(s.luaLog))

	bmt := L.NewTypeMetatable(boardType)
	L.SetField(bmt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"name":           s.boardName,
		"slot":           s.boardSlot,
		"role":           s.boardRole,
		"expect":         s.boardExpect,
		"write":          s.boardWrite,
		"flush":          s.boardFlush,
		"read_available": s.boardReadAvailable,
		"reset":          s.boardReset,
		"pin":            s.boardPin,
	}))

	pmt := L.NewTypeMetatable(pinType)
	L.SetField(pmt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"set_mode": s.pinSetMode,
		"read":     s.pinRead,
		"write":    s.pinWrite,
	}))
}

func (s *Script) boardValue(b board.Board) lua.LValue {
	ud := s.L.NewUserData()
	ud.Value = b
	s.L.SetMetatable(ud, s.L.GetTypeMetatable(boardType))
	return ud
}

func (s *Script) ctx() context.Context {
	if ctx := s.L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func seconds(n lua.LNumber) time.Duration {
	return time.Duration(float64(n) * float64(time.Second))
}

func (s *Script) luaFail(L *lua.LState) int {
	return s.raise(scenario.Failf("%s", L.CheckString(1)))
}

func (s *Script) luaSleep(L *lua.LState) int {
	t := time.NewTimer(seconds(L.CheckNumber(1)))
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx().Done():
		return s.raise(s.ctx().Err())
	}
	return 0
}

func (s *Script) luaLog(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.Get(i).String())
	}
	s.log.Info(strings.Join(parts, " "))
	return 0
}

func (s *Script) checkBoard(L *lua.LState) board.Board {
	ud := L.CheckUserData(1)
	b, ok := ud.Value.(board.Board)
	if !ok {
		L.ArgError(1, "board expected")
	}
	return b
}

func (s *Script) boardName(L *lua.LState) int {
	L.Push(lua.LString(s.checkBoard(L).Name()))
	return 1
}

func (s *Script) boardSlot(L *lua.LState) int {
	L.Push(lua.LNumber(s.checkBoard(L).Slot()))
	return 1
}

func (s *Script) boardRole(L *lua.LState) int {
	L.Push(lua.LString(s.checkBoard(L).Descriptor().Role))
	return 1
}

// boardExpect returns the matched text followed by its capture groups, or
// nil on timeout.
func (s *Script) boardExpect(L *lua.LState) int {
	b := s.checkBoard(L)
	pattern := L.CheckString(2)
	timeout := seconds(L.OptNumber(3, 0))
	m, err := b.Console().Expect(s.ctx(), pattern, timeout)
	if err != nil {
		return s.raise(fmt.Errorf("board %s: %w", b.Name(), err))
	}
	if m == nil {
		L.Push(lua.LNil)
		return 1
	}
	for _, g := range m.Groups {
		L.Push(lua.LString(g))
	}
	return len(m.Groups)
}

func (s *Script) boardWrite(L *lua.LState) int {
	b := s.checkBoard(L)
	if err := b.Console().Write(s.ctx(), []byte(L.CheckString(2))); err != nil {
		return s.raise(fmt.Errorf("board %s: %w", b.Name(), err))
	}
	return 0
}

func (s *Script) boardFlush(L *lua.LState) int {
	b := s.checkBoard(L)
	if err := b.Console().Flush(); err != nil {
		return s.raise(fmt.Errorf("board %s: %w", b.Name(), err))
	}
	return 0
}

func (s *Script) boardReadAvailable(L *lua.LState) int {
	b := s.checkBoard(L)
	out, err := b.Console().ReadAvailable(s.ctx(), seconds(L.OptNumber(2, 1)))
	if err != nil {
		return s.raise(fmt.Errorf("board %s: %w", b.Name(), err))
	}
	L.Push(lua.LString(out))
	return 1
}

func (s *Script) boardReset(L *lua.LState) int {
	b := s.checkBoard(L)
	if err := b.Reset(s.ctx()); err != nil {
		return s.raise(err)
	}
	return 0
}

func (s *Script) boardPin(L *lua.LState) int {
	b := s.checkBoard(L)
	label := L.CheckString(2)
	bank := b.GPIO()
	if bank == nil {
		return s.raise(fmt.Errorf("board %s: %w %q", b.Name(), gpio.ErrUnknownPin, label))
	}
	pin, err := bank.Pin(label)
	if err != nil {
		return s.raise(fmt.Errorf("board %s: %w", b.Name(), err))
	}
	ud := L.NewUserData()
	ud.Value = pin
	L.SetMetatable(ud, L.GetTypeMetatable(pinType))
	L.Push(ud)
	return 1
}

func (s *Script) checkPin(L *lua.LState) gpio.Pin {
	ud := L.CheckUserData(1)
	p, ok := ud.Value.(gpio.Pin)
	if !ok {
		L.ArgError(1, "pin expected")
	}
	return p
}

func (s *Script) pinSetMode(L *lua.LState) int {
	p := s.checkPin(L)
	if err := p.SetMode(gpio.Mode(L.CheckString(2))); err != nil {
		return s.raise(err)
	}
	return 0
}

func (s *Script) pinRead(L *lua.LState) int {
	v, err := s.checkPin(L).Read()
	if err != nil {
		return s.raise(err)
	}
	L.Push(lua.LNumber(v))
	return 1
}

func (s *Script) pinWrite(L *lua.LState) int {
	p := s.checkPin(L)
	if err := p.Write(L.CheckInt(2)); err != nil {
		return s.raise(err)
	}
	return 0
}
