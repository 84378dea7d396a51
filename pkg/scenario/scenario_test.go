package scenario

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
)

func fakeBoards(t *testing.T, descs ...board.Descriptor) ([]board.Board, []*board.FakeBoard, *board.CallLog) {
	t.Helper()
	log := &board.CallLog{}
	var boards []board.Board
	var fakes []*board.FakeBoard
	for i, d := range descs {
		b, err := board.NewFakeBoard(i, d, log)
		require.NoError(t, err)
		t.Cleanup(func() { b.Cleanup() })
		boards = append(boards, b)
		fakes = append(fakes, b)
	}
	return boards, fakes, log
}

// feedAfter puts output on the console once op has run, after the stale
// output flush.
func feedAfter(b *board.FakeBoard, op board.Op, out string) {
	b.OnStep = func(done board.Op) {
		if done == op {
			b.Port.Feed(out)
		}
	}
}

func TestOneShotRejectsBoardCount(t *testing.T) {
	o := &OneShot{Title: "c_hello"}
	for _, n := range []int{0, 2} {
		descs := make([]board.Descriptor, n)
		for i := range descs {
			descs[i] = board.Descriptor{Model: "nrf52dk"}
		}
		boards, _, log := fakeBoards(t, descs...)
		err := o.Run(context.Background(), boards)
		assert.ErrorIs(t, err, ErrBoardCount, "%d boards", n)
		assert.Empty(t, log.Calls())
	}
}

func TestOneShotPreparesThenRunsBody(t *testing.T) {
	boards, _, log := fakeBoards(t, board.Descriptor{Model: "nrf52dk", Apps: []board.AppSpec{board.ParseAppSpec("c_hello")}})
	o := &OneShot{
		Apps: []board.AppSpec{board.ParseAppSpec("blink")},
		Body: func(ctx context.Context, b board.Board) error {
			log.Record(b.Slot(), "body", "")
			return Failf("led never toggled")
		},
	}

	err := o.Run(context.Background(), boards)
	assert.True(t, IsAssertion(err))
	assert.Equal(t, []string{"erase", "flush", "flash-kernel", "flash-app(blink)", "body"}, log.Ops(0))
	assert.True(t, o.PreparesBoards())
	assert.Nil(t, o.Requirements())
}

func TestOneShotDefaultsToDescriptorApps(t *testing.T) {
	boards, _, log := fakeBoards(t, board.Descriptor{Model: "nrf52dk", Apps: []board.AppSpec{board.ParseAppSpec("c_hello")}})
	require.NoError(t, (&OneShot{}).Run(context.Background(), boards))
	assert.Equal(t, []string{"erase", "flush", "flash-kernel", "flash-app(c_hello)"}, log.Ops(0))
}

func TestOneShotStopsOnPrepareFailure(t *testing.T) {
	boards, fakes, log := fakeBoards(t, board.Descriptor{Model: "nrf52dk"})
	boom := errors.New("nrf52_recover failed")
	fakes[0].Fail[board.OpErase] = boom
	called := false
	o := &OneShot{Body: func(context.Context, board.Board) error { called = true; return nil }}

	err := o.Run(context.Background(), boards)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsAssertion(err))
	assert.False(t, called)
	assert.Equal(t, []string{"erase"}, log.Ops(0))
}

func TestKernelTest(t *testing.T) {
	kt := KernelTest("thread_boot", "thread", func(ctx context.Context, b board.Board) error { return nil })
	assert.Equal(t, map[int]board.Requirement{0: {KernelConfig: "thread"}}, kt.Requirements())

	boards, _, log := fakeBoards(t, board.Descriptor{Model: "nrf52dk", Apps: []board.AppSpec{board.ParseAppSpec("blink")}})
	require.NoError(t, kt.Run(context.Background(), boards))
	assert.Equal(t, []string{"erase", "flush", "flash-kernel", "reset"}, log.Ops(0))
}

func TestWaitForMessage(t *testing.T) {
	t.Run("seen", func(t *testing.T) {
		boards, fakes, _ := fakeBoards(t, board.Descriptor{Model: "nrf52dk"})
		feedAfter(fakes[0], board.OpFlashApp, "Initialization complete. Entering main loop\r\nHello World!\r\n")
		s := WaitForMessage("c_hello", []board.AppSpec{board.ParseAppSpec("c_hello")}, "Hello World!", time.Second)
		assert.NoError(t, s.Run(context.Background(), boards))
	})
	t.Run("missing", func(t *testing.T) {
		boards, _, _ := fakeBoards(t, board.Descriptor{Model: "nrf52dk"})
		s := WaitForMessage("c_hello", nil, "Hello (World)", 50*time.Millisecond)
		err := s.Run(context.Background(), boards)
		assert.True(t, IsAssertion(err))
		assert.Contains(t, err.Error(), "Hello (World)")
	})
}

func TestAnalyzeConsole(t *testing.T) {
	boards, fakes, _ := fakeBoards(t, board.Descriptor{Model: "nrf52dk"})
	feedAfter(fakes[0], board.OpFlashKernel, "sensors: temp 22C\r\n")
	var got string
	s := AnalyzeConsole("sensors", nil, 50*time.Millisecond, func(out []byte) error {
		got = string(out)
		return nil
	})
	require.NoError(t, s.Run(context.Background(), boards))
	assert.Equal(t, "sensors: temp 22C\r\n", got)
}

func TestMultiBoard(t *testing.T) {
	m := &MultiBoard{
		Title: "ble_advertise_scan",
		Roles: []string{"advertiser", "scanner"},
		Reqs:  map[int]board.Requirement{1: {KernelConfig: "thread"}},
	}
	assert.Equal(t, map[int]board.Requirement{
		0: {Role: "advertiser"},
		1: {Role: "scanner", KernelConfig: "thread"},
	}, m.Requirements())

	var got map[string]board.Board
	m.Body = func(ctx context.Context, roles map[string]board.Board) error {
		got = roles
		return nil
	}
	boards, _, log := fakeBoards(t, board.Descriptor{Model: "nrf52dk"}, board.Descriptor{Model: "nrf52dk"})
	require.NoError(t, m.Run(context.Background(), boards))
	assert.Equal(t, 0, got["advertiser"].Slot())
	assert.Equal(t, 1, got["scanner"].Slot())
	assert.Empty(t, log.Calls(), "multi-board scenarios leave preparation to the runner")

	err := m.Run(context.Background(), boards[:1])
	assert.ErrorIs(t, err, ErrBoardCount)
}

func TestMultiBoardRejectsSharedDevice(t *testing.T) {
	m := &MultiBoard{
		Roles: []string{"tx", "rx"},
		Body:  func(context.Context, map[string]board.Board) error { t.Fatal("body ran"); return nil },
	}
	boards, _, _ := fakeBoards(t,
		board.Descriptor{Model: "nrf52dk", SerialPort: "/dev/ttyACM0"},
		board.Descriptor{Model: "nrf52dk", SerialPort: "/dev/ttyACM0"})
	assert.ErrorIs(t, m.Run(context.Background(), boards), ErrSharedDevice)
}

func TestMultiBoardRejectsBadRoles(t *testing.T) {
	cases := map[string][]string{
		"repeated": {"scanner", "scanner"},
		"unnamed":  {"advertiser", ""},
	}
	for name, roles := range cases {
		t.Run(name, func(t *testing.T) {
			m := &MultiBoard{
				Roles: roles,
				Body:  func(context.Context, map[string]board.Board) error { t.Fatal("body ran"); return nil },
			}
			assert.ErrorIs(t, m.Validate(), ErrRoles)
			boards, _, _ := fakeBoards(t, board.Descriptor{Model: "nrf52dk"}, board.Descriptor{Model: "nrf52dk"})
			assert.ErrorIs(t, m.Run(context.Background(), boards), ErrRoles)
		})
	}
}

func TestPollAll(t *testing.T) {
	boards, fakes, _ := fakeBoards(t,
		board.Descriptor{Model: "nrf52dk"}, board.Descriptor{Model: "nrf52dk"}, board.Descriptor{Model: "nrf52dk"})
	fakes[0].Port.Feed("scan: found addr=11:22\r\n")
	go func() {
		time.Sleep(60 * time.Millisecond)
		fakes[2].Port.Feed("scan: found addr=33:44\r\n")
	}()

	found, err := PollAll(context.Background(), boards, `found addr=([0-9:]+)`, 20*time.Millisecond, 400*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "11:22", found[0].Group(1))
	assert.Equal(t, "33:44", found[2].Group(1))
	assert.NotContains(t, found, 1)

	_, err = PollAll(context.Background(), boards, `(`, time.Millisecond, time.Millisecond)
	assert.Error(t, err)
}
