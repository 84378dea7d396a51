package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/metrics"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/registry"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/scenario"
)

func nrf(n int) []board.Descriptor {
	descs := make([]board.Descriptor, n)
	for i := range descs {
		descs[i] = board.Descriptor{Model: "nrf52dk"}
	}
	return descs
}

func TestCleanupRunsOnceWhateverTheOutcome(t *testing.T) {
	cases := []struct {
		name string
		body func(ctx context.Context, boards []board.Board) error
		code int
	}{
		{"success", func(context.Context, []board.Board) error { return nil }, ExitOK},
		{"assertion", func(context.Context, []board.Board) error { return scenario.Failf("no blink") }, ExitAssertion},
		{"transport", func(context.Context, []board.Board) error { return errors.New("tockloader: exit 1") }, ExitFailure},
		{"panic", func(context.Context, []board.Board) error { panic("index out of range") }, ExitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := registry.NewFakeResolver()
			r := &Runner{Resolver: res}

			err := r.Run(context.Background(), nrf(3), &scenario.Func{Title: tc.name, Body: tc.body})
			assert.Equal(t, tc.code, ExitCode(err))
			require.Len(t, res.Boards, 3)
			for _, b := range res.Boards {
				assert.Equal(t, 1, b.Cleanups(), "slot %d", b.Slot())
			}
		})
	}
}

func TestOneShotSequence(t *testing.T) {
	res := registry.NewFakeResolver()
	r := &Runner{Resolver: res}
	scn := &scenario.OneShot{
		Title: "blink",
		Apps:  []board.AppSpec{board.ParseAppSpec("blink")},
		Body: func(ctx context.Context, b board.Board) error {
			res.Log.Record(b.Slot(), "scenario", "")
			return scenario.Failf("led stuck")
		},
	}

	err := r.Run(context.Background(), nrf(1), scn)
	assert.Equal(t, ExitAssertion, ExitCode(err))
	assert.Equal(t, []string{"erase", "flush", "flash-kernel", "flash-app(blink)", "scenario", "cleanup"}, res.Log.Ops(0))
}

func TestRunnerPreparesInSlotOrder(t *testing.T) {
	res := registry.NewFakeResolver()
	r := &Runner{Resolver: res}
	descs := nrf(2)
	descs[1].Apps = []board.AppSpec{board.ParseAppSpec("c_hello")}

	var order []string
	scn := &scenario.Func{Title: "plain", Body: func(context.Context, []board.Board) error {
		for _, c := range res.Log.Calls() {
			order = append(order, c.String())
		}
		return nil
	}}
	require.NoError(t, r.Run(context.Background(), descs, scn))
	assert.Equal(t, []string{
		"0:erase", "0:flush", "0:flash-kernel",
		"1:erase", "1:flush", "1:flash-kernel", "1:flash-app(c_hello)",
	}, order)
	assert.Equal(t, []string{"erase", "flush", "flash-kernel", "cleanup"}, res.Log.Ops(0))
}

func TestParallelPrepareKeepsPerBoardOrder(t *testing.T) {
	res := registry.NewFakeResolver()
	r := &Runner{Resolver: res, ParallelPrepare: true}
	descs := nrf(4)
	for i := range descs {
		descs[i].Apps = []board.AppSpec{board.ParseAppSpec(fmt.Sprintf("app%d", i))}
	}
	require.NoError(t, r.Run(context.Background(), descs, &scenario.Func{Body: func(context.Context, []board.Board) error { return nil }}))
	for i := range descs {
		assert.Equal(t, []string{"erase", "flush", "flash-kernel", fmt.Sprintf("flash-app(app%d)", i), "cleanup"}, res.Log.Ops(i))
	}
}

func TestPrepareFailureIsAttributed(t *testing.T) {
	res := registry.NewFakeResolver()
	boom := errors.New("openocd: no device found")
	res.Prepare = func(b *board.FakeBoard) {
		if b.Slot() == 1 {
			b.Fail[board.OpFlashKernel] = boom
		}
	}
	ran := false
	r := &Runner{Resolver: res}
	err := r.Run(context.Background(), nrf(3), &scenario.Func{Body: func(context.Context, []board.Board) error {
		ran = true
		return nil
	}})

	var se *SlotError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Slot)
	assert.Equal(t, "flash-kernel", se.Op)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.False(t, ran)
	assert.Equal(t, []string{"cleanup"}, res.Log.Ops(2))
	for _, b := range res.Boards {
		assert.Equal(t, 1, b.Cleanups())
	}
}

func TestCleanupErrorsAreSwallowed(t *testing.T) {
	res := registry.NewFakeResolver()
	res.Prepare = func(b *board.FakeBoard) {
		if b.Slot() == 0 {
			b.Fail[board.OpCleanup] = errors.New("serial port vanished")
		}
	}
	r := &Runner{Resolver: res}
	require.NoError(t, r.Run(context.Background(), nrf(2), &scenario.Func{Body: func(context.Context, []board.Board) error { return nil }}))
	assert.Equal(t, 1, res.Boards[1].Cleanups())
}

func TestRequirementOverride(t *testing.T) {
	res := registry.NewFakeResolver()
	r := &Runner{Resolver: res}
	descs := []board.Descriptor{{Model: "nrf52dk_configurable", KernelConfig: "standard"}}
	var got string
	scn := &scenario.Func{
		Reqs: map[int]board.Requirement{0: {KernelConfig: "thread"}},
		Body: func(_ context.Context, boards []board.Board) error {
			got = boards[0].Descriptor().KernelConfig
			return nil
		},
	}
	require.NoError(t, r.Run(context.Background(), descs, scn))
	assert.Equal(t, "thread", got)
	assert.Equal(t, "standard", descs[0].KernelConfig)
}

func TestSameDeviceRejected(t *testing.T) {
	res := registry.NewFakeResolver()
	r := &Runner{Resolver: res}
	descs := []board.Descriptor{
		{Model: "nrf52dk", SerialPort: "/dev/ttyACM0"},
		{Model: "nrf52dk", SerialPort: "/dev/ttyACM0"},
	}
	err := r.Run(context.Background(), descs, &scenario.Func{Body: func(context.Context, []board.Board) error { return nil }})
	assert.ErrorIs(t, err, registry.ErrDeviceConflict)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Empty(t, res.Log.Calls())
}

func TestScenarioMetrics(t *testing.T) {
	m := metrics.NewRecorder()
	r := &Runner{Resolver: registry.NewFakeResolver(), Metrics: m}
	scn := &scenario.Func{Title: "uart_echo", Body: func(context.Context, []board.Board) error { return scenario.Failf("no echo") }}
	require.Error(t, r.Run(context.Background(), nrf(1), scn))

	n, err := testutil.GatherAndCount(m.Registry(), "hwci_scenario_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{scenario.Failf("x"), 1},
		{fmt.Errorf("slot 0: %w", scenario.Failf("x")), 1},
		{registry.ErrUnknownModel, 2},
		{&SlotError{Slot: 0, Op: "erase", Err: board.ErrTransferFailed}, 2},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.err), "%v", tc.err)
	}
}
