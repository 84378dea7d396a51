package board

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/gpio"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/serial"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/toolexec"
)

type sessionFixture struct {
	session *Session
	tools   *toolexec.FakeRunner
	port    *serial.FakePort
	paths   Paths
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

// newTree lays out kernel and application checkouts with prebuilt outputs
// for the nRF52840DK standard and thread kernels and the blink app.
func newTree(t *testing.T) Paths {
	t.Helper()
	root := t.TempDir()
	p := Paths{KernelRoot: filepath.Join(root, "tock"), AppsRoot: filepath.Join(root, "libtock-c")}
	release := filepath.Join(p.KernelRoot, "target", "thumbv7em-none-eabi", "release")
	touch(t, filepath.Join(p.KernelRoot, "boards", "nordic", "nrf52840dk", "Makefile"))
	touch(t, filepath.Join(p.KernelRoot, "boards", "tutorials", "nrf52840dk-thread-tutorial", "Makefile"))
	touch(t, filepath.Join(p.KernelRoot, "boards", "imix", "Makefile"))
	touch(t, filepath.Join(release, "nrf52840dk.bin"))
	touch(t, filepath.Join(release, "nrf52840dk-thread-tutorial.bin"))
	touch(t, filepath.Join(p.AppsRoot, "examples", "blink", "build", "blink.tab"))
	touch(t, filepath.Join(p.AppsRoot, "examples", "tests", "console", "Makefile"))
	touch(t, filepath.Join(p.AppsRoot, "examples", "services", "rot13_service", "build", "org.tockos.examples.rot13.tab"))
	return p
}

func newFixture(t *testing.T, model string, desc Descriptor) *sessionFixture {
	t.Helper()
	m, ok := NewCatalog().Lookup(model)
	require.True(t, ok, model)
	desc.Model = model

	port := serial.NewFakePort()
	ch := serial.NewChannel(serial.Config{Device: "/dev/ttyACM0"}, serial.WithOpener(port.Open))
	require.NoError(t, ch.Open())

	var pins *gpio.Bank
	if len(desc.PinMappings) > 0 {
		var err error
		pins, err = gpio.NewBank(desc.PinMappings)
		require.NoError(t, err)
	}

	tools := toolexec.NewFakeRunner()
	paths := newTree(t)
	s, err := NewSession(SessionConfig{
		Slot:       0,
		Descriptor: desc,
		Model:      m,
		Paths:      paths,
		Tools:      tools,
		Console:    ch,
		Pins:       pins,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Cleanup() })
	return &sessionFixture{session: s, tools: tools, port: port, paths: paths}
}

func TestFlashKernelBeforeErase(t *testing.T) {
	f := newFixture(t, "nrf52dk", Descriptor{})
	err := f.session.FlashKernel(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateFresh, f.session.State())
	assert.Empty(t, f.tools.Commands())

	err = f.session.FlashApp(context.Background(), ParseAppSpec("blink"))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNRF52Lifecycle(t *testing.T) {
	f := newFixture(t, "nrf52dk", Descriptor{
		SerialNumber: "683000001",
		PinMappings:  map[string]gpio.Mapping{"P0.13": {Interface: gpio.MockInterfaceName, PinSpec: "17"}},
	})
	ctx := context.Background()
	s := f.session

	require.NoError(t, s.EraseBoard(ctx))
	assert.Equal(t, StateErased, s.State())
	require.NoError(t, s.FlashKernel(ctx))
	assert.Equal(t, StateKernelFlashed, s.State())
	require.NoError(t, s.FlashApp(ctx, ParseAppSpec("blink")))
	assert.Equal(t, StateAppFlashed, s.State())
	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, StateRunning, s.State())

	cmds := f.tools.Commands()
	require.Len(t, cmds, 6)

	assert.Equal(t, "openocd", cmds[0].Name)
	assert.Equal(t, []string{"-c", "adapter driver jlink; adapter serial 683000001; transport select swd; source [find target/nrf52.cfg]; init; nrf52_recover; exit"}, cmds[0].Args)

	boardDir := filepath.Join(f.paths.KernelRoot, "boards", "nordic", "nrf52840dk")
	assert.Equal(t, "make", cmds[1].Name)
	assert.Equal(t, boardDir, cmds[1].Dir)

	image := filepath.Join(f.paths.KernelRoot, "target", "thumbv7em-none-eabi", "release", "nrf52840dk.bin")
	assert.Equal(t, "tockloader", cmds[2].Name)
	assert.Equal(t, []string{
		"flash", "--openocd-serial-number", "683000001", "--openocd", "--openocd-board", "nordic_nrf52_dk.cfg",
		"--board", "nrf52dk", "--address", "0x00000", image,
	}, cmds[2].Args)

	appDir := filepath.Join(f.paths.AppsRoot, "examples", "blink")
	assert.Equal(t, toolexec.Command{Name: "make", Args: []string{"TOCK_TARGETS=cortex-m4"}, Dir: appDir}, cmds[3])
	assert.Equal(t, []string{
		"install", "--openocd-serial-number", "683000001", "--openocd", "--openocd-board", "nordic_nrf52_dk.cfg",
		"--board", "nrf52dk", filepath.Join(appDir, "build", "blink.tab"),
	}, cmds[4].Args)

	assert.Equal(t, "openocd", cmds[5].Name)
	assert.Contains(t, cmds[5].Args[1], "init; reset; exit")

	pin, err := s.GPIO().Pin("P0.13")
	require.NoError(t, err)

	require.NoError(t, s.Cleanup())
	assert.Equal(t, StateCleaned, s.State())
	assert.True(t, pin.(*gpio.MockPin).Released())
	assert.False(t, s.Channel().IsOpen())
	require.NoError(t, s.Cleanup())

	require.ErrorIs(t, s.EraseBoard(ctx), ErrCleanedUp)
	require.ErrorIs(t, s.Reset(ctx), ErrCleanedUp)
}

func TestKernelConfigSelectsBoardDirectory(t *testing.T) {
	f := newFixture(t, "nrf52dk_configurable", Descriptor{KernelConfig: "thread"})
	ctx := context.Background()
	require.NoError(t, f.session.EraseBoard(ctx))
	require.NoError(t, f.session.FlashKernel(ctx))

	cmds := f.tools.Commands()
	assert.Equal(t, filepath.Join(f.paths.KernelRoot, "boards", "tutorials", "nrf52840dk-thread-tutorial"), cmds[1].Dir)
	assert.Contains(t, cmds[2].Args[len(cmds[2].Args)-1], "nrf52840dk-thread-tutorial.bin")
	assert.Equal(t, "thread", f.session.KernelConfig())
}

func TestUnknownKernelConfig(t *testing.T) {
	m, _ := NewCatalog().Lookup("nrf52dk")
	_, err := NewSession(SessionConfig{
		Descriptor: Descriptor{Model: "nrf52dk", KernelConfig: "zephyr"},
		Model:      m,
		Tools:      toolexec.NewFakeRunner(),
		Console:    serial.NewChannel(serial.Config{Device: "/dev/null"}),
	})
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestFlashKernelMissingSourceTree(t *testing.T) {
	f := newFixture(t, "nrf52dk", Descriptor{})
	f.session.paths.KernelRoot = filepath.Join(t.TempDir(), "absent")
	ctx := context.Background()
	require.NoError(t, f.session.EraseBoard(ctx))

	err := f.session.FlashKernel(ctx)
	require.ErrorIs(t, err, ErrMissingSourceTree)
	assert.Equal(t, StateErased, f.session.State())
}

func TestFlashAppFailures(t *testing.T) {
	cases := []struct {
		name    string
		app     AppSpec
		failing string
		want    error
	}{
		{name: "app directory missing", app: ParseAppSpec("nonexistent"), want: ErrAppNotFound},
		{name: "package missing", app: ParseAppSpec("tests/console"), want: ErrPackageNotFound},
		{name: "build fails", app: ParseAppSpec("blink"), failing: "make", want: ErrBuildFailed},
		{name: "install fails", app: ParseAppSpec("blink"), failing: "tockloader", want: ErrTransferFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "nrf52dk", Descriptor{})
			ctx := context.Background()
			require.NoError(t, f.session.EraseBoard(ctx))
			require.NoError(t, f.session.FlashKernel(ctx))
			if tc.failing != "" {
				f.tools.Failures[tc.failing] = errors.New("exit status 2")
			}

			err := f.session.FlashApp(ctx, tc.app)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, StateKernelFlashed, f.session.State())
		})
	}
}

func TestFlashAppExplicitPackage(t *testing.T) {
	f := newFixture(t, "nrf52dk", Descriptor{})
	ctx := context.Background()
	require.NoError(t, f.session.EraseBoard(ctx))
	require.NoError(t, f.session.FlashKernel(ctx))

	app := AppSpec{Name: "rot13_service", Path: "services/rot13_service", PackageFile: "build/org.tockos.examples.rot13.tab"}
	require.NoError(t, f.session.FlashApp(ctx, app))
	cmds := f.tools.Commands()
	last := cmds[len(cmds)-1]
	assert.Equal(t, "org.tockos.examples.rot13.tab", filepath.Base(last.Args[len(last.Args)-1]))
}

func TestEraseTransferFailure(t *testing.T) {
	f := newFixture(t, "nrf52dk", Descriptor{})
	f.tools.Failures["openocd"] = errors.New("no J-Link")
	err := f.session.EraseBoard(context.Background())
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, StateFresh, f.session.State())
}

func TestImixReleasesConsoleAndResetsWithRTS(t *testing.T) {
	f := newFixture(t, "imix", Descriptor{})
	ctx := context.Background()
	opensBefore := f.port.Opens()

	var consoleOpenDuringTransfer []bool
	f.tools.OnRun = func(cmd toolexec.Command) (toolexec.Result, error) {
		consoleOpenDuringTransfer = append(consoleOpenDuringTransfer, f.session.Channel().IsOpen())
		return toolexec.Result{}, nil
	}

	require.NoError(t, f.session.EraseBoard(ctx))
	require.NoError(t, f.session.FlashKernel(ctx))
	assert.Equal(t, []bool{false, false}, consoleOpenDuringTransfer)
	assert.True(t, f.session.Channel().IsOpen())
	assert.Equal(t, opensBefore+2, f.port.Opens())

	cmds := f.tools.Commands()
	assert.Equal(t, []string{"erase-apps", "--board", "imix", "--port", "/dev/ttyACM0"}, cmds[0].Args)
	assert.Equal(t, toolexec.Command{Name: "make", Args: []string{"program"}, Dir: filepath.Join(f.paths.KernelRoot, "boards", "imix")}, cmds[1])

	require.NoError(t, f.session.Reset(ctx))
	assert.Equal(t, []bool{true, false}, f.port.RTS())
}

func TestLitexEraseReopensConsole(t *testing.T) {
	f := newFixture(t, "litex_arty", Descriptor{})
	opensBefore := f.port.Opens()

	require.NoError(t, f.session.EraseBoard(context.Background()))
	cmds := f.tools.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, toolexec.Command{Name: "truncate", Args: []string{"-s0", "/srv/tftp/boot.bin"}}, cmds[0])
	assert.Equal(t, opensBefore+1, f.port.Opens())
	assert.True(t, f.session.Channel().IsOpen())
}

func TestCMSISDAPResetMethod(t *testing.T) {
	m := *nrf52dkModel("custom_dap", "standard")
	m.ResetMethod = ResetCMSISDAP
	require.NoError(t, m.Validate())

	var got string
	s, err := NewSession(SessionConfig{
		Descriptor: Descriptor{Model: m.Name, SerialNumber: "E661"},
		Model:      &m,
		Tools:      toolexec.NewFakeRunner(),
		Console:    serial.NewChannel(serial.Config{Device: "/dev/ttyACM9"}, serial.WithOpener(serial.NewFakePort().Open)),
		HardReset: func(ctx context.Context, sn string) error {
			got = sn
			return nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.EraseBoard(context.Background()))
	require.NoError(t, s.Reset(context.Background()))
	assert.Equal(t, "E661", got)
}

func TestObserverSeesOperations(t *testing.T) {
	var ops []Op
	f := newFixture(t, "nrf52dk", Descriptor{})
	f.session.observe = func(model string, op Op, _ time.Duration, err error) {
		ops = append(ops, op)
	}
	require.NoError(t, f.session.EraseBoard(context.Background()))
	require.NoError(t, f.session.Cleanup())
	assert.Equal(t, []Op{OpErase, OpCleanup}, ops)
}
