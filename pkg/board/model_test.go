package board

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinModelsValidate(t *testing.T) {
	c := NewCatalog()
	assert.Equal(t, []string{"imix", "litex_arty", "nrf52dk", "nrf52dk_configurable", "nrf52dk_thread"}, c.Names())
	for _, name := range c.Names() {
		m, _ := c.Lookup(name)
		assert.NoError(t, m.Validate(), name)
	}

	thread, _ := c.Lookup("nrf52dk_thread")
	v, err := thread.Variant("")
	require.NoError(t, err)
	assert.Equal(t, "nrf52840dk-thread-tutorial.bin", v.Binary)
}

func TestExpandCommand(t *testing.T) {
	args, err := ExpandCommand(openocdNRF52("reset"), Vars{})
	require.NoError(t, err)
	assert.Equal(t, []string{"openocd", "-c", "adapter driver jlink; transport select swd; source [find target/nrf52.cfg]; init; reset; exit"}, args)

	args, err = ExpandCommand("tockloader read 0x0 1 --port ${device} --board ${board}", Vars{Device: "/dev/ttyUSB0", Board: "imix"})
	require.NoError(t, err)
	assert.Equal(t, []string{"tockloader", "read", "0x0", "1", "--port", "/dev/ttyUSB0", "--board", "imix"}, args)

	_, err = ExpandCommand("   ", Vars{})
	assert.Error(t, err)
	_, err = ExpandCommand(`openocd -c "unterminated`, Vars{})
	assert.Error(t, err)
}

const hifiveModels = `
models:
  - name: hifive1b
    arch: rv32imac
    program_method: on-chip-debugger
    tockloader_board: hifive1b
    openocd_board: sifive-hifive1-revb.cfg
    port:
      description: J-Link
    write_pacing: 5ms
    kernel_target: riscv32imac-unknown-none-elf
    flash_address: "0x20010000"
    kernel_configs:
      standard:
        board_dir: boards/hifive1
        binary: hifive1.bin
    build_env: ["RUSTFLAGS=-D warnings"]
    erase_command: tockloader erase-apps --board ${board} --openocd
    reset_method: cmsis-dap
`

func TestLoadModels(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.LoadModels(strings.NewReader(hifiveModels), "models.yaml"))

	m, ok := c.Lookup("hifive1b")
	require.True(t, ok)
	assert.Equal(t, 5*time.Millisecond, m.WritePacing)
	assert.Equal(t, ResetCMSISDAP, m.ResetMethod)
	assert.Equal(t, []string{"RUSTFLAGS=-D warnings"}, m.BuildEnv)
}

func TestLoadModelsRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":                   "models:\n  - name: x\n    colour: red\n",
		"bad program method":            strings.Replace(hifiveModels, "on-chip-debugger", "jtag", 1),
		"no kernel configs":             strings.Replace(hifiveModels, "kernel_configs", "kernel_configs_x", 1),
		"command reset without command": strings.Replace(hifiveModels, "reset_method: cmsis-dap", "reset_method: command", 1),
		"missing binary":                strings.Replace(hifiveModels, "binary: hifive1.bin", "make_target: \"\"", 1),
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, NewCatalog().LoadModels(strings.NewReader(doc), "models.yaml"))
		})
	}
}
