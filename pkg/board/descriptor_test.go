package board

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/gpio"
)

const nrfDescriptor = `
model: nrf52dk
serial_number: "000683000001"
kernel_config: standard
pin_mappings:
  P0.13:
    io_interface: raspberrypi5gpio
    io_pin_spec: "17"
apps:
  - c_hello
  - name: rot13_service
    path: services/rot13_service
    tab_file: build/org.tockos.examples.rot13.tab
`

func TestDecodeDescriptor(t *testing.T) {
	d, err := DecodeDescriptor(strings.NewReader(nrfDescriptor), "board0.yaml")
	require.NoError(t, err)

	assert.Equal(t, "nrf52dk", d.Model)
	assert.Equal(t, "000683000001", d.SerialNumber)
	assert.Equal(t, "board0.yaml", d.Source)
	assert.Equal(t, gpio.Mapping{Interface: "raspberrypi5gpio", PinSpec: "17"}, d.PinMappings["P0.13"])
	require.Len(t, d.Apps, 2)
	assert.Equal(t, AppSpec{Name: "c_hello", Path: "c_hello", PackageFile: "build/c_hello.tab"}, d.Apps[0])
	assert.Equal(t, "build/org.tockos.examples.rot13.tab", d.Apps[1].PackageFile)
}

func TestDecodeDescriptorRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":         "model: nrf52dk\nflash_speed: 4000\n",
		"missing model":       "serial_number: \"1\"\n",
		"empty":               "",
		"incomplete pin":      "model: nrf52dk\npin_mappings:\n  led:\n    io_interface: mock_gpio\n",
		"unknown pin key":     "model: nrf52dk\npin_mappings:\n  led:\n    io_interface: mock_gpio\n    io_pin_spec: \"1\"\n    pull: up\n",
		"unknown app key":     "model: nrf52dk\napps:\n  - name: x\n    path: x\n    binary: x.bin\n",
		"app without path":    "model: nrf52dk\napps:\n  - name: x\n",
		"absolute tab file":   "model: nrf52dk\napps:\n  - path: x\n    tab_file: /tmp/x.tab\n",
		"app list not a list": "model: nrf52dk\napps:\n  - [a, b]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeDescriptor(strings.NewReader(doc), "bad.yaml")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

func TestMergeRequirement(t *testing.T) {
	d := Descriptor{
		Model:        "nrf52dk_configurable",
		KernelConfig: "standard",
		Apps:         []AppSpec{ParseAppSpec("blink")},
		PinMappings:  map[string]gpio.Mapping{"a": {Interface: "mock_gpio", PinSpec: "1"}},
	}

	merged := d.Merge(Requirement{KernelConfig: "thread", Role: "scanner"})
	assert.Equal(t, "thread", merged.KernelConfig)
	assert.Equal(t, "scanner", merged.Role)
	assert.Equal(t, d.Apps, merged.Apps)
	assert.Equal(t, "standard", d.KernelConfig, "merge must not modify the descriptor")

	merged.PinMappings["b"] = gpio.Mapping{}
	assert.Len(t, d.PinMappings, 1)

	withApps := d.Merge(Requirement{Apps: []AppSpec{ParseAppSpec("tests/console_timeout")}})
	assert.Equal(t, "console_timeout", withApps.Apps[0].Name)
	assert.Equal(t, "standard", withApps.KernelConfig)

	assert.True(t, Requirement{}.IsZero())
	assert.Equal(t, d, d.Merge(Requirement{}))
}

func TestParseAppSpec(t *testing.T) {
	cases := []struct {
		in   string
		want AppSpec
	}{
		{"blink", AppSpec{Name: "blink", Path: "blink", PackageFile: "build/blink.tab"}},
		{"tests/console/", AppSpec{Name: "console", Path: "tests/console", PackageFile: "build/console.tab"}},
		{"../../etc", AppSpec{Name: "etc", Path: "etc", PackageFile: "build/etc.tab"}},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseAppSpec(tc.in), tc.in)
	}
}

func TestAppSpecYAMLList(t *testing.T) {
	var apps []AppSpec
	require.NoError(t, yaml.Unmarshal([]byte("[blink, {path: tests/adc}]"), &apps))
	assert.Equal(t, []AppSpec{ParseAppSpec("blink"), ParseAppSpec("tests/adc")}, apps)
}
