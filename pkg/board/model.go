package board

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/probe"
)

// ProgramMethod is how firmware reaches a board.
type ProgramMethod string

const (
	ProgramSerialBootloader ProgramMethod = "serial-bootloader"
	ProgramOnChipDebugger   ProgramMethod = "on-chip-debugger"
	ProgramNone             ProgramMethod = "none"
)

// ResetMethod is how a board's firmware is restarted.
type ResetMethod string

const (
	ResetCommand      ResetMethod = "command"
	ResetRTS          ResetMethod = "rts"
	ResetReopenSerial ResetMethod = "reopen-serial"
	ResetCMSISDAP     ResetMethod = "cmsis-dap"
)

// DefaultKernelConfig names the variant used when a descriptor names none.
const DefaultKernelConfig = "standard"

// KernelVariant locates one buildable kernel configuration.
type KernelVariant struct {
	// BoardDir is the board crate, relative to the kernel tree.
	BoardDir string `yaml:"board_dir" validate:"required"`
	// Binary is the image name under target/<triple>/release.
	Binary string `yaml:"binary,omitempty"`
	// MakeTarget, when set, builds and transfers the kernel in one make
	// invocation instead of make followed by tockloader flash.
	MakeTarget string `yaml:"make_target,omitempty"`
}

// PortMatch identifies a board's console among the host's serial ports.
type PortMatch struct {
	Description string `yaml:"description,omitempty"`
	Fallback    bool   `yaml:"fallback,omitempty"`
}

// Model is the data-driven definition of a board family.
type Model struct {
	Name            string        `yaml:"name" validate:"required"`
	Arch            string        `yaml:"arch,omitempty"`
	ProgramMethod   ProgramMethod `yaml:"program_method" validate:"required,oneof=serial-bootloader on-chip-debugger none"`
	TockloaderBoard string        `yaml:"tockloader_board" validate:"required"`
	OpenOCDBoard    string        `yaml:"openocd_board,omitempty"`

	BaudRate    int           `yaml:"baud_rate,omitempty" validate:"gte=0"`
	Port        PortMatch     `yaml:"port,omitempty"`
	WritePacing time.Duration `yaml:"write_pacing,omitempty"`
	OpenRTS     *bool         `yaml:"open_rts,omitempty"`
	OpenDTR     *bool         `yaml:"open_dtr,omitempty"`

	KernelTarget        string                   `yaml:"kernel_target,omitempty"`
	FlashAddress        string                   `yaml:"flash_address,omitempty"`
	FlashFile           string                   `yaml:"flash_file,omitempty"`
	DefaultKernelConfig string                   `yaml:"default_kernel_config,omitempty"`
	KernelConfigs       map[string]KernelVariant `yaml:"kernel_configs" validate:"required,min=1,dive"`
	BuildEnv            []string                 `yaml:"build_env,omitempty"`

	EraseCommand    string      `yaml:"erase_command" validate:"required"`
	ResetAfterErase bool        `yaml:"reset_after_erase,omitempty"`
	ResetMethod     ResetMethod `yaml:"reset_method" validate:"required,oneof=command rts reopen-serial cmsis-dap"`
	ResetCommand    string      `yaml:"reset_command,omitempty"`

	// ReleaseConsoleDuringFlash closes the console around transfers that
	// share its UART.
	ReleaseConsoleDuringFlash bool `yaml:"release_console_during_flash,omitempty"`
}

// Validate checks field constraints and cross-field rules.
func (m *Model) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("board: model %q: %w", m.Name, err)
	}
	if _, err := m.Variant(""); err != nil {
		return err
	}
	if m.ResetMethod == ResetCommand && m.ResetCommand == "" {
		return fmt.Errorf("board: model %q: reset_method command needs reset_command", m.Name)
	}
	if m.ProgramMethod == ProgramNone && m.FlashFile == "" {
		return fmt.Errorf("board: model %q: program_method none needs flash_file", m.Name)
	}
	for name, v := range m.KernelConfigs {
		if v.MakeTarget == "" && (v.Binary == "" || m.KernelTarget == "") {
			return fmt.Errorf("board: model %q: kernel config %q needs binary and kernel_target, or make_target", m.Name, name)
		}
	}
	return nil
}

// Variant resolves a kernel configuration name; empty selects the default.
func (m *Model) Variant(name string) (KernelVariant, error) {
	name = m.kernelConfigName(name)
	v, ok := m.KernelConfigs[name]
	if !ok {
		return KernelVariant{}, fmt.Errorf("%w: model %q has no kernel config %q (have %s)",
			ErrInvalidDescriptor, m.Name, name, strings.Join(m.kernelConfigNames(), ", "))
	}
	return v, nil
}

func (m *Model) kernelConfigName(name string) string {
	switch {
	case name != "":
		return name
	case m.DefaultKernelConfig != "":
		return m.DefaultKernelConfig
	}
	return DefaultKernelConfig
}

func (m *Model) kernelConfigNames() []string {
	names := make([]string, 0, len(m.KernelConfigs))
	for n := range m.KernelConfigs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Selector returns the port identification rule for a descriptor.
func (m *Model) Selector(d Descriptor) probe.Selector {
	return probe.Selector{
		DescriptionContains: m.Port.Description,
		SerialNumber:        d.SerialNumber,
		ExcludeSerial:       d.ExcludeSerial,
		Fallback:            m.Port.Fallback,
	}
}

// Vars are the placeholders available to command templates.
type Vars struct {
	SerialNumber string
	Device       string
	FlashFile    string
	Board        string
}

func (v Vars) lookup(key string) string {
	switch key {
	case "serial_number":
		return v.SerialNumber
	case "device":
		return v.Device
	case "flash_file":
		return v.FlashFile
	case "board":
		return v.Board
	case "openocd_serial":
		if v.SerialNumber == "" {
			return ""
		}
		return "adapter serial " + v.SerialNumber + "; "
	}
	return ""
}

// ExpandCommand substitutes ${var} placeholders in tmpl and splits it into
// an argument vector with shell quoting rules.
func ExpandCommand(tmpl string, v Vars) ([]string, error) {
	expanded := os.Expand(tmpl, v.lookup)
	args, err := shlex.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("board: command template %q: %w", tmpl, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("board: command template %q is empty", tmpl)
	}
	return args, nil
}

// Catalog maps model names to definitions.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewCatalog returns a catalog holding the built-in models.
func NewCatalog() *Catalog {
	c := &Catalog{models: map[string]*Model{}}
	for _, m := range builtinModels() {
		c.models[m.Name] = m
	}
	return c
}

// Lookup returns the model registered under name.
func (c *Catalog) Lookup(name string) (*Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[name]
	return m, ok
}

// Names lists the registered model names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.models))
	for n := range c.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Add validates m and registers it, replacing any model of the same name.
func (c *Catalog) Add(m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[m.Name] = m
	return nil
}

type modelsFile struct {
	Models []*Model `yaml:"models"`
}

// LoadModels reads a YAML document with a top-level models list and adds
// every entry.
func (c *Catalog) LoadModels(r io.Reader, source string) error {
	var f modelsFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("board: models %s: %w", source, err)
	}
	for _, m := range f.Models {
		if err := c.Add(m); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
	}
	return nil
}

// LoadModelsFile is LoadModels on a file path.
func (c *Catalog) LoadModelsFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("board: models: %w", err)
	}
	defer f.Close()
	return c.LoadModels(f, path)
}
