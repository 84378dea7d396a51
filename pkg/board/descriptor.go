package board

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/gpio"
)

// ErrInvalidDescriptor is returned for malformed board descriptors.
var ErrInvalidDescriptor = errors.New("board: invalid descriptor")

var validate = validator.New()

// Descriptor is the static description of one physical board attached to
// the CI host.
type Descriptor struct {
	Model         string                  `yaml:"model" validate:"required"`
	SerialNumber  string                  `yaml:"serial_number,omitempty"`
	ExcludeSerial string                  `yaml:"exclude_serial,omitempty"`
	SerialPort    string                  `yaml:"serial_port,omitempty"`
	KernelConfig  string                  `yaml:"kernel_config,omitempty"`
	Role          string                  `yaml:"role,omitempty"`
	Apps          []AppSpec               `yaml:"apps,omitempty"`
	PinMappings   map[string]gpio.Mapping `yaml:"pin_mappings,omitempty" validate:"dive"`

	// Source is the file the descriptor was read from, if any.
	Source string `yaml:"-"`
}

// Requirement is a per-slot override a scenario places on a descriptor.
// Empty fields leave the descriptor untouched.
type Requirement struct {
	KernelConfig string    `yaml:"kernel_config,omitempty"`
	Role         string    `yaml:"role,omitempty"`
	Apps         []AppSpec `yaml:"apps,omitempty"`
}

// IsZero reports whether r overrides nothing.
func (r Requirement) IsZero() bool {
	return r.KernelConfig == "" && r.Role == "" && len(r.Apps) == 0
}

// Merge returns a copy of d with r's non-empty fields applied. d is not
// modified.
func (d Descriptor) Merge(r Requirement) Descriptor {
	out := d
	out.Apps = slices.Clone(d.Apps)
	out.PinMappings = maps.Clone(d.PinMappings)
	if r.KernelConfig != "" {
		out.KernelConfig = r.KernelConfig
	}
	if r.Role != "" {
		out.Role = r.Role
	}
	if len(r.Apps) > 0 {
		out.Apps = slices.Clone(r.Apps)
	}
	return out
}

// Validate checks field constraints.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	for _, app := range d.Apps {
		if err := app.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DecodeDescriptor parses a YAML descriptor. Unknown keys are rejected.
func DecodeDescriptor(r io.Reader, source string) (Descriptor, error) {
	var d Descriptor
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return Descriptor{}, fmt.Errorf("%w: %s is empty", ErrInvalidDescriptor, source)
		}
		return Descriptor{}, fmt.Errorf("%w: %s: %v", ErrInvalidDescriptor, source, err)
	}
	d.Source = source
	if err := d.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("%s: %w", source, err)
	}
	return d, nil
}
