// Package config loads the harness configuration file, hwci.yaml.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/toolexec"
)

// EnvVar names the configuration file when no path is given explicitly.
const EnvVar = "HWCI_CONFIG"

// ErrInvalid is returned for configuration files that fail to parse or
// validate.
var ErrInvalid = errors.New("config: invalid configuration")

var validate = validator.New()

// Config is the harness configuration.
type Config struct {
	// BaseDir holds the kernel and application checkouts.
	BaseDir   string `yaml:"base_dir"`
	KernelDir string `yaml:"kernel_dir" validate:"required"`
	AppsDir   string `yaml:"apps_dir" validate:"required"`
	// ToolTimeout bounds every external tool invocation.
	ToolTimeout time.Duration `yaml:"tool_timeout" validate:"gt=0"`
	// ModelsFile adds board models to the built-in catalog.
	ModelsFile      string    `yaml:"models_file,omitempty"`
	ParallelPrepare bool      `yaml:"parallel_prepare"`
	MetricsFile     string    `yaml:"metrics_file,omitempty"`
	Log             LogConfig `yaml:"log"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		BaseDir:     ".",
		KernelDir:   "tock",
		AppsDir:     "libtock-c",
		ToolTimeout: toolexec.DefaultTimeout,
		Log:         LogConfig{Level: "info", Format: "auto"},
	}
}

// Load reads path, or the file named by HWCI_CONFIG when path is empty.
// With neither, Default is returned. Fields absent from the file keep their
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	cfg, err := Decode(f, path)
	if err != nil {
		return Config{}, err
	}
	if cfg.ModelsFile != "" && !filepath.IsAbs(cfg.ModelsFile) {
		cfg.ModelsFile = filepath.Join(filepath.Dir(path), cfg.ModelsFile)
	}
	return cfg, nil
}

// Decode parses a configuration document over the defaults. Unknown keys
// are rejected.
func Decode(r io.Reader, source string) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, source, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", source, err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Paths returns the source tree locations, relative kernel and apps
// directories taken from BaseDir.
func (c Config) Paths() board.Paths {
	resolve := func(dir string) string {
		if filepath.IsAbs(dir) {
			return dir
		}
		return filepath.Join(c.BaseDir, dir)
	}
	return board.Paths{KernelRoot: resolve(c.KernelDir), AppsRoot: resolve(c.AppsDir)}
}

// SlogLevel returns the configured slog level.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
