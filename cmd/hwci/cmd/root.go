package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/config"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/runner"
)

var (
	// Global flags
	verbose    bool
	logLevel   string
	logFormat  string
	configPath string

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hwci",
	Short: "Hardware-in-the-loop CI for Tock boards",
	Long: `Flash kernels and applications onto physical development boards and run
test scenarios against their serial consoles and GPIO lines.

Examples:
  hwci run --board nrf52dk.yaml --test tests/c_hello.lua     # Run a scripted scenario
  hwci run --board imix.yaml --apps blink --expect "Hello"   # Wait for a console message
  hwci validate boards/*.yaml                                # Check board descriptors
  hwci probes                                                # List serial ports and debug probes`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the root command and exits with the run's status.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(runner.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (same as --log-level debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: auto, text or json")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "harness configuration file (default $"+config.EnvVar+")")
}

// setup loads the configuration and installs the run's logger.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	if cfg, err = config.Load(configPath); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger = newLogger(os.Stderr, cfg.Log).With("run_id", uuid.NewString())
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lc.SlogLevel()}
	useText := lc.Format == "text"
	if lc.Format == "" || lc.Format == "auto" {
		if f, ok := w.(*os.File); ok {
			useText = term.IsTerminal(int(f.Fd()))
		}
	}
	if useText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// catalog returns the built-in models plus those of the configured models
// file.
func catalog() (*board.Catalog, error) {
	c := board.NewCatalog()
	if cfg.ModelsFile != "" {
		if err := c.LoadModelsFile(cfg.ModelsFile); err != nil {
			return nil, err
		}
	}
	return c, nil
}
