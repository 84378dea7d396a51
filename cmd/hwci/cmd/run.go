package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/board"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/metrics"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/probe"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/registry"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/runner"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/scenario"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/scenario/script"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/toolexec"
)

var (
	boardFiles      []string
	testScript      string
	appLists        []string
	expectMessage   string
	expectTimeout   time.Duration
	baseDir         string
	parallelPrepare bool
	metricsFile     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Flash boards and run one test scenario",
	Long: `Resolve the given board descriptors, erase and flash every board, run the
scenario and release all boards, whatever the outcome.

The scenario is a Lua script (--test), or a wait for a console message
(--expect) on a single board. --apps gives one comma-separated app list per
board, in --board order, and replaces the descriptors' apps.

Exit status is 0 on success, 1 when the board misbehaved and 2 when the
harness, its configuration or its tools failed.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVarP(&boardFiles, "board", "b", nil, "board descriptor file (repeatable, order defines roles)")
	runCmd.Flags().StringVarP(&testScript, "test", "t", "", "scenario script")
	runCmd.Flags().StringArrayVar(&appLists, "apps", nil, "comma-separated apps for one board (repeat once per board)")
	runCmd.Flags().StringVar(&expectMessage, "expect", "", "console message to wait for instead of a script")
	runCmd.Flags().DurationVar(&expectTimeout, "expect-timeout", 30*time.Second, "how long to wait for --expect")
	runCmd.Flags().StringVar(&baseDir, "base-dir", "", "directory holding the kernel and app trees")
	runCmd.Flags().BoolVar(&parallelPrepare, "parallel-prepare", false, "erase and flash boards concurrently")
	runCmd.Flags().StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	runCmd.MarkFlagRequired("board")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if (testScript == "") == (expectMessage == "") {
		return errors.New("exactly one of --test and --expect is required")
	}
	if len(appLists) > 0 && len(appLists) != len(boardFiles) {
		return fmt.Errorf("got %d --apps lists for %d boards", len(appLists), len(boardFiles))
	}
	if cmd.Flags().Changed("base-dir") {
		cfg.BaseDir = baseDir
	}
	if cmd.Flags().Changed("parallel-prepare") {
		cfg.ParallelPrepare = parallelPrepare
	}
	if cmd.Flags().Changed("metrics-file") {
		cfg.MetricsFile = metricsFile
	}

	descs, err := registry.LoadDescriptors(boardFiles...)
	if err != nil {
		return err
	}
	for i, list := range appLists {
		descs[i].Apps = parseAppList(list)
	}

	scn, closeScn, err := loadScenario()
	if err != nil {
		return err
	}
	defer closeScn()

	models, err := catalog()
	if err != nil {
		return err
	}

	var rec *metrics.Recorder
	if cfg.MetricsFile != "" {
		rec = metrics.NewRecorder()
	}
	reg := &registry.Registry{
		Catalog:        models,
		Lister:         probe.SysfsLister{},
		Tools:          toolexec.NewExecRunner(cfg.ToolTimeout, logger),
		Paths:          cfg.Paths(),
		Logger:         logger,
		OpObserver:     rec.OpObserver(),
		SerialObserver: rec.SerialObserver(),
	}
	r := &runner.Runner{
		Resolver:        reg,
		Logger:          logger,
		Metrics:         rec,
		ParallelPrepare: cfg.ParallelPrepare,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := r.Run(ctx, descs, scn)
	if err := rec.WriteFile(cfg.MetricsFile); err != nil {
		logger.Warn("metrics not written", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "PASS %s (%d board(s))\n", scn.Name(), len(descs))
	return nil
}

func loadScenario() (scenario.Scenario, func(), error) {
	if expectMessage != "" {
		if len(boardFiles) != 1 {
			return nil, nil, fmt.Errorf("--expect runs on exactly one board, got %d", len(boardFiles))
		}
		return scenario.WaitForMessage("expect", nil, expectMessage, expectTimeout), func() {}, nil
	}
	s, err := script.Load(testScript, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}

func parseAppList(list string) []board.AppSpec {
	var apps []board.AppSpec
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			apps = append(apps, board.ParseAppSpec(name))
		}
	}
	return apps
}
