package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/probe"
)

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List serial ports and USB debug probes",
	Long: `Scan the host for serial consoles and debug probes (J-Link, CMSIS-DAP, FTDI) and
print what a board descriptor can match on: port descriptions and serial numbers.`,
	RunE: runProbes,
}

func init() {
	rootCmd.AddCommand(probesCmd)
}

func runProbes(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	ports, err := probe.SysfsLister{}.Ports()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "No serial ports found.")
	} else {
		fmt.Fprintln(out, "Serial ports:")
		for _, p := range ports {
			fmt.Fprintf(out, "  - %s: %s [serial %s] (VID:PID %04X:%04X)\n", p.Device, p.Description, p.SerialNumber, p.VendorID, p.ProductID)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probes, err := probe.DiscoverDebugProbes(ctx)
	if err != nil {
		return fmt.Errorf("discover debug probes: %w", err)
	}
	if len(probes) == 0 {
		fmt.Fprintln(out, "No debug probes found.")
		return nil
	}
	fmt.Fprintln(out, "Debug probes:")
	for _, p := range probes {
		fmt.Fprintf(out, "  - %s [%s] serial %s (VID:PID %04X:%04X)\n", p.Label(), p.Kind, p.SerialNumber, p.VendorID, p.ProductID)
	}
	return nil
}
