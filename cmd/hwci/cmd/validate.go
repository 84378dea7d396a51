package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/registry"
	"github.com/OpenTraceLab/OpenTraceHWCI/pkg/scenario/script"
)

var validateScript string

var validateCmd = &cobra.Command{
	Use:   "validate <descriptor>...",
	Short: "Check board descriptors without touching hardware",
	Long: `Parse every descriptor, check that its model and kernel configuration exist and
print what each board would be flashed with. With --test the scenario script is
loaded too.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateScript, "test", "t", "", "scenario script to load")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	models, err := catalog()
	if err != nil {
		return err
	}
	descs, err := registry.LoadDescriptors(args...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, d := range descs {
		m, ok := models.Lookup(d.Model)
		if !ok {
			return fmt.Errorf("%w %q in %s", registry.ErrUnknownModel, d.Model, d.Source)
		}
		if _, err := m.Variant(d.KernelConfig); err != nil {
			return fmt.Errorf("%s: %w", d.Source, err)
		}
		kc := d.KernelConfig
		if kc == "" {
			kc = "default"
		}
		fmt.Fprintf(out, "slot %d: %s\n", i, d.Source)
		fmt.Fprintf(out, "  model:         %s (%s, reset by %s)\n", m.Name, m.ProgramMethod, m.ResetMethod)
		fmt.Fprintf(out, "  kernel config: %s\n", kc)
		if d.SerialNumber != "" {
			fmt.Fprintf(out, "  serial number: %s\n", d.SerialNumber)
		}
		if d.SerialPort != "" {
			fmt.Fprintf(out, "  serial port:   %s\n", d.SerialPort)
		}
		for _, app := range d.Apps {
			fmt.Fprintf(out, "  app:           %s (%s)\n", app.Name, app.Path)
		}
		for label, pin := range d.PinMappings {
			fmt.Fprintf(out, "  pin:           %s -> %s\n", label, pin.Key())
		}
	}

	if validateScript != "" {
		s, err := script.Load(validateScript, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		fmt.Fprintf(out, "scenario %s: %s shape\n", s.Name(), s.Shape())
	}
	fmt.Fprintf(out, "%d descriptor(s) OK\n", len(descs))
	return nil
}
