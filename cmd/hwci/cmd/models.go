package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List known board models",
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	models, err := catalog()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, name := range models.Names() {
		m, _ := models.Lookup(name)
		configs := make([]string, 0, len(m.KernelConfigs))
		for c := range m.KernelConfigs {
			configs = append(configs, c)
		}
		sort.Strings(configs)
		fmt.Fprintf(out, "%-22s %-18s %-14s %s\n", m.Name, m.ProgramMethod, m.ResetMethod, strings.Join(configs, ","))
	}
	return nil
}
