package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/gates"
	"github.com/steveyegge/overseer/internal/storage"
)

// loadRegistry returns the gate registry in effect: gates.path from the
// configuration, then .overseer/gates.yaml, then the built-in table.
// The second return value names where it came from.
func loadRegistry() (*gates.Registry, string, error) {
	path := cfg.Gates.Path
	if path == "" {
		local := filepath.Join(storage.DataDir, "gates.yaml")
		if _, err := os.Stat(local); err == nil {
			path = local
		}
	}
	if path == "" {
		return gates.DefaultRegistry(), "built-in", nil
	}
	reg, err := gates.LoadRegistry(path)
	if err != nil {
		return nil, "", err
	}
	return reg, path, nil
}

var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "Inspect and validate quality gates",
}

var gatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the gate registry in effect",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		reg, source, err := loadRegistry()
		if err != nil {
			exitf("%v", err)
		}

		fmt.Printf("\n%s %s\n\n", bold("Gates"), gray("("+source+")"))
		for _, category := range reg.Categories() {
			kind := yellow("advisory")
			if reg.Blocking(category) {
				kind = red("blocking")
			}
			fmt.Printf("%s %s\n", cyan(category), kind)
			specs, _ := reg.Category(category)
			for _, spec := range specs {
				fmt.Printf("  %s %s %s", spec.Metric, spec.Comparator.Symbol(), spec.Threshold)
				if spec.Fundamental {
					fmt.Printf(" %s", red("fundamental"))
				}
				if spec.Description != "" {
					fmt.Printf("  %s", gray(spec.Description))
				}
				fmt.Println()
			}
			fmt.Println()
		}
	},
}

var gatesValidateCmd = &cobra.Command{
	Use:   "validate <gates.yaml>",
	Short: "Check a gate document without loading it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg, err := gates.LoadRegistry(args[0])
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s %s: %d gates in %d categories\n", green("✓"), args[0], reg.Len(), len(reg.Categories()))
	},
}

func init() {
	gatesCmd.AddCommand(gatesListCmd)
	gatesCmd.AddCommand(gatesValidateCmd)
	rootCmd.AddCommand(gatesCmd)
}
