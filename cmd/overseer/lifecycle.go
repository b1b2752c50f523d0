package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var mergeArtifacts []string

var mergeCmd = &cobra.Command{
	Use:   "merge <unit-id>",
	Short: "Confirm that an accepted unit was merged",
	Long: `Confirm that an accepted unit in Completion has been merged. The unit
moves to Done. Record what was merged with --artifact kind:ref, e.g.
--artifact commit:abc123 --artifact pull_request:42.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		refs, err := parseArtifactRefs(mergeArtifacts)
		if err != nil {
			exitf("%v", err)
		}
		u, err := newClient(0).Merge(args[0], actor, refs...)
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Merged\n\n", green("✓"))
		printUnit(os.Stdout, u)
	},
}

var reassessExtra int

var reassessCmd = &cobra.Command{
	Use:   "reassess <unit-id>",
	Short: "Send an escalated unit back to Discovery",
	Long: `Send an escalated unit back to Discovery for a fresh approval.

The iteration count is kept. --extra raises the ceiling so a unit that hit
its iteration limit gets more attempts once it is approved again.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		u, err := newClient(0).Reassess(args[0], actor, reassessExtra)
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Back in %s\n\n", yellow("↺"), u.Phase)
		printUnit(os.Stdout, u)
	},
}

func init() {
	mergeCmd.Flags().StringArrayVarP(&mergeArtifacts, "artifact", "a", nil, "Merged artifact as kind:ref (repeatable)")
	reassessCmd.Flags().IntVar(&reassessExtra, "extra", 0, "Additional iterations to allow (0 uses iteration.ceiling)")
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(reassessCmd)
}
