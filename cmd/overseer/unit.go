package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/types"
)

var unitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Create and inspect units of work",
}

var unitCreateCmd = &cobra.Command{
	Use:   "create <definition.yaml>",
	Short: "Submit a unit definition for Discovery approval",
	Long: `Submit a unit definition for Discovery approval.

The definition is a YAML document:

  name: session-cache
  requirement: Cache session lookups for 5 minutes
  constraints:
    - no new dependencies
  ceiling: 3            # optional, defaults to iteration.ceiling
  artifacts:
    - kind: branch
      ref: feat/session-cache

The unit waits in Discovery until it is approved, rejected or the approval
window closes. Use "-" to read the definition from stdin.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var def types.UnitDefinition
		if err := readDocument(args[0], &def); err != nil {
			exitf("%v", err)
		}

		u, err := newClient(0).Discover(def)
		if err != nil {
			exitf("%v", err)
		}

		fmt.Printf("%s Submitted for approval\n\n", green("✓"))
		printUnit(os.Stdout, u)
		fmt.Printf("\n%s overseer approve %s\n", gray("→"), u.ID)
	},
}

var (
	listPhase string
	listLimit int
)

var unitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List units from the audit log",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store, _ := openStore(ctx)
		defer store.Close()

		filter := types.UnitFilter{Limit: listLimit}
		if listPhase != "" {
			p := types.Phase(listPhase)
			if !p.IsValid() {
				exitf("unknown phase %q", listPhase)
			}
			filter.Phase = &p
		}

		units, err := store.ListUnits(ctx, filter)
		if err != nil {
			exitf("failed to list units: %v", err)
		}
		if len(units) == 0 {
			fmt.Println(gray("No units"))
			return
		}
		for _, u := range units {
			fmt.Printf("%-12s %-12s %d/%d  %s\n", bold(u.ID), phaseColor(u.Phase)(string(u.Phase)),
				u.Iteration, u.Ceiling, u.Name)
		}
	},
}

var unitEvents int

var unitShowCmd = &cobra.Command{
	Use:   "show <unit-id>",
	Short: "Show a unit and its recent audit events",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store, _ := openStore(ctx)
		defer store.Close()

		u, err := store.GetUnit(ctx, args[0])
		if err != nil {
			exitf("%v", err)
		}
		fmt.Println()
		printUnit(os.Stdout, u)

		evs, err := store.GetEvents(ctx, events.EventFilter{UnitID: u.ID, Limit: unitEvents})
		if err != nil {
			exitf("failed to load events: %v", err)
		}
		if len(evs) > 0 {
			fmt.Printf("\n%s\n", yellow("Recent events:"))
			printEvents(os.Stdout, evs)
		}
		fmt.Println()
	},
}

func init() {
	unitListCmd.Flags().StringVar(&listPhase, "phase", "", "Only units in this phase")
	unitListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of units (0 for all)")
	unitShowCmd.Flags().IntVarP(&unitEvents, "events", "n", 20, "Number of recent events to show")

	unitCmd.AddCommand(unitCreateCmd)
	unitCmd.AddCommand(unitListCmd)
	unitCmd.AddCommand(unitShowCmd)
	rootCmd.AddCommand(unitCmd)
}
