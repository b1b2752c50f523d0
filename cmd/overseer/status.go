package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [unit-id]",
	Short: "Show live unit status from the running orchestrator",
	Long: `Show the live status of every unit, or of one unit: phase, iteration
budget, whether a report is being processed, and approval deadlines.

When no orchestrator is running the stored snapshots are shown instead.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		unitID := ""
		if len(args) > 0 {
			unitID = args[0]
		}

		st, err := newClient(0).Status(unitID)
		if err != nil {
			var remote *control.RemoteError
			if errors.As(err, &remote) {
				exitf("%v", err)
			}
			fmt.Fprintf(os.Stderr, "%s %v\n%s\n\n", yellow("Warning:"), err, gray("Showing stored state"))
			st = storedStatus(unitID)
		}

		fmt.Printf("\n%s\n\n", cyan("=== Overseer Status ==="))
		if st.Reviewer != "" {
			fmt.Printf("Reviewer: %s\n\n", st.Reviewer)
		}
		if len(st.Units) == 0 {
			fmt.Printf("  %s\n\n", gray("No units"))
			return
		}

		counts := make(map[types.Phase]int)
		for _, us := range st.Units {
			counts[us.Unit.Phase]++
			printUnitStatus(us)
		}

		fmt.Printf("%s\n", yellow("Summary:"))
		for _, p := range types.AllPhases() {
			if counts[p] > 0 {
				fmt.Printf("  %-12s %d\n", p, counts[p])
			}
		}
		if n := len(st.PendingReviews); n > 0 {
			fmt.Printf("\n%s %d review request(s) waiting: overseer review --pending\n", yellow("!"), n)
		}
		fmt.Println()
	},
}

func printUnitStatus(us control.UnitStatus) {
	printUnit(os.Stdout, us.Unit)
	it := us.Iteration
	if it.Ceiling > 0 {
		budget := fmt.Sprintf("%d of %d used", it.Count, it.Ceiling)
		if it.Exceeded {
			budget = red(budget + ", exceeded")
		}
		fmt.Printf("  Budget:      %s\n", budget)
	}
	if us.Pending > 0 {
		fmt.Printf("  Processing:  %s\n", cyan(fmt.Sprintf("iteration %d under review", us.Pending)))
	}
	if us.ApprovalDeadline != nil {
		left := time.Until(*us.ApprovalDeadline).Round(time.Minute)
		fmt.Printf("  Approve by:  %s (%s left)\n", us.ApprovalDeadline.Format("2006-01-02 15:04"), left)
	}
	fmt.Println()
}

// storedStatus builds a status from the audit log when no server answers
func storedStatus(unitID string) *control.Status {
	ctx := context.Background()
	store, _ := openStore(ctx)
	defer store.Close()

	var units []*types.Unit
	if unitID != "" {
		u, err := store.GetUnit(ctx, unitID)
		if err != nil {
			exitf("%v", err)
		}
		units = []*types.Unit{u}
	} else {
		var err error
		if units, err = store.ListUnits(ctx, types.UnitFilter{}); err != nil {
			exitf("failed to list units: %v", err)
		}
	}

	st := &control.Status{}
	for _, u := range units {
		st.Units = append(st.Units, control.UnitStatus{
			Unit:      u,
			Iteration: types.IterationState{Count: u.Iteration, Ceiling: u.Ceiling, Exceeded: u.Iteration > u.Ceiling},
		})
	}
	return st
}

var historyEvents bool

var historyCmd = &cobra.Command{
	Use:   "history <unit-id>",
	Short: "Show every report, review and decision of a unit",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store, _ := openStore(ctx)
		defer store.Close()

		u, err := store.GetUnit(ctx, args[0])
		if err != nil {
			exitf("%v", err)
		}
		h, err := store.GetHistory(ctx, u.ID)
		if err != nil {
			exitf("failed to load history: %v", err)
		}

		fmt.Println()
		printUnit(os.Stdout, u)
		fmt.Println()
		if len(h.Iterations) == 0 && len(h.Other) == 0 {
			fmt.Printf("  %s\n\n", gray("No iterations yet"))
		} else {
			printHistory(os.Stdout, h)
			fmt.Println()
		}

		if historyEvents {
			evs, err := store.GetEvents(ctx, events.EventFilter{UnitID: u.ID})
			if err != nil {
				exitf("failed to load events: %v", err)
			}
			fmt.Printf("%s\n", yellow("Events:"))
			printEvents(os.Stdout, evs)
			fmt.Println()
		}
	},
}

func init() {
	historyCmd.Flags().BoolVarP(&historyEvents, "events", "e", false, "Also show the full audit event log")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}
