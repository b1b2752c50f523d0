package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/control"
	"github.com/steveyegge/overseer/internal/types"
)

var approveInteractive bool

var approveCmd = &cobra.Command{
	Use:   "approve [unit-id]",
	Short: "Approve a Discovery submission",
	Long: `Approve a unit waiting in Discovery so development can start.

With --interactive, every unit waiting in Discovery is shown in turn and you
answer y (approve), n (reject), d (reject and escalate) or s (skip).`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(0)

		if approveInteractive {
			if err := approveLoop(client); err != nil {
				exitf("%v", err)
			}
			return
		}
		if len(args) == 0 {
			exitf("unit id is required (or use --interactive)")
		}

		u, err := client.Approve(args[0], actor)
		if err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Approved %s, now in %s\n", green("✓"), u.ID, phaseColor(u.Phase)(string(u.Phase)))
	},
}

var (
	rejectReason string
	rejectFatal  bool
)

var rejectCmd = &cobra.Command{
	Use:   "reject <unit-id>",
	Short: "Reject a Discovery submission",
	Long: `Reject a unit waiting in Discovery.

A plain rejection is recorded and leaves the unit in Discovery so the
definition can be revised. With --fatal the unit is escalated; it can be
restarted later with 'overseer reassess'.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		u, err := newClient(0).Reject(args[0], actor, rejectReason, rejectFatal)
		if err != nil {
			exitf("%v", err)
		}
		if u.Phase == types.PhaseEscalated {
			fmt.Printf("%s Rejected %s and escalated it\n", red("✗"), u.ID)
			return
		}
		fmt.Printf("%s Rejected %s, still in %s\n", yellow("!"), u.ID, u.Phase)
	},
}

// approveLoop walks the units waiting in Discovery and prompts for each
func approveLoop(client *control.Client) error {
	st, err := client.Status("")
	if err != nil {
		return err
	}

	var waiting []control.UnitStatus
	for _, us := range st.Units {
		if us.Unit.Phase == types.PhaseDiscovery {
			waiting = append(waiting, us)
		}
	}
	if len(waiting) == 0 {
		fmt.Println(gray("No units waiting for approval"))
		return nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cyan("approve? [y/n/d/s] "),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	for _, us := range waiting {
		fmt.Println()
		printUnit(os.Stdout, us.Unit)
		if us.ApprovalDeadline != nil {
			fmt.Printf("  Deadline:    %s\n", us.ApprovalDeadline.Format("2006-01-02 15:04:05"))
		}

		answer, err := readAnswer(rl)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, readline.ErrInterrupt) {
				fmt.Println()
				return nil
			}
			return err
		}

		switch answer {
		case "y":
			if _, err := client.Approve(us.Unit.ID, actor); err != nil {
				fmt.Printf("%s %v\n", red("✗"), err)
				continue
			}
			fmt.Printf("%s Approved %s\n", green("✓"), us.Unit.ID)
		case "n", "d":
			rl.SetPrompt("reason: ")
			reason, err := rl.Readline()
			rl.SetPrompt(cyan("approve? [y/n/d/s] "))
			if err != nil {
				return nil
			}
			if _, err := client.Reject(us.Unit.ID, actor, strings.TrimSpace(reason), answer == "d"); err != nil {
				fmt.Printf("%s %v\n", red("✗"), err)
				continue
			}
			fmt.Printf("%s Rejected %s\n", yellow("!"), us.Unit.ID)
		default:
			fmt.Println(gray("skipped"))
		}
	}
	return nil
}

// readAnswer prompts until it gets one of y, n, d or s
func readAnswer(rl *readline.Instance) (string, error) {
	for {
		line, err := rl.Readline()
		if err != nil {
			return "", err
		}
		if answer, ok := parseAnswer(line); ok {
			return answer, nil
		}
		fmt.Println(gray("answer y (approve), n (reject), d (reject and escalate) or s (skip)"))
	}
}

func parseAnswer(line string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return "y", true
	case "n", "no":
		return "n", true
	case "d", "deny":
		return "d", true
	case "s", "skip", "":
		return "s", true
	}
	return "", false
}

func init() {
	approveCmd.Flags().BoolVarP(&approveInteractive, "interactive", "i", false, "Review every waiting unit in turn")
	rejectCmd.Flags().StringVarP(&rejectReason, "reason", "r", "", "Reason for rejecting")
	rejectCmd.Flags().BoolVar(&rejectFatal, "fatal", false, "Escalate the unit instead of leaving it in Discovery")
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
}
