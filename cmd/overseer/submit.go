package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/overseer/internal/types"
)

var (
	submitArtifact string
	submitJSON     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <report.yaml>",
	Short: "Submit an iteration report and wait for the decision",
	Long: `Submit an implementer iteration report and wait for the decision.

The report is a YAML document:

  unit_id: ov-1a2b3c4d
  iteration: 1
  summary: first pass
  measurements:
    testing.scenarios_tested: 6
    testing.test_coverage: 82
    integration.patterns_followed: true
  blockers: []          # anything non-empty parks the iteration
  recommended_verdict: ACCEPT
  artifacts:
    - kind: commit
      ref: abc123

Iterations are numbered from 1 and must be submitted in order. The command
blocks until the reviewer answers, up to timeouts.review.

--artifact supplies a separate artifact state document (unit_id, iteration,
measurements, artifacts) for the reviewer instead of the report's own.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var report types.IterationReport
		if err := readDocument(args[0], &report); err != nil {
			exitf("%v", err)
		}

		var artifact *types.ArtifactState
		if submitArtifact != "" {
			artifact = &types.ArtifactState{}
			if err := readDocument(submitArtifact, artifact); err != nil {
				exitf("%v", err)
			}
		}

		d, err := newClient(cfg.Timeouts.Review + reviewGrace).Submit(&report, artifact)
		if err != nil {
			exitf("%v", err)
		}

		if submitJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(d); err != nil {
				exitf("failed to encode decision: %v", err)
			}
			return
		}
		printDecision(os.Stdout, d)
		switch d.Verdict {
		case types.VerdictIterate:
			fmt.Printf("\n%s fix the items above and submit iteration %d\n", gray("→"), d.Iteration+1)
		case types.VerdictAccept:
			fmt.Printf("\n%s overseer merge %s\n", gray("→"), d.UnitID)
		}
	},
}

var reviewPending bool

var reviewCmd = &cobra.Command{
	Use:   "review [review.json]",
	Short: "Deliver an external review, or list outstanding review requests",
	Long: `Deliver a review when the orchestrator runs with roles.reviewer=external.

The review is a JSON (or YAML) document answering one outstanding request:

  {"unit_id": "ov-1a2b3c4d", "iteration": 1, "results": [...], "notes": []}

With --pending, the outstanding requests are printed as JSON, one artifact
state per request, for the reviewer to pick up.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient(0)

		if reviewPending {
			st, err := client.Status("")
			if err != nil {
				exitf("%v", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(st.PendingReviews); err != nil {
				exitf("failed to encode requests: %v", err)
			}
			return
		}
		if len(args) == 0 {
			exitf("review document is required (or use --pending)")
		}

		var review types.Review
		if err := readReview(args[0], &review); err != nil {
			exitf("%v", err)
		}
		if err := client.DeliverReview(&review); err != nil {
			exitf("%v", err)
		}
		fmt.Printf("%s Review delivered for %s iteration %d\n", green("✓"), review.UnitID, review.Iteration)
	},
}

// readReview decodes a review document. Reviews use the JSON field names,
// which YAML can read once the document is parsed into a generic tree.
func readReview(path string, review *types.Review) error {
	var tree interface{}
	if err := readDocument(path, &tree); err != nil {
		return err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := json.Unmarshal(data, review); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func init() {
	submitCmd.Flags().StringVar(&submitArtifact, "artifact", "", "Artifact state document for the reviewer")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Print the decision as JSON")
	reviewCmd.Flags().BoolVar(&reviewPending, "pending", false, "List outstanding review requests")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(reviewCmd)
}
