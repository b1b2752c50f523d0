package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/overseer/internal/events"
	"github.com/steveyegge/overseer/internal/types"
)

var (
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// maxDocumentSize bounds definition, report and review files
const maxDocumentSize = 1024 * 1024

// readDocument decodes a YAML (or JSON) document from path; "-" reads stdin
func readDocument(path string, out interface{}) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(io.LimitReader(os.Stdin, maxDocumentSize+1))
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) > maxDocumentSize {
		return fmt.Errorf("%s is too large (max %d bytes)", path, maxDocumentSize)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// parseArtifactRef parses kind:ref, e.g. commit:abc123
func parseArtifactRef(s string) (types.ArtifactRef, error) {
	kind, ref, ok := strings.Cut(s, ":")
	if !ok || ref == "" {
		return types.ArtifactRef{}, fmt.Errorf("artifact %q must be kind:ref", s)
	}
	a := types.ArtifactRef{Kind: types.ArtifactKind(kind), Ref: ref}
	if !a.Kind.IsValid() {
		return types.ArtifactRef{}, fmt.Errorf("artifact %q has unknown kind %q", s, kind)
	}
	return a, nil
}

func parseArtifactRefs(specs []string) ([]types.ArtifactRef, error) {
	var refs []types.ArtifactRef
	for _, s := range specs {
		a, err := parseArtifactRef(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, a)
	}
	return refs, nil
}

func phaseColor(p types.Phase) func(a ...interface{}) string {
	switch p {
	case types.PhaseDone, types.PhaseCompletion:
		return green
	case types.PhaseEscalated:
		return red
	case types.PhaseDiscovery:
		return yellow
	default:
		return cyan
	}
}

func verdictColor(v types.Verdict) func(a ...interface{}) string {
	switch v {
	case types.VerdictAccept:
		return green
	case types.VerdictIterate:
		return yellow
	default:
		return red
	}
}

func printUnit(w io.Writer, u *types.Unit) {
	fmt.Fprintf(w, "%s %s  %s\n", bold(u.ID), u.Name, phaseColor(u.Phase)(string(u.Phase)))
	fmt.Fprintf(w, "  Iteration:   %d of %d\n", u.Iteration, u.Ceiling)
	if u.Requirement != "" {
		fmt.Fprintf(w, "  Requirement: %s\n", u.Requirement)
	}
	for _, c := range u.Constraints {
		fmt.Fprintf(w, "  Constraint:  %s\n", c)
	}
	if u.EscalationReason != "" {
		fmt.Fprintf(w, "  Escalated:   %s\n", red(u.EscalationReason))
	}
	for _, a := range u.Artifacts {
		fmt.Fprintf(w, "  Artifact:    %s\n", a)
	}
	fmt.Fprintf(w, "  Updated:     %s\n", u.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func printDecision(w io.Writer, d *types.Decision) {
	fmt.Fprintf(w, "%s  %s (iteration %d of %d, %s)\n",
		verdictColor(d.Verdict)(string(d.Verdict)), d.UnitID, d.IterationCount, d.Ceiling, d.Reason)
	if d.ScopeLocked {
		fmt.Fprintf(w, "  %s\n", gray("scope locked: no new requirements"))
	}
	for _, f := range d.Feedback {
		if f.Metric == "" {
			fmt.Fprintf(w, "  %d. %s failed review\n", f.Rank, f.Gate)
			continue
		}
		fmt.Fprintf(w, "  %d. %s %s %s (measured %s)\n", f.Rank, f.Gate, f.Comparator.Symbol(), f.Threshold, f.Measured)
	}
	for _, f := range d.Advisories {
		fmt.Fprintf(w, "  %s %s %s %s (measured %s)\n", gray("advisory:"), f.Gate, f.Comparator.Symbol(), f.Threshold, f.Measured)
	}
	for _, dis := range d.Disagreements {
		fmt.Fprintf(w, "  %s %s: self %s, reviewer %s\n", yellow("disagreement"), dis.Category,
			passFail(dis.SelfPassed), passFail(dis.ReviewerPassed))
	}
}

func passFail(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

func printResults(w io.Writer, results []types.CategoryResult) {
	for _, c := range results {
		mark := green("✓")
		if !c.Passed {
			mark = red("✗")
			if !c.Blocking {
				mark = yellow("!")
			}
		}
		kind := "blocking"
		if !c.Blocking {
			kind = "advisory"
		}
		fmt.Fprintf(w, "  %s %s %s\n", mark, c.Category, gray(kind))
		for _, r := range c.Failing() {
			fmt.Fprintf(w, "      %s %s %s, measured %s\n", r.Key(), r.Comparator.Symbol(), r.Threshold, r.Measured)
		}
	}
}

func printHistory(w io.Writer, h *types.History) {
	for _, it := range h.Iterations {
		fmt.Fprintf(w, "%s\n", bold(fmt.Sprintf("Iteration %d", it.Iteration)))
		if it.Report != nil {
			fmt.Fprintf(w, "  Report submitted %s", it.Report.SubmittedAt.Format("2006-01-02 15:04:05"))
			if it.Report.Summary != "" {
				fmt.Fprintf(w, ": %s", it.Report.Summary)
			}
			fmt.Fprintln(w)
		}
		if it.Review != nil {
			fmt.Fprintf(w, "  Review by %s\n", it.Review.Reviewer)
			printResults(w, it.Review.Results)
		}
		for _, d := range it.Decisions {
			fmt.Fprint(w, "  ")
			printDecision(w, d)
		}
	}
	for _, d := range h.Other {
		fmt.Fprintf(w, "%s ", gray(d.IssuedAt.Format("2006-01-02 15:04:05")))
		printDecision(w, d)
	}
}

func printEvents(w io.Writer, evs []*events.AuditEvent) {
	for _, e := range evs {
		sev := gray
		switch e.Severity {
		case events.SeverityWarning:
			sev = yellow
		case events.SeverityError, events.SeverityCritical:
			sev = red
		}
		fmt.Fprintf(w, "%s %-22s %s %s\n", gray(e.Timestamp.Format(time.TimeOnly)),
			sev(string(e.Type)), gray(e.Actor), e.Message)
	}
}
