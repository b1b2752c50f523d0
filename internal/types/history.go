package types

import "errors"

// ErrDuplicateEntry is returned when a report or review for the same unit and
// iteration has already been recorded
var ErrDuplicateEntry = errors.New("entry already recorded for this iteration")

// IterationRecord is everything produced by one processed report. It is
// written as a single unit so the audit log never holds half an iteration.
type IterationRecord struct {
	Unit     *Unit
	Report   *IterationReport
	Review   *Review
	Decision *Decision
}

// IterationHistory groups the entries recorded for one iteration
type IterationHistory struct {
	Iteration int              `json:"iteration"`
	Report    *IterationReport `json:"report,omitempty"`
	Review    *Review          `json:"review,omitempty"`
	Decisions []*Decision      `json:"decisions,omitempty"`
}

// History is the reconstructed reconciliation history of a unit
type History struct {
	UnitID     string             `json:"unit_id"`
	Iterations []IterationHistory `json:"iterations"`
	// Decisions not tied to a report, such as approval timeouts
	Other []*Decision `json:"other,omitempty"`
}

// Latest returns the most recent decision, or nil
func (h *History) Latest() *Decision {
	var latest *Decision
	for _, d := range h.Other {
		if latest == nil || d.IssuedAt.After(latest.IssuedAt) {
			latest = d
		}
	}
	for _, it := range h.Iterations {
		for _, d := range it.Decisions {
			if latest == nil || !d.IssuedAt.Before(latest.IssuedAt) {
				latest = d
			}
		}
	}
	return latest
}
