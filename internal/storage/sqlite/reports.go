package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/steveyegge/overseer/internal/types"
)

// AppendReport appends an iteration report. A second report for the same
// unit and iteration fails with types.ErrDuplicateEntry.
func (s *SQLiteStorage) AppendReport(ctx context.Context, report *types.IterationReport) error {
	return appendReport(ctx, s.db, report)
}

func appendReport(ctx context.Context, db execer, report *types.IterationReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO reports (unit_id, iteration, submitted_at, body)
		VALUES (?, ?, ?, ?)
	`, report.UnitID, report.Iteration, formatTime(report.SubmittedAt), string(body))
	if err != nil {
		return duplicateErr("report", report.UnitID, report.Iteration, err)
	}
	return nil
}

// AppendReview appends the independent review of a report
func (s *SQLiteStorage) AppendReview(ctx context.Context, review *types.Review) error {
	return appendReview(ctx, s.db, review)
}

func appendReview(ctx context.Context, db execer, review *types.Review) error {
	body, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("failed to marshal review: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO reviews (unit_id, iteration, reviewer, reviewed_at, body)
		VALUES (?, ?, ?, ?, ?)
	`, review.UnitID, review.Iteration, review.Reviewer, formatTime(review.ReviewedAt), string(body))
	if err != nil {
		return duplicateErr("review", review.UnitID, review.Iteration, err)
	}
	return nil
}

// AppendDecision appends a decision
func (s *SQLiteStorage) AppendDecision(ctx context.Context, decision *types.Decision) error {
	return appendDecision(ctx, s.db, decision)
}

func appendDecision(ctx context.Context, db execer, d *types.Decision) error {
	if !d.Verdict.IsValid() {
		return types.NewValidationError("verdict", "invalid verdict %q", d.Verdict)
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO decisions (id, unit_id, iteration, verdict, reason, issued_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.UnitID, d.Iteration, d.Verdict, d.Reason, formatTime(d.IssuedAt), string(body))
	if err != nil {
		return duplicateErr("decision", d.UnitID, d.Iteration, err)
	}
	return nil
}

// AppendIteration writes one processed iteration in a single transaction.
// If any part fails nothing is recorded and the unit snapshot is unchanged.
func (s *SQLiteStorage) AppendIteration(ctx context.Context, rec *types.IterationRecord) error {
	if rec == nil || rec.Unit == nil || rec.Decision == nil {
		return fmt.Errorf("iteration record requires a unit and a decision")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveUnit(ctx, tx, rec.Unit); err != nil {
			return err
		}
		if rec.Report != nil {
			if err := appendReport(ctx, tx, rec.Report); err != nil {
				return err
			}
		}
		if rec.Review != nil {
			if err := appendReview(ctx, tx, rec.Review); err != nil {
				return err
			}
		}
		return appendDecision(ctx, tx, rec.Decision)
	})
}

// GetReports returns all reports for a unit in iteration order
func (s *SQLiteStorage) GetReports(ctx context.Context, unitID string) ([]*types.IterationReport, error) {
	var out []*types.IterationReport
	err := s.queryBodies(ctx, `SELECT body FROM reports WHERE unit_id = ? ORDER BY iteration ASC, seq ASC`, unitID,
		func(body []byte) error {
			var r types.IterationReport
			if err := json.Unmarshal(body, &r); err != nil {
				return fmt.Errorf("failed to unmarshal report: %w", err)
			}
			out = append(out, &r)
			return nil
		})
	return out, err
}

// GetReviews returns all reviews for a unit in iteration order
func (s *SQLiteStorage) GetReviews(ctx context.Context, unitID string) ([]*types.Review, error) {
	var out []*types.Review
	err := s.queryBodies(ctx, `SELECT body FROM reviews WHERE unit_id = ? ORDER BY iteration ASC, seq ASC`, unitID,
		func(body []byte) error {
			var r types.Review
			if err := json.Unmarshal(body, &r); err != nil {
				return fmt.Errorf("failed to unmarshal review: %w", err)
			}
			out = append(out, &r)
			return nil
		})
	return out, err
}

// GetDecisions returns all decisions for a unit in the order they were issued
func (s *SQLiteStorage) GetDecisions(ctx context.Context, unitID string) ([]*types.Decision, error) {
	var out []*types.Decision
	err := s.queryBodies(ctx, `SELECT body FROM decisions WHERE unit_id = ? ORDER BY seq ASC`, unitID,
		func(body []byte) error {
			var d types.Decision
			if err := json.Unmarshal(body, &d); err != nil {
				return fmt.Errorf("failed to unmarshal decision: %w", err)
			}
			out = append(out, &d)
			return nil
		})
	return out, err
}

// GetHistory reconstructs the full reconciliation history of a unit from the
// append-only tables. Decisions with iteration 0 land in History.Other.
func (s *SQLiteStorage) GetHistory(ctx context.Context, unitID string) (*types.History, error) {
	if _, err := s.GetUnit(ctx, unitID); err != nil {
		return nil, err
	}
	reports, err := s.GetReports(ctx, unitID)
	if err != nil {
		return nil, err
	}
	reviews, err := s.GetReviews(ctx, unitID)
	if err != nil {
		return nil, err
	}
	decisions, err := s.GetDecisions(ctx, unitID)
	if err != nil {
		return nil, err
	}

	byIteration := make(map[int]*types.IterationHistory)
	entry := func(n int) *types.IterationHistory {
		h, ok := byIteration[n]
		if !ok {
			h = &types.IterationHistory{Iteration: n}
			byIteration[n] = h
		}
		return h
	}

	for _, r := range reports {
		entry(r.Iteration).Report = r
	}
	for _, r := range reviews {
		entry(r.Iteration).Review = r
	}

	history := &types.History{UnitID: unitID}
	for _, d := range decisions {
		if d.Iteration == 0 {
			history.Other = append(history.Other, d)
			continue
		}
		h := entry(d.Iteration)
		h.Decisions = append(h.Decisions, d)
	}

	history.Iterations = make([]types.IterationHistory, 0, len(byIteration))
	for _, h := range byIteration {
		history.Iterations = append(history.Iterations, *h)
	}
	sort.Slice(history.Iterations, func(i, j int) bool {
		return history.Iterations[i].Iteration < history.Iterations[j].Iteration
	})
	return history, nil
}

func (s *SQLiteStorage) queryBodies(ctx context.Context, query, unitID string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query, unitID)
	if err != nil {
		return fmt.Errorf("failed to query unit %s: %w", unitID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}
	return nil
}
