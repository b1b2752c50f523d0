package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/overseer/internal/types"
)

const unitColumns = `id, name, requirement, constraints, artifacts, phase, status,
	iteration, ceiling, escalation_reason, created_at, updated_at, discovery_submitted_at`

// SaveUnit inserts or replaces the snapshot of a unit of work
func (s *SQLiteStorage) SaveUnit(ctx context.Context, unit *types.Unit) error {
	return saveUnit(ctx, s.db, unit)
}

func saveUnit(ctx context.Context, db execer, unit *types.Unit) error {
	if err := unit.Validate(); err != nil {
		return err
	}

	constraints, err := json.Marshal(orEmpty(unit.Constraints))
	if err != nil {
		return fmt.Errorf("failed to marshal constraints: %w", err)
	}
	artifacts, err := json.Marshal(orEmptyArtifacts(unit.Artifacts))
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	query := `
		INSERT INTO units (` + unitColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			requirement = excluded.requirement,
			constraints = excluded.constraints,
			artifacts = excluded.artifacts,
			phase = excluded.phase,
			status = excluded.status,
			iteration = excluded.iteration,
			ceiling = excluded.ceiling,
			escalation_reason = excluded.escalation_reason,
			updated_at = excluded.updated_at,
			discovery_submitted_at = excluded.discovery_submitted_at
	`
	_, err = db.ExecContext(ctx, query,
		unit.ID,
		unit.Name,
		unit.Requirement,
		string(constraints),
		string(artifacts),
		unit.Phase,
		unit.Status,
		unit.Iteration,
		unit.Ceiling,
		unit.EscalationReason,
		formatTime(unit.CreatedAt),
		formatTime(unit.UpdatedAt),
		formatTime(unit.DiscoverySubmittedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save unit %s: %w", unit.ID, err)
	}
	return nil
}

// GetUnit retrieves a unit by ID
func (s *SQLiteStorage) GetUnit(ctx context.Context, id string) (*types.Unit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = ?`, id)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrUnitNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// ListUnits returns units matching the filter, oldest first
func (s *SQLiteStorage) ListUnits(ctx context.Context, filter types.UnitFilter) ([]*types.Unit, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Phase != nil {
		where = append(where, "phase = ?")
		args = append(args, *filter.Phase)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}

	query := `SELECT ` + unitColumns + ` FROM units`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	var units []*types.Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unit rows: %w", err)
	}
	return units, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUnit(row rowScanner) (*types.Unit, error) {
	var (
		unit                            types.Unit
		constraints, artifacts          string
		createdAt, updatedAt, submitted string
	)
	err := row.Scan(
		&unit.ID,
		&unit.Name,
		&unit.Requirement,
		&constraints,
		&artifacts,
		&unit.Phase,
		&unit.Status,
		&unit.Iteration,
		&unit.Ceiling,
		&unit.EscalationReason,
		&createdAt,
		&updatedAt,
		&submitted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan unit: %w", err)
	}

	if err := json.Unmarshal([]byte(constraints), &unit.Constraints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal constraints of unit %s: %w", unit.ID, err)
	}
	if err := json.Unmarshal([]byte(artifacts), &unit.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifacts of unit %s: %w", unit.ID, err)
	}
	if len(unit.Constraints) == 0 {
		unit.Constraints = nil
	}
	if len(unit.Artifacts) == 0 {
		unit.Artifacts = nil
	}

	if unit.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if unit.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if unit.DiscoverySubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	return &unit, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyArtifacts(a []types.ArtifactRef) []types.ArtifactRef {
	if a == nil {
		return []types.ArtifactRef{}
	}
	return a
}
