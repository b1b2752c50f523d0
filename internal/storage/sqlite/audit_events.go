package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/steveyegge/overseer/internal/events"
)

// AppendEvent stores a new audit event in the database
func (s *SQLiteStorage) AppendEvent(ctx context.Context, event *events.AuditEvent) error {
	// Marshal the Data field to JSON
	data := event.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			id, type, timestamp, unit_id, iteration, actor,
			severity, message, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		formatTime(event.Timestamp),
		event.UnitID,
		event.Iteration,
		event.Actor,
		event.Severity,
		event.Message,
		string(dataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to store audit event (type=%s, unit=%s): %w", event.Type, event.UnitID, err)
	}

	return nil
}

// GetEvents retrieves events matching the given filter in the order they
// were recorded. A positive Limit keeps the most recent events.
func (s *SQLiteStorage) GetEvents(ctx context.Context, filter events.EventFilter) ([]*events.AuditEvent, error) {
	query := `
		SELECT seq, id, type, timestamp, unit_id, iteration, actor,
		       severity, message, data
		FROM audit_events
		WHERE 1=1
	`
	args := []interface{}{}

	// Apply filters
	if filter.UnitID != "" {
		query += " AND unit_id = ?"
		args = append(args, filter.UnitID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, filter.Severity)
	}
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, formatTime(filter.Since))
	}

	if filter.Limit > 0 {
		// Take the newest rows, then restore chronological order
		query = "SELECT * FROM (" + query + " ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC"
		args = append(args, filter.Limit)
	} else {
		query += " ORDER BY seq ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents is a helper function to scan rows into AuditEvent structs
func scanEvents(rows *sql.Rows) ([]*events.AuditEvent, error) {
	var result []*events.AuditEvent

	for rows.Next() {
		var (
			event     events.AuditEvent
			seq       int64
			timestamp string
			dataJSON  string
		)

		err := rows.Scan(
			&seq,
			&event.ID,
			&event.Type,
			&timestamp,
			&event.UnitID,
			&event.Iteration,
			&event.Actor,
			&event.Severity,
			&event.Message,
			&dataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if event.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}

		// Unmarshal the JSON data field
		event.Data = make(map[string]interface{})
		if dataJSON != "" && dataJSON != "{}" {
			if err := json.Unmarshal([]byte(dataJSON), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}

		result = append(result, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}

	return result, nil
}
