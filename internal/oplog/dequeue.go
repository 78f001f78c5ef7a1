package oplog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// DequeueReady returns up to max operations eligible for admission: queued,
// past any scheduled_for deferral, with every depends_on entry completed.
// Strict priority order, FIFO within a tier.
func (l *Log) DequeueReady(max int) ([]Operation, error) {
	if max <= 0 {
		return nil, nil
	}
	now := l.now().UTC().Format(time.RFC3339Nano)

	rows, err := l.db.Read.Query(`
		SELECT id, kind, key, priority, state, payload, depends_on, attempts,
		       max_attempts, last_error, scheduled_for, enqueue_seq,
		       local_version, role, created_at, updated_at
		FROM operations
		WHERE state = ?
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY priority ASC, enqueue_seq ASC`,
		StateQueued, now)
	if err != nil {
		return nil, fmt.Errorf("query ready operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		if len(op.DependsOn) > 0 {
			ok, err := l.depsCompleted(op.DependsOn)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, *op)
		if len(out) == max {
			break
		}
	}
	return out, rows.Err()
}

// depsCompleted reports whether every listed dependency is completed.
func (l *Log) depsCompleted(deps []string) (bool, error) {
	for _, dep := range deps {
		var state string
		err := l.db.Read.QueryRow("SELECT state FROM operations WHERE id = ?", dep).Scan(&state)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("check dependency %s: %w", dep, err)
		}
		if state != StateCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Get returns a single operation by id.
func (l *Log) Get(id string) (*Operation, error) {
	row := l.db.Read.QueryRow(`
		SELECT id, kind, key, priority, state, payload, depends_on, attempts,
		       max_attempts, last_error, scheduled_for, enqueue_seq,
		       local_version, role, created_at, updated_at
		FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError(fmt.Sprintf("operation %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

// List returns operations filtered by state (all states when empty), newest first.
func (l *Log) List(state string, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, kind, key, priority, state, payload, depends_on, attempts,
		       max_attempts, last_error, scheduled_for, enqueue_seq,
		       local_version, role, created_at, updated_at
		FROM operations`
	args := []any{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, state)
	}
	query += " ORDER BY enqueue_seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Read.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// PendingForKeys returns non-terminal operations targeting any of the given
// keys. The coordinator uses this to detect conflicts against pulled deltas.
func (l *Log) PendingForKeys(keys []string) ([]Operation, error) {
	var out []Operation
	for _, key := range keys {
		if key == "" {
			continue
		}
		rows, err := l.db.Read.Query(`
			SELECT id, kind, key, priority, state, payload, depends_on, attempts,
			       max_attempts, last_error, scheduled_for, enqueue_seq,
			       local_version, role, created_at, updated_at
			FROM operations
			WHERE key = ? AND state IN (?, ?, ?)
			ORDER BY enqueue_seq ASC`,
			key, StateQueued, StateAdmitted, StateInFlight)
		if err != nil {
			return nil, fmt.Errorf("query operations for key %s: %w", key, err)
		}
		for rows.Next() {
			op, err := scanOperation(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, *op)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var payload []byte
	var deps, lastErr, schedFor sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&op.ID, &op.Kind, &op.Key, &op.Priority, &op.State, &payload,
		&deps, &op.Attempts, &op.MaxAttempts, &lastErr, &schedFor, &op.Seq,
		&op.LocalVersion, &op.Role, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	op.Payload = json.RawMessage(payload)
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &op.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on for %s: %w", op.ID, err)
		}
	}
	if lastErr.Valid {
		op.LastError = &lastErr.String
	}
	if schedFor.Valid && schedFor.String != "" {
		t, err := time.Parse(time.RFC3339Nano, schedFor.String)
		if err != nil {
			return nil, fmt.Errorf("parse scheduled_for for %s: %w", op.ID, err)
		}
		op.ScheduledFor = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		op.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		op.UpdatedAt = t
	}
	return &op, nil
}
