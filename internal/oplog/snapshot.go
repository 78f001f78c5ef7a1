package oplog

import (
	"database/sql"
	"fmt"
	"time"
)

// Snapshot returns current per-state and per-priority counts.
func (l *Log) Snapshot() (*QueueSnapshot, error) {
	snap := &QueueSnapshot{
		ByState:    map[string]int{},
		ByPriority: map[string]int{},
	}

	rows, err := l.db.Read.Query("SELECT state, priority, COUNT(*) FROM operations GROUP BY state, priority")
	if err != nil {
		return nil, fmt.Errorf("snapshot counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var priority, n int
		if err := rows.Scan(&state, &priority, &n); err != nil {
			return nil, err
		}
		snap.ByState[state] += n
		snap.ByPriority[PriorityToString(priority)] += n
		snap.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullString
	err = l.db.Read.QueryRow(
		"SELECT MIN(created_at) FROM operations WHERE state = ?", StateQueued).Scan(&oldest)
	if err == nil && oldest.Valid && oldest.String != "" {
		if t, perr := time.Parse(time.RFC3339Nano, oldest.String); perr == nil {
			snap.OldestQueuedAt = &t
		}
	}
	return snap, nil
}
