package oplog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendConflict writes one immutable audit row for a resolver invocation.
// Rows are never updated or deleted.
func (l *Log) AppendConflict(c Conflict) (string, error) {
	if c.ID == "" {
		c.ID = "cfl_" + uuid.NewString()
	}
	if c.AuditedAt.IsZero() {
		c.AuditedAt = l.now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Write.Exec(`INSERT INTO conflicts
		(id, operation_id, key, local_version, remote_version, rule, resolution, resolved_value, audited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OperationID, c.Key, string(c.LocalVersion), string(c.RemoteVersion),
		c.Rule, c.Resolution, nullableRaw(c.ResolvedValue),
		c.AuditedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("append conflict audit: %w", err)
	}
	return c.ID, nil
}

// Conflicts returns audit rows, newest first.
func (l *Log) Conflicts(limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Read.Query(`
		SELECT id, operation_id, key, local_version, remote_version, rule,
		       resolution, resolved_value, audited_at
		FROM conflicts ORDER BY audited_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var local, remote string
		var resolved sql.NullString
		var auditedAt string
		if err := rows.Scan(&c.ID, &c.OperationID, &c.Key, &local, &remote,
			&c.Rule, &c.Resolution, &resolved, &auditedAt); err != nil {
			return nil, err
		}
		c.LocalVersion = json.RawMessage(local)
		c.RemoteVersion = json.RawMessage(remote)
		if resolved.Valid {
			c.ResolvedValue = json.RawMessage(resolved.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, auditedAt); err == nil {
			c.AuditedAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
