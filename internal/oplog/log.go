package oplog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Log is the durable, priority-ordered store of pending local operations.
//
// Every mutation appends a record to the journal table and materializes it
// into the operations table inside one transaction, advancing
// meta.applied_seq last. A crash that leaves journal records newer than
// applied_seq is healed on Open by replaying them, so readers never observe
// a state the journal does not account for.
type Log struct {
	db      *DB
	mu      sync.Mutex // single logical writer
	schemas *SchemaSet
	retry   RetryPolicy
	now     func() time.Time
}

// Open opens (or creates) the operation log under dataDir and replays any
// journal records not yet materialized.
func Open(dataDir string, schemas *SchemaSet) (*Log, error) {
	db, err := OpenDB(dataDir)
	if err != nil {
		return nil, err
	}
	l := &Log{db: db, schemas: schemas, retry: DefaultRetryPolicy(), now: time.Now}
	if err := l.recover(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover journal: %w", err)
	}
	if err := l.requeueInterrupted(); err != nil {
		db.Close()
		return nil, fmt.Errorf("requeue interrupted operations: %w", err)
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// SetClock overrides the time source. Test hook.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// journalRecord is the serialized form of one journal entry. A single record
// type per mutation keeps replay trivial: applyRecord is the only code path
// that touches the operations table.
type journalRecord struct {
	Type string `json:"type"` // enqueue, merge, transition, cancel

	Op *Operation `json:"op,omitempty"` // enqueue

	// merge
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  *int            `json:"priority,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`

	// transition
	OpID         string     `json:"op_id,omitempty"`
	State        string     `json:"state,omitempty"`
	Attempts     *int       `json:"attempts,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	At time.Time `json:"at"`
}

// appendAndApply journals rec and applies it in one transaction.
func (l *Log) appendAndApply(rec *journalRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendAndApplyLocked(rec)
}

// appendAndApplyLocked requires l.mu held.
func (l *Log) appendAndApplyLocked(rec *journalRecord) error {
	return l.applyTx(func(tx *sql.Tx) error {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal journal record: %w", err)
		}
		res, err := tx.Exec("INSERT INTO journal (type, op_id, record) VALUES (?, ?, ?)",
			rec.Type, journalOpID(rec), string(raw))
		if err != nil {
			return fmt.Errorf("append journal: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("journal seq: %w", err)
		}
		if err := applyRecord(tx, seq, rec); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE meta SET value = ? WHERE key = 'applied_seq'", seq); err != nil {
			return fmt.Errorf("advance applied_seq: %w", err)
		}
		return nil
	})
}

func (l *Log) applyTx(fn func(tx *sql.Tx) error) error {
	tx, err := l.db.Write.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func journalOpID(rec *journalRecord) string {
	if rec.Op != nil {
		return rec.Op.ID
	}
	return rec.OpID
}

// applyRecord materializes one journal record into the operations table.
// Replay safety: every branch is idempotent for re-application.
func applyRecord(tx *sql.Tx, seq int64, rec *journalRecord) error {
	switch rec.Type {
	case "enqueue":
		op := rec.Op
		deps, err := marshalDeps(op.DependsOn)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`INSERT INTO operations
			(id, kind, key, priority, state, payload, depends_on, attempts, max_attempts,
			 scheduled_for, enqueue_seq, local_version, role, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			op.ID, op.Kind, op.Key, op.Priority, StateQueued, []byte(op.Payload), deps,
			op.MaxAttempts, timePtr(op.ScheduledFor), seq, op.LocalVersion, op.Role,
			rec.At.UTC().Format(time.RFC3339Nano), rec.At.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("apply enqueue: %w", err)
		}
	case "merge":
		sets := []string{"updated_at = ?"}
		args := []any{rec.At.UTC().Format(time.RFC3339Nano)}
		if len(rec.Payload) > 0 {
			sets = append(sets, "payload = ?")
			args = append(args, []byte(rec.Payload))
		}
		if rec.Priority != nil {
			sets = append(sets, "priority = MIN(priority, ?)")
			args = append(args, *rec.Priority)
		}
		if rec.DependsOn != nil {
			deps, err := marshalDeps(rec.DependsOn)
			if err != nil {
				return err
			}
			sets = append(sets, "depends_on = ?")
			args = append(args, deps)
		}
		args = append(args, rec.OpID)
		_, err := tx.Exec("UPDATE operations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return fmt.Errorf("apply merge: %w", err)
		}
	case "transition":
		sets := []string{"state = ?", "updated_at = ?"}
		args := []any{rec.State, rec.At.UTC().Format(time.RFC3339Nano)}
		if rec.Attempts != nil {
			sets = append(sets, "attempts = ?")
			args = append(args, *rec.Attempts)
		}
		if rec.LastError != nil {
			sets = append(sets, "last_error = ?")
			args = append(args, *rec.LastError)
		}
		sets = append(sets, "scheduled_for = ?")
		args = append(args, timePtr(rec.ScheduledFor))
		args = append(args, rec.OpID)
		_, err := tx.Exec("UPDATE operations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}
	case "cancel":
		_, err := tx.Exec("DELETE FROM operations WHERE id = ? AND state = ?", rec.OpID, StateQueued)
		if err != nil {
			return fmt.Errorf("apply cancel: %w", err)
		}
	default:
		return fmt.Errorf("unknown journal record type %q", rec.Type)
	}
	return nil
}

// recover replays journal records newer than meta.applied_seq.
func (l *Log) recover() error {
	var applied int64
	if err := l.db.Write.QueryRow("SELECT value FROM meta WHERE key = 'applied_seq'").Scan(&applied); err != nil {
		return fmt.Errorf("read applied_seq: %w", err)
	}

	rows, err := l.db.Write.Query("SELECT seq, record FROM journal WHERE seq > ? ORDER BY seq", applied)
	if err != nil {
		return fmt.Errorf("read journal tail: %w", err)
	}
	type pending struct {
		seq int64
		rec *journalRecord
	}
	var tail []pending
	for rows.Next() {
		var seq int64
		var raw string
		if err := rows.Scan(&seq, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan journal row: %w", err)
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			rows.Close()
			return fmt.Errorf("decode journal record %d: %w", seq, err)
		}
		tail = append(tail, pending{seq: seq, rec: &rec})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(tail) == 0 {
		return nil
	}

	err = l.applyTx(func(tx *sql.Tx) error {
		for _, p := range tail {
			if err := applyRecord(tx, p.seq, p.rec); err != nil {
				return fmt.Errorf("replay seq %d: %w", p.seq, err)
			}
		}
		last := tail[len(tail)-1].seq
		if _, err := tx.Exec("UPDATE meta SET value = ? WHERE key = 'applied_seq'", last); err != nil {
			return fmt.Errorf("advance applied_seq: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("journal replayed", "records", len(tail))
	return nil
}

// requeueInterrupted reverts operations left admitted or in_flight by a
// previous process. Their owning session died with it, so nothing will ever
// ack them; they return to queued with their attempt counts intact.
func (l *Log) requeueInterrupted() error {
	rows, err := l.db.Write.Query("SELECT id FROM operations WHERE state IN (?, ?)",
		StateAdmitted, StateInFlight)
	if err != nil {
		return fmt.Errorf("find interrupted operations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan interrupted id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		if err := l.transition(id, StateQueued, nil, nil, nil); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		slog.Info("requeued interrupted operations", "count", len(ids))
	}
	return nil
}

// EnqueueRequest contains all parameters for enqueuing an operation.
type EnqueueRequest struct {
	ID           string          `json:"id,omitempty"` // generated when empty
	Kind         string          `json:"kind"`
	Key          string          `json:"key,omitempty"`
	Priority     string          `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	MaxAttempts  *int            `json:"max_attempts,omitempty"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	LocalVersion string          `json:"local_version,omitempty"`
	Role         string          `json:"role,omitempty"`
}

// EnqueueResult is the response from enqueuing an operation.
type EnqueueResult struct {
	OperationID string `json:"operation_id"`
	State       string `json:"state"`
	Merged      bool   `json:"merged"`
}

// Enqueue validates and persists a new operation. Re-enqueueing an id that is
// still non-terminal merges into the existing row instead of duplicating it;
// terminal ids are rejected, since an operation completes at most once.
func (l *Log) Enqueue(req EnqueueRequest) (*EnqueueResult, error) {
	if strings.TrimSpace(req.Kind) == "" {
		return nil, NewValidationError("kind is required")
	}
	priority, ok := PriorityFromString(req.Priority)
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("unknown priority %q", req.Priority))
	}
	for _, dep := range req.DependsOn {
		if strings.TrimSpace(dep) == "" {
			return nil, NewValidationError("depends_on contains an empty id")
		}
	}
	if l.schemas != nil {
		if err := l.schemas.Validate(req.Kind, req.Payload); err != nil {
			return nil, err
		}
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = NewOperationID()
	}

	// The duplicate-id check and the append must be one critical section, or
	// two concurrent enqueues of the same id both take the insert path and
	// the loser's merge is silently dropped.
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.Get(id)
	if err != nil && !IsNotFoundError(err) {
		return nil, err
	}
	if existing != nil {
		if IsTerminal(existing.State) {
			return nil, &Error{Code: ErrorCodeTerminal,
				Msg: fmt.Sprintf("operation %s already %s", id, existing.State)}
		}
		rec := &journalRecord{
			Type:      "merge",
			OpID:      id,
			Payload:   req.Payload,
			Priority:  &priority,
			DependsOn: req.DependsOn,
			At:        l.now(),
		}
		if err := l.appendAndApplyLocked(rec); err != nil {
			return nil, err
		}
		return &EnqueueResult{OperationID: id, State: existing.State, Merged: true}, nil
	}

	maxAttempts := 5
	if req.MaxAttempts != nil && *req.MaxAttempts > 0 {
		maxAttempts = *req.MaxAttempts
	}

	op := &Operation{
		ID:           id,
		Kind:         req.Kind,
		Key:          req.Key,
		Priority:     priority,
		Payload:      req.Payload,
		DependsOn:    req.DependsOn,
		MaxAttempts:  maxAttempts,
		ScheduledFor: req.ScheduledFor,
		LocalVersion: req.LocalVersion,
		Role:         req.Role,
	}
	rec := &journalRecord{Type: "enqueue", Op: op, At: l.now()}
	if err := l.appendAndApplyLocked(rec); err != nil {
		return nil, err
	}
	return &EnqueueResult{OperationID: id, State: StateQueued}, nil
}

// Cancel removes a queued operation. Returns false when the operation is
// missing or already past queued.
func (l *Log) Cancel(id string) (bool, error) {
	op, err := l.Get(id)
	if err != nil {
		if IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	if op.State != StateQueued {
		return false, nil
	}
	rec := &journalRecord{Type: "cancel", OpID: id, At: l.now()}
	if err := l.appendAndApply(rec); err != nil {
		return false, err
	}
	return true, nil
}

func marshalDeps(deps []string) (any, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return nil, fmt.Errorf("marshal depends_on: %w", err)
	}
	return string(b), nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
