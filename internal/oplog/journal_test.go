package oplog

import (
	"encoding/json"
	"testing"
	"time"
)

func openAt(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	l := openAt(t, dir)

	if _, err := l.Enqueue(EnqueueRequest{ID: "keep1", Kind: "k", Priority: "high"}); err != nil {
		t.Fatalf("Enqueue keep1: %v", err)
	}
	if _, err := l.Enqueue(EnqueueRequest{ID: "keep2", Kind: "k", Priority: "low"}); err != nil {
		t.Fatalf("Enqueue keep2: %v", err)
	}
	if err := l.MarkAdmitted("keep1"); err != nil {
		t.Fatalf("MarkAdmitted: %v", err)
	}
	if err := l.MarkInFlight("keep1"); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	if err := l.Ack("keep1", Outcome{Status: OutcomeCompleted}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openAt(t, dir)
	defer reopened.Close()

	op1, err := reopened.Get("keep1")
	if err != nil {
		t.Fatalf("Get keep1: %v", err)
	}
	if op1.State != StateCompleted || op1.Attempts != 1 {
		t.Errorf("keep1 = {state: %q, attempts: %d}, want {completed, 1}", op1.State, op1.Attempts)
	}
	op2, err := reopened.Get("keep2")
	if err != nil {
		t.Fatalf("Get keep2: %v", err)
	}
	if op2.State != StateQueued {
		t.Errorf("keep2 state = %q, want %q", op2.State, StateQueued)
	}
}

// TestReopenRequeuesInterrupted covers a process dying mid-session: admitted
// and in-flight operations have no surviving owner, so reopening must hand
// them back to the queue instead of stranding them.
func TestReopenRequeuesInterrupted(t *testing.T) {
	dir := t.TempDir()
	l := openAt(t, dir)

	for _, id := range []string{"stuck-admitted", "stuck-inflight"} {
		if _, err := l.Enqueue(EnqueueRequest{ID: id, Kind: "k", Priority: "high"}); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
		if err := l.MarkAdmitted(id); err != nil {
			t.Fatalf("MarkAdmitted %s: %v", id, err)
		}
	}
	if err := l.MarkInFlight("stuck-inflight"); err != nil {
		t.Fatalf("MarkInFlight: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openAt(t, dir)
	defer reopened.Close()

	ready, err := reopened.DequeueReady(10)
	if err != nil {
		t.Fatalf("DequeueReady: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("DequeueReady returned %d operations after restart, want 2", len(ready))
	}
	op, err := reopened.Get("stuck-inflight")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.State != StateQueued {
		t.Errorf("state = %q after restart, want %q", op.State, StateQueued)
	}
	// The interrupted transmission still counts as an attempt.
	if op.Attempts != 1 {
		t.Errorf("attempts = %d after restart, want 1", op.Attempts)
	}
}

// TestRecoverAppliesJournalTail simulates a crash between journal append and
// materialization: a record exists in the journal but applied_seq was never
// advanced. Reopening must replay it so the operations table catches up.
func TestRecoverAppliesJournalTail(t *testing.T) {
	dir := t.TempDir()
	l := openAt(t, dir)

	if _, err := l.Enqueue(EnqueueRequest{ID: "before", Kind: "k", Priority: "medium"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Append a journal record the way a crashed writer would have: durable in
	// the journal, absent from the operations table.
	rec := &journalRecord{
		Type: "enqueue",
		Op: &Operation{
			ID: "orphan", Kind: "k", Priority: PriorityHigh, MaxAttempts: 5,
		},
		At: time.Now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if _, err := l.db.Write.Exec(
		"INSERT INTO journal (type, op_id, record) VALUES (?, ?, ?)",
		rec.Type, "orphan", string(raw)); err != nil {
		t.Fatalf("insert journal row: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openAt(t, dir)
	defer reopened.Close()

	op, err := reopened.Get("orphan")
	if err != nil {
		t.Fatalf("Get orphan after recovery: %v", err)
	}
	if op.State != StateQueued {
		t.Errorf("orphan state = %q, want %q", op.State, StateQueued)
	}
	if op.Priority != PriorityHigh {
		t.Errorf("orphan priority = %d, want %d", op.Priority, PriorityHigh)
	}

	// Replay must not duplicate records already applied.
	ops, err := reopened.List("", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("log contains %d operations after recovery, want 2", len(ops))
	}
}

func TestCheckpointPrunesJournal(t *testing.T) {
	dir := t.TempDir()
	l := openAt(t, dir)

	for _, id := range []string{"c1", "c2", "c3"} {
		if _, err := l.Enqueue(EnqueueRequest{ID: id, Kind: "k", Priority: "low"}); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	if err := l.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	var remaining int
	if err := l.db.Read.QueryRow("SELECT COUNT(*) FROM journal").Scan(&remaining); err != nil {
		t.Fatalf("count journal: %v", err)
	}
	if remaining != 0 {
		t.Errorf("journal has %d records after checkpoint, want 0", remaining)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// State after the checkpoint survives a restart unchanged.
	reopened := openAt(t, dir)
	defer reopened.Close()
	snap, err := reopened.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.ByState[StateQueued] != 3 {
		t.Errorf("queued = %d after reopen, want 3", snap.ByState[StateQueued])
	}
}

func TestConflictAuditAppendOnly(t *testing.T) {
	l := openAt(t, t.TempDir())
	defer l.Close()

	id, err := l.AppendConflict(Conflict{
		OperationID:   "op_1",
		Key:           "progress/l1",
		LocalVersion:  json.RawMessage(`{"pct":40}`),
		RemoteVersion: json.RawMessage(`{"pct":60}`),
		Rule:          "recency",
		Resolution:    "keepRemote",
		ResolvedValue: json.RawMessage(`{"pct":60}`),
	})
	if err != nil {
		t.Fatalf("AppendConflict: %v", err)
	}
	if id == "" {
		t.Fatal("AppendConflict returned empty id")
	}

	records, err := l.Conflicts(10)
	if err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d audit records, want 1", len(records))
	}
	if records[0].Rule != "recency" || records[0].Resolution != "keepRemote" {
		t.Errorf("audit record = %+v, want rule recency, resolution keepRemote", records[0])
	}
}
