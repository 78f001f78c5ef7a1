package oplog_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/driftsynchq/driftsync/internal/oplog"
)

func testLog(t *testing.T) *oplog.Log {
	t.Helper()
	l, err := oplog.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestEnqueue(t *testing.T) {
	l := testLog(t)

	result, err := l.Enqueue(oplog.EnqueueRequest{
		Kind:     "update-progress",
		Priority: "high",
		Payload:  json.RawMessage(`{"lesson":"l1","pct":40}`),
	})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if result.OperationID == "" {
		t.Error("Enqueue() returned empty operation ID")
	}
	if result.State != oplog.StateQueued {
		t.Errorf("Enqueue() state = %q, want %q", result.State, oplog.StateQueued)
	}
	if result.Merged {
		t.Error("Enqueue() returned merged = true for a fresh operation")
	}

	op, err := l.Get(result.OperationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.Priority != oplog.PriorityHigh {
		t.Errorf("priority = %d, want %d", op.Priority, oplog.PriorityHigh)
	}
	if op.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", op.Attempts)
	}
}

func TestEnqueueValidation(t *testing.T) {
	l := testLog(t)

	tests := []struct {
		name string
		req  oplog.EnqueueRequest
	}{
		{"missing kind", oplog.EnqueueRequest{Priority: "high"}},
		{"unknown priority", oplog.EnqueueRequest{Kind: "k", Priority: "urgent"}},
		{"empty dependency id", oplog.EnqueueRequest{Kind: "k", Priority: "low", DependsOn: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Enqueue(tt.req)
			if !oplog.IsValidationError(err) {
				t.Fatalf("Enqueue() error = %v, want validation error", err)
			}
		})
	}

	// Rejected operations must never enter the log.
	snap, err := l.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Total != 0 {
		t.Errorf("log contains %d operations after rejected enqueues, want 0", snap.Total)
	}
}

func TestEnqueueIdempotentMerge(t *testing.T) {
	l := testLog(t)

	first, err := l.Enqueue(oplog.EnqueueRequest{
		ID: "p1", Kind: "update-progress", Priority: "low",
		Payload: json.RawMessage(`{"v":1}`),
	})
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	second, err := l.Enqueue(oplog.EnqueueRequest{
		ID: "p1", Kind: "update-progress", Priority: "critical",
		Payload: json.RawMessage(`{"v":2}`),
	})
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if !second.Merged {
		t.Error("second Enqueue() merged = false, want true")
	}
	if second.OperationID != first.OperationID {
		t.Errorf("merged id = %q, want %q", second.OperationID, first.OperationID)
	}

	ops, err := l.List("", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("log contains %d operations, want 1", len(ops))
	}
	if ops[0].Priority != oplog.PriorityCritical {
		t.Errorf("merged priority = %d, want %d (upgrade)", ops[0].Priority, oplog.PriorityCritical)
	}
	if string(ops[0].Payload) != `{"v":2}` {
		t.Errorf("merged payload = %s, want latest", ops[0].Payload)
	}
}

func TestEnqueueConcurrentSameID(t *testing.T) {
	l := testLog(t)

	const workers = 8
	results := make([]*oplog.EnqueueResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.Enqueue(oplog.EnqueueRequest{
				ID: "shared1", Kind: "update-progress", Priority: "medium",
				Payload: json.RawMessage(fmt.Sprintf(`{"writer":%d}`, i)),
			})
		}(i)
	}
	wg.Wait()

	inserts := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Enqueue %d: %v", i, errs[i])
		}
		if !results[i].Merged {
			inserts++
		}
	}
	// Exactly one caller creates the row; every other racer must observe it
	// and merge rather than silently dropping its payload.
	if inserts != 1 {
		t.Errorf("got %d non-merged enqueues, want exactly 1", inserts)
	}

	ops, err := l.List("", 50)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("log contains %d operations, want 1", len(ops))
	}
}

func TestEnqueueTerminalIDRejected(t *testing.T) {
	l := testLog(t)

	res, err := l.Enqueue(oplog.EnqueueRequest{ID: "done1", Kind: "k", Priority: "high"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mustAdvance(t, l, res.OperationID)
	if err := l.Ack(res.OperationID, oplog.Outcome{Status: oplog.OutcomeCompleted}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if _, err := l.Enqueue(oplog.EnqueueRequest{ID: "done1", Kind: "k", Priority: "high"}); err == nil {
		t.Fatal("Enqueue() of a completed id succeeded, want error")
	}
}

func TestDequeueReadyPriorityOrder(t *testing.T) {
	l := testLog(t)

	enqueue := func(id, priority string) {
		t.Helper()
		if _, err := l.Enqueue(oplog.EnqueueRequest{ID: id, Kind: "k", Priority: priority}); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	enqueue("bg", "background")
	enqueue("low1", "low")
	enqueue("crit", "critical")
	enqueue("low2", "low")
	enqueue("high", "high")

	ops, err := l.DequeueReady(10)
	if err != nil {
		t.Fatalf("DequeueReady: %v", err)
	}
	want := []string{"crit", "high", "low1", "low2", "bg"}
	if len(ops) != len(want) {
		t.Fatalf("DequeueReady returned %d operations, want %d", len(ops), len(want))
	}
	for i, id := range want {
		if ops[i].ID != id {
			t.Errorf("ops[%d].ID = %q, want %q", i, ops[i].ID, id)
		}
	}
}

func TestDequeueReadyDependsOn(t *testing.T) {
	l := testLog(t)

	if _, err := l.Enqueue(oplog.EnqueueRequest{ID: "base", Kind: "k", Priority: "medium"}); err != nil {
		t.Fatalf("Enqueue base: %v", err)
	}
	if _, err := l.Enqueue(oplog.EnqueueRequest{
		ID: "child", Kind: "k", Priority: "critical", DependsOn: []string{"base"},
	}); err != nil {
		t.Fatalf("Enqueue child: %v", err)
	}

	ops, err := l.DequeueReady(10)
	if err != nil {
		t.Fatalf("DequeueReady: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "base" {
		t.Fatalf("ready = %v, want only base", opIDs(ops))
	}

	mustAdvance(t, l, "base")
	if err := l.Ack("base", oplog.Outcome{Status: oplog.OutcomeCompleted}); err != nil {
		t.Fatalf("Ack base: %v", err)
	}

	ops, err = l.DequeueReady(10)
	if err != nil {
		t.Fatalf("DequeueReady after completion: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "child" {
		t.Fatalf("ready = %v, want only child", opIDs(ops))
	}
}

func TestDequeueReadyScheduledFor(t *testing.T) {
	l := testLog(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.SetClock(func() time.Time { return now })

	later := base.Add(time.Hour)
	if _, err := l.Enqueue(oplog.EnqueueRequest{
		ID: "deferred", Kind: "k", Priority: "high", ScheduledFor: &later,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ops, err := l.DequeueReady(10)
	if err != nil {
		t.Fatalf("DequeueReady: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("deferred operation returned before scheduled_for: %v", opIDs(ops))
	}

	now = base.Add(2 * time.Hour)
	ops, err = l.DequeueReady(10)
	if err != nil {
		t.Fatalf("DequeueReady after deferral: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "deferred" {
		t.Fatalf("ready = %v, want deferred", opIDs(ops))
	}
}

func TestCancel(t *testing.T) {
	l := testLog(t)

	if _, err := l.Enqueue(oplog.EnqueueRequest{ID: "c1", Kind: "k", Priority: "low"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ok, err := l.Cancel("c1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !ok {
		t.Error("Cancel() = false for queued operation, want true")
	}
	if _, err := l.Get("c1"); !oplog.IsNotFoundError(err) {
		t.Errorf("Get after cancel: err = %v, want not-found", err)
	}

	// Cancel is only effective while queued.
	if _, err := l.Enqueue(oplog.EnqueueRequest{ID: "c2", Kind: "k", Priority: "low"}); err != nil {
		t.Fatalf("Enqueue c2: %v", err)
	}
	mustAdvance(t, l, "c2")
	ok, err = l.Cancel("c2")
	if err != nil {
		t.Fatalf("Cancel in-flight: %v", err)
	}
	if ok {
		t.Error("Cancel() = true for in-flight operation, want false")
	}
}

// mustAdvance walks an operation through admitted into in_flight.
func mustAdvance(t *testing.T, l *oplog.Log, id string) {
	t.Helper()
	if err := l.MarkAdmitted(id); err != nil {
		t.Fatalf("MarkAdmitted %s: %v", id, err)
	}
	if err := l.MarkInFlight(id); err != nil {
		t.Fatalf("MarkInFlight %s: %v", id, err)
	}
}

func opIDs(ops []oplog.Operation) []string {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
