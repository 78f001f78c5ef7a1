package coordinator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/driftsynchq/driftsync/internal/cache"
	"github.com/driftsynchq/driftsync/internal/connectivity"
	"github.com/driftsynchq/driftsync/internal/coordinator"
	"github.com/driftsynchq/driftsync/internal/events"
	"github.com/driftsynchq/driftsync/internal/oplog"
	"github.com/driftsynchq/driftsync/internal/policy"
	"github.com/driftsynchq/driftsync/internal/remote"
	"github.com/driftsynchq/driftsync/internal/resolve"
)

type fixture struct {
	log      *oplog.Log
	store    *cache.Store
	monitor  *connectivity.Monitor
	endpoint *remote.Fake
	bus      *events.Bus
	coord    *coordinator.Coordinator
}

func newFixture(t *testing.T, rules resolve.Rules, opts coordinator.Options) *fixture {
	t.Helper()

	log, err := oplog.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	store, err := cache.OpenAt("pebble", t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	gate, err := policy.New(policy.Config{})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	monitor := connectivity.NewMonitor(connectivity.WithDebounce(time.Millisecond))
	monitor.SetNetwork(policy.NetworkWifi)
	monitor.SetPower(0.9, true)

	endpoint := remote.NewFake()
	bus := events.NewBus()
	coord := coordinator.New(log, store, gate, endpoint, monitor, bus, rules, opts)
	return &fixture{log: log, store: store, monitor: monitor, endpoint: endpoint, bus: bus, coord: coord}
}

func enqueue(t *testing.T, log *oplog.Log, key, kind, priority string, payload string) string {
	t.Helper()
	res, err := log.Enqueue(oplog.EnqueueRequest{
		Kind:     kind,
		Key:      key,
		Priority: priority,
		Payload:  json.RawMessage(payload),
		Role:     "student",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return res.OperationID
}

func TestSessionPushesReadyOperations(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{})
	id := enqueue(t, f.log, "notes/1", "note", "high", `{"text":"hi"}`)

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != coordinator.StatusCompleted {
		t.Fatalf("status = %q, want completed: %v", res.Status, res.Errors)
	}
	if res.Completed != 1 {
		t.Errorf("completed = %d, want 1", res.Completed)
	}

	op, err := f.log.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.State != oplog.StateCompleted {
		t.Errorf("state = %q, want completed", op.State)
	}
	// Acked payload is readable back from the cache.
	value, ok, err := f.store.Get("notes/1")
	if err != nil || !ok {
		t.Fatalf("cache get: ok=%v err=%v", ok, err)
	}
	if string(value) != `{"text":"hi"}` {
		t.Errorf("cached value = %s", value)
	}
}

func TestSessionAbortsWhenOffline(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{})
	f.monitor.SetNetwork(policy.NetworkOffline)
	enqueue(t, f.log, "notes/1", "note", "high", `{}`)

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != coordinator.StatusAborted {
		t.Fatalf("status = %q, want aborted", res.Status)
	}
	if f.endpoint.Pulls() != 0 {
		t.Errorf("pull attempted while offline")
	}
}

func TestPullMergesDeltaAndAdvancesCursor(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{})
	f.endpoint.QueueDelta(&remote.Delta{
		Changes: []remote.Change{
			{Key: "lessons/5", Kind: "lesson", Value: json.RawMessage(`{"title":"algebra"}`), Timestamp: 100},
			{Key: "lessons/6", Kind: "lesson", Deleted: true, Timestamp: 101},
		},
		NewCursor: "c-42",
	})

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Pulled != 2 || res.MergedChanges != 2 {
		t.Errorf("pulled=%d merged=%d, want 2/2", res.Pulled, res.MergedChanges)
	}
	if _, ok, _ := f.store.Get("lessons/5"); !ok {
		t.Error("pulled change not in cache")
	}
	cursor, err := f.log.Cursor()
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if cursor != "c-42" {
		t.Errorf("cursor = %q, want c-42", cursor)
	}
}

func TestTransientPullFailureStillPushes(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{})
	id := enqueue(t, f.log, "notes/1", "note", "high", `{}`)

	calls := 0
	f.endpoint.SetPushFunc(func(op oplog.Operation) (*remote.PushResult, error) {
		calls++
		return &remote.PushResult{Acked: true}, nil
	})
	// Pull fails transiently: replace endpoint behavior via a wrapper.
	failing := &failingPull{Fake: f.endpoint}
	f.coord = rebuild(t, f, failing)

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != coordinator.StatusPartial {
		t.Fatalf("status = %q, want partial_failure", res.Status)
	}
	if calls != 1 {
		t.Errorf("push calls = %d, want 1", calls)
	}
	op, _ := f.log.Get(id)
	if op.State != oplog.StateCompleted {
		t.Errorf("state = %q, want completed despite pull failure", op.State)
	}
}

type failingPull struct {
	*remote.Fake
}

func (p *failingPull) Pull(ctx context.Context, cursor string) (*remote.Delta, error) {
	return nil, remote.NewTransientError("delta service unavailable")
}

func rebuild(t *testing.T, f *fixture, endpoint remote.Endpoint) *coordinator.Coordinator {
	t.Helper()
	gate, err := policy.New(policy.Config{})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	return coordinator.New(f.log, f.store, gate, endpoint, f.monitor, f.bus, resolve.Rules{}, coordinator.Options{})
}

func TestReconcileRemoteWinsCancelsLocal(t *testing.T) {
	// Remote teacher edit beats the queued student edit on role precedence.
	rules := resolve.Rules{RolePrecedence: map[string]int{"teacher": 2, "student": 1}}
	f := newFixture(t, rules, coordinator.Options{})
	id := enqueue(t, f.log, "grades/7", "grade", "high", `{"score":70}`)
	f.endpoint.QueueDelta(&remote.Delta{
		Changes: []remote.Change{{
			Key: "grades/7", Kind: "grade",
			Value:     json.RawMessage(`{"score":95}`),
			Timestamp: 1, // older than local, role still wins
			Role:      "teacher",
		}},
		NewCursor: "c-1",
	})

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.ConflictsDetected != 1 || res.ConflictsResolved != 1 {
		t.Errorf("conflicts detected=%d resolved=%d", res.ConflictsDetected, res.ConflictsResolved)
	}
	if _, err := f.log.Get(id); !oplog.IsNotFoundError(err) {
		t.Errorf("superseded operation still present: %v", err)
	}
	value, ok, _ := f.store.Get("grades/7")
	if !ok || string(value) != `{"score":95}` {
		t.Errorf("cache = %s, want remote value", value)
	}
	if len(f.endpoint.Pushed()) != 0 {
		t.Error("superseded operation was transmitted")
	}

	audits, err := f.log.Conflicts(10)
	if err != nil || len(audits) != 1 {
		t.Fatalf("audits = %d, err %v", len(audits), err)
	}
	if audits[0].Rule != resolve.RuleRolePrecedence || audits[0].Resolution != resolve.KeepRemote {
		t.Errorf("audit = %s/%s", audits[0].Rule, audits[0].Resolution)
	}
}

func TestReconcileSensitiveKindParksOperation(t *testing.T) {
	rules := resolve.Rules{SensitiveKinds: map[string]bool{"note": true}}
	f := newFixture(t, rules, coordinator.Options{})
	id := enqueue(t, f.log, "notes/3", "note", "medium", `{"text":"local"}`)
	f.endpoint.QueueDelta(&remote.Delta{
		Changes:   []remote.Change{{Key: "notes/3", Kind: "note", Value: json.RawMessage(`{"text":"remote"}`), Timestamp: 9}},
		NewCursor: "c-1",
	})

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.ManualConflicts != 1 {
		t.Errorf("manual conflicts = %d, want 1", res.ManualConflicts)
	}
	op, err := f.log.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if op.State != oplog.StateConflicted {
		t.Errorf("state = %q, want conflicted", op.State)
	}
	if len(f.endpoint.Pushed()) != 0 {
		t.Error("parked operation was transmitted")
	}
}

func TestPushConflictRemoteNewerWins(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{})
	id := enqueue(t, f.log, "plans/1", "plan", "high", `{"v":"local"}`)

	f.endpoint.SetPushFunc(func(op oplog.Operation) (*remote.PushResult, error) {
		return &remote.PushResult{Conflict: &remote.Change{
			Key: op.Key, Kind: op.Kind,
			Value:     json.RawMessage(`{"v":"remote"}`),
			Timestamp: time.Now().Add(time.Hour).UnixMilli(),
		}}, nil
	})

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.ConflictsDetected != 1 {
		t.Errorf("conflicts = %d, want 1", res.ConflictsDetected)
	}
	op, _ := f.log.Get(id)
	if op.State != oplog.StateCompleted {
		t.Errorf("state = %q, want completed (superseded)", op.State)
	}
	value, ok, _ := f.store.Get("plans/1")
	if !ok || string(value) != `{"v":"remote"}` {
		t.Errorf("cache = %s, want remote value", value)
	}
}

func TestTransientPushFailureRequeuesWithBackoff(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{})
	id := enqueue(t, f.log, "notes/1", "note", "high", `{}`)
	f.endpoint.SetPushFunc(func(op oplog.Operation) (*remote.PushResult, error) {
		return nil, remote.NewTransientError("gateway timeout")
	})

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != coordinator.StatusPartial {
		t.Errorf("status = %q, want partial_failure", res.Status)
	}
	op, _ := f.log.Get(id)
	if op.State != oplog.StateQueued {
		t.Errorf("state = %q, want queued for retry", op.State)
	}
	if op.ScheduledFor == nil {
		t.Error("retry has no backoff schedule")
	}
	if op.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", op.Attempts)
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	opts := coordinator.Options{BreakerThreshold: 3, BreakerCooldown: time.Hour, Concurrency: 1}
	f := newFixture(t, resolve.Rules{}, opts)
	for i := 0; i < 5; i++ {
		enqueue(t, f.log, fmt.Sprintf("notes/%d", i), "note", "high", `{}`)
	}
	f.endpoint.SetPushFunc(func(op oplog.Operation) (*remote.PushResult, error) {
		return nil, remote.NewTransientError("unreachable")
	})

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != coordinator.StatusPartial {
		t.Errorf("status = %q, want partial_failure", res.Status)
	}
	// Three failures trip the breaker; the remaining two are requeued untouched.
	if res.Failed != 3 {
		t.Errorf("failed = %d, want 3", res.Failed)
	}
	if !f.coord.Status().BreakerOpen {
		t.Error("breaker not open")
	}

	// Pull is still allowed while the breaker blocks pushes.
	f.endpoint.QueueDelta(&remote.Delta{
		Changes:   []remote.Change{{Key: "lessons/1", Kind: "lesson", Value: json.RawMessage(`{}`), Timestamp: 1}},
		NewCursor: "c-9",
	})
	res2, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if res2.Pulled != 1 {
		t.Errorf("pulled = %d, want 1 with breaker open", res2.Pulled)
	}
	if res2.Pushed != 0 {
		t.Errorf("pushed = %d, want 0 with breaker open", res2.Pushed)
	}
}

func TestFatalPushAbortsAndRequeues(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{Concurrency: 1})
	id := enqueue(t, f.log, "notes/1", "note", "high", `{}`)
	f.endpoint.SetPushFunc(func(op oplog.Operation) (*remote.PushResult, error) {
		return nil, remote.NewFatalError("protocol mismatch")
	})

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Status != coordinator.StatusAborted {
		t.Errorf("status = %q, want aborted", res.Status)
	}
	op, _ := f.log.Get(id)
	if op.State != oplog.StateQueued {
		t.Errorf("state = %q, want queued (not the operation's fault)", op.State)
	}
	if op.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", op.Attempts)
	}
}

func TestPolicyDeferralKeepsOperationQueued(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{})
	f.monitor.SetPower(0.05, false) // below the 0.15 default, discharging
	idLow := enqueue(t, f.log, "notes/1", "note", "low", `{}`)
	idCrit := enqueue(t, f.log, "alerts/1", "alert", "critical", `{}`)

	res, err := f.coord.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Deferred != 1 {
		t.Errorf("deferred = %d, want 1", res.Deferred)
	}
	if res.Completed != 1 {
		t.Errorf("completed = %d, want 1 (critical bypasses battery)", res.Completed)
	}

	low, _ := f.log.Get(idLow)
	if low.State != oplog.StateQueued || low.ScheduledFor == nil {
		t.Errorf("low op state=%q scheduled=%v, want queued with deferral", low.State, low.ScheduledFor)
	}
	crit, _ := f.log.Get(idCrit)
	if crit.State != oplog.StateCompleted {
		t.Errorf("critical op state = %q, want completed", crit.State)
	}
}

func TestConcurrentSyncRejected(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{Concurrency: 1})
	enqueue(t, f.log, "notes/1", "note", "high", `{}`)

	started := make(chan struct{})
	release := make(chan struct{})
	f.endpoint.SetPushFunc(func(op oplog.Operation) (*remote.PushResult, error) {
		close(started)
		<-release
		return &remote.PushResult{Acked: true}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Sync(context.Background())
		done <- err
	}()
	<-started

	if _, err := f.coord.Sync(context.Background()); err == nil {
		t.Error("second concurrent Sync accepted")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Sync: %v", err)
	}
}

func TestSessionEventsPublished(t *testing.T) {
	f := newFixture(t, resolve.Rules{}, coordinator.Options{})
	enqueue(t, f.log, "notes/1", "note", "high", `{}`)

	if _, err := f.coord.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var types []string
	for _, ev := range f.bus.Since(0, 100) {
		types = append(types, ev.Type)
	}
	if !contains(types, events.TypeSyncStarted) || !contains(types, events.TypeSyncCompleted) {
		t.Errorf("events = %v, want sync.started and sync.completed", types)
	}
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
