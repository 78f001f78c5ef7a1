// Package coordinator drives sync sessions: pull the remote delta, reconcile
// it against pending local operations, then push what the policy gate admits
// through a bounded worker pool. At most one session runs at a time.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftsynchq/driftsync/internal/cache"
	"github.com/driftsynchq/driftsync/internal/connectivity"
	"github.com/driftsynchq/driftsync/internal/events"
	"github.com/driftsynchq/driftsync/internal/oplog"
	"github.com/driftsynchq/driftsync/internal/policy"
	"github.com/driftsynchq/driftsync/internal/remote"
	"github.com/driftsynchq/driftsync/internal/resolve"
)

// Session phases, observable via Status.
const (
	PhaseIdle        = "idle"
	PhasePulling     = "pulling_delta"
	PhaseReconciling = "reconciling"
	PhasePushing     = "pushing_operations"
)

// Session status values.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial_failure"
	StatusAborted   = "aborted"
)

// Options tunes a Coordinator. Zero values take defaults.
type Options struct {
	MaxBatch         int
	Concurrency      int
	BreakerThreshold int           // consecutive push failures before the breaker trips
	BreakerCooldown  time.Duration // how long a tripped breaker blocks pushes
	SyncInterval     time.Duration // periodic trigger in Run; 0 disables
	EncryptSensitive bool          // encrypt pulled values of sensitive kinds; requires a cache key
	Mergers          map[string]resolve.Merger
}

func (o *Options) normalize() {
	if o.MaxBatch <= 0 {
		o.MaxBatch = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = time.Minute
	}
}

// Result summarizes one finished session.
type Result struct {
	Status            string    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	Pulled            int       `json:"pulled"`
	MergedChanges     int       `json:"merged_changes"`
	ConflictsDetected int       `json:"conflicts_detected"`
	ConflictsResolved int       `json:"conflicts_resolved"`
	ManualConflicts   int       `json:"manual_conflicts"`
	Pushed            int       `json:"pushed"`
	Completed         int       `json:"completed"`
	Failed            int       `json:"failed"`
	Deferred          int       `json:"deferred"`
	Errors            []string  `json:"errors,omitempty"`
}

// Status is the coordinator's externally visible state.
type Status struct {
	Phase       string  `json:"phase"`
	BreakerOpen bool    `json:"breaker_open"`
	LastResult  *Result `json:"last_result,omitempty"`
}

// Coordinator owns the sync state machine.
type Coordinator struct {
	log      *oplog.Log
	store    *cache.Store
	gate     *policy.Gate
	endpoint remote.Endpoint
	monitor  *connectivity.Monitor
	bus      *events.Bus
	rules    resolve.Rules
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer

	mu           sync.Mutex
	phase        string
	running      bool
	cancel       context.CancelFunc
	lastResult   *Result
	failStreak   int
	breakerUntil time.Time

	trigger chan struct{}
}

// New wires a Coordinator. rules.Mergers is overridden by opts.Mergers when set.
func New(log *oplog.Log, store *cache.Store, gate *policy.Gate, endpoint remote.Endpoint,
	monitor *connectivity.Monitor, bus *events.Bus, rules resolve.Rules, opts Options) *Coordinator {
	opts.normalize()
	if opts.Mergers != nil {
		rules.Mergers = opts.Mergers
	}
	c := &Coordinator{
		log:      log,
		store:    store,
		gate:     gate,
		endpoint: endpoint,
		monitor:  monitor,
		bus:      bus,
		rules:    rules,
		opts:     opts,
		logger:   slog.Default().With("component", "coordinator"),
		tracer:   otel.Tracer("driftsync/coordinator"),
		phase:    PhaseIdle,
		trigger:  make(chan struct{}, 1),
	}
	monitor.OnOnline(c.Trigger)
	return c
}

// Trigger requests a sync session. Requests made while one is already running
// or pending coalesce into a single follow-up session.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run serves trigger requests and the periodic interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	var tick <-chan time.Time
	if c.opts.SyncInterval > 0 {
		t := time.NewTicker(c.opts.SyncInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.trigger:
		case <-tick:
		}
		if _, err := c.Sync(ctx); err != nil {
			c.logger.Warn("sync session failed", "error", err)
		}
	}
}

// Status returns the current phase and last session result.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Phase:       c.phase,
		BreakerOpen: c.breakerOpenLocked(time.Now()),
		LastResult:  c.lastResult,
	}
}

// CancelSession aborts the running session, if any. In-flight operations are
// requeued by their workers.
func (c *Coordinator) CancelSession() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Sync runs one full session synchronously. A second concurrent call returns
// an error instead of stacking sessions.
func (c *Coordinator) Sync(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("sync session already running")
	}
	sctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.phase = PhaseIdle
		c.mu.Unlock()
	}()

	res := c.runSession(sctx)

	c.mu.Lock()
	c.lastResult = res
	c.mu.Unlock()
	return res, nil
}

func (c *Coordinator) setPhase(phase string) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}

func (c *Coordinator) runSession(ctx context.Context) *Result {
	ctx, span := c.tracer.Start(ctx, "sync.session")
	defer span.End()

	res := &Result{Status: StatusCompleted, StartedAt: time.Now().UTC()}
	defer func() {
		res.FinishedAt = time.Now().UTC()
		span.SetAttributes(
			attribute.String("sync.status", res.Status),
			attribute.Int("sync.pushed", res.Pushed),
			attribute.Int("sync.pulled", res.Pulled),
		)
		c.bus.Publish(events.TypeSyncCompleted, map[string]any{
			"status":    res.Status,
			"pushed":    res.Pushed,
			"pulled":    res.Pulled,
			"conflicts": res.ConflictsDetected,
		})
		c.logger.Info("sync session finished",
			"status", res.Status, "pulled", res.Pulled, "pushed", res.Pushed,
			"conflicts", res.ConflictsDetected, "deferred", res.Deferred)
	}()

	c.bus.Publish(events.TypeSyncStarted, nil)

	if !c.monitor.Online() {
		res.Status = StatusAborted
		res.Errors = append(res.Errors, "offline")
		return res
	}

	if err := c.pullAndReconcile(ctx, res); err != nil {
		if remote.IsFatal(err) || ctx.Err() != nil {
			res.Status = StatusAborted
			res.Errors = append(res.Errors, err.Error())
			return res
		}
		// Transient pull failures do not block pushing what we have.
		res.Status = StatusPartial
		res.Errors = append(res.Errors, err.Error())
	}

	if err := c.pushBatch(ctx, res); err != nil {
		if remote.IsFatal(err) || ctx.Err() != nil {
			res.Status = StatusAborted
		} else if res.Status == StatusCompleted {
			res.Status = StatusPartial
		}
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	if res.Failed > 0 && res.Status == StatusCompleted {
		res.Status = StatusPartial
	}

	if res.Status == StatusCompleted {
		if err := c.log.Checkpoint(); err != nil {
			c.logger.Warn("journal checkpoint failed", "error", err)
		}
	}
	return res
}
