package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftsynchq/driftsync/internal/cache"
	"github.com/driftsynchq/driftsync/internal/events"
	"github.com/driftsynchq/driftsync/internal/oplog"
	"github.com/driftsynchq/driftsync/internal/remote"
	"github.com/driftsynchq/driftsync/internal/resolve"
)

func (c *Coordinator) breakerOpenLocked(now time.Time) bool {
	return now.Before(c.breakerUntil)
}

// recordPushFailure counts a consecutive transient failure and reports
// whether it tripped the breaker.
func (c *Coordinator) recordPushFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failStreak++
	if c.failStreak < c.opts.BreakerThreshold {
		return false
	}
	c.failStreak = 0
	c.breakerUntil = time.Now().Add(c.opts.BreakerCooldown)
	c.logger.Warn("push breaker tripped", "cooldown", c.opts.BreakerCooldown)
	return true
}

func (c *Coordinator) recordPushSuccess() {
	c.mu.Lock()
	c.failStreak = 0
	c.breakerUntil = time.Time{}
	c.mu.Unlock()
}

// pushState is shared by the push workers of one session.
type pushState struct {
	mu      sync.Mutex
	res     *Result
	fatal   error
	tripped bool
}

func (st *pushState) halted() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.fatal != nil || st.tripped
}

// pushBatch admits ready operations through the policy gate and transmits
// them via a bounded worker pool.
func (c *Coordinator) pushBatch(ctx context.Context, res *Result) error {
	ctx, span := c.tracer.Start(ctx, "sync.push")
	defer span.End()
	c.setPhase(PhasePushing)

	c.mu.Lock()
	open := c.breakerOpenLocked(time.Now())
	c.mu.Unlock()
	if open {
		return fmt.Errorf("push suspended: breaker open")
	}

	batchLimit := c.opts.MaxBatch
	concurrency := c.opts.Concurrency
	if c.monitor.Conservative() {
		// Metered or low-power: smaller batches, serial transmission.
		if batchLimit > 1 {
			batchLimit /= 2
		}
		concurrency = 1
	}

	batch, err := c.log.DequeueReady(batchLimit)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	pctx := c.monitor.PolicyContext(time.Now())
	var admitted []oplog.Operation
	for _, op := range batch {
		decision := c.gate.Evaluate(op, pctx)
		if !decision.Admit {
			if err := c.log.Defer(op.ID, decision.NextAt); err != nil {
				return err
			}
			c.bus.Publish(events.TypePolicyDeferred, map[string]any{
				"operation_id": op.ID,
				"reason":       decision.Reason,
				"next_at":      decision.NextAt,
			})
			res.Deferred++
			continue
		}
		if err := c.log.MarkAdmitted(op.ID); err != nil {
			return err
		}
		admitted = append(admitted, op)
	}

	st := &pushState{res: res}
	jobs := make(chan oplog.Operation)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for op := range jobs {
				c.pushOne(ctx, op, st)
			}
		}()
	}
	for _, op := range admitted {
		jobs <- op
	}
	close(jobs)
	wg.Wait()

	if st.fatal != nil {
		return st.fatal
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("session cancelled: %w", err)
	}
	if st.tripped {
		return fmt.Errorf("push suspended: breaker tripped after repeated failures")
	}
	return nil
}

// pushOne transmits a single admitted operation and records its outcome.
func (c *Coordinator) pushOne(ctx context.Context, op oplog.Operation, st *pushState) {
	if ctx.Err() != nil || st.halted() {
		if err := c.log.Requeue(op.ID); err != nil {
			c.logger.Warn("requeue failed", "operation_id", op.ID, "error", err)
		}
		return
	}
	if err := c.log.MarkInFlight(op.ID); err != nil {
		c.logger.Warn("mark in-flight failed", "operation_id", op.ID, "error", err)
		return
	}
	st.mu.Lock()
	st.res.Pushed++
	st.mu.Unlock()

	pr, err := c.endpoint.Push(ctx, op)
	if err != nil {
		c.pushFailed(ctx, op, err, st)
		return
	}
	c.recordPushSuccess()

	if pr.Conflict != nil {
		if err := c.pushConflict(op, *pr.Conflict, st); err != nil {
			c.logger.Error("record push conflict failed", "operation_id", op.ID, "error", err)
		}
		return
	}

	if err := c.log.Ack(op.ID, oplog.Outcome{Status: oplog.OutcomeCompleted}); err != nil {
		c.logger.Error("ack failed", "operation_id", op.ID, "error", err)
		return
	}
	// Write-through so local reads observe the acknowledged value.
	if op.Key != "" && len(op.Payload) > 0 {
		if err := c.store.Set(op.Key, op.Payload, cache.SetOptions{Priority: op.Priority}); err != nil {
			c.logger.Warn("write-through failed", "key", op.Key, "error", err)
		}
	}
	st.mu.Lock()
	st.res.Completed++
	st.mu.Unlock()
	c.bus.Publish(events.TypeQueueChanged, map[string]any{
		"operation_id": op.ID,
		"state":        oplog.StateCompleted,
	})
}

func (c *Coordinator) pushFailed(ctx context.Context, op oplog.Operation, pushErr error, st *pushState) {
	if ctx.Err() != nil {
		if err := c.log.Requeue(op.ID); err != nil {
			c.logger.Warn("requeue after cancel failed", "operation_id", op.ID, "error", err)
		}
		return
	}
	if remote.IsFatal(pushErr) {
		// Not the operation's fault; give it back and abort the session.
		if err := c.log.Requeue(op.ID); err != nil {
			c.logger.Warn("requeue after fatal failed", "operation_id", op.ID, "error", err)
		}
		st.mu.Lock()
		if st.fatal == nil {
			st.fatal = pushErr
		}
		st.mu.Unlock()
		return
	}

	outcome := oplog.Outcome{Status: oplog.OutcomeFailed, Err: pushErr.Error(), Retryable: true}
	if err := c.log.Ack(op.ID, outcome); err != nil {
		c.logger.Error("ack failure failed", "operation_id", op.ID, "error", err)
	}
	st.mu.Lock()
	st.res.Failed++
	st.mu.Unlock()
	if c.recordPushFailure() {
		st.mu.Lock()
		st.tripped = true
		st.mu.Unlock()
	}
}

// pushConflict handles a 409-style answer: the remote rejected the operation
// and returned its own version of the key.
func (c *Coordinator) pushConflict(op oplog.Operation, ch remote.Change, st *pushState) error {
	kind := op.Kind
	if kind == "" {
		kind = ch.Kind
	}
	conflict := resolve.Conflict{
		Key:  op.Key,
		Kind: kind,
		Local: resolve.Version{
			Value:     op.Payload,
			Timestamp: op.CreatedAt.UnixMilli(),
			Checksum:  resolve.Checksum(op.Payload),
			Role:      op.Role,
		},
		Remote: resolve.Version{
			Value:     ch.Value,
			Timestamp: ch.Timestamp,
			Checksum:  ch.Checksum,
			Role:      ch.Role,
		},
	}
	resolution := resolve.Resolve(conflict, c.rules)
	st.mu.Lock()
	st.res.ConflictsDetected++
	st.mu.Unlock()
	c.bus.Publish(events.TypeConflictDetected, map[string]any{
		"operation_id": op.ID, "key": op.Key, "kind": kind,
	})
	if err := c.auditConflict(op.ID, conflict, resolution); err != nil {
		return err
	}

	switch resolution.Outcome {
	case resolve.ManualRequired:
		st.mu.Lock()
		st.res.ManualConflicts++
		st.mu.Unlock()
		return c.log.Ack(op.ID, oplog.Outcome{Status: oplog.OutcomeConflicted, Err: resolution.Detail})
	case resolve.KeepRemote:
		if err := c.applyRemote(ch); err != nil {
			return err
		}
		// Superseded: the local change will never transmit.
		if err := c.log.Ack(op.ID, oplog.Outcome{Status: oplog.OutcomeCompleted}); err != nil {
			return err
		}
		c.resolvedPush(op.ID, resolution, st)
		return nil
	case resolve.KeepLocal:
		// Local wins; retry the transmission with backoff.
		outcome := oplog.Outcome{Status: oplog.OutcomeFailed, Err: "remote conflict, local retained", Retryable: true}
		if err := c.log.Ack(op.ID, outcome); err != nil {
			return err
		}
		c.resolvedPush(op.ID, resolution, st)
		return nil
	case resolve.Merged:
		if err := c.store.Set(op.Key, resolution.Value, cache.SetOptions{Priority: op.Priority}); err != nil {
			return err
		}
		_, err := c.log.Enqueue(oplog.EnqueueRequest{
			ID:       op.ID,
			Kind:     op.Kind,
			Priority: oplog.PriorityToString(op.Priority),
			Payload:  resolution.Value,
		})
		if err != nil {
			return err
		}
		// Requeue immediately so the merged value transmits next session.
		if err := c.log.Requeue(op.ID); err != nil {
			return err
		}
		c.resolvedPush(op.ID, resolution, st)
		return nil
	default:
		return fmt.Errorf("unknown resolution outcome %q", resolution.Outcome)
	}
}

func (c *Coordinator) resolvedPush(opID string, resolution resolve.Resolution, st *pushState) {
	st.mu.Lock()
	st.res.ConflictsResolved++
	st.mu.Unlock()
	c.bus.Publish(events.TypeConflictResolved, map[string]any{
		"operation_id": opID,
		"outcome":      resolution.Outcome,
		"rule":         resolution.Rule,
	})
}
