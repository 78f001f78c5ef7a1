package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/driftsynchq/driftsync/internal/cache"
	"github.com/driftsynchq/driftsync/internal/events"
	"github.com/driftsynchq/driftsync/internal/oplog"
	"github.com/driftsynchq/driftsync/internal/remote"
	"github.com/driftsynchq/driftsync/internal/resolve"
)

// pullAndReconcile fetches the remote delta, reconciles it against pending
// local operations, merges the survivors into the cache, and only then
// advances the cursor. A crash mid-merge re-pulls the same delta; merges are
// idempotent so replays are harmless.
func (c *Coordinator) pullAndReconcile(ctx context.Context, res *Result) error {
	ctx, span := c.tracer.Start(ctx, "sync.pull")
	defer span.End()
	c.setPhase(PhasePulling)

	cursor, err := c.log.Cursor()
	if err != nil {
		return err
	}
	delta, err := c.endpoint.Pull(ctx, cursor)
	if err != nil {
		return fmt.Errorf("pull delta: %w", err)
	}
	res.Pulled = len(delta.Changes)

	c.setPhase(PhaseReconciling)
	keys := make([]string, 0, len(delta.Changes))
	for _, ch := range delta.Changes {
		keys = append(keys, ch.Key)
	}
	pending, err := c.log.PendingForKeys(keys)
	if err != nil {
		return err
	}
	byKey := map[string][]oplog.Operation{}
	for _, op := range pending {
		byKey[op.Key] = append(byKey[op.Key], op)
	}

	for _, ch := range delta.Changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		ops := byKey[ch.Key]
		if len(ops) == 0 {
			if err := c.applyRemote(ch); err != nil {
				return err
			}
			res.MergedChanges++
			continue
		}
		for _, op := range ops {
			if err := c.reconcile(op, ch, res); err != nil {
				return err
			}
		}
	}

	if delta.NewCursor != "" && delta.NewCursor != cursor {
		if err := c.log.SetCursor(delta.NewCursor); err != nil {
			return err
		}
	}
	return nil
}

// applyRemote merges one non-conflicting remote change into the cache.
func (c *Coordinator) applyRemote(ch remote.Change) error {
	if ch.Deleted {
		return c.store.Invalidate(ch.Key)
	}
	return c.store.Set(ch.Key, ch.Value, cache.SetOptions{
		Priority: cache.PriorityMedium,
		Encrypt:  c.opts.EncryptSensitive && c.rules.SensitiveKinds[ch.Kind],
	})
}

// reconcile adjudicates one pending operation against a remote change for the
// same key and applies the outcome.
func (c *Coordinator) reconcile(op oplog.Operation, ch remote.Change, res *Result) error {
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
	res.ConflictsDetected++
	c.bus.Publish(events.TypeConflictDetected, map[string]any{
		"operation_id": op.ID, "key": op.Key, "kind": kind,
	})
	if err := c.auditConflict(op.ID, conflict, resolution); err != nil {
		return err
	}

	switch resolution.Outcome {
	case resolve.ManualRequired:
		res.ManualConflicts++
		if err := c.log.MarkConflicted(op.ID, resolution.Detail); err != nil {
			return err
		}
	case resolve.KeepRemote:
		// The remote version supersedes the local change outright.
		if err := c.applyRemote(ch); err != nil {
			return err
		}
		res.MergedChanges++
		if cancelled, err := c.log.Cancel(op.ID); err != nil {
			return err
		} else if !cancelled {
			c.logger.Warn("superseded operation not cancellable", "operation_id", op.ID)
		}
		c.resolved(op.ID, resolution, res)
	case resolve.KeepLocal:
		// The local operation stays queued and will transmit; the remote
		// change is not merged.
		c.resolved(op.ID, resolution, res)
	case resolve.Merged:
		if err := c.store.Set(op.Key, resolution.Value, cache.SetOptions{Priority: cache.PriorityMedium}); err != nil {
			return err
		}
		res.MergedChanges++
		_, err := c.log.Enqueue(oplog.EnqueueRequest{
			ID:       op.ID,
			Kind:     op.Kind,
			Priority: oplog.PriorityToString(op.Priority),
			Payload:  resolution.Value,
		})
		if err != nil {
			return err
		}
		c.resolved(op.ID, resolution, res)
	}
	return nil
}

func (c *Coordinator) resolved(opID string, resolution resolve.Resolution, res *Result) {
	res.ConflictsResolved++
	c.bus.Publish(events.TypeConflictResolved, map[string]any{
		"operation_id": opID,
		"outcome":      resolution.Outcome,
		"rule":         resolution.Rule,
	})
}

// auditConflict persists the immutable resolution record.
func (c *Coordinator) auditConflict(opID string, conflict resolve.Conflict, resolution resolve.Resolution) error {
	local, err := json.Marshal(conflict.Local)
	if err != nil {
		return fmt.Errorf("encode local version: %w", err)
	}
	rem, err := json.Marshal(conflict.Remote)
	if err != nil {
		return fmt.Errorf("encode remote version: %w", err)
	}
	_, err = c.log.AppendConflict(oplog.Conflict{
		OperationID:   opID,
		Key:           conflict.Key,
		LocalVersion:  local,
		RemoteVersion: rem,
		Rule:          resolution.Rule,
		Resolution:    resolution.Outcome,
		ResolvedValue: resolution.Value,
	})
	return err
}
