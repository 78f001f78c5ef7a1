package oplog

import (
	"fmt"
	"time"
)

// Outcome statuses accepted by Ack.
const (
	OutcomeCompleted  = "completed"
	OutcomeConflicted = "conflicted"
	OutcomeFailed     = "failed"
)

// Outcome describes how an in-flight operation finished.
type Outcome struct {
	Status    string `json:"status"`
	Err       string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// RetryPolicy controls rescheduling of retryable failures.
type RetryPolicy struct {
	Strategy    string
	BaseDelayMs int
	MaxDelayMs  int
}

// DefaultRetryPolicy matches the coordinator defaults: exponential from 5s
// capped at 10m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Strategy: BackoffExponential, BaseDelayMs: 5000, MaxDelayMs: 600000}
}

// SetRetryPolicy replaces the process-wide retry policy. Call before serving.
func (l *Log) SetRetryPolicy(p RetryPolicy) {
	if p.Strategy == "" {
		p.Strategy = BackoffExponential
	}
	if p.BaseDelayMs <= 0 {
		p.BaseDelayMs = 5000
	}
	l.retry = p
}

// MarkAdmitted moves a queued operation to admitted.
func (l *Log) MarkAdmitted(id string) error {
	return l.transitionFrom(id, StateQueued, StateAdmitted, nil, nil, nil)
}

// MarkInFlight moves an admitted operation to in_flight and counts the
// attempt. Attempts therefore reflect transmissions started, not finished.
func (l *Log) MarkInFlight(id string) error {
	op, err := l.Get(id)
	if err != nil {
		return err
	}
	if op.State != StateAdmitted {
		return fmt.Errorf("operation %s is %s, not %s", id, op.State, StateAdmitted)
	}
	attempts := op.Attempts + 1
	return l.transition(id, StateInFlight, &attempts, nil, nil)
}

// Defer reschedules a queued operation to run no earlier than until. Policy
// deferral is not a failure: state stays queued and attempts are untouched.
func (l *Log) Defer(id string, until time.Time) error {
	op, err := l.Get(id)
	if err != nil {
		return err
	}
	if op.State != StateQueued {
		return fmt.Errorf("operation %s is %s, not %s", id, op.State, StateQueued)
	}
	return l.transition(id, StateQueued, nil, nil, &until)
}

// Requeue reverts an admitted or in-flight operation to queued, e.g. when the
// owning session is cancelled mid-push.
func (l *Log) Requeue(id string) error {
	op, err := l.Get(id)
	if err != nil {
		return err
	}
	if op.State != StateAdmitted && op.State != StateInFlight {
		return fmt.Errorf("operation %s is %s, cannot requeue", id, op.State)
	}
	return l.transition(id, StateQueued, nil, nil, nil)
}

// Ack records the outcome of an in-flight operation. Retryable failures are
// rescheduled with backoff until MaxAttempts is exhausted, then become
// terminally failed.
func (l *Log) Ack(id string, outcome Outcome) error {
	op, err := l.Get(id)
	if err != nil {
		return err
	}
	if op.State != StateInFlight && op.State != StateAdmitted {
		return fmt.Errorf("operation %s is %s, cannot ack", id, op.State)
	}

	switch outcome.Status {
	case OutcomeCompleted:
		return l.transition(id, StateCompleted, nil, nil, nil)
	case OutcomeConflicted:
		errMsg := outcome.Err
		return l.transition(id, StateConflicted, nil, &errMsg, nil)
	case OutcomeFailed:
		errMsg := outcome.Err
		if outcome.Retryable && op.Attempts < op.MaxAttempts {
			delay := JitteredBackoff(l.retryOrDefault().Strategy, op.Attempts,
				l.retryOrDefault().BaseDelayMs, l.retryOrDefault().MaxDelayMs)
			until := l.now().Add(delay)
			return l.transition(id, StateQueued, nil, &errMsg, &until)
		}
		return l.transition(id, StateFailed, nil, &errMsg, nil)
	default:
		return NewValidationError(fmt.Sprintf("unknown outcome status %q", outcome.Status))
	}
}

// MarkConflicted parks a non-terminal operation for manual review, recording
// why. Used when reconciliation finds a divergence before the operation ever
// transmits.
func (l *Log) MarkConflicted(id, reason string) error {
	op, err := l.Get(id)
	if err != nil {
		return err
	}
	if IsTerminal(op.State) {
		return fmt.Errorf("operation %s is %s, cannot conflict", id, op.State)
	}
	return l.transition(id, StateConflicted, nil, &reason, nil)
}

// Resume moves a conflicted operation back to queued after manual resolution.
func (l *Log) Resume(id string) error {
	op, err := l.Get(id)
	if err != nil {
		return err
	}
	if op.State != StateConflicted {
		return fmt.Errorf("operation %s is %s, not %s", id, op.State, StateConflicted)
	}
	return l.transition(id, StateQueued, nil, nil, nil)
}

func (l *Log) retryOrDefault() RetryPolicy {
	if l.retry.Strategy == "" {
		return DefaultRetryPolicy()
	}
	return l.retry
}

func (l *Log) transition(id, state string, attempts *int, lastErr *string, schedFor *time.Time) error {
	rec := &journalRecord{
		Type:         "transition",
		OpID:         id,
		State:        state,
		Attempts:     attempts,
		LastError:    lastErr,
		ScheduledFor: schedFor,
		At:           l.now(),
	}
	return l.appendAndApply(rec)
}

func (l *Log) transitionFrom(id, from, to string, attempts *int, lastErr *string, schedFor *time.Time) error {
	op, err := l.Get(id)
	if err != nil {
		return err
	}
	if op.State != from {
		return fmt.Errorf("operation %s is %s, not %s", id, op.State, from)
	}
	return l.transition(id, to, attempts, lastErr, schedFor)
}
