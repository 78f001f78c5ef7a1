// Package remote defines the abstract endpoint the sync core pushes to and
// pulls from. The wire format of any one backend is out of scope; the HTTP
// client here is one implementation of the contract.
package remote

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/driftsynchq/driftsync/internal/oplog"
)

// Change is one remote-side mutation of a key.
type Change struct {
	Key       string          `json:"key"`
	Kind      string          `json:"kind"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Checksum  string          `json:"checksum,omitempty"`
	Role      string          `json:"role,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Delta is the result of one pull.
type Delta struct {
	Changes   []Change `json:"changes"`
	NewCursor string   `json:"new_cursor"`
}

// PushResult is the remote's answer to one transmitted operation: either an
// explicit ack or the remote version that conflicts with it.
type PushResult struct {
	Acked    bool    `json:"acked"`
	Conflict *Change `json:"conflict,omitempty"`
}

// Endpoint is the remote contract. Both calls block, honor ctx cancellation,
// and must be given a deadline by the caller.
type Endpoint interface {
	Pull(ctx context.Context, cursor string) (*Delta, error)
	Push(ctx context.Context, op oplog.Operation) (*PushResult, error)
}

type ErrorCode string

const (
	// ErrorCodeTransient marks failures worth retrying with backoff.
	ErrorCodeTransient ErrorCode = "TRANSIENT"
	// ErrorCodeFatal marks schema/version mismatches; the session aborts
	// with no cursor advancement.
	ErrorCodeFatal ErrorCode = "FATAL"
)

type Error struct {
	Code         ErrorCode
	Msg          string
	RetryAfterMs int
}

func (e *Error) Error() string {
	return e.Msg
}

func NewTransientError(msg string) error {
	return &Error{Code: ErrorCodeTransient, Msg: msg}
}

func NewFatalError(msg string) error {
	return &Error{Code: ErrorCodeFatal, Msg: msg}
}

func IsTransient(err error) bool {
	return hasCode(err, ErrorCodeTransient)
}

func IsFatal(err error) bool {
	return hasCode(err, ErrorCodeFatal)
}

func hasCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Code == code
}
