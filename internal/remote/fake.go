package remote

import (
	"context"
	"sync"

	"github.com/driftsynchq/driftsync/internal/oplog"
)

// Fake is an in-memory Endpoint for tests: pulls drain a scripted queue of
// deltas, pushes run through an optional hook.
type Fake struct {
	mu      sync.Mutex
	deltas  []*Delta
	pushFn  func(op oplog.Operation) (*PushResult, error)
	pulls   int
	pushed  []oplog.Operation
	cursors []string
}

var _ Endpoint = (*Fake)(nil)

// NewFake creates an empty fake endpoint. With no queued deltas, Pull
// returns an empty delta that repeats the given cursor.
func NewFake() *Fake {
	return &Fake{}
}

// QueueDelta appends a delta to be returned by the next Pull.
func (f *Fake) QueueDelta(d *Delta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, d)
}

// SetPushFunc installs the push behavior. The default acks everything.
func (f *Fake) SetPushFunc(fn func(op oplog.Operation) (*PushResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushFn = fn
}

func (f *Fake) Pull(ctx context.Context, cursor string) (*Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	f.cursors = append(f.cursors, cursor)
	if len(f.deltas) == 0 {
		return &Delta{NewCursor: cursor}, nil
	}
	d := f.deltas[0]
	f.deltas = f.deltas[1:]
	return d, nil
}

func (f *Fake) Push(ctx context.Context, op oplog.Operation) (*PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	fn := f.pushFn
	f.mu.Unlock()

	var res *PushResult
	var err error
	if fn != nil {
		res, err = fn(op)
	} else {
		res = &PushResult{Acked: true}
	}
	if err == nil && res != nil {
		f.mu.Lock()
		f.pushed = append(f.pushed, op)
		f.mu.Unlock()
	}
	return res, err
}

// Pushed returns operations that made it through Push without error.
func (f *Fake) Pushed() []oplog.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]oplog.Operation(nil), f.pushed...)
}

// Pulls returns how many Pull calls were made.
func (f *Fake) Pulls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

// Cursors returns the cursor presented on each pull.
func (f *Fake) Cursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cursors...)
}
