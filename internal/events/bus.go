// Package events is the in-process status stream the core exposes to its
// collaborators. Events carry enough detail (kind, id, reason) for a UI layer
// to present a meaningful message; the core itself renders nothing.
package events

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeQueueChanged       = "queue.changed"
	TypeSyncStarted        = "sync.started"
	TypeSyncCompleted      = "sync.completed"
	TypeConflictDetected   = "conflict.detected"
	TypeConflictResolved   = "conflict.resolved"
	TypeCorruptionDetected = "corruption.detected"
	TypePolicyDeferred     = "policy.deferred"
)

// Event is one entry in the status stream. Seq is monotonic per bus and can
// be used to resume a dropped stream.
type Event struct {
	Seq  uint64         `json:"seq"`
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

const ringSize = 1024

// Bus fans events out to subscribers and keeps a bounded replay ring for
// resume. Publish never blocks: a subscriber that cannot keep up misses
// events and is expected to catch up via Since.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	ring    [ringSize]Event
	subs    map[int]chan Event
	nextSub int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Publish appends an event and notifies subscribers.
func (b *Bus) Publish(eventType string, data map[string]any) Event {
	b.mu.Lock()
	b.seq++
	ev := Event{Seq: b.seq, Type: eventType, At: time.Now().UTC(), Data: data}
	b.ring[b.seq%ringSize] = ev
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
	return ev
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the subscription.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Since returns up to max retained events with Seq > after, oldest first.
func (b *Bus) Since(after uint64, max int) []Event {
	if max <= 0 {
		max = 50
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	start := after + 1
	if b.seq >= ringSize && start <= b.seq-ringSize {
		start = b.seq - ringSize + 1
	}
	var out []Event
	for seq := start; seq <= b.seq && len(out) < max; seq++ {
		ev := b.ring[seq%ringSize]
		if ev.Seq == seq {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq returns the newest published sequence number.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
