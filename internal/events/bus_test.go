package events_test

import (
	"testing"

	"github.com/driftsynchq/driftsync/internal/events"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	bus.Publish(events.TypeQueueChanged, map[string]any{"operation_id": "op_1"})

	ev := <-ch
	if ev.Type != events.TypeQueueChanged {
		t.Errorf("type = %q, want queue.changed", ev.Type)
	}
	if ev.Seq != 1 {
		t.Errorf("seq = %d, want 1", ev.Seq)
	}
	if ev.Data["operation_id"] != "op_1" {
		t.Errorf("data = %v, want operation_id op_1", ev.Data)
	}
}

func TestSinceReplaysInOrder(t *testing.T) {
	bus := events.NewBus()
	for i := 0; i < 5; i++ {
		bus.Publish(events.TypeSyncStarted, nil)
	}

	replay := bus.Since(2, 10)
	if len(replay) != 3 {
		t.Fatalf("Since(2) returned %d events, want 3", len(replay))
	}
	for i, ev := range replay {
		if ev.Seq != uint64(3+i) {
			t.Errorf("replay[%d].Seq = %d, want %d", i, ev.Seq, 3+i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := events.NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Far more events than the subscriber buffer; Publish must not block.
	for i := 0; i < 100; i++ {
		bus.Publish(events.TypeQueueChanged, nil)
	}
	if bus.LastSeq() != 100 {
		t.Errorf("LastSeq = %d, want 100", bus.LastSeq())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := events.NewBus()
	_, cancel := bus.Subscribe(1)
	cancel()
	cancel() // must not panic
	bus.Publish(events.TypeSyncCompleted, nil)
}
