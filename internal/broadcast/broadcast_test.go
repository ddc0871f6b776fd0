package broadcast

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/observer-core/internal/bus"
	"github.com/basket/observer-core/internal/ingest"
)

func publishEvent(b *bus.Bus, e ingest.Event) {
	b.Publish(bus.TopicObserverEvent, bus.ObserverEventMessage{TaskID: e.TaskID, Seq: e.Seq, Event: e})
}

func drainOne(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case frame, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func TestBroadcaster_DeliversMatchingEvent(t *testing.T) {
	b := bus.New()
	br := New(b, 10, 0, nil)
	defer br.Close()

	sub := br.Subscribe(Filters{TaskID: "t1"}, true)
	publishEvent(b, ingest.Event{ID: "e1", Seq: 1, Type: "task.submitted", TaskID: "t1", Severity: ingest.SeverityInfo})

	frame := drainOne(t, sub.Out())
	if !strings.HasPrefix(string(frame), "event: event\ndata: ") {
		t.Fatalf("unexpected frame: %s", frame)
	}
	if !strings.Contains(string(frame), `"id":"e1"`) {
		t.Fatalf("expected verbose frame to include full event, got %s", frame)
	}
}

func TestBroadcaster_FilterExcludesNonMatching(t *testing.T) {
	b := bus.New()
	br := New(b, 10, 0, nil)
	defer br.Close()

	sub := br.Subscribe(Filters{TaskID: "t1"}, true)
	publishEvent(b, ingest.Event{ID: "e1", Seq: 1, Type: "task.submitted", TaskID: "other", Severity: ingest.SeverityInfo})

	select {
	case frame := <-sub.Out():
		t.Fatalf("expected no delivery for non-matching task, got %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_NonVerboseSendsMinifiedProjection(t *testing.T) {
	b := bus.New()
	br := New(b, 10, 0, nil)
	defer br.Close()

	sub := br.Subscribe(Filters{}, false)
	publishEvent(b, ingest.Event{ID: "e1", Seq: 1, Type: "task.submitted", Severity: ingest.SeverityInfo, Metadata: map[string]interface{}{"secret": "x"}})

	frame := drainOne(t, sub.Out())
	if strings.Contains(string(frame), "secret") {
		t.Fatalf("expected minified projection to drop metadata, got %s", frame)
	}
}

func TestBroadcaster_EvictsOldestAtCapacity(t *testing.T) {
	b := bus.New()
	br := New(b, 3, 0, nil)
	defer br.Close()

	s1 := br.Subscribe(Filters{}, false)
	_ = br.Subscribe(Filters{}, false)
	_ = br.Subscribe(Filters{}, false)

	if br.SubscriberCount() != 3 {
		t.Fatalf("expected 3 subscribers, got %d", br.SubscriberCount())
	}

	_ = br.Subscribe(Filters{}, false)

	if br.SubscriberCount() != 3 {
		t.Fatalf("expected eviction to keep count at 3, got %d", br.SubscriberCount())
	}

	frame := drainOne(t, s1.Out())
	if string(frame) != "event: close\ndata: {}\n\n" {
		t.Fatalf("expected close frame for evicted subscriber, got %s", frame)
	}
	if _, ok := <-s1.Out(); ok {
		t.Fatal("expected evicted subscriber's channel to be closed")
	}
}

func TestBroadcaster_HeartbeatSendsPing(t *testing.T) {
	b := bus.New()
	br := New(b, 10, 20*time.Millisecond, nil)
	defer br.Close()

	sub := br.Subscribe(Filters{}, false)
	frame := drainOne(t, sub.Out())
	if string(frame) != "event: ping\ndata: {}\n\n" {
		t.Fatalf("expected ping frame, got %s", frame)
	}
}

func TestBroadcaster_CloseSendsCloseFrameToAll(t *testing.T) {
	b := bus.New()
	br := New(b, 10, 0, nil)
	sub := br.Subscribe(Filters{}, false)

	br.Close()

	frame := drainOne(t, sub.Out())
	if string(frame) != "event: close\ndata: {}\n\n" {
		t.Fatalf("expected close frame, got %s", frame)
	}
}

func TestBroadcaster_UnsubscribeRemovesWithoutCloseFrame(t *testing.T) {
	b := bus.New()
	br := New(b, 10, 0, nil)
	defer br.Close()

	sub := br.Subscribe(Filters{}, false)
	br.Unsubscribe(sub.ID())

	if br.SubscriberCount() != 0 {
		t.Fatalf("expected subscriber removed, got count %d", br.SubscriberCount())
	}
	if _, ok := <-sub.Out(); ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := bus.New()
	br := New(b, 10, 0, nil)
	defer br.Close()

	slow := br.Subscribe(Filters{}, false)
	fast := br.Subscribe(Filters{}, false)

	// Saturate the slow subscriber's queue without draining it.
	for i := 0; i < subscriberQueueSize+5; i++ {
		publishEvent(b, ingest.Event{ID: "e", Seq: uint64(i), Type: "test.event", Severity: ingest.SeverityInfo})
	}

	// Fast subscriber should still have received frames despite slow's queue overflow.
	select {
	case <-fast.Out():
	case <-time.After(time.Second):
		t.Fatal("expected fast subscriber to receive frames")
	}
	_ = slow
}
