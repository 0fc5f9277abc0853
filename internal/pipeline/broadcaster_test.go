package pipeline

import (
	"testing"
	"time"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

func TestBroadcasterFiltersByRun(t *testing.T) {
	b := NewBroadcaster()
	allID, all := b.Subscribe("")
	oneID, one := b.Subscribe("run-a")
	if n := b.Subscribers(); n != 2 {
		t.Fatalf("Subscribers() = %d, want 2", n)
	}

	b.Publish(perception.NewEvent("run-a", 0, time.Now()))
	b.Publish(perception.NewEvent("run-b", 0, time.Now()))

	if len(all) != 2 || len(one) != 1 {
		t.Fatalf("queued = %d (all), %d (run-a); want 2, 1", len(all), len(one))
	}
	if ev := <-one; ev.RunID != "run-a" {
		t.Errorf("run-a subscriber got %q", ev.RunID)
	}

	b.Unsubscribe(allID)
	b.Unsubscribe(oneID)
	b.Unsubscribe(oneID)
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() after unsubscribe = %d", n)
	}
	// buffered events stay readable after unsubscribe
	if _, open := <-all; !open {
		t.Error("channel closed before its buffered events were read")
	}
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster()
	_, ch := b.Subscribe("")
	for i := 0; i < 100; i++ {
		b.Publish(perception.NewEvent("r", i, time.Now()))
	}
	if len(ch) != cap(ch) {
		t.Errorf("queued %d of %d", len(ch), cap(ch))
	}
	if first := <-ch; first.FrameID != 0 {
		t.Errorf("first queued frame = %d, want 0 (newest are dropped)", first.FrameID)
	}
}

func TestNilBroadcasterPublish(t *testing.T) {
	var b *Broadcaster
	b.Publish(perception.NewEvent("r", 0, time.Now()))
}
