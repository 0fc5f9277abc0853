package pipeline

import (
	"sync"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// Broadcaster fans completed events out to live subscribers. Slow
// subscribers miss events rather than stalling the pipeline.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]subscriber
	nextID  int
	dropped int
}

type subscriber struct {
	runID string
	ch    chan perception.Event
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[int]subscriber)}
}

// Subscribe registers a client for events of runID, or of every run when
// runID is empty.
func (b *Broadcaster) Subscribe(runID string) (int, <-chan perception.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan perception.Event, 16)
	b.clients[id] = subscriber{runID: runID, ch: ch}
	logf(levelDiag, "stream client #%d subscribed (run=%q, total=%d)", id, runID, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.clients[id]; ok {
		close(sub.ch)
		delete(b.clients, id)
		logf(levelDiag, "stream client #%d unsubscribed (remaining=%d)", id, len(b.clients))
	}
}

// Publish delivers a copy of ev to matching subscribers without blocking.
func (b *Broadcaster) Publish(ev *perception.Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.clients {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- *ev:
		default:
			b.dropped++
			if b.dropped%100 == 1 {
				logf(levelOps, "stream client #%d is slow; dropped %d events so far", id, b.dropped)
			}
		}
	}
}

// Subscribers returns the number of connected clients.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
