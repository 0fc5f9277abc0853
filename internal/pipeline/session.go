package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/remi71350-droid/perception-lab/internal/tracking"
)

// Session is the per-run processing state: tracker, frame counter and the
// lock that keeps a single frame in flight.
type Session struct {
	runID   string
	tracker *tracking.Tracker

	mu        sync.Mutex
	nextFrame int

	processed atomic.Int64
	stop      atomic.Bool
}

// NewSession ensures the run directory exists and returns its session. An
// empty runID mints a timestamp id. When the run already has events the
// frame counter and track numbering resume after the last recorded ones.
func (o *Orchestrator) NewSession(runID string) (*Session, error) {
	id, err := o.rt.Registry.EnsureRun(runID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		runID:   id,
		tracker: tracking.NewTracker(tracking.ConfigFromTuning(o.rt.Config)),
	}

	events, err := o.rt.Registry.ReadEvents(id)
	if err != nil {
		return nil, err
	}
	if n := len(events); n > 0 {
		s.nextFrame = events[n-1].FrameID + 1
		maxID := 0
		for _, ev := range events {
			for _, t := range ev.Tracks {
				if t.ID > maxID {
					maxID = t.ID
				}
			}
		}
		s.tracker.SeedNextID(maxID + 1)
		logf(levelDiag, "resuming run %s at frame %d", id, s.nextFrame)
	}
	return s, nil
}

// RunID returns the session's run.
func (s *Session) RunID() string { return s.runID }

// Tracker exposes the run's tracker for status reads.
func (s *Session) Tracker() *tracking.Tracker { return s.tracker }

// Processed returns the number of frames persisted by this session.
func (s *Session) Processed() int64 { return s.processed.Load() }

// NextFrameID returns the id the next frame will receive.
func (s *Session) NextFrameID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFrame
}

// Stop asks a running stream to end after the frame in flight.
func (s *Session) Stop() { s.stop.Store(true) }

// Resume clears a previous Stop so the run can be streamed again.
func (s *Session) Resume() { s.stop.Store(false) }

// Stopped reports whether Stop has been called.
func (s *Session) Stopped() bool { return s.stop.Load() }
