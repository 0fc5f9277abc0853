// Package timing measures per-stage wall-clock latency for a single frame.
package timing

import (
	"sort"
	"time"

	"github.com/remi71350-droid/perception-lab/internal/timeutil"
)

// StageTimer accumulates elapsed milliseconds per named stage.
//
// A StageTimer belongs to one frame and is not safe for concurrent use.
type StageTimer struct {
	clock   timeutil.Clock
	starts  map[string]time.Time
	totals  map[string]float64
	ordered []string
}

// NewStageTimer returns a timer reading from clock. A nil clock uses the
// real wall clock.
func NewStageTimer(clock timeutil.Clock) *StageTimer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &StageTimer{
		clock:  clock,
		starts: make(map[string]time.Time),
		totals: make(map[string]float64),
	}
}

// Start records the start instant for stage. Starting a stage that is
// already running restarts it.
func (t *StageTimer) Start(stage string) {
	t.starts[stage] = t.clock.Now()
}

// Stop adds the time since the matching Start to the stage total and clears
// the pending start. Stop without a pending Start does nothing.
func (t *StageTimer) Stop(stage string) {
	start, ok := t.starts[stage]
	if !ok {
		return
	}
	delete(t.starts, stage)
	elapsed := float64(t.clock.Now().Sub(start)) / float64(time.Millisecond)
	if _, seen := t.totals[stage]; !seen {
		t.ordered = append(t.ordered, stage)
	}
	t.totals[stage] += elapsed
}

// Time runs fn as stage. The stage is stopped on every exit path of fn,
// including a panic, which is re-raised after the time is recorded.
func (t *StageTimer) Time(stage string, fn func() error) error {
	t.Start(stage)
	defer t.Stop(stage)
	return fn()
}

// Millis returns the accumulated milliseconds for stage.
func (t *StageTimer) Millis(stage string) float64 {
	return t.totals[stage]
}

// Timings returns a copy of the accumulated totals.
func (t *StageTimer) Timings() map[string]float64 {
	out := make(map[string]float64, len(t.totals))
	for k, v := range t.totals {
		out[k] = v
	}
	return out
}

// Stages returns stage names in the order they first completed.
func (t *StageTimer) Stages() []string {
	return append([]string(nil), t.ordered...)
}

// Total sums every accumulated stage.
func (t *StageTimer) Total() float64 {
	keys := make([]string, 0, len(t.totals))
	for k := range t.totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += t.totals[k]
	}
	return sum
}

// FPS converts a total frame latency into frames per second, clamping the
// denominator so a zero-latency frame does not divide by zero.
func FPS(totalMillis float64) float64 {
	const minMillis = 1e-3
	if totalMillis < minMillis {
		totalMillis = minMillis
	}
	return 1000.0 / totalMillis
}
