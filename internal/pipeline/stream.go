package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// StreamOptions bounds a streaming run. Zero values mean unlimited.
type StreamOptions struct {
	Frame     FrameOptions
	MaxFrames int
	Duration  time.Duration
	TargetFPS float64
}

// StreamStats summarises a finished stream.
type StreamStats struct {
	Frames       int    `json:"frames"`
	DecodeErrors int    `json:"decode_errors"`
	StopReason   string `json:"stop_reason"`
}

// Stop reasons reported in StreamStats.
const (
	StopExhausted = "exhausted"
	StopMaxFrames = "max_frames"
	StopDuration  = "duration"
	StopRequested = "stopped"
	StopCancelled = "cancelled"
)

// Stream processes frames from src until it is exhausted, a limit is
// reached, s.Stop is called or ctx is cancelled. The stop flag and context
// are checked before each frame, so a stop takes effect after the frame in
// flight. yield, when non-nil, receives every event; returning an error
// ends the stream with that error.
//
// Undecodable frames are recorded and skipped. Registry failures end the
// stream.
func (o *Orchestrator) Stream(ctx context.Context, s *Session, src FrameSource, opts StreamOptions, yield func(*perception.Event) error) (StreamStats, error) {
	var stats StreamStats
	clock := o.rt.Clock
	start := clock.Now()

	var interval time.Duration
	if opts.TargetFPS > 0 {
		interval = time.Duration(float64(time.Second) / opts.TargetFPS)
	}

	o.rt.Metrics.ActiveStreamsAdd(1)
	defer o.rt.Metrics.ActiveStreamsAdd(-1)
	logf(levelDiag, "stream started for run %s", s.runID)

	for {
		if s.Stopped() {
			stats.StopReason = StopRequested
			break
		}
		if ctx.Err() != nil {
			stats.StopReason = StopCancelled
			break
		}
		if opts.MaxFrames > 0 && stats.Frames >= opts.MaxFrames {
			stats.StopReason = StopMaxFrames
			break
		}
		if opts.Duration > 0 && clock.Since(start) >= opts.Duration {
			stats.StopReason = StopDuration
			break
		}

		frameStart := clock.Now()
		img, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			stats.StopReason = StopExhausted
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				stats.StopReason = StopCancelled
				break
			}
			return stats, err
		}

		ev, err := o.ProcessFrame(ctx, s, img, opts.Frame)
		stats.Frames++
		switch {
		case errors.Is(err, ErrDecode):
			stats.DecodeErrors++
		case err != nil:
			return stats, err
		}
		if yield != nil {
			if err := yield(ev); err != nil {
				return stats, err
			}
		}

		if interval > 0 {
			if wait := interval - clock.Since(frameStart); wait > 0 {
				select {
				case <-clock.After(wait):
				case <-ctx.Done():
				}
			}
		}
	}

	logf(levelDiag, "stream for run %s ended: %s after %d frames", s.runID, stats.StopReason, stats.Frames)
	return stats, nil
}
