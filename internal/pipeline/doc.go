// Package pipeline runs frames through the perception stages.
//
// An Orchestrator processes one encoded frame at a time for a Session:
// decode and downscale (pre), detect, track, segment, ocr and overlay
// (post). Each stage is timed, provider failures are folded into the
// Event's errors, and the finished Event is appended to the run registry
// and fanned out to stream subscribers.
//
// A Session belongs to exactly one run. It owns the run's tracker and
// frame counter and serialises frames so at most one is in flight.
package pipeline
