package pipeline

import (
	"io"
	"log"
	"sync/atomic"
)

// logLevel selects one of the pipeline's output streams.
type logLevel uint8

const (
	// levelOps is for failures an operator must act on: lost events,
	// dropped subscribers.
	levelOps logLevel = iota
	// levelDiag covers run lifecycle and provider errors.
	levelDiag
	// levelTrace is per-frame telemetry.
	levelTrace
	numLevels
)

var levelTags = [numLevels]string{"ops", "diag", "trace"}

type streamSet [numLevels]*log.Logger

var streams atomic.Pointer[streamSet]

// SetLogWriters routes the ops, diag and trace streams to the given writers.
// A nil writer silences its stream. Safe to call while sessions are running.
func SetLogWriters(ops, diag, trace io.Writer) {
	var set streamSet
	for lvl, w := range [numLevels]io.Writer{ops, diag, trace} {
		if w != nil {
			set[lvl] = log.New(w, "pipeline/"+levelTags[lvl]+": ", log.Lmsgprefix)
		}
	}
	streams.Store(&set)
}

func logf(lvl logLevel, format string, args ...interface{}) {
	set := streams.Load()
	if set == nil || set[lvl] == nil {
		return
	}
	set[lvl].Printf(format, args...)
}

// frameLogf prefixes a message with the run and frame it concerns.
func frameLogf(lvl logLevel, runID string, frameID int, format string, args ...interface{}) {
	logf(lvl, "run=%s frame=%d "+format, append([]interface{}{runID, frameID}, args...)...)
}
