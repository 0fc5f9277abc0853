package pipeline

import (
	"errors"
	"reflect"

	"github.com/remi71350-droid/perception-lab/internal/config"
	"github.com/remi71350-droid/perception-lab/internal/metrics"
	"github.com/remi71350-droid/perception-lab/internal/perception"
	"github.com/remi71350-droid/perception-lab/internal/runs"
	"github.com/remi71350-droid/perception-lab/internal/timeutil"
)

// Runtime bundles the process-wide dependencies of the pipeline. It is
// built once at startup and passed to constructors instead of living in
// package globals.
type Runtime struct {
	Config       *config.TuningConfig
	Registry     *runs.Registry
	Capabilities perception.Capabilities
	Metrics      *metrics.Metrics // optional
	Events       *Broadcaster     // optional
	Clock        timeutil.Clock   // defaults to RealClock
}

func (rt *Runtime) validate() error {
	if rt == nil {
		return errors.New("pipeline: nil runtime")
	}
	if rt.Registry == nil {
		return errors.New("pipeline: runtime has no registry")
	}
	if rt.Config == nil {
		rt.Config = config.EmptyTuningConfig()
	}
	if rt.Clock == nil {
		rt.Clock = timeutil.RealClock{}
	}
	if isNilInterface(rt.Capabilities.Detector) {
		rt.Capabilities.Detector = nil
	}
	if isNilInterface(rt.Capabilities.Segmenter) {
		rt.Capabilities.Segmenter = nil
	}
	if isNilInterface(rt.Capabilities.OCR) {
		rt.Capabilities.OCR = nil
	}
	return nil
}

// isNilInterface checks if an interface value is nil or contains a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}
