package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"

	"github.com/remi71350-droid/perception-lab/internal/overlay"
	"github.com/remi71350-droid/perception-lab/internal/perception"
	"github.com/remi71350-droid/perception-lab/internal/timing"
)

var (
	// ErrDecode is returned when a frame cannot be decoded. An error event
	// has still been appended for it.
	ErrDecode = errors.New("frame decode failed")
	// ErrRegistry is returned when the event could not be persisted.
	ErrRegistry = errors.New("run registry write failed")
)

// Orchestrator runs frames through the configured capabilities.
type Orchestrator struct {
	rt *Runtime
}

// NewOrchestrator validates rt and returns an orchestrator bound to it.
func NewOrchestrator(rt *Runtime) (*Orchestrator, error) {
	if err := rt.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{rt: rt}, nil
}

// Runtime returns the orchestrator's dependencies.
func (o *Orchestrator) Runtime() *Runtime { return o.rt }

// frameState is the per-frame working set threaded through the stages.
type frameState struct {
	src   image.Image
	input []byte  // bytes sent to providers
	scale float64 // provider pixel space -> source pixel space
}

// ProcessFrame runs one encoded frame through every stage for s and
// appends the resulting Event to the run log.
//
// Provider failures never abort the frame; they are recorded in
// Event.Errors. A decode failure appends an error Event and returns it with
// an error wrapping ErrDecode. A registry failure returns the Event with an
// error wrapping ErrRegistry.
func (o *Orchestrator) ProcessFrame(ctx context.Context, s *Session, img []byte, opts FrameOptions) (*perception.Event, error) {
	r, err := resolve(o.rt.Config, opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	frameID := s.nextFrame
	s.nextFrame++

	ev := perception.NewEvent(s.runID, frameID, o.rt.Clock.Now().UTC())
	ev.Profile = r.profile.Name
	ev.ProviderProvenance = o.rt.Capabilities.Provenance()

	timer := timing.NewStageTimer(o.rt.Clock)
	var fs frameState

	if err := timer.Time(perception.StagePre, func() error {
		return o.pre(img, r, &fs)
	}); err != nil {
		ev.Errors = append(ev.Errors, "decode: "+err.Error())
		o.finish(ev, timer)
		o.rt.Metrics.FrameError("decode")
		frameLogf(levelDiag, s.runID, frameID, "decode: %v", err)
		if appendErr := o.persist(ctx, s, ev, nil, r); appendErr != nil {
			return ev, appendErr
		}
		return ev, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	caps := o.rt.Capabilities

	if caps.Detector != nil {
		_ = timer.Time(perception.StageDetect, func() error {
			boxes, err := guard(func() ([]perception.BoundingBox, error) {
				return caps.Detector.Detect(ctx, fs.input)
			})
			if err != nil {
				o.providerFailed(ev, perception.CapabilityDetection, err)
			}
			ev.Boxes = o.postprocessBoxes(ev, boxes, fs, r)
			return nil
		})
	}

	_ = timer.Time(perception.StageTrack, func() error {
		ev.Tracks = s.tracker.Update(ev.Boxes)
		return nil
	})

	if caps.Segmenter != nil {
		_ = timer.Time(perception.StageSegment, func() error {
			masks, err := guard(func() ([]perception.Mask, error) {
				return caps.Segmenter.Segment(ctx, fs.input)
			})
			if err != nil {
				o.providerFailed(ev, perception.CapabilitySegmentation, err)
			}
			for i := range masks {
				if masks[i].Box != nil {
					b := masks[i].Box.Scale(fs.scale, fs.scale)
					masks[i].Box = &b
				}
			}
			ev.Masks = masks
			return nil
		})
	}

	if caps.OCR != nil {
		_ = timer.Time(perception.StageOCR, func() error {
			items, err := guard(func() ([]perception.OcrItem, error) {
				return caps.OCR.Read(ctx, fs.input)
			})
			if err != nil {
				o.providerFailed(ev, perception.CapabilityOCR, err)
			}
			for i := range items {
				for j := range items[i].Box {
					items[i].Box[j] *= fs.scale
				}
			}
			ev.OCR = items
			return nil
		})
	}

	var annotated []byte
	_ = timer.Time(perception.StagePost, func() error {
		if !r.draw && !r.embed {
			return nil
		}
		data, errs := overlay.Render(fs.src, ev, overlay.Options{
			MaskOpacity: r.opacity,
			JPEGQuality: r.jpegQuality,
			DrawTracks:  true,
			DrawLabels:  true,
		})
		for _, e := range errs {
			ev.Errors = append(ev.Errors, "overlay: "+e.Error())
		}
		annotated = data
		return nil
	})

	o.finish(ev, timer)
	frameLogf(levelTrace, s.runID, frameID, "boxes=%d tracks=%d total=%.1fms", len(ev.Boxes), len(ev.Tracks), ev.TotalMillis())
	if err := o.persist(ctx, s, ev, annotated, r); err != nil {
		return ev, err
	}
	return ev, nil
}

// pre decodes img and prepares the provider input, re-encoding only when
// the frame had to be downscaled.
func (o *Orchestrator) pre(img []byte, r resolved, fs *frameState) error {
	src, _, err := overlay.Decode(img)
	if err != nil {
		return err
	}
	fs.src = src
	fs.input = img
	fs.scale = 1

	small, scale := overlay.Downscale(src, r.profile.MaxSide)
	if scale != 1 {
		data, err := overlay.EncodeJPEG(small, r.jpegQuality)
		if err != nil {
			return err
		}
		fs.input = data
		fs.scale = scale
	}
	return nil
}

// postprocessBoxes maps provider boxes back to source pixels, drops
// malformed ones and applies score, class and NMS filtering.
func (o *Orchestrator) postprocessBoxes(ev *perception.Event, boxes []perception.BoundingBox, fs frameState, r resolved) []perception.BoundingBox {
	b := fs.src.Bounds()
	valid := make([]perception.BoundingBox, 0, len(boxes))
	dropped := 0
	for _, box := range boxes {
		if err := box.Validate(); err != nil {
			dropped++
			continue
		}
		valid = append(valid, box.Scale(fs.scale, fs.scale).Clip(float64(b.Dx()), float64(b.Dy())))
	}
	if dropped > 0 {
		ev.Errors = append(ev.Errors, fmt.Sprintf("detection: dropped %d malformed box(es)", dropped))
	}
	valid = perception.FilterByScore(valid, r.conf)
	valid = perception.FilterByClass(valid, r.classes)
	return perception.NMS(valid, r.nmsIoU)
}

func (o *Orchestrator) providerFailed(ev *perception.Event, capability string, err error) {
	ev.Errors = append(ev.Errors, capability+": "+err.Error())
	o.rt.Metrics.ProviderError(capability)
	frameLogf(levelDiag, ev.RunID, ev.FrameID, "%s provider: %v", capability, err)
}

func (o *Orchestrator) finish(ev *perception.Event, timer *timing.StageTimer) {
	ev.Timings = timer.Timings()
	ev.FPS = timing.FPS(timer.Total())
}

// persist saves the annotated frame (subject to the per-run cap), appends
// the event and publishes it. The base64 image rides along only when
// embed_image was requested.
func (o *Orchestrator) persist(ctx context.Context, s *Session, ev *perception.Event, annotated []byte, r resolved) error {
	if len(annotated) > 0 && r.draw {
		_, saved, err := o.rt.Registry.SaveAnnotated(ctx, s.runID, annotated)
		if err != nil {
			ev.Errors = append(ev.Errors, "annotated: "+err.Error())
		} else if saved {
			o.rt.Metrics.AnnotatedSaved()
		}
	}

	if len(annotated) > 0 && r.embed {
		ev.AnnotatedImage = base64.StdEncoding.EncodeToString(annotated)
	}
	if err := o.rt.Registry.AppendEvent(s.runID, ev); err != nil {
		o.rt.Metrics.FrameError("registry")
		frameLogf(levelOps, s.runID, ev.FrameID, "append event: %v", err)
		return fmt.Errorf("%w: %v", ErrRegistry, err)
	}
	s.processed.Add(1)
	o.rt.Metrics.ObserveEvent(ev)

	o.rt.Events.Publish(ev)
	return nil
}

// guard calls fn and converts a panic or error into an empty result with
// a non-nil error.
func guard[T any](fn func() ([]T, error)) (out []T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = []T{}
			err = fmt.Errorf("provider panic: %v", rec)
		}
	}()
	out, err = fn()
	if err != nil || out == nil {
		out = []T{}
	}
	return out, err
}
