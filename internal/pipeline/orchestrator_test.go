package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/remi71350-droid/perception-lab/internal/config"
	"github.com/remi71350-droid/perception-lab/internal/metrics"
	"github.com/remi71350-droid/perception-lab/internal/perception"
	"github.com/remi71350-droid/perception-lab/internal/providers"
	"github.com/remi71350-droid/perception-lab/internal/runs"
	"github.com/remi71350-droid/perception-lab/internal/testutil"
	"github.com/remi71350-droid/perception-lab/internal/timeutil"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedDetector struct {
	mu     sync.Mutex
	boxes  []perception.BoundingBox
	inputs [][]byte
}

func (d *fixedDetector) Detect(_ context.Context, img []byte) ([]perception.BoundingBox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = append(d.inputs, img)
	return append([]perception.BoundingBox{}, d.boxes...), nil
}

func (d *fixedDetector) Provenance() string { return "fixed:v1" }

type failingDetector struct{}

func (failingDetector) Detect(context.Context, []byte) ([]perception.BoundingBox, error) {
	return []perception.BoundingBox{{X1: 0, Y1: 0, X2: 5, Y2: 5, Score: 1, ClassLabel: "ghost"}}, errors.New("upstream 503")
}

func (failingDetector) Provenance() string { return "failing:v1" }

type panickingDetector struct{}

func (panickingDetector) Detect(context.Context, []byte) ([]perception.BoundingBox, error) {
	panic("index out of range")
}

func (panickingDetector) Provenance() string { return "panicking:v1" }

type fixedOCR struct{ items []perception.OcrItem }

func (o fixedOCR) Read(context.Context, []byte) ([]perception.OcrItem, error) {
	return append([]perception.OcrItem{}, o.items...), nil
}

func (fixedOCR) Provenance() string { return "ocr:v1" }

type testEnv struct {
	orch     *Orchestrator
	registry *runs.Registry
	metrics  *metrics.Metrics
	events   *Broadcaster
}

func newTestEnv(t *testing.T, caps perception.Capabilities) testEnv {
	t.Helper()
	clock := timeutil.NewMockClock(testEpoch)
	clock.SetStep(time.Millisecond)
	reg, err := runs.NewRegistry(t.TempDir(), runs.WithClock(clock))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	env := testEnv{registry: reg, metrics: metrics.New(), events: NewBroadcaster()}
	env.orch, err = NewOrchestrator(&Runtime{
		Config:       config.EmptyTuningConfig(),
		Registry:     reg,
		Capabilities: caps,
		Metrics:      env.metrics,
		Events:       env.events,
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return env
}

func noDraw() FrameOptions {
	f := false
	return FrameOptions{Overlay: OverlayOptions{Draw: &f}}
}

func newSession(t *testing.T, env testEnv, runID string) *Session {
	t.Helper()
	s, err := env.orch.NewSession(runID)
	if err != nil {
		t.Fatalf("NewSession(%q) error = %v", runID, err)
	}
	return s
}

func mustProcess(t *testing.T, env testEnv, s *Session, frame []byte, opts FrameOptions) *perception.Event {
	t.Helper()
	ev, err := env.orch.ProcessFrame(context.Background(), s, frame, opts)
	if err != nil {
		t.Fatalf("ProcessFrame() error = %v", err)
	}
	return ev
}

func hasTiming(ev *perception.Event, stage string) bool {
	_, ok := ev.Timings[stage]
	return ok
}

func TestNewOrchestratorRequiresRegistry(t *testing.T) {
	if _, err := NewOrchestrator(&Runtime{}); err == nil {
		t.Error("NewOrchestrator(no registry) succeeded")
	}
	if _, err := NewOrchestrator(nil); err == nil {
		t.Error("NewOrchestrator(nil) succeeded")
	}
}

func TestNilCapabilityPointerIsIgnored(t *testing.T) {
	var det *fixedDetector
	env := newTestEnv(t, perception.Capabilities{Detector: det})
	if got := env.orch.Runtime().Capabilities.Detector; got != nil {
		t.Errorf("Detector = %#v, want nil", got)
	}
}

func TestProcessFrameNoCapabilities(t *testing.T) {
	env := newTestEnv(t, perception.Capabilities{})
	s := newSession(t, env, "")

	ev := mustProcess(t, env, s, testutil.JPEGFrame(t, 64, 48), FrameOptions{})
	if ev.FrameID != 0 || ev.RunID != s.RunID() {
		t.Errorf("event = run %q frame %d, want run %q frame 0", ev.RunID, ev.FrameID, s.RunID())
	}
	if ev.Profile != config.ProfileRealtime {
		t.Errorf("Profile = %q, want realtime", ev.Profile)
	}
	if ev.Boxes == nil || len(ev.Boxes) != 0 || ev.Tracks == nil || len(ev.Tracks) != 0 {
		t.Errorf("boxes/tracks = %#v / %#v, want empty non-nil", ev.Boxes, ev.Tracks)
	}
	if len(ev.Errors) != 0 || len(ev.ProviderProvenance) != 0 {
		t.Errorf("errors = %v, provenance = %v; want none", ev.Errors, ev.ProviderProvenance)
	}
	for _, stage := range []string{perception.StagePre, perception.StageTrack, perception.StagePost} {
		if !hasTiming(ev, stage) {
			t.Errorf("timings missing %q: %v", stage, ev.Timings)
		}
	}
	if hasTiming(ev, perception.StageDetect) {
		t.Error("detect stage timed without a detector")
	}
	if ev.FPS <= 0 {
		t.Errorf("FPS = %v, want > 0", ev.FPS)
	}
	if ev.AnnotatedImage != "" {
		t.Error("annotated image embedded without embed_image")
	}

	last, err := env.registry.ReadLastEvent(s.RunID())
	if err != nil {
		t.Fatalf("ReadLastEvent() error = %v", err)
	}
	if last.FrameID != 0 {
		t.Errorf("logged frame_id = %d, want 0", last.FrameID)
	}
	annotated, _ := filepath.Glob(filepath.Join(env.registry.Root(), s.RunID(), "annotated_*.jpg"))
	if len(annotated) != 1 {
		t.Errorf("annotated frames = %v, want 1", annotated)
	}
}

func TestProcessFrameDetectAndTrack(t *testing.T) {
	det := &fixedDetector{boxes: []perception.BoundingBox{
		{X1: 10, Y1: 10, X2: 30, Y2: 30, Score: 0.9, ClassLabel: "car"},
		{X1: 12, Y1: 11, X2: 31, Y2: 30, Score: 0.8, ClassLabel: "car"},   // suppressed by NMS
		{X1: 40, Y1: 5, X2: 60, Y2: 20, Score: 0.1, ClassLabel: "person"}, // below threshold
	}}
	env := newTestEnv(t, perception.Capabilities{Detector: det})
	s := newSession(t, env, "tracked")

	frame := testutil.JPEGFrame(t, 64, 48)
	var ids []int
	for i := 0; i < 3; i++ {
		ev := mustProcess(t, env, s, frame, noDraw())
		if len(ev.Boxes) != 1 || len(ev.Tracks) != 1 {
			t.Fatalf("frame %d: %d boxes, %d tracks; want 1 each", i, len(ev.Boxes), len(ev.Tracks))
		}
		ids = append(ids, ev.Tracks[0].ID)
		if diff := cmp.Diff(map[string]string{"detection": "fixed:v1"}, ev.ProviderProvenance); diff != "" {
			t.Errorf("provenance mismatch (-want +got):\n%s", diff)
		}
		if !hasTiming(ev, perception.StageDetect) {
			t.Errorf("frame %d: detect stage not timed", i)
		}
	}
	if diff := cmp.Diff([]int{1, 1, 1}, ids); diff != "" {
		t.Errorf("track ids across frames (-want +got):\n%s", diff)
	}
	if n := len(s.Tracker().ActiveTracks()); n != 1 {
		t.Errorf("active tracks = %d, want 1", n)
	}
	if n := s.Processed(); n != 3 {
		t.Errorf("Processed() = %d, want 3", n)
	}
}

func TestProcessFrameOverrides(t *testing.T) {
	det := &fixedDetector{boxes: []perception.BoundingBox{
		{X1: 10, Y1: 10, X2: 30, Y2: 30, Score: 0.3, ClassLabel: "car"},
		{X1: 40, Y1: 5, X2: 60, Y2: 20, Score: 0.3, ClassLabel: "person"},
	}}
	env := newTestEnv(t, perception.Capabilities{Detector: det})
	s := newSession(t, env, "")

	frame := testutil.JPEGFrame(t, 64, 48)
	ev := mustProcess(t, env, s, frame, FrameOptions{Profile: config.ProfileAccuracy})
	if len(ev.Boxes) != 0 {
		t.Errorf("accuracy profile kept %d boxes scored 0.3", len(ev.Boxes))
	}

	conf := 0.2
	opts := FrameOptions{Profile: config.ProfileAccuracy, Overlay: OverlayOptions{ConfThreshold: &conf, ClassInclude: []string{"person"}}}
	ev = mustProcess(t, env, s, frame, opts)
	if len(ev.Boxes) != 1 || ev.Boxes[0].ClassLabel != "person" {
		t.Errorf("boxes = %+v, want only the person", ev.Boxes)
	}

	if _, err := env.orch.ProcessFrame(context.Background(), s, frame, FrameOptions{Profile: "turbo"}); err == nil {
		t.Error("unknown profile accepted")
	}
}

func TestProcessFrameDownscalesAndMapsBack(t *testing.T) {
	tests := []struct {
		name         string
		w, h         int
		wantW, wantH int
		box          perception.BoundingBox
		want         perception.BoundingBox
	}{
		{
			name: "landscape", w: 1280, h: 720, wantW: 640, wantH: 360,
			box:  perception.BoundingBox{X1: 10, Y1: 10, X2: 20, Y2: 20, Score: 0.9, ClassLabel: "sign"},
			want: perception.BoundingBox{X1: 20, Y1: 20, X2: 40, Y2: 40, Score: 0.9, ClassLabel: "sign"},
		},
		{
			name: "portrait", w: 720, h: 1280, wantW: 360, wantH: 640,
			box:  perception.BoundingBox{X1: 30, Y1: 300, X2: 90, Y2: 620, Score: 0.9, ClassLabel: "sign"},
			want: perception.BoundingBox{X1: 60, Y1: 600, X2: 180, Y2: 1240, Score: 0.9, ClassLabel: "sign"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := &fixedDetector{boxes: []perception.BoundingBox{tt.box}}
			ocr := fixedOCR{items: []perception.OcrItem{{Text: "STOP", Box: [4]float64{1, 2, 3, 4}}}}
			env := newTestEnv(t, perception.Capabilities{Detector: det, OCR: ocr})
			s := newSession(t, env, "")

			ev := mustProcess(t, env, s, testutil.JPEGFrame(t, tt.w, tt.h), noDraw())

			if len(det.inputs) != 1 {
				t.Fatalf("detector called %d times, want 1", len(det.inputs))
			}
			cfg, _, err := image.DecodeConfig(bytes.NewReader(det.inputs[0]))
			if err != nil {
				t.Fatalf("decode detector input: %v", err)
			}
			if cfg.Width != tt.wantW || cfg.Height != tt.wantH {
				t.Errorf("detector input = %dx%d, want %dx%d", cfg.Width, cfg.Height, tt.wantW, tt.wantH)
			}

			if len(ev.Boxes) != 1 {
				t.Fatalf("got %d boxes, want 1", len(ev.Boxes))
			}
			if diff := cmp.Diff(tt.want, ev.Boxes[0]); diff != "" {
				t.Errorf("box in source pixels (-want +got):\n%s", diff)
			}
			if len(ev.OCR) != 1 || ev.OCR[0].Box != [4]float64{2, 4, 6, 8} {
				t.Errorf("ocr = %+v, want box scaled to [2 4 6 8]", ev.OCR)
			}
		})
	}
}

func TestProcessFrameFailingDetector(t *testing.T) {
	env := newTestEnv(t, perception.Capabilities{Detector: failingDetector{}, OCR: fixedOCR{}})
	s := newSession(t, env, "")

	ev := mustProcess(t, env, s, testutil.JPEGFrame(t, 32, 32), noDraw())
	if len(ev.Boxes) != 0 {
		t.Errorf("boxes = %v, want partial results discarded", ev.Boxes)
	}
	if len(ev.Errors) != 1 || !strings.HasPrefix(ev.Errors[0], "detection: upstream 503") {
		t.Errorf("errors = %v", ev.Errors)
	}
	if !hasTiming(ev, perception.StageOCR) {
		t.Error("ocr stage skipped after a detection failure")
	}
}

func TestProcessFramePanickingDetector(t *testing.T) {
	env := newTestEnv(t, perception.Capabilities{Detector: panickingDetector{}})
	s := newSession(t, env, "")

	ev := mustProcess(t, env, s, testutil.JPEGFrame(t, 32, 32), noDraw())
	if len(ev.Boxes) != 0 {
		t.Errorf("boxes = %v, want none", ev.Boxes)
	}
	if len(ev.Errors) != 1 || !strings.Contains(ev.Errors[0], "provider panic: index out of range") {
		t.Errorf("errors = %v", ev.Errors)
	}
	if !hasTiming(ev, perception.StageDetect) {
		t.Error("detect stage not timed after panic")
	}
}

func TestProcessFrameMalformedBoxes(t *testing.T) {
	det := &fixedDetector{boxes: []perception.BoundingBox{
		{X1: 30, Y1: 10, X2: 10, Y2: 30, Score: 0.9, ClassLabel: "inverted"},
		{X1: 1, Y1: 1, X2: 9, Y2: 9, Score: 0.9, ClassLabel: "ok"},
	}}
	env := newTestEnv(t, perception.Capabilities{Detector: det})
	s := newSession(t, env, "")

	ev := mustProcess(t, env, s, testutil.JPEGFrame(t, 32, 32), noDraw())
	if len(ev.Boxes) != 1 || ev.Boxes[0].ClassLabel != "ok" {
		t.Errorf("boxes = %+v, want only ok", ev.Boxes)
	}
	if diff := cmp.Diff([]string{"detection: dropped 1 malformed box(es)"}, ev.Errors); diff != "" {
		t.Errorf("errors (-want +got):\n%s", diff)
	}
}

func TestProcessFrameUnavailableProvider(t *testing.T) {
	env := newTestEnv(t, perception.Capabilities{OCR: providers.Unavailable{Name: "gcv", Reason: "GCV_API_KEY not set"}})
	s := newSession(t, env, "")

	ev := mustProcess(t, env, s, testutil.JPEGFrame(t, 16, 16), noDraw())
	if ev.OCR == nil || len(ev.OCR) != 0 {
		t.Errorf("ocr = %#v, want empty non-nil", ev.OCR)
	}
	if len(ev.Errors) != 1 || !strings.Contains(ev.Errors[0], "provider unavailable") {
		t.Errorf("errors = %v", ev.Errors)
	}
}

func TestProcessFrameDecodeError(t *testing.T) {
	env := newTestEnv(t, perception.Capabilities{Detector: &fixedDetector{}})
	s := newSession(t, env, "")

	ev, err := env.orch.ProcessFrame(context.Background(), s, []byte("not an image"), FrameOptions{})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("ProcessFrame() error = %v, want ErrDecode", err)
	}
	if ev == nil {
		t.Fatal("no error event returned")
	}
	if ev.FrameID != 0 {
		t.Errorf("FrameID = %d, want 0", ev.FrameID)
	}
	if len(ev.Errors) != 1 || !strings.HasPrefix(ev.Errors[0], "decode:") {
		t.Errorf("errors = %v", ev.Errors)
	}
	if ev.Boxes == nil || len(ev.Boxes) != 0 {
		t.Errorf("boxes = %#v, want empty non-nil", ev.Boxes)
	}

	logged, err := env.registry.ReadLastEvent(s.RunID())
	if err != nil {
		t.Fatalf("ReadLastEvent() error = %v", err)
	}
	if diff := cmp.Diff(ev.Errors, logged.Errors); diff != "" {
		t.Errorf("persisted errors (-want +got):\n%s", diff)
	}

	// the next good frame continues the sequence
	ev = mustProcess(t, env, s, testutil.JPEGFrame(t, 16, 16), noDraw())
	if ev.FrameID != 1 {
		t.Errorf("FrameID after decode error = %d, want 1", ev.FrameID)
	}
}

func TestProcessFrameRegistryFailure(t *testing.T) {
	env := newTestEnv(t, perception.Capabilities{})
	s := newSession(t, env, "doomed")
	if err := os.RemoveAll(filepath.Join(env.registry.Root(), "doomed")); err != nil {
		t.Fatalf("remove run dir: %v", err)
	}

	ev, err := env.orch.ProcessFrame(context.Background(), s, testutil.JPEGFrame(t, 16, 16), noDraw())
	if !errors.Is(err, ErrRegistry) {
		t.Errorf("ProcessFrame() error = %v, want ErrRegistry", err)
	}
	if ev == nil {
		t.Error("event not returned alongside the registry error")
	}
}

func TestProcessFrameEmbedsAnnotatedImage(t *testing.T) {
	env := newTestEnv(t, perception.Capabilities{})
	s := newSession(t, env, "")

	ev := mustProcess(t, env, s, testutil.JPEGFrame(t, 16, 16), FrameOptions{Overlay: OverlayOptions{EmbedImage: true}})
	if ev.AnnotatedImage == "" {
		t.Fatal("annotated image not embedded")
	}
	logged, err := env.registry.ReadLastEvent(s.RunID())
	if err != nil {
		t.Fatalf("ReadLastEvent() error = %v", err)
	}
	if logged.AnnotatedImage != ev.AnnotatedImage {
		t.Error("persisted event does not carry the embedded image")
	}

	plain := mustProcess(t, env, s, testutil.JPEGFrame(t, 16, 16), FrameOptions{})
	if plain.AnnotatedImage != "" {
		t.Error("annotated image embedded without embed_image")
	}
	logged, err = env.registry.ReadLastEvent(s.RunID())
	if err != nil {
		t.Fatalf("ReadLastEvent() error = %v", err)
	}
	if logged.AnnotatedImage != "" {
		t.Error("persisted event carries an image that was not requested")
	}
}

func TestAnnotatedFramesCappedPerRun(t *testing.T) {
	env := newTestEnv(t, perception.Capabilities{})
	s := newSession(t, env, "capped")

	for i := 0; i < 5; i++ {
		mustProcess(t, env, s, testutil.JPEGFrame(t, 16, 16), FrameOptions{})
	}
	annotated, _ := filepath.Glob(filepath.Join(env.registry.Root(), "capped", "annotated_*.jpg"))
	if len(annotated) != 3 {
		t.Errorf("annotated frames = %d, want 3", len(annotated))
	}
}

func TestSessionResumesRun(t *testing.T) {
	det := &fixedDetector{boxes: []perception.BoundingBox{{X1: 1, Y1: 1, X2: 9, Y2: 9, Score: 0.9, ClassLabel: "a"}}}
	env := newTestEnv(t, perception.Capabilities{Detector: det})
	s := newSession(t, env, "resume")
	for i := 0; i < 2; i++ {
		mustProcess(t, env, s, testutil.JPEGFrame(t, 16, 16), noDraw())
	}

	s2 := newSession(t, env, "resume")
	if got := s2.NextFrameID(); got != 2 {
		t.Errorf("NextFrameID() = %d, want 2", got)
	}
	ev := mustProcess(t, env, s2, testutil.JPEGFrame(t, 16, 16), noDraw())
	if ev.FrameID != 2 {
		t.Errorf("FrameID = %d, want 2", ev.FrameID)
	}
	if len(ev.Tracks) != 1 || ev.Tracks[0].ID != 2 {
		t.Errorf("tracks = %+v, want a fresh id 2", ev.Tracks)
	}
}

func TestProcessFramePublishes(t *testing.T) {
	env := newTestEnv(t, perception.Capabilities{})
	s := newSession(t, env, "pub")
	id, ch := env.events.Subscribe("pub")
	defer env.events.Unsubscribe(id)

	mustProcess(t, env, s, testutil.JPEGFrame(t, 16, 16), noDraw())

	select {
	case ev := <-ch:
		if ev.RunID != "pub" {
			t.Errorf("published run = %q, want pub", ev.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}
}

func TestGuard(t *testing.T) {
	tests := []struct {
		name    string
		fn      func() ([]int, error)
		wantErr string
	}{
		{"ok", func() ([]int, error) { return nil, nil }, ""},
		{"error discards partial", func() ([]int, error) { return []int{1}, errors.New("x") }, "x"},
		{"panic", func() ([]int, error) { panic(errors.New("boom")) }, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := guard(tt.fn)
			if tt.wantErr == "" && err != nil {
				t.Errorf("guard() error = %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Errorf("guard() error = %v, want %q", err, tt.wantErr)
			}
			if out == nil || len(out) != 0 {
				t.Errorf("guard() = %#v, want empty non-nil", out)
			}
		})
	}
}
