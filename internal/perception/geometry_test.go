package perception

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestIoU(t *testing.T) {
	t.Parallel()

	a := BoundingBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	b := BoundingBox{X1: 5, Y1: 5, X2: 15, Y2: 15}
	far := BoundingBox{X1: 20, Y1: 20, X2: 30, Y2: 30}
	touching := BoundingBox{X1: 10, Y1: 0, X2: 20, Y2: 10}
	point := BoundingBox{X1: 3, Y1: 3, X2: 3, Y2: 3}

	tests := []struct {
		name string
		a, b BoundingBox
		want float64
	}{
		{"identical", a, a, 1},
		{"partial overlap", a, b, 25.0 / 175.0},
		{"disjoint", a, far, 0},
		{"shared edge", a, touching, 0},
		{"degenerate", point, point, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IoU(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("IoU = %f, want %f", got, tt.want)
			}
			if rev := IoU(tt.b, tt.a); math.Abs(rev-got) > 1e-12 {
				t.Errorf("IoU not symmetric: %f vs %f", got, rev)
			}
			if got < 0 || got > 1 {
				t.Errorf("IoU out of range: %f", got)
			}
		})
	}
}

func TestIoUKnownValue(t *testing.T) {
	got := IoU(BoundingBox{X2: 10, Y2: 10}, BoundingBox{X1: 5, Y1: 5, X2: 15, Y2: 15})
	if math.Abs(got-0.142857) > 1e-6 {
		t.Errorf("IoU() = %f, want 0.142857", got)
	}
}

func TestBoundingBoxValidate(t *testing.T) {
	if err := (BoundingBox{X1: 1, Y1: 1, X2: 2, Y2: 2}).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	bad := []BoundingBox{
		{X1: 5, Y1: 0, X2: 1, Y2: 2},
		{X1: math.NaN(), X2: 1, Y2: 1},
	}
	for _, b := range bad {
		if err := b.Validate(); !errors.Is(err, ErrInvalidBox) {
			t.Errorf("Validate(%+v) error = %v, want ErrInvalidBox", b, err)
		}
	}
}

func TestBoundingBoxScaleAndClip(t *testing.T) {
	b := BoundingBox{X1: 10, Y1: 20, X2: 30, Y2: 40}.Scale(2, 0.5)
	if diff := cmp.Diff(BoundingBox{X1: 20, Y1: 10, X2: 60, Y2: 20}, b); diff != "" {
		t.Errorf("Scale() mismatch (-want +got):\n%s", diff)
	}

	c := BoundingBox{X1: -5, Y1: -1, X2: 200, Y2: 50}.Clip(100, 40)
	if diff := cmp.Diff(BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 40}, c); diff != "" {
		t.Errorf("Clip() mismatch (-want +got):\n%s", diff)
	}

	cx, cy := BoundingBox{X1: 0, Y1: 0, X2: 10, Y2: 4}.Centroid()
	if cx != 5 || cy != 2 {
		t.Errorf("Centroid() = (%v, %v), want (5, 2)", cx, cy)
	}
}

func TestBoxFromXYWH(t *testing.T) {
	got := BoxFromXYWH(10, 20, 5, 6)
	if want := (BoundingBox{X1: 10, Y1: 20, X2: 15, Y2: 26}); got != want {
		t.Errorf("BoxFromXYWH() = %+v, want %+v", got, want)
	}
}

func TestNewEventMarshalsEmptyCollections(t *testing.T) {
	ev := NewEvent("r1", 0, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	for _, key := range []string{"boxes", "masks", "tracks", "ocr", "errors"} {
		if got := string(raw[key]); got != "[]" {
			t.Errorf("%s = %s, want []", key, got)
		}
	}
	if got := string(raw["timings"]); got != "{}" {
		t.Errorf("timings = %s, want {}", got)
	}
	if _, ok := raw["annotated_image"]; ok {
		t.Error("annotated_image should be omitted when empty")
	}
}

func TestEventNormalize(t *testing.T) {
	var ev Event
	if err := json.Unmarshal([]byte(`{"run_id":"r","frame_id":3,"tracks":[{"id":1}]}`), &ev); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}
	ev.Normalize()
	if ev.Boxes == nil || ev.Errors == nil || ev.Tracks[0].Trail == nil {
		t.Errorf("Normalize() left nil collections: %+v", ev)
	}
	if ev.FrameID != 3 {
		t.Errorf("FrameID = %d, want 3", ev.FrameID)
	}
}

func TestEventTotalMillis(t *testing.T) {
	ev := NewEvent("r", 0, time.Now())
	ev.Timings[StagePre] = 1.5
	ev.Timings[StageDetect] = 2.5
	if got := ev.TotalMillis(); got != 4 {
		t.Errorf("TotalMillis() = %v, want 4", got)
	}
}
