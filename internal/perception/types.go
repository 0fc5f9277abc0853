package perception

import "time"

// MaxTrailLength bounds the centroid history carried on a Track.
const MaxTrailLength = 10

// Point is an (x, y) pair in source pixel space. It marshals as [x, y].
type Point [2]float64

// Track is the identity a tracker assigns to a single detection.
type Track struct {
	ID         int         `json:"id"`
	ClassLabel string      `json:"class_label"`
	State      string      `json:"state,omitempty"`
	Box        BoundingBox `json:"box"`
	Trail      []Point     `json:"trail"`
}

// OcrItem is one recognised text region.
type OcrItem struct {
	Text string     `json:"text"`
	Box  [4]float64 `json:"box"`
}

// Mask is a segmentation result. Consumers treat PNG as opaque; the overlay
// stage decodes it for blending.
type Mask struct {
	ClassLabel string       `json:"class_label"`
	Score      float64      `json:"score"`
	Box        *BoundingBox `json:"box,omitempty"`
	PNG        string       `json:"png_base64,omitempty"`
}

// Stage names used as Event.Timings keys.
const (
	StagePre     = "pre"
	StageDetect  = "detect"
	StageTrack   = "track"
	StageSegment = "segment"
	StageOCR     = "ocr"
	StagePost    = "post"
)

// Capability names used as Event.ProviderProvenance keys.
const (
	CapabilityDetection    = "detection"
	CapabilitySegmentation = "segmentation"
	CapabilityOCR          = "ocr"
)

// Event is the immutable record of one processed frame. Collections are
// always non-nil so they serialise as [] rather than null.
type Event struct {
	RunID              string             `json:"run_id"`
	FrameID            int                `json:"frame_id"`
	Timestamp          time.Time          `json:"timestamp"`
	Profile            string             `json:"profile,omitempty"`
	Boxes              []BoundingBox      `json:"boxes"`
	Masks              []Mask             `json:"masks"`
	Tracks             []Track            `json:"tracks"`
	OCR                []OcrItem          `json:"ocr"`
	Timings            map[string]float64 `json:"timings"`
	FPS                float64            `json:"fps"`
	ProviderProvenance map[string]string  `json:"provider_provenance"`
	Errors             []string           `json:"errors"`
	AnnotatedImage     string             `json:"annotated_image,omitempty"`
}

// NewEvent returns an Event with every collection initialised.
func NewEvent(runID string, frameID int, ts time.Time) *Event {
	return &Event{
		RunID:              runID,
		FrameID:            frameID,
		Timestamp:          ts.UTC(),
		Boxes:              []BoundingBox{},
		Masks:              []Mask{},
		Tracks:             []Track{},
		OCR:                []OcrItem{},
		Timings:            map[string]float64{},
		ProviderProvenance: map[string]string{},
		Errors:             []string{},
	}
}

// Normalize replaces nil collections with empty ones. Used after decoding
// events written by older builds.
func (e *Event) Normalize() {
	if e.Boxes == nil {
		e.Boxes = []BoundingBox{}
	}
	if e.Masks == nil {
		e.Masks = []Mask{}
	}
	if e.Tracks == nil {
		e.Tracks = []Track{}
	}
	if e.OCR == nil {
		e.OCR = []OcrItem{}
	}
	if e.Timings == nil {
		e.Timings = map[string]float64{}
	}
	if e.ProviderProvenance == nil {
		e.ProviderProvenance = map[string]string{}
	}
	if e.Errors == nil {
		e.Errors = []string{}
	}
	for i := range e.Tracks {
		if e.Tracks[i].Trail == nil {
			e.Tracks[i].Trail = []Point{}
		}
	}
}

// TotalMillis sums the per-stage timings.
func (e *Event) TotalMillis() float64 {
	var total float64
	for _, v := range e.Timings {
		total += v
	}
	return total
}
