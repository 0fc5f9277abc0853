package providers

import (
	"context"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// Noop satisfies every capability with empty results. It is used for
// offline runs and as a test double.
type Noop struct{}

func (Noop) Detect(context.Context, []byte) ([]perception.BoundingBox, error) {
	return []perception.BoundingBox{}, nil
}

func (Noop) Segment(context.Context, []byte) ([]perception.Mask, error) {
	return []perception.Mask{}, nil
}

func (Noop) Read(context.Context, []byte) ([]perception.OcrItem, error) {
	return []perception.OcrItem{}, nil
}

func (Noop) Provenance() string { return "noop:none" }
