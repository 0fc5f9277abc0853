package perception

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBox is returned by BoundingBox.Validate for boxes that cannot
// be placed in source pixel space.
var ErrInvalidBox = errors.New("invalid bounding box")

// BoundingBox is an axis-aligned box in source image pixel coordinates.
type BoundingBox struct {
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	X2         float64 `json:"x2"`
	Y2         float64 `json:"y2"`
	Score      float64 `json:"score"`
	ClassLabel string  `json:"class_label"`
}

// Validate reports whether the box has finite coordinates with x2 >= x1
// and y2 >= y1.
func (b BoundingBox) Validate() error {
	for _, v := range [...]float64{b.X1, b.Y1, b.X2, b.Y2, b.Score} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidBox)
		}
	}
	if b.X2 < b.X1 || b.Y2 < b.Y1 {
		return fmt.Errorf("%w: (%.1f,%.1f)-(%.1f,%.1f) is inverted", ErrInvalidBox, b.X1, b.Y1, b.X2, b.Y2)
	}
	return nil
}

// Width returns x2 - x1.
func (b BoundingBox) Width() float64 { return b.X2 - b.X1 }

// Height returns y2 - y1.
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area, or zero for degenerate boxes.
func (b BoundingBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Centroid returns the centre point of the box.
func (b BoundingBox) Centroid() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Scale multiplies every coordinate by sx/sy. Used to map boxes produced on
// a downscaled frame back into source pixel space.
func (b BoundingBox) Scale(sx, sy float64) BoundingBox {
	b.X1 *= sx
	b.X2 *= sx
	b.Y1 *= sy
	b.Y2 *= sy
	return b
}

// Clip clamps the box to [0,w]x[0,h].
func (b BoundingBox) Clip(w, h float64) BoundingBox {
	b.X1 = clamp(b.X1, 0, w)
	b.X2 = clamp(b.X2, 0, w)
	b.Y1 = clamp(b.Y1, 0, h)
	b.Y2 = clamp(b.Y2, 0, h)
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IoU computes intersection over union of two boxes. It returns 0 when the
// boxes do not overlap or when the union has no area.
func IoU(a, b BoundingBox) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)
	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// BoxFromXYWH converts a COCO-style [x, y, w, h] box to corner form.
func BoxFromXYWH(x, y, w, h float64) BoundingBox {
	return BoundingBox{X1: x, Y1: y, X2: x + w, Y2: y + h}
}
