package overlay

import (
	"fmt"
	"image"
	"image/color"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

var ocrColor = color.NRGBA{R: 255, G: 255, B: 0, A: 255}

// Options controls Render.
type Options struct {
	MaskOpacity float64
	JPEGQuality int
	DrawTracks  bool
	DrawLabels  bool
}

// DefaultOptions draws everything at 40% mask opacity.
func DefaultOptions() Options {
	return Options{MaskOpacity: 0.4, JPEGQuality: 85, DrawTracks: true, DrawLabels: true}
}

// Render draws masks, boxes, track trails and OCR regions from ev on a
// copy of img and encodes it as JPEG. Masks that fail to decode are
// skipped and reported in the returned error slice.
func Render(img image.Image, ev *perception.Event, opts Options) ([]byte, []error) {
	var errs []error
	c := NewCanvas(img)

	for _, m := range ev.Masks {
		if err := c.BlendMask(m, opts.MaskOpacity, ClassColor(m.ClassLabel)); err != nil {
			errs = append(errs, err)
		}
	}

	for _, b := range ev.Boxes {
		col := ClassColor(b.ClassLabel)
		c.DrawBox(b, col, 2)
		if opts.DrawLabels {
			c.DrawLabel(int(b.X1), int(b.Y1)-15, fmt.Sprintf("%s %.2f", b.ClassLabel, b.Score), col)
		}
	}

	if opts.DrawTracks {
		for _, t := range ev.Tracks {
			col := ClassColor(t.ClassLabel)
			c.DrawTrail(t.Trail, col)
			if opts.DrawLabels {
				c.DrawLabel(int(t.Box.X1), int(t.Box.Y2)+1, fmt.Sprintf("#%d", t.ID), col)
			}
		}
	}

	for _, o := range ev.OCR {
		b := perception.BoundingBox{X1: o.Box[0], Y1: o.Box[1], X2: o.Box[2], Y2: o.Box[3]}
		c.DrawBox(b, ocrColor, 1)
		if opts.DrawLabels {
			c.DrawLabel(int(b.X1), int(b.Y2)+1, o.Text, color.NRGBA{A: 200})
		}
	}

	data, err := EncodeJPEG(c.Image(), opts.JPEGQuality)
	if err != nil {
		return nil, append(errs, err)
	}
	return data, errs
}
