// Package overlay decodes frames, prepares model inputs and draws
// perception results onto annotated JPEGs.
package overlay

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif" // registered decoders
	"image/jpeg"
	_ "image/png"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// ErrEmptyImage is returned for zero-length input.
var ErrEmptyImage = errors.New("empty image")

// BoxColor is the default box colour.
var BoxColor = color.NRGBA{R: 2, G: 171, B: 193, A: 255}

var palette = []color.NRGBA{
	{R: 230, G: 25, B: 75, A: 255},
	{R: 60, G: 180, B: 75, A: 255},
	{R: 255, G: 225, B: 25, A: 255},
	{R: 0, G: 130, B: 200, A: 255},
	{R: 245, G: 130, B: 48, A: 255},
	{R: 145, G: 30, B: 180, A: 255},
	{R: 70, G: 240, B: 240, A: 255},
	{R: 240, G: 50, B: 230, A: 255},
}

// ClassColor returns a stable colour for a class label.
func ClassColor(label string) color.NRGBA {
	if label == "" {
		return BoxColor
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(label))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Decode decodes a JPEG, PNG or GIF frame.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// Downscale shrinks img so its longest side is at most maxSide. It returns
// the (possibly unchanged) image and the factor that maps its coordinates
// back to img. Images already within bounds are returned as-is with 1.
func Downscale(img image.Image, maxSide int) (image.Image, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if maxSide <= 0 || longest <= maxSide {
		return img, 1
	}
	var out *image.NRGBA
	if w >= h {
		out = imaging.Resize(img, maxSide, 0, imaging.Lanczos)
	} else {
		out = imaging.Resize(img, 0, maxSide, imaging.Lanczos)
	}
	return out, float64(w) / float64(out.Bounds().Dx())
}

// EncodeJPEG encodes img at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Canvas is a mutable copy of a frame to draw on.
type Canvas struct {
	img *image.NRGBA
}

// NewCanvas copies img into a drawable canvas.
func NewCanvas(img image.Image) *Canvas {
	return &Canvas{img: imaging.Clone(img)}
}

// Image returns the canvas contents.
func (c *Canvas) Image() *image.NRGBA { return c.img }

// BlendMask alpha-blends col over every pixel the mask covers. The mask PNG
// is stretched to the canvas size; a pixel is covered when its alpha and
// luminance are both above half. Opacity is clamped to [0,1].
func (c *Canvas) BlendMask(m perception.Mask, opacity float64, col color.NRGBA) error {
	if m.PNG == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(m.PNG)
	if err != nil {
		return fmt.Errorf("mask %q: %w", m.ClassLabel, err)
	}
	mask, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("mask %q: decode: %w", m.ClassLabel, err)
	}
	bounds := c.img.Bounds()
	if mask.Bounds().Dx() != bounds.Dx() || mask.Bounds().Dy() != bounds.Dy() {
		mask = imaging.Resize(mask, bounds.Dx(), bounds.Dy(), imaging.NearestNeighbor)
	}
	a := math.Max(0, math.Min(1, opacity))
	mb := mask.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			if !covered(mask.At(mb.Min.X+x, mb.Min.Y+y)) {
				continue
			}
			px := c.img.NRGBAAt(bounds.Min.X+x, bounds.Min.Y+y)
			px.R = blend(px.R, col.R, a)
			px.G = blend(px.G, col.G, a)
			px.B = blend(px.B, col.B, a)
			c.img.SetNRGBA(bounds.Min.X+x, bounds.Min.Y+y, px)
		}
	}
	return nil
}

func covered(c color.Color) bool {
	r, g, b, a := c.RGBA()
	if a < 0x8000 {
		return false
	}
	lum := (299*r + 587*g + 114*b) / 1000
	return lum >= 0x8000
}

func blend(dst, src uint8, a float64) uint8 {
	return uint8(math.Round(float64(dst)*(1-a) + float64(src)*a))
}

// DrawBox outlines b with the given stroke width.
func (c *Canvas) DrawBox(b perception.BoundingBox, col color.NRGBA, stroke int) {
	if stroke < 1 {
		stroke = 1
	}
	r := image.Rect(int(math.Round(b.X1)), int(math.Round(b.Y1)), int(math.Round(b.X2)), int(math.Round(b.Y2))).
		Intersect(c.img.Bounds())
	if r.Empty() {
		return
	}
	u := &image.Uniform{C: col}
	for i := 0; i < stroke; i++ {
		draw.Draw(c.img, image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1).Intersect(r), u, image.Point{}, draw.Over)
		draw.Draw(c.img, image.Rect(r.Min.X, r.Max.Y-i-1, r.Max.X, r.Max.Y-i).Intersect(r), u, image.Point{}, draw.Over)
		draw.Draw(c.img, image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y).Intersect(r), u, image.Point{}, draw.Over)
		draw.Draw(c.img, image.Rect(r.Max.X-i-1, r.Min.Y, r.Max.X-i, r.Max.Y).Intersect(r), u, image.Point{}, draw.Over)
	}
}

// DrawLabel writes text on a filled background with its top-left corner at
// (x, y), shifted to stay inside the canvas.
func (c *Canvas) DrawLabel(x, y int, text string, bg color.NRGBA) {
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: c.img, Src: image.White, Face: face}
	w := d.MeasureString(text).Ceil() + 4
	h := face.Metrics().Height.Ceil() + 2

	bounds := c.img.Bounds()
	if x+w > bounds.Max.X {
		x = bounds.Max.X - w
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if y+h > bounds.Max.Y {
		y = bounds.Max.Y - h
	}
	draw.Draw(c.img, image.Rect(x, y, x+w, y+h), &image.Uniform{C: bg}, image.Point{}, draw.Src)
	d.Dot = fixed.P(x+2, y+face.Metrics().Ascent.Ceil()+1)
	d.DrawString(text)
}

// DrawTrail connects consecutive trail points with 1px segments.
func (c *Canvas) DrawTrail(trail []perception.Point, col color.NRGBA) {
	for i := 1; i < len(trail); i++ {
		c.line(trail[i-1][0], trail[i-1][1], trail[i][0], trail[i][1], col)
	}
	if n := len(trail); n > 0 {
		x, y := int(math.Round(trail[n-1][0])), int(math.Round(trail[n-1][1]))
		draw.Draw(c.img, image.Rect(x-2, y-2, x+3, y+3).Intersect(c.img.Bounds()), &image.Uniform{C: col}, image.Point{}, draw.Src)
	}
}

func (c *Canvas) line(x0, y0, x1, y1 float64, col color.NRGBA) {
	steps := int(math.Max(math.Abs(x1-x0), math.Abs(y1-y0)))
	if steps == 0 {
		steps = 1
	}
	bounds := c.img.Bounds()
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		p := image.Pt(int(math.Round(x0+(x1-x0)*t)), int(math.Round(y0+(y1-y0)*t)))
		if p.In(bounds) {
			c.img.SetNRGBA(p.X, p.Y, col)
		}
	}
}
