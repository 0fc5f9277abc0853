package providers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // decoders for DecodeConfig
	_ "image/png"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/textract"
	"github.com/aws/aws-sdk-go/service/textract/textractiface"
	"golang.org/x/time/rate"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// TextractReader runs AWS Textract DetectDocumentText and returns LINE
// blocks in pixel coordinates.
type TextractReader struct {
	api     textractiface.TextractAPI
	region  string
	limiter *rate.Limiter
	timeout time.Duration
}

// NewTextractReader creates a reader using the default credential chain.
func NewTextractReader(region string, opts Options) (*TextractReader, error) {
	if region == "" {
		return nil, fmt.Errorf("textract: %w: AWS_REGION not set", ErrUnavailable)
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("textract: new session: %w", err)
	}
	return NewTextractReaderWithAPI(textract.New(sess), region, opts), nil
}

// NewTextractReaderWithAPI wraps an existing Textract client.
func NewTextractReaderWithAPI(api textractiface.TextractAPI, region string, opts Options) *TextractReader {
	opts = opts.withDefaults()
	r := &TextractReader{api: api, region: region, timeout: opts.Timeout}
	if opts.RatePerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst)
	}
	return r
}

// Provenance returns "textract:<region>".
func (r *TextractReader) Provenance() string {
	return "textract:" + r.region
}

// Read detects text lines. Textract geometry is relative to the page, so
// the image header is decoded to scale it back to pixels.
func (r *TextractReader) Read(ctx context.Context, img []byte) ([]perception.OcrItem, error) {
	out := []perception.OcrItem{}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return out, fmt.Errorf("textract: decode image header: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return out, fmt.Errorf("textract: rate limit: %w", err)
		}
	}
	resp, err := r.api.DetectDocumentTextWithContext(ctx, &textract.DetectDocumentTextInput{
		Document: &textract.Document{Bytes: img},
	})
	if err != nil {
		return out, fmt.Errorf("textract: %w", err)
	}
	w, h := float64(cfg.Width), float64(cfg.Height)
	for _, b := range resp.Blocks {
		if aws.StringValue(b.BlockType) != textract.BlockTypeLine {
			continue
		}
		text := aws.StringValue(b.Text)
		if text == "" || b.Geometry == nil || b.Geometry.BoundingBox == nil {
			continue
		}
		bb := b.Geometry.BoundingBox
		if bb.Left == nil || bb.Top == nil || bb.Width == nil || bb.Height == nil {
			continue
		}
		left, top := aws.Float64Value(bb.Left)*w, aws.Float64Value(bb.Top)*h
		out = append(out, perception.OcrItem{
			Text: text,
			Box:  [4]float64{left, top, left + aws.Float64Value(bb.Width)*w, top + aws.Float64Value(bb.Height)*h},
		})
	}
	return out, nil
}
