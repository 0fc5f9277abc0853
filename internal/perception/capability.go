package perception

import "context"

// Detector returns bounding boxes for an encoded image. Implementations
// report every failure (missing credentials, transport, malformed payload)
// through the error and an empty slice; they never panic.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]BoundingBox, error)
	Provenance() string
}

// Segmenter returns per-instance masks for an encoded image.
type Segmenter interface {
	Segment(ctx context.Context, image []byte) ([]Mask, error)
	Provenance() string
}

// OcrReader returns recognised text regions for an encoded image.
type OcrReader interface {
	Read(ctx context.Context, image []byte) ([]OcrItem, error)
	Provenance() string
}

// Capabilities is the set of providers configured for a pipeline. Any field
// may be nil, meaning the corresponding stage is skipped.
type Capabilities struct {
	Detector  Detector
	Segmenter Segmenter
	OCR       OcrReader
}

// Provenance maps each configured capability to its provider:model label.
func (c Capabilities) Provenance() map[string]string {
	out := map[string]string{}
	if c.Detector != nil {
		out[CapabilityDetection] = c.Detector.Provenance()
	}
	if c.Segmenter != nil {
		out[CapabilitySegmentation] = c.Segmenter.Provenance()
	}
	if c.OCR != nil {
		out[CapabilityOCR] = c.OCR.Provenance()
	}
	return out
}
