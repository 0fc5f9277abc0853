package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/remi71350-droid/perception-lab/internal/config"
	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// Unavailable stands in for a selected provider that could not be
// constructed. Every call fails with ErrUnavailable so the reason shows
// up in each Event instead of silently disabling the capability.
type Unavailable struct {
	Name   string
	Reason string
}

func (u Unavailable) err() error {
	return fmt.Errorf("%s: %w: %s", u.Name, ErrUnavailable, u.Reason)
}

func (u Unavailable) Detect(context.Context, []byte) ([]perception.BoundingBox, error) {
	return []perception.BoundingBox{}, u.err()
}

func (u Unavailable) Segment(context.Context, []byte) ([]perception.Mask, error) {
	return []perception.Mask{}, u.err()
}

func (u Unavailable) Read(context.Context, []byte) ([]perception.OcrItem, error) {
	return []perception.OcrItem{}, u.err()
}

func (u Unavailable) Provenance() string { return u.Name + ":unavailable" }

// Build constructs the capabilities selected in cfg. Capabilities whose
// provider is empty or "none" are left nil. Unknown provider names are an
// error; known providers missing credentials are still built and report
// ErrUnavailable per call.
func Build(cfg *config.ProvidersConfig, creds config.Credentials, opts Options) (perception.Capabilities, error) {
	var caps perception.Capabilities
	if cfg == nil {
		return caps, nil
	}

	if spec := cfg.Detection; spec.Enabled() {
		d, err := buildDetector(spec, creds, opts)
		if err != nil {
			return caps, err
		}
		caps.Detector = d
	}
	if spec := cfg.Segmentation; spec.Enabled() {
		s, err := buildSegmenter(spec, creds, opts)
		if err != nil {
			return caps, err
		}
		caps.Segmenter = s
	}
	if spec := cfg.OCR; spec.Enabled() {
		o, err := buildOCR(spec, creds, opts)
		if err != nil {
			return caps, err
		}
		caps.OCR = o
	}
	return caps, nil
}

func buildDetector(spec config.ProviderSpec, creds config.Credentials, opts Options) (perception.Detector, error) {
	switch strings.ToLower(spec.Provider) {
	case "hf", "huggingface":
		return NewHFDetector(spec.Model, spec.Endpoint, creds.HFToken, opts), nil
	case "roboflow":
		return NewRoboflowDetector(spec.Model, spec.Endpoint, creds.RoboflowKey, opts), nil
	case "replicate":
		return NewReplicateDetector(spec.Model, spec.Endpoint, creds.ReplicateToken, opts), nil
	case "noop":
		return Noop{}, nil
	}
	return nil, fmt.Errorf("detection: %w %q", ErrUnknownProvider, spec.Provider)
}

func buildSegmenter(spec config.ProviderSpec, creds config.Credentials, opts Options) (perception.Segmenter, error) {
	switch strings.ToLower(spec.Provider) {
	case "hf", "huggingface":
		endpoint := spec.Endpoint
		if endpoint == "" {
			endpoint = creds.HFSegEndpoint
		}
		return NewHFSegmenter(spec.Model, endpoint, creds.HFToken, opts), nil
	case "noop":
		return Noop{}, nil
	}
	return nil, fmt.Errorf("segmentation: %w %q", ErrUnknownProvider, spec.Provider)
}

func buildOCR(spec config.ProviderSpec, creds config.Credentials, opts Options) (perception.OcrReader, error) {
	switch strings.ToLower(spec.Provider) {
	case "gcv", "google":
		return NewGCVReader(spec.Endpoint, creds.GCVKey, opts), nil
	case "textract", "aws":
		region := spec.Options["region"]
		if region == "" {
			region = creds.AWSRegion
		}
		r, err := NewTextractReader(region, opts)
		if err != nil {
			return Unavailable{Name: "textract", Reason: err.Error()}, nil
		}
		return r, nil
	case "replicate", "paddleocr":
		return NewReplicateOCR(spec.Model, spec.Endpoint, creds.ReplicateToken, opts), nil
	case "noop":
		return Noop{}, nil
	}
	return nil, fmt.Errorf("ocr: %w %q", ErrUnknownProvider, spec.Provider)
}
