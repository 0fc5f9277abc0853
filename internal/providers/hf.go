package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// HFInferenceBaseURL is the Hugging Face serverless inference API.
const HFInferenceBaseURL = "https://api-inference.huggingface.co/models/"

// HFDetector calls an object-detection pipeline on Hugging Face.
type HFDetector struct {
	client
	endpoint string
	token    string
}

// NewHFDetector builds a detector for model. An empty endpoint uses the
// serverless inference API.
func NewHFDetector(model, endpoint, token string, opts Options) *HFDetector {
	if endpoint == "" {
		endpoint = HFInferenceBaseURL + model
	}
	return &HFDetector{client: newClient("hf", model, opts), endpoint: endpoint, token: token}
}

type hfDetection struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
	Box   *struct {
		XMin float64 `json:"xmin"`
		YMin float64 `json:"ymin"`
		XMax float64 `json:"xmax"`
		YMax float64 `json:"ymax"`
	} `json:"box"`
}

// Detect posts the encoded image and returns the boxes in its pixel space.
func (d *HFDetector) Detect(ctx context.Context, img []byte) ([]perception.BoundingBox, error) {
	out := []perception.BoundingBox{}
	if d.token == "" {
		return out, d.unavailable("HF_API_TOKEN not set")
	}
	body, err := d.send(ctx, hfRequest(d.endpoint, d.token, img))
	if err != nil {
		return out, err
	}
	var raw []hfDetection
	if err := json.Unmarshal(body, &raw); err != nil {
		return out, d.malformed(err)
	}
	for _, r := range raw {
		if r.Box == nil {
			continue
		}
		b := perception.BoundingBox{
			X1: r.Box.XMin, Y1: r.Box.YMin, X2: r.Box.XMax, Y2: r.Box.YMax,
			Score: r.Score, ClassLabel: r.Label,
		}
		if b.Validate() != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func hfRequest(endpoint, token string, img []byte) func(context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(img))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
}

// HFSegmenter calls an image-segmentation pipeline, typically a dedicated
// inference endpoint.
type HFSegmenter struct {
	client
	endpoint string
	token    string
}

// NewHFSegmenter builds a segmenter. An empty endpoint uses the serverless
// inference API for model.
func NewHFSegmenter(model, endpoint, token string, opts Options) *HFSegmenter {
	if endpoint == "" && model != "" {
		endpoint = HFInferenceBaseURL + model
	}
	return &HFSegmenter{client: newClient("hf-seg", model, opts), endpoint: endpoint, token: token}
}

type hfSegment struct {
	Score *float64 `json:"score"`
	Label string   `json:"label"`
	Mask  string   `json:"mask"`
}

// Segment returns one mask per labelled segment. Masks that are not valid
// base64 are dropped.
func (s *HFSegmenter) Segment(ctx context.Context, img []byte) ([]perception.Mask, error) {
	out := []perception.Mask{}
	if s.endpoint == "" {
		return out, s.unavailable("HF_SEG_ENDPOINT not set")
	}
	if s.token == "" {
		return out, s.unavailable("HF_API_TOKEN not set")
	}
	body, err := s.send(ctx, hfRequest(s.endpoint, s.token, img))
	if err != nil {
		return out, err
	}
	var raw []hfSegment
	if err := json.Unmarshal(body, &raw); err != nil {
		return out, s.malformed(err)
	}
	for _, r := range raw {
		mask := strings.TrimPrefix(r.Mask, "data:image/png;base64,")
		if mask == "" {
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(mask); err != nil {
			continue
		}
		m := perception.Mask{ClassLabel: r.Label, PNG: mask, Score: 1}
		if r.Score != nil {
			m.Score = *r.Score
		}
		out = append(out, m)
	}
	return out, nil
}
