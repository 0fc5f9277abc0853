package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// ReplicatePredictionsURL creates predictions on Replicate.
const ReplicatePredictionsURL = "https://api.replicate.com/v1/predictions"

// replicate issues synchronous predictions using "Prefer: wait".
type replicate struct {
	client
	endpoint string
	token    string
}

func newReplicate(name, version, endpoint, token string, opts Options) replicate {
	if endpoint == "" {
		endpoint = ReplicatePredictionsURL
	}
	return replicate{client: newClient(name, version, opts), endpoint: endpoint, token: token}
}

type replicatePrediction struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

func (r replicate) predict(ctx context.Context, img []byte) (json.RawMessage, error) {
	if r.token == "" {
		return nil, r.unavailable("REPLICATE_API_TOKEN not set")
	}
	payload, err := json.Marshal(map[string]any{
		"version": r.model,
		"input": map[string]string{
			"image": "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img),
		},
	})
	if err != nil {
		return nil, err
	}
	body, err := r.send(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+r.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "wait")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	var pred replicatePrediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, r.malformed(err)
	}
	switch strings.ToLower(pred.Status) {
	case "succeeded":
		return pred.Output, nil
	case "failed", "canceled":
		return nil, fmt.Errorf("%s: prediction %s: %v", r.name, pred.Status, pred.Error)
	}
	return nil, fmt.Errorf("%s: prediction not finished (status %q)", r.name, pred.Status)
}

// ReplicateDetector runs a detection model version on Replicate. The
// model output is a list of {x1,y1,x2,y2,score,cls} objects.
type ReplicateDetector struct {
	replicate
}

// NewReplicateDetector builds a detector for a model version.
func NewReplicateDetector(version, endpoint, token string, opts Options) *ReplicateDetector {
	return &ReplicateDetector{newReplicate("replicate", version, endpoint, token, opts)}
}

type replicateBox struct {
	X1    *float64 `json:"x1"`
	Y1    *float64 `json:"y1"`
	X2    *float64 `json:"x2"`
	Y2    *float64 `json:"y2"`
	Score float64  `json:"score"`
	Class string   `json:"cls"`
}

// Detect returns validated boxes from the prediction output.
func (d *ReplicateDetector) Detect(ctx context.Context, img []byte) ([]perception.BoundingBox, error) {
	out := []perception.BoundingBox{}
	raw, err := d.predict(ctx, img)
	if err != nil {
		return out, err
	}
	var items []replicateBox
	if err := json.Unmarshal(raw, &items); err != nil {
		return out, d.malformed(err)
	}
	for _, it := range items {
		if it.X1 == nil || it.Y1 == nil || it.X2 == nil || it.Y2 == nil {
			continue
		}
		label := it.Class
		if label == "" {
			label = "obj"
		}
		b := perception.BoundingBox{X1: *it.X1, Y1: *it.Y1, X2: *it.X2, Y2: *it.Y2, Score: it.Score, ClassLabel: label}
		if b.Validate() != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// ReplicateOCR runs a PaddleOCR-style model whose output is a list of
// {text, box:[x1,y1,x2,y2]}.
type ReplicateOCR struct {
	replicate
}

// NewReplicateOCR builds an OCR reader for a model version.
func NewReplicateOCR(version, endpoint, token string, opts Options) *ReplicateOCR {
	return &ReplicateOCR{newReplicate("replicate-ocr", version, endpoint, token, opts)}
}

// Read returns text items with a complete four-value box.
func (o *ReplicateOCR) Read(ctx context.Context, img []byte) ([]perception.OcrItem, error) {
	out := []perception.OcrItem{}
	raw, err := o.predict(ctx, img)
	if err != nil {
		return out, err
	}
	var items []struct {
		Text string    `json:"text"`
		Box  []float64 `json:"box"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return out, o.malformed(err)
	}
	for _, it := range items {
		if it.Text == "" || len(it.Box) != 4 {
			continue
		}
		out = append(out, perception.OcrItem{Text: it.Text, Box: [4]float64{it.Box[0], it.Box[1], it.Box[2], it.Box[3]}})
	}
	return out, nil
}
