package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// GCVAnnotateURL is the Cloud Vision images:annotate endpoint.
const GCVAnnotateURL = "https://vision.googleapis.com/v1/images:annotate"

// GCVReader runs Cloud Vision TEXT_DETECTION through the REST API.
type GCVReader struct {
	client
	endpoint string
	apiKey   string
}

// NewGCVReader builds an OCR reader keyed by an API key.
func NewGCVReader(endpoint, apiKey string, opts Options) *GCVReader {
	if endpoint == "" {
		endpoint = GCVAnnotateURL
	}
	return &GCVReader{client: newClient("gcv", "text-detection", opts), endpoint: endpoint, apiKey: apiKey}
}

type gcvRequest struct {
	Requests []gcvImageRequest `json:"requests"`
}

type gcvImageRequest struct {
	Image    gcvImage     `json:"image"`
	Features []gcvFeature `json:"features"`
}

type gcvImage struct {
	Content string `json:"content"`
}

type gcvFeature struct {
	Type string `json:"type"`
}

type gcvVertex struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

type gcvResponse struct {
	Responses []struct {
		TextAnnotations []struct {
			Description  string `json:"description"`
			BoundingPoly struct {
				Vertices []gcvVertex `json:"vertices"`
			} `json:"boundingPoly"`
		} `json:"textAnnotations"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// Read returns word-level text regions. The first annotation, which
// spans the whole text block, is skipped. Regions with fewer than two
// fully specified vertices are dropped.
func (r *GCVReader) Read(ctx context.Context, img []byte) ([]perception.OcrItem, error) {
	out := []perception.OcrItem{}
	if r.apiKey == "" {
		return out, r.unavailable("GCV_API_KEY not set")
	}
	payload, err := json.Marshal(gcvRequest{Requests: []gcvImageRequest{{
		Image:    gcvImage{Content: base64.StdEncoding.EncodeToString(img)},
		Features: []gcvFeature{{Type: "TEXT_DETECTION"}},
	}}})
	if err != nil {
		return out, err
	}
	body, err := r.send(ctx, func(ctx context.Context) (*http.Request, error) {
		u, err := url.Parse(r.endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("key", r.apiKey)
		u.RawQuery = q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return out, err
	}
	var raw gcvResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return out, r.malformed(err)
	}
	if len(raw.Responses) == 0 {
		return out, nil
	}
	res := raw.Responses[0]
	if res.Error != nil {
		return out, fmt.Errorf("%s: api error: %s", r.name, res.Error.Message)
	}
	for i, a := range res.TextAnnotations {
		if i == 0 || a.Description == "" {
			continue
		}
		box, ok := polygonBounds(a.BoundingPoly.Vertices)
		if !ok {
			continue
		}
		out = append(out, perception.OcrItem{Text: a.Description, Box: box})
	}
	return out, nil
}

// polygonBounds returns the axis-aligned box of the vertices. Cloud Vision
// omits zero-valued coordinates, so a missing x or y is read as 0 only
// when the other coordinate of the vertex is present.
func polygonBounds(vs []gcvVertex) ([4]float64, bool) {
	if len(vs) < 2 {
		return [4]float64{}, false
	}
	x1, y1 := math.Inf(1), math.Inf(1)
	x2, y2 := math.Inf(-1), math.Inf(-1)
	for _, v := range vs {
		if v.X == nil && v.Y == nil {
			return [4]float64{}, false
		}
		var x, y float64
		if v.X != nil {
			x = *v.X
		}
		if v.Y != nil {
			y = *v.Y
		}
		x1, y1 = math.Min(x1, x), math.Min(y1, y)
		x2, y2 = math.Max(x2, x), math.Max(y2, y)
	}
	return [4]float64{x1, y1, x2, y2}, true
}
