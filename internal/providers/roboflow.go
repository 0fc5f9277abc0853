package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// RoboflowBaseURL is the hosted detection API.
const RoboflowBaseURL = "https://detect.roboflow.com/"

// RoboflowDetector calls a Roboflow hosted model ("project/version").
type RoboflowDetector struct {
	client
	endpoint string
	apiKey   string
}

// NewRoboflowDetector builds a detector. An empty endpoint uses the
// hosted API.
func NewRoboflowDetector(model, endpoint, apiKey string, opts Options) *RoboflowDetector {
	if endpoint == "" {
		endpoint = RoboflowBaseURL + model
	}
	return &RoboflowDetector{client: newClient("roboflow", model, opts), endpoint: endpoint, apiKey: apiKey}
}

type roboflowResponse struct {
	Predictions []struct {
		X          *float64 `json:"x"`
		Y          *float64 `json:"y"`
		Width      *float64 `json:"width"`
		Height     *float64 `json:"height"`
		Class      string   `json:"class"`
		Confidence float64  `json:"confidence"`
	} `json:"predictions"`
}

// Detect posts the base64 image. Roboflow reports centre-based boxes,
// which are converted to corners.
func (d *RoboflowDetector) Detect(ctx context.Context, img []byte) ([]perception.BoundingBox, error) {
	out := []perception.BoundingBox{}
	if d.apiKey == "" {
		return out, d.unavailable("ROBOFLOW_API_KEY not set")
	}
	body, err := d.send(ctx, func(ctx context.Context) (*http.Request, error) {
		u, err := url.Parse(d.endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("api_key", d.apiKey)
		u.RawQuery = q.Encode()
		payload := base64.StdEncoding.EncodeToString(img)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return out, err
	}
	var raw roboflowResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return out, d.malformed(err)
	}
	for _, p := range raw.Predictions {
		if p.X == nil || p.Y == nil || p.Width == nil || p.Height == nil {
			continue
		}
		b := perception.BoundingBox{
			X1: *p.X - *p.Width/2, Y1: *p.Y - *p.Height/2,
			X2: *p.X + *p.Width/2, Y2: *p.Y + *p.Height/2,
			Score: p.Confidence, ClassLabel: p.Class,
		}
		if b.Validate() != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
