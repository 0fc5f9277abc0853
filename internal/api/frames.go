package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/remi71350-droid/perception-lab/internal/config"
	"github.com/remi71350-droid/perception-lab/internal/httputil"
	"github.com/remi71350-droid/perception-lab/internal/monitoring"
	"github.com/remi71350-droid/perception-lab/internal/perception"
	"github.com/remi71350-droid/perception-lab/internal/pipeline"
	"github.com/remi71350-droid/perception-lab/internal/runs"
	"github.com/remi71350-droid/perception-lab/internal/version"
)

type runFrameRequest struct {
	ImageB64 string                  `json:"image_b64" validate:"required"`
	Profile  string                  `json:"profile" validate:"omitempty,oneof=realtime accuracy"`
	RunID    string                  `json:"run_id,omitempty"`
	Overlay  pipeline.OverlayOptions `json:"overlay_opts"`
}

type abCompareRequest struct {
	ImageB64 string                  `json:"image_b64" validate:"required"`
	Overlay  pipeline.OverlayOptions `json:"overlay_opts"`
}

type abCompareResponse struct {
	Realtime *perception.Event `json:"realtime"`
	Accuracy *perception.Event `json:"accuracy"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"git_sha": version.GitSHA,
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"credentials":  s.creds.Presence(),
		"capabilities": s.rt.Capabilities.Provenance(),
	})
}

// decodeImage accepts plain base64 or a data URL.
func decodeImage(b64 string) ([]byte, error) {
	if strings.HasPrefix(b64, "data:") {
		if i := strings.Index(b64, ","); i >= 0 {
			b64 = b64[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("image_b64: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("image_b64: empty image")
	}
	return data, nil
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httputil.DecodeJSONBody(w, r, dst, s.maxBody); err != nil {
		httputil.BadRequest(w, err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		httputil.BadRequest(w, err.Error())
		return false
	}
	return true
}

func (s *Server) handleRunFrame(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodPost) {
		return
	}
	var req runFrameRequest
	if !s.decode(w, r, &req) {
		return
	}
	img, err := decodeImage(req.ImageB64)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sess, err := s.session(req.RunID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	ev, err := s.orch.ProcessFrame(r.Context(), sess, img, pipeline.FrameOptions{
		Profile: req.Profile,
		Overlay: req.Overlay,
	})
	if err != nil {
		writeFrameError(w, err)
		return
	}
	httputil.WriteJSONOK(w, ev)
}

func (s *Server) handleABCompare(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodPost) {
		return
	}
	var req abCompareRequest
	if !s.decode(w, r, &req) {
		return
	}
	img, err := decodeImage(req.ImageB64)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	base := s.reg.NewRunID()
	var resp abCompareResponse
	for _, profile := range []string{config.ProfileRealtime, config.ProfileAccuracy} {
		sess, err := s.orch.NewSession(base + "-" + profile)
		if err != nil {
			writeRunError(w, err)
			return
		}
		ev, err := s.orch.ProcessFrame(r.Context(), sess, img, pipeline.FrameOptions{
			Profile: profile,
			Overlay: req.Overlay,
		})
		if err != nil {
			writeFrameError(w, err)
			return
		}
		if profile == config.ProfileRealtime {
			resp.Realtime = ev
		} else {
			resp.Accuracy = ev
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func writeFrameError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrDecode), errors.Is(err, config.ErrUnknownProfile):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, pipeline.ErrRegistry):
		monitoring.Logf("api: %v", err)
		httputil.InternalServerError(w, "failed to persist event")
	default:
		monitoring.Logf("api: frame failed: %v", err)
		httputil.InternalServerError(w, err.Error())
	}
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runs.ErrInvalidRunID):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, runs.ErrRunNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, runs.ErrNoEvents):
		httputil.Conflict(w, err.Error())
	default:
		monitoring.Logf("api: run registry: %v", err)
		httputil.InternalServerError(w, "run registry error")
	}
}
