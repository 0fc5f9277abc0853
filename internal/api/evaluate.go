package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/remi71350-droid/perception-lab/internal/evaluation"
	"github.com/remi71350-droid/perception-lab/internal/httputil"
	"github.com/remi71350-droid/perception-lab/internal/monitoring"
	"github.com/remi71350-droid/perception-lab/internal/runs"
	"github.com/remi71350-droid/perception-lab/internal/security"
	"github.com/remi71350-droid/perception-lab/internal/storage/sqlite"
)

// taskList accepts either "det,seg" or ["det", "seg"].
type taskList []string

func (t *taskList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = taskList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("tasks must be a string or a list of strings")
	}
	*t = many
	return nil
}

// evaluateRequest accepts the *_path names and their short aliases.
type evaluateRequest struct {
	DatasetPath     string   `json:"dataset_path"`
	Dataset         string   `json:"dataset"`
	Tasks           taskList `json:"tasks" validate:"required,min=1"`
	PredictionsPath string   `json:"predictions_path"`
	Predictions     string   `json:"predictions"`
	RunID           string   `json:"run_id"`
}

func (r evaluateRequest) datasetPath() string {
	if r.DatasetPath != "" {
		return r.DatasetPath
	}
	return r.Dataset
}

func (r evaluateRequest) predictionsPath() string {
	if r.PredictionsPath != "" {
		return r.PredictionsPath
	}
	return r.Predictions
}

type evaluateResponse struct {
	*evaluation.Result
	EvaluationID string `json:"evaluation_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
}

type reportRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.listEvaluations(w, r)
		return
	}
	if !methodIs(w, r, http.MethodPost) {
		return
	}
	var req evaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	dataset := req.datasetPath()
	if dataset == "" {
		httputil.BadRequest(w, "dataset_path is required")
		return
	}
	roots := s.rt.Config.GetAllowedMediaRoots()
	for _, p := range []string{dataset, req.predictionsPath()} {
		if p == "" {
			continue
		}
		if err := security.ValidateMediaPath(p, roots); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	if req.RunID != "" {
		if _, err := s.reg.RunDir(req.RunID); err != nil {
			writeRunError(w, err)
			return
		}
	}

	res, err := evaluation.Evaluate(evaluation.Request{
		DatasetPath:     dataset,
		Tasks:           req.Tasks,
		PredictionsPath: req.predictionsPath(),
		IoUThreshold:    s.rt.Config.GetEvalIoUThreshold(),
	})
	switch {
	case errors.Is(err, evaluation.ErrUnknownTask), errors.Is(err, evaluation.ErrInvalidDataset):
		httputil.BadRequest(w, err.Error())
		return
	case err != nil:
		monitoring.Logf("api: evaluate %s: %v", dataset, err)
		httputil.InternalServerError(w, err.Error())
		return
	}
	s.rt.Metrics.EvaluationDone()

	resp := evaluateResponse{Result: res, RunID: req.RunID}
	if s.evals != nil {
		rec := sqlite.FromResult(req.RunID, res)
		if err := s.evals.Insert(rec); err != nil {
			monitoring.Logf("api: store evaluation: %v", err)
		} else {
			resp.EvaluationID = rec.EvaluationID
		}
	}
	if req.RunID != "" {
		if err := s.reg.WriteMetrics(r.Context(), req.RunID, res); err != nil {
			writeRunError(w, err)
			return
		}
	}
	httputil.WriteJSONOK(w, resp)
}

// listEvaluations serves GET /evaluate: recent stored evaluations, or a
// single one with ?id=.
func (s *Server) listEvaluations(w http.ResponseWriter, r *http.Request) {
	if s.evals == nil {
		writeError(w, http.StatusServiceUnavailable, "evaluation store disabled")
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		ev, err := s.evals.Get(id)
		if errors.Is(err, sqlite.ErrNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, ev)
		return
	}
	list, err := s.evals.ListRecent(0)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if list == nil {
		list = []*sqlite.Evaluation{}
	}
	httputil.WriteJSONOK(w, map[string]any{"evaluations": list})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodPost) {
		return
	}
	var req reportRequest
	if !s.decode(w, r, &req) {
		return
	}
	rep, err := s.reports.Build(r.Context(), req.RunID)
	if err != nil {
		if errors.Is(err, runs.ErrRunNotFound) || errors.Is(err, runs.ErrNoEvents) || errors.Is(err, runs.ErrInvalidRunID) {
			writeRunError(w, err)
			return
		}
		monitoring.Logf("api: report for %s: %v", req.RunID, err)
		httputil.InternalServerError(w, "failed to build report")
		return
	}
	httputil.WriteJSONOK(w, rep)
}
