package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/remi71350-droid/perception-lab/internal/evaluation"
	"github.com/remi71350-droid/perception-lab/internal/httputil"
	"github.com/remi71350-droid/perception-lab/internal/monitoring"
	"github.com/remi71350-droid/perception-lab/internal/perception"
	"github.com/remi71350-droid/perception-lab/internal/runs"
	"github.com/remi71350-droid/perception-lab/internal/storage/sqlite"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 1000
)

type runSummaryResponse struct {
	evaluation.RunSummary
	Evaluations []*sqlite.Evaluation `json:"evaluations"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	list, err := s.reg.ListRuns()
	if err != nil {
		writeRunError(w, err)
		return
	}
	if list == nil {
		list = []runs.RunInfo{}
	}
	httputil.WriteJSONOK(w, map[string]any{"runs": list})
}

// handleLastRun returns the most recent run id and its last event.
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodGet) {
		return
	}
	id, err := s.reg.LastRunID()
	if err != nil {
		writeRunError(w, err)
		return
	}
	resp := map[string]any{"run_id": id}
	ev, err := s.reg.ReadLastEvent(id)
	switch {
	case err == nil:
		resp["last_event"] = ev
	case !errors.Is(err, runs.ErrNoEvents):
		writeRunError(w, err)
		return
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	n := defaultEventsLimit
	if v := r.URL.Query().Get("last"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "last must be a positive integer")
			return
		}
		n = min(parsed, maxEventsLimit)
	}
	if _, err := s.reg.RunDir(runID); err != nil {
		writeRunError(w, err)
		return
	}
	events, err := s.reg.ReadLastEvents(runID, n)
	if errors.Is(err, runs.ErrNoEvents) {
		events, err = []perception.Event{}, nil
	}
	if err != nil {
		writeRunError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"run_id": runID, "events": events})
}

func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.reg.RunDir(runID); err != nil {
		writeRunError(w, err)
		return
	}
	events, err := s.reg.ReadEvents(runID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	resp := runSummaryResponse{
		RunSummary:  evaluation.SummarizeRun(runID, events),
		Evaluations: []*sqlite.Evaluation{},
	}
	if s.evals != nil {
		evals, err := s.evals.ListByRun(runID)
		if err != nil {
			monitoring.Logf("api: list evaluations for %s: %v", runID, err)
		} else if evals != nil {
			resp.Evaluations = evals
		}
	}
	httputil.WriteJSONOK(w, resp)
}
