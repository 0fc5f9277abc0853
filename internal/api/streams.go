package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/remi71350-droid/perception-lab/internal/httputil"
	"github.com/remi71350-droid/perception-lab/internal/monitoring"
	"github.com/remi71350-droid/perception-lab/internal/perception"
	"github.com/remi71350-droid/perception-lab/internal/pipeline"
	"github.com/remi71350-droid/perception-lab/internal/security"
)

type runVideoRequest struct {
	VideoPath string                  `json:"video_path" validate:"required"`
	Profile   string                  `json:"profile" validate:"omitempty,oneof=realtime accuracy"`
	RunID     string                  `json:"run_id,omitempty"`
	DurationS float64                 `json:"duration_s,omitempty" validate:"gte=0"`
	MaxFrames int                     `json:"max_frames,omitempty" validate:"gte=0"`
	TargetFPS float64                 `json:"target_fps,omitempty" validate:"gte=0,lte=120"`
	Overlay   pipeline.OverlayOptions `json:"overlay_opts"`
}

type runControlRequest struct {
	Action string `json:"action" validate:"required,oneof=stop status"`
}

// streamJob is a background /run_video stream.
type streamJob struct {
	session *pipeline.Session
	source  string
	started time.Time
	done    chan struct{}

	// set before done is closed
	stats pipeline.StreamStats
	err   error
}

func (j *streamJob) running() bool {
	select {
	case <-j.done:
		return false
	default:
		return true
	}
}

// streamStatus is the /run_control status payload.
type streamStatus struct {
	Running    bool                  `json:"running"`
	RunID      string                `json:"run_id,omitempty"`
	Source     string                `json:"source,omitempty"`
	Started    *time.Time            `json:"started,omitempty"`
	Processed  int64                 `json:"processed"`
	NextFrame  int                   `json:"next_frame"`
	Tracker    any                   `json:"tracker,omitempty"`
	StopReason string                `json:"stop_reason,omitempty"`
	Error      string                `json:"error,omitempty"`
	Stats      *pipeline.StreamStats `json:"stats,omitempty"`
}

func (s *Server) handleRunVideo(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodPost) {
		return
	}
	var req runVideoRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := security.ValidateMediaPath(req.VideoPath, s.rt.Config.GetAllowedMediaRoots()); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	s.mu.Lock()
	busy := s.active != nil && s.active.running()
	s.mu.Unlock()
	if busy {
		httputil.Conflict(w, "a stream is already running")
		return
	}

	src, err := pipeline.OpenSource(req.VideoPath)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	sess, err := s.session(req.RunID)
	if err != nil {
		src.Close()
		writeRunError(w, err)
		return
	}

	opts := pipeline.StreamOptions{
		Frame:     pipeline.FrameOptions{Profile: req.Profile, Overlay: req.Overlay},
		MaxFrames: req.MaxFrames,
		Duration:  time.Duration(req.DurationS * float64(time.Second)),
		TargetFPS: req.TargetFPS,
	}
	if opts.MaxFrames == 0 {
		opts.MaxFrames = s.rt.Config.GetStreamMaxFrames()
	}
	if opts.TargetFPS == 0 {
		opts.TargetFPS = s.rt.Config.GetStreamTargetFPS()
	}

	job := &streamJob{
		session: sess,
		source:  req.VideoPath,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	if s.active != nil && s.active.running() {
		s.mu.Unlock()
		src.Close()
		httputil.Conflict(w, "a stream is already running")
		return
	}
	sess.Resume()
	s.active = job
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runStream(job, src, opts)

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"run_id": sess.RunID(),
	})
}

func (s *Server) runStream(job *streamJob, src pipeline.FrameSource, opts pipeline.StreamOptions) {
	defer s.wg.Done()
	defer close(job.done)
	defer src.Close()

	stats, err := s.orch.Stream(s.baseCtx, job.session, src, opts, nil)
	job.stats, job.err = stats, err
	if err != nil {
		monitoring.Logf("api: stream for run %s failed after %d frames: %v", job.session.RunID(), stats.Frames, err)
		return
	}
	monitoring.Logf("api: stream for run %s finished: %s (%d frames)", job.session.RunID(), stats.StopReason, stats.Frames)
}

func (s *Server) handleRunControl(w http.ResponseWriter, r *http.Request) {
	if !methodIs(w, r, http.MethodPost) {
		return
	}
	var req runControlRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	job := s.active
	s.mu.Unlock()

	if req.Action == "stop" {
		if job == nil || !job.running() {
			httputil.WriteJSONOK(w, map[string]any{"status": "idle"})
			return
		}
		job.session.Stop()
		httputil.WriteJSONOK(w, map[string]any{"status": "stopping", "run_id": job.session.RunID()})
		return
	}
	httputil.WriteJSONOK(w, jobStatus(job))
}

func jobStatus(job *streamJob) streamStatus {
	if job == nil {
		return streamStatus{}
	}
	st := streamStatus{
		Running:   job.running(),
		RunID:     job.session.RunID(),
		Source:    job.source,
		Started:   &job.started,
		Processed: job.session.Processed(),
		NextFrame: job.session.NextFrameID(),
		Tracker:   job.session.Tracker().Stats(),
	}
	if !st.Running {
		stats := job.stats
		st.Stats = &stats
		st.StopReason = stats.StopReason
		if job.err != nil {
			st.Error = job.err.Error()
		}
	}
	return st
}

// handleRunStream relays new events for a run as server-sent events.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.reg.RunDir(runID); err != nil {
		writeRunError(w, err)
		return
	}
	if s.rt.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	id, events := s.rt.Events.Subscribe(runID)
	defer s.rt.Events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": ping\n\n")
	flusher.Flush()

	if err := relayEvents(r.Context(), s.baseCtx, w, flusher, events); err != nil && !errors.Is(err, context.Canceled) {
		monitoring.Logf("api: sse for run %s: %v", runID, err)
	}
}

func relayEvents(ctx, serverCtx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan perception.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-serverCtx.Done():
			return serverCtx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
