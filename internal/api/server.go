// Package api exposes the perception pipeline over HTTP: single frames,
// background streams, run inspection, evaluation and reports.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/remi71350-droid/perception-lab/internal/config"
	"github.com/remi71350-droid/perception-lab/internal/monitoring"
	"github.com/remi71350-droid/perception-lab/internal/pipeline"
	"github.com/remi71350-droid/perception-lab/internal/report"
	"github.com/remi71350-droid/perception-lab/internal/runs"
	"github.com/remi71350-droid/perception-lab/internal/storage/sqlite"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultMaxBodyBytes bounds JSON request bodies, which carry base64 frames.
const DefaultMaxBodyBytes = 32 << 20

// maxSessions bounds the cached per-run sessions.
const maxSessions = 64

// Options configures a Server.
type Options struct {
	Orchestrator *pipeline.Orchestrator
	Store        *sqlite.Store // optional; enables evaluation history and /debug/
	Credentials  config.Credentials
	MaxBodyBytes int64
}

// Server holds the HTTP handlers and the state shared between them.
type Server struct {
	orch     *pipeline.Orchestrator
	rt       *pipeline.Runtime
	reg      *runs.Registry
	store    *sqlite.Store
	evals    *sqlite.EvaluationStore
	reports  *report.Builder
	creds    config.Credentials
	validate *validator.Validate
	maxBody  int64

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	active   *streamJob

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type sessionEntry struct {
	session  *pipeline.Session
	lastUsed time.Time
}

// NewServer builds a Server around an orchestrator.
func NewServer(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("api: orchestrator is required")
	}
	rt := opts.Orchestrator.Runtime()
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		orch:     opts.Orchestrator,
		rt:       rt,
		reg:      rt.Registry,
		store:    opts.Store,
		reports:  report.NewBuilder(rt.Registry),
		creds:    opts.Credentials,
		validate: validator.New(),
		maxBody:  opts.MaxBodyBytes,
		sessions: make(map[string]*sessionEntry),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	if opts.Store != nil {
		s.evals = sqlite.NewEvaluationStore(opts.Store)
	}
	return s, nil
}

// ServeMux returns the routing table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/providers", s.handleProviderHealth)
	mux.HandleFunc("/run_frame", s.handleRunFrame)
	mux.HandleFunc("/ab_compare", s.handleABCompare)
	mux.HandleFunc("/run_video", s.handleRunVideo)
	mux.HandleFunc("/run_control", s.handleRunControl)
	mux.HandleFunc("/runs", s.handleListRuns)
	mux.HandleFunc("/runs/last", s.handleLastRun)
	mux.HandleFunc("GET /runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /runs/{id}/summary", s.handleRunSummary)
	mux.HandleFunc("GET /runs/{id}/stream", s.handleRunStream)
	mux.HandleFunc("/evaluate", s.handleEvaluate)
	mux.HandleFunc("/report", s.handleReport)
	if s.rt.Metrics != nil {
		mux.Handle("/metrics", s.rt.Metrics.Handler())
	}
	if s.store != nil {
		if err := s.store.AttachAdminRoutes(mux); err != nil {
			monitoring.Logf("api: admin routes disabled: %v", err)
		}
	}
	return mux
}

// Handler returns the mux wrapped in request-id and access-log middleware.
func (s *Server) Handler() http.Handler {
	return RequestIDMiddleware(LoggingMiddleware(s.ServeMux()))
}

// Shutdown stops any active stream and waits for background work to end or
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.active != nil {
		s.active.session.Stop()
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session returns the cached session for runID, creating it on first use.
// An empty runID mints a timestamp id; a live session already holding that
// id is shared so a run never has two frame counters.
func (s *Server) session(runID string) (*pipeline.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if runID == "" {
		runID = s.reg.NewRunID()
	}
	if e, ok := s.sessions[runID]; ok {
		e.lastUsed = time.Now()
		return e.session, nil
	}
	sess, err := s.orch.NewSession(runID)
	if err != nil {
		return nil, err
	}
	if len(s.sessions) >= maxSessions {
		s.evictOldestLocked()
	}
	s.sessions[sess.RunID()] = &sessionEntry{session: sess, lastUsed: time.Now()}
	return sess, nil
}

func (s *Server) evictOldestLocked() {
	var oldest string
	var at time.Time
	for id, e := range s.sessions {
		if s.active != nil && s.active.session == e.session {
			continue
		}
		if oldest == "" || e.lastUsed.Before(at) {
			oldest, at = id, e.lastUsed
		}
	}
	if oldest != "" {
		delete(s.sessions, oldest)
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, duration and request id.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms rid=%s",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
			RequestID(r.Context()),
		)
	})
}

func methodIs(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
		return false
	}
	return true
}
