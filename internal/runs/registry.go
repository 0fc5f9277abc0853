// Package runs implements the on-disk run registry: one directory per run
// holding an append-only NDJSON event log, a plots/ directory, up to a
// fixed number of annotated frames and an optional metrics.json.
package runs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/remi71350-droid/perception-lab/internal/monitoring"
	"github.com/remi71350-droid/perception-lab/internal/perception"
	"github.com/remi71350-droid/perception-lab/internal/timeutil"
)

// RunIDLayout formats the creation time of a run into its identifier.
const RunIDLayout = "2006-01-02_15-04-05"

const (
	eventsFile      = "events.jsonl"
	metricsFile     = "metrics.json"
	plotsDir        = "plots"
	annotatedPrefix = "annotated_"
	annotatedSuffix = ".jpg"
	tailChunk       = 4096

	// ReportFile is the name of the rendered run report.
	ReportFile = "report.html"
)

var (
	// ErrRunNotFound is returned when a run directory does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrNoEvents is returned when a run has no complete events.
	ErrNoEvents = errors.New("no events recorded")
	// ErrInvalidRunID is returned for identifiers that could escape the root.
	ErrInvalidRunID = errors.New("invalid run id")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ArtifactMirror copies run artifacts to secondary storage. Failures are
// logged and never fail the local write.
type ArtifactMirror interface {
	Mirror(ctx context.Context, runID, name string, data []byte) error
}

// RunInfo describes a run directory.
type RunInfo struct {
	RunID       string    `json:"run_id"`
	Dir         string    `json:"dir"`
	EventsBytes int64     `json:"events_bytes"`
	Annotated   int       `json:"annotated"`
	HasMetrics  bool      `json:"has_metrics"`
	HasReport   bool      `json:"has_report"`
	ModTime     time.Time `json:"mod_time"`
}

// Registry manages run directories under a root.
type Registry struct {
	root         string
	clock        timeutil.Clock
	maxAnnotated int
	mirror       ArtifactMirror

	mu        sync.Mutex
	lastRunID string
	runLocks  map[string]*sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used to mint run identifiers.
func WithClock(c timeutil.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithMaxAnnotated caps the annotated frames persisted per run.
func WithMaxAnnotated(n int) Option {
	return func(r *Registry) { r.maxAnnotated = n }
}

// WithMirror mirrors annotated frames and metrics to m.
func WithMirror(m ArtifactMirror) Option {
	return func(r *Registry) { r.mirror = m }
}

// NewRegistry creates root if needed and returns a Registry over it.
func NewRegistry(root string, opts ...Option) (*Registry, error) {
	r := &Registry{
		root:         root,
		clock:        timeutil.RealClock{},
		maxAnnotated: 3,
		runLocks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create runs root: %w", err)
	}
	return r, nil
}

// Root returns the registry root directory.
func (r *Registry) Root() string { return r.root }

// NewRunID mints an identifier from the current UTC time.
func (r *Registry) NewRunID() string {
	return r.clock.Now().UTC().Format(RunIDLayout)
}

// ValidateRunID rejects identifiers that are empty or could address a path
// outside the registry root.
func ValidateRunID(id string) error {
	if !runIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, id)
	}
	return nil
}

// EnsureRun creates the directory layout for id, minting a timestamp id
// when id is empty. An existing run is reused untouched. The run becomes
// the registry's last run.
func (r *Registry) EnsureRun(id string) (string, error) {
	if id == "" {
		id = r.NewRunID()
	}
	if err := ValidateRunID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(r.root, id)
	if err := os.MkdirAll(filepath.Join(dir, plotsDir), 0755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create events file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close events file: %w", err)
	}

	r.mu.Lock()
	r.lastRunID = id
	r.mu.Unlock()
	return id, nil
}

// RunDir returns the directory of an existing run.
func (r *Registry) RunDir(id string) (string, error) {
	if err := ValidateRunID(id); err != nil {
		return "", err
	}
	dir := filepath.Join(r.root, id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return dir, nil
}

// PlotsDir returns the plots directory of an existing run.
func (r *Registry) PlotsDir(id string) (string, error) {
	dir, err := r.RunDir(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, plotsDir), nil
}

func (r *Registry) runLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.runLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.runLocks[id] = l
	}
	return l
}

// AppendEvent writes ev as one JSON line to the run's event log with a
// single write, then syncs the file.
func (r *Registry) AppendEvent(id string, ev *perception.Event) error {
	dir, err := r.RunDir(id)
	if err != nil {
		return err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	l := r.runLock(id)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync events file: %w", err)
	}
	return f.Close()
}

// ReadLastEvent returns the most recent complete event of a run.
func (r *Registry) ReadLastEvent(id string) (*perception.Event, error) {
	evs, err := r.ReadLastEvents(id, 1)
	if err != nil {
		return nil, err
	}
	return &evs[0], nil
}

// ReadLastEvents returns up to n most recent complete events in log order.
// A trailing line without a newline is treated as in-flight and skipped.
func (r *Registry) ReadLastEvents(id string, n int) ([]perception.Event, error) {
	if n <= 0 {
		return nil, fmt.Errorf("n must be positive, got %d", n)
	}
	dir, err := r.RunDir(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoEvents, id)
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	lines, err := tailLines(f, n)
	if err != nil {
		return nil, err
	}
	out := make([]perception.Event, 0, len(lines))
	for _, line := range lines {
		var ev perception.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			monitoring.Logf("[runs] skipping malformed event in %s: %v", id, err)
			continue
		}
		ev.Normalize()
		out = append(out, ev)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEvents, id)
	}
	return out, nil
}

// tailLines returns the last n complete lines of f by reading backwards in
// fixed-size chunks.
func tailLines(f *os.File, n int) ([][]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat events file: %w", err)
	}
	offset := info.Size()
	var buf []byte
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		size := int64(tailChunk)
		if offset < size {
			size = offset
		}
		offset -= size
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, offset); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read events file: %w", err)
		}
		buf = append(chunk, buf...)
	}

	// Drop an unterminated trailing line.
	if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
		buf = buf[:i]
	} else {
		return nil, nil
	}

	raw := bytes.Split(buf, []byte{'\n'})
	// When we stopped mid-file the first segment may be a partial line.
	if offset > 0 && len(raw) > 0 {
		raw = raw[1:]
	}
	lines := make([][]byte, 0, n)
	for i := len(raw) - 1; i >= 0 && len(lines) < n; i-- {
		if len(bytes.TrimSpace(raw[i])) == 0 {
			continue
		}
		lines = append(lines, raw[i])
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// ReadEvents returns every complete event of a run in log order.
func (r *Registry) ReadEvents(id string) ([]perception.Event, error) {
	dir, err := r.RunDir(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []perception.Event{}, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	out := []perception.Event{}
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// line, if any, is an unterminated in-flight write
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read events file: %w", err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev perception.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			monitoring.Logf("[runs] skipping malformed event in %s: %v", id, err)
			continue
		}
		ev.Normalize()
		out = append(out, ev)
	}
	return out, nil
}

// LastRunID returns the run most recently ensured by this process, or else
// the lexically greatest run directory on disk.
func (r *Registry) LastRunID() (string, error) {
	r.mu.Lock()
	last := r.lastRunID
	r.mu.Unlock()
	if last != "" {
		return last, nil
	}
	infos, err := r.ListRuns()
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", ErrRunNotFound
	}
	return infos[len(infos)-1].RunID, nil
}

// ListRuns returns every run directory ordered by identifier.
func (r *Registry) ListRuns() ([]RunInfo, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("read runs root: %w", err)
	}
	var out []RunInfo
	for _, e := range entries {
		if !e.IsDir() || ValidateRunID(e.Name()) != nil {
			continue
		}
		dir := filepath.Join(r.root, e.Name())
		evInfo, err := os.Stat(filepath.Join(dir, eventsFile))
		if err != nil {
			continue
		}
		info := RunInfo{
			RunID:       e.Name(),
			Dir:         dir,
			EventsBytes: evInfo.Size(),
			ModTime:     evInfo.ModTime().UTC(),
			Annotated:   countAnnotated(dir),
		}
		_, err = os.Stat(filepath.Join(dir, metricsFile))
		info.HasMetrics = err == nil
		_, err = os.Stat(filepath.Join(dir, ReportFile))
		info.HasReport = err == nil
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func countAnnotated(dir string) int {
	matches, err := filepath.Glob(filepath.Join(dir, annotatedPrefix+"*"+annotatedSuffix))
	if err != nil {
		return 0
	}
	return len(matches)
}

// SaveAnnotated persists jpeg as the run's next annotated frame. Once the
// cap is reached further frames are dropped and saved is false. The count
// is taken from the files on disk so the cap survives restarts.
func (r *Registry) SaveAnnotated(ctx context.Context, id string, jpeg []byte) (path string, saved bool, err error) {
	dir, err := r.RunDir(id)
	if err != nil {
		return "", false, err
	}
	l := r.runLock(id)
	l.Lock()
	defer l.Unlock()

	n := countAnnotated(dir)
	if n >= r.maxAnnotated {
		return "", false, nil
	}
	name := fmt.Sprintf("%s%03d%s", annotatedPrefix, n, annotatedSuffix)
	path = filepath.Join(dir, name)
	if err := os.WriteFile(path, jpeg, 0644); err != nil {
		return "", false, fmt.Errorf("write annotated frame: %w", err)
	}
	r.mirrorArtifact(ctx, id, name, jpeg)
	return path, true, nil
}

// WriteMetrics writes v as the run's metrics.json.
func (r *Registry) WriteMetrics(ctx context.Context, id string, v any) error {
	dir, err := r.RunDir(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	tmp := filepath.Join(dir, metricsFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metricsFile)); err != nil {
		return fmt.Errorf("replace metrics: %w", err)
	}
	r.mirrorArtifact(ctx, id, metricsFile, data)
	return nil
}

// ReadMetrics decodes the run's metrics.json into v.
func (r *Registry) ReadMetrics(id string, v any) error {
	dir, err := r.RunDir(id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(dir, metricsFile))
	if err != nil {
		return fmt.Errorf("read metrics: %w", err)
	}
	return json.Unmarshal(data, v)
}

// MirrorFile forwards an existing run file to the artifact mirror.
func (r *Registry) MirrorFile(ctx context.Context, id, name string) {
	if r.mirror == nil {
		return
	}
	dir, err := r.RunDir(id)
	if err != nil {
		return
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		monitoring.Logf("[runs] mirror %s/%s: %v", id, name, err)
		return
	}
	r.mirrorArtifact(ctx, id, name, data)
}

func (r *Registry) mirrorArtifact(ctx context.Context, id, name string, data []byte) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Mirror(ctx, id, name, data); err != nil {
		monitoring.Logf("[runs] mirror %s/%s failed: %v", id, name, err)
	}
}
