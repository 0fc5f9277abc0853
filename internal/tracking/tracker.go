package tracking

import (
	"math"
	"sort"
	"sync"

	"github.com/remi71350-droid/perception-lab/internal/config"
	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// TrackState represents the lifecycle state of a track.
type TrackState string

const (
	TrackTentative TrackState = "tentative" // seen, not yet confirmed
	TrackConfirmed TrackState = "confirmed" // HitsToConfirm consecutive hits
	TrackDeleted   TrackState = "deleted"   // aged out
)

// Config holds tracker parameters.
type Config struct {
	Association         string  // greedy, hungarian or none
	MinIoU              float64 // IoU at or above which a pair is a candidate
	MaxCentroidDistance float64 // centroid distance (px) at or below which a pair is a candidate
	MaxMisses           int     // consecutive misses tolerated before deletion
	HitsToConfirm       int     // consecutive hits needed for confirmation
	MaxTrail            int     // centroid history length, at most perception.MaxTrailLength
}

// DefaultConfig returns the built-in tracker parameters.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Association:         cfg.GetTrackerAssociation(),
		MinIoU:              cfg.GetTrackerMinIoU(),
		MaxCentroidDistance: cfg.GetTrackerMaxCentroidDistance(),
		MaxMisses:           cfg.GetTrackerMaxMisses(),
		HitsToConfirm:       cfg.GetTrackerHitsToConfirm(),
		MaxTrail:            cfg.GetTrackerMaxTrail(),
	}
}

// trackedObject is the tracker's internal view of one identity.
type trackedObject struct {
	ID         int
	ClassLabel string
	State      TrackState
	Box        perception.BoundingBox
	Trail      []perception.Point
	Hits       int
	Misses     int
	Age        int // frames since creation
}

func (o *trackedObject) snapshot() perception.Track {
	return perception.Track{
		ID:         o.ID,
		ClassLabel: o.ClassLabel,
		State:      string(o.State),
		Box:        o.Box,
		Trail:      append([]perception.Point{}, o.Trail...),
	}
}

// Stats summarises tracker activity since creation or the last Reset.
type Stats struct {
	Frames          int `json:"frames"`
	ActiveTracks    int `json:"active_tracks"`
	TracksCreated   int `json:"tracks_created"`
	TracksConfirmed int `json:"tracks_confirmed"`
	TracksDeleted   int `json:"tracks_deleted"`
}

// Tracker manages multi-object identity across frames of one run.
//
// Update is called by a single writer (the run's session); the lock makes
// ActiveTracks and Stats safe to call from other goroutines.
type Tracker struct {
	mu     sync.RWMutex
	cfg    Config
	tracks map[int]*trackedObject
	nextID int
	stats  Stats
}

// NewTracker creates a tracker with the given configuration.
func NewTracker(cfg Config) *Tracker {
	if cfg.MaxTrail <= 0 || cfg.MaxTrail > perception.MaxTrailLength {
		cfg.MaxTrail = perception.MaxTrailLength
	}
	if cfg.HitsToConfirm < 1 {
		cfg.HitsToConfirm = 1
	}
	return &Tracker{
		cfg:    cfg,
		tracks: make(map[int]*trackedObject),
		nextID: 1,
	}
}

// Reset drops every track and restarts identity numbering at 1.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = make(map[int]*trackedObject)
	t.nextID = 1
	t.stats = Stats{}
}

// SeedNextID makes the next minted identity at least id. Sessions resuming
// a run on disk use it so new tracks never reuse an identity already
// written to the event log.
func (t *Tracker) SeedNextID(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id > t.nextID {
		t.nextID = id
	}
}

// Update associates dets with live tracks and returns one Track per
// detection in input order.
func (t *Tracker) Update(dets []perception.BoundingBox) []perception.Track {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Frames++
	out := make([]perception.Track, len(dets))

	if t.cfg.Association == config.AssociationNone {
		for i, d := range dets {
			out[i] = t.spawn(d).snapshot()
		}
		t.tracks = make(map[int]*trackedObject)
		t.stats.ActiveTracks = 0
		return out
	}

	live := t.liveIDs()
	cost := t.costMatrix(dets, live)

	var assign []int
	if t.cfg.Association == config.AssociationHungarian {
		assign = hungarianAssign(cost)
	} else {
		assign = greedyAssign(cost)
	}

	matched := make(map[int]bool, len(live))
	for i, d := range dets {
		if assign != nil && assign[i] >= 0 {
			obj := t.tracks[live[assign[i]]]
			t.observe(obj, d)
			matched[obj.ID] = true
			out[i] = obj.snapshot()
		}
	}

	for _, id := range live {
		if matched[id] {
			continue
		}
		obj := t.tracks[id]
		obj.Misses++
		obj.Hits = 0
		obj.Age++
		if obj.Misses > t.cfg.MaxMisses {
			obj.State = TrackDeleted
			delete(t.tracks, id)
			t.stats.TracksDeleted++
		}
	}

	for i, d := range dets {
		if assign == nil || assign[i] < 0 {
			out[i] = t.spawn(d).snapshot()
		}
	}

	t.stats.ActiveTracks = len(t.tracks)
	return out
}

// ActiveTracks returns a snapshot of live tracks ordered by ID.
func (t *Tracker) ActiveTracks() []perception.Track {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]perception.Track, 0, len(t.tracks))
	for _, id := range t.liveIDs() {
		out = append(out, t.tracks[id].snapshot())
	}
	return out
}

// Stats returns lifecycle counters.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

func (t *Tracker) liveIDs() []int {
	ids := make([]int, 0, len(t.tracks))
	for id := range t.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// costMatrix scores every detection/track pair. Pairs of different class or
// outside both gates get forbiddenCost. Lower is better: a perfect overlap
// at zero distance costs 0.
func (t *Tracker) costMatrix(dets []perception.BoundingBox, live []int) [][]float64 {
	if len(dets) == 0 {
		return nil
	}
	norm := t.cfg.MaxCentroidDistance
	if norm <= 0 {
		norm = 1
	}
	cost := make([][]float64, len(dets))
	for i, d := range dets {
		cost[i] = make([]float64, len(live))
		dx, dy := d.Centroid()
		for j, id := range live {
			obj := t.tracks[id]
			if obj.ClassLabel != d.ClassLabel {
				cost[i][j] = forbiddenCost
				continue
			}
			iou := perception.IoU(d, obj.Box)
			tx, ty := obj.Box.Centroid()
			dist := math.Hypot(dx-tx, dy-ty)
			if iou < t.cfg.MinIoU && dist > t.cfg.MaxCentroidDistance {
				cost[i][j] = forbiddenCost
				continue
			}
			cost[i][j] = (1 - iou) + dist/norm
		}
	}
	return cost
}

func (t *Tracker) observe(obj *trackedObject, d perception.BoundingBox) {
	obj.Box = d
	obj.Hits++
	obj.Misses = 0
	obj.Age++
	t.appendTrail(obj, d)
	if obj.State == TrackTentative && obj.Hits >= t.cfg.HitsToConfirm {
		obj.State = TrackConfirmed
		t.stats.TracksConfirmed++
	}
}

func (t *Tracker) spawn(d perception.BoundingBox) *trackedObject {
	obj := &trackedObject{
		ID:         t.nextID,
		ClassLabel: d.ClassLabel,
		State:      TrackTentative,
		Box:        d,
		Hits:       1,
	}
	t.nextID++
	t.appendTrail(obj, d)
	if obj.Hits >= t.cfg.HitsToConfirm {
		obj.State = TrackConfirmed
		t.stats.TracksConfirmed++
	}
	t.tracks[obj.ID] = obj
	t.stats.TracksCreated++
	return obj
}

func (t *Tracker) appendTrail(obj *trackedObject, d perception.BoundingBox) {
	cx, cy := d.Centroid()
	obj.Trail = append(obj.Trail, perception.Point{cx, cy})
	if len(obj.Trail) > t.cfg.MaxTrail {
		obj.Trail = obj.Trail[len(obj.Trail)-t.cfg.MaxTrail:]
	}
}
