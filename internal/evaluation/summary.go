package evaluation

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

// Stats describes a sample of float values.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

// Summarize computes Stats for values. An empty sample yields zeros.
func Summarize(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)

	s := Stats{
		Count: len(sorted),
		Min:   floats.Min(sorted),
		Max:   floats.Max(sorted),
		P50:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
	if len(sorted) > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(sorted, nil)
	} else {
		s.Mean = sorted[0]
	}
	return s
}

// RunSummary aggregates a run's event log.
type RunSummary struct {
	RunID            string           `json:"run_id"`
	Frames           int              `json:"frames"`
	FramesWithErrors int              `json:"frames_with_errors"`
	Errors           int              `json:"errors"`
	Boxes            int              `json:"boxes"`
	DistinctTracks   int              `json:"distinct_tracks"`
	OCRItems         int              `json:"ocr_items"`
	Profiles         map[string]int   `json:"profiles"`
	FPS              Stats            `json:"fps"`
	Latency          map[string]Stats `json:"latency_ms"`
	Start            time.Time        `json:"start"`
	End              time.Time        `json:"end"`
}

// TotalStage is the Latency key holding whole-frame latency.
const TotalStage = "total"

// SummarizeRun builds a RunSummary from events in log order.
func SummarizeRun(runID string, events []perception.Event) RunSummary {
	sum := RunSummary{
		RunID:    runID,
		Frames:   len(events),
		Profiles: map[string]int{},
		Latency:  map[string]Stats{},
	}
	if len(events) == 0 {
		return sum
	}
	sum.Start = events[0].Timestamp
	sum.End = events[len(events)-1].Timestamp

	fps := make([]float64, 0, len(events))
	totals := make([]float64, 0, len(events))
	stages := map[string][]float64{}
	tracks := map[int]bool{}
	for _, ev := range events {
		fps = append(fps, ev.FPS)
		totals = append(totals, ev.TotalMillis())
		for stage, ms := range ev.Timings {
			stages[stage] = append(stages[stage], ms)
		}
		if len(ev.Errors) > 0 {
			sum.FramesWithErrors++
			sum.Errors += len(ev.Errors)
		}
		sum.Boxes += len(ev.Boxes)
		sum.OCRItems += len(ev.OCR)
		for _, t := range ev.Tracks {
			tracks[t.ID] = true
		}
		if ev.Profile != "" {
			sum.Profiles[ev.Profile]++
		}
	}
	sum.DistinctTracks = len(tracks)
	sum.FPS = Summarize(fps)
	sum.Latency[TotalStage] = Summarize(totals)
	for stage, v := range stages {
		sum.Latency[stage] = Summarize(v)
	}
	return sum
}
