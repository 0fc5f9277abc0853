// Package report renders a run's event log into report.html (interactive
// go-echarts charts) and static PNG plots under the run's plots directory.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/remi71350-droid/perception-lab/internal/evaluation"
	"github.com/remi71350-droid/perception-lab/internal/monitoring"
	"github.com/remi71350-droid/perception-lab/internal/perception"
	"github.com/remi71350-droid/perception-lab/internal/runs"
)

// LatencyPlot is the file name of the per-stage latency PNG.
const LatencyPlot = "latency.png"

// stageOrder fixes series order in charts and legends.
var stageOrder = []string{
	perception.StagePre,
	perception.StageDetect,
	perception.StageTrack,
	perception.StageSegment,
	perception.StageOCR,
	perception.StagePost,
}

// Report describes the artifacts written for one run.
type Report struct {
	RunID      string                `json:"run_id"`
	ReportPath string                `json:"report_path"`
	Plots      []string              `json:"plots"`
	Summary    evaluation.RunSummary `json:"summary"`
}

// Builder renders reports for runs in a registry.
type Builder struct {
	reg *runs.Registry
}

// NewBuilder returns a Builder over reg.
func NewBuilder(reg *runs.Registry) *Builder {
	return &Builder{reg: reg}
}

// Build renders report.html and plots/latency.png for runID. A run with no
// events yields runs.ErrNoEvents.
func (b *Builder) Build(ctx context.Context, runID string) (*Report, error) {
	events, err := b.reg.ReadEvents(runID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("report %s: %w", runID, runs.ErrNoEvents)
	}
	dir, err := b.reg.RunDir(runID)
	if err != nil {
		return nil, err
	}
	plots, err := b.reg.PlotsDir(runID)
	if err != nil {
		return nil, err
	}

	summary := evaluation.SummarizeRun(runID, events)

	var metrics *evaluation.Result
	var stored evaluation.Result
	switch err := b.reg.ReadMetrics(runID, &stored); {
	case err == nil:
		metrics = &stored
	case errors.Is(err, os.ErrNotExist):
	default:
		monitoring.Logf("[report] ignoring unreadable metrics for %s: %v", runID, err)
	}

	pngPath := filepath.Join(plots, LatencyPlot)
	if err := writeLatencyPlot(pngPath, runID, events); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := renderHTML(&buf, summary, events, metrics); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	htmlPath := filepath.Join(dir, runs.ReportFile)
	tmp := htmlPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, htmlPath); err != nil {
		return nil, fmt.Errorf("replace report: %w", err)
	}

	b.reg.MirrorFile(ctx, runID, runs.ReportFile)
	b.reg.MirrorFile(ctx, runID, filepath.Join("plots", LatencyPlot))

	return &Report{
		RunID:      runID,
		ReportPath: htmlPath,
		Plots:      []string{pngPath},
		Summary:    summary,
	}, nil
}

// presentStages returns the stages that appear in any event, in pipeline
// order.
func presentStages(events []perception.Event) []string {
	seen := map[string]bool{}
	for _, ev := range events {
		for stage := range ev.Timings {
			seen[stage] = true
		}
	}
	var out []string
	for _, s := range stageOrder {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}
