package report

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/remi71350-droid/perception-lab/internal/perception"
)

func writeLatencyPlot(path, runID string, events []perception.Event) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Run %s - Stage Latency", runID)
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Latency (ms)"

	stages := presentStages(events)
	for i, stage := range stages {
		pts := make(plotter.XYs, len(events))
		for j, ev := range events {
			pts[j] = plotter.XY{X: float64(ev.FrameID), Y: ev.Timings[stage]}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(stage, line)
	}

	total := make(plotter.XYs, len(events))
	for j, ev := range events {
		total[j] = plotter.XY{X: float64(ev.FrameID), Y: ev.TotalMillis()}
	}
	line, err := plotter.NewLine(total)
	if err != nil {
		return err
	}
	line.Color = plotutil.Color(len(stages))
	line.Width = vg.Points(2)
	line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(line)
	p.Legend.Add("total", line)

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save latency plot: %w", err)
	}
	return nil
}
