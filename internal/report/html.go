package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/remi71350-droid/perception-lab/internal/evaluation"
	"github.com/remi71350-droid/perception-lab/internal/perception"
)

func renderHTML(w io.Writer, summary evaluation.RunSummary, events []perception.Event, metrics *evaluation.Result) error {
	frames := make([]int, len(events))
	for i, ev := range events {
		frames[i] = ev.FrameID
	}
	subtitle := fmt.Sprintf("run=%s frames=%d errors=%d", summary.RunID, summary.Frames, summary.Errors)

	latency := charts.NewLine()
	latency.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Stage latency (ms)", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
	)
	latency.SetXAxis(frames)
	for _, stage := range presentStages(events) {
		data := make([]opts.LineData, len(events))
		for i, ev := range events {
			data[i] = opts.LineData{Value: ev.Timings[stage]}
		}
		latency.AddSeries(stage, data)
	}

	fps := charts.NewLine()
	fps.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "FPS", Subtitle: fmt.Sprintf("mean=%.1f p50=%.1f", summary.FPS.Mean, summary.FPS.P50)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	fpsData := make([]opts.LineData, len(events))
	for i, ev := range events {
		fpsData[i] = opts.LineData{Value: ev.FPS}
	}
	fps.SetXAxis(frames).AddSeries("fps", fpsData, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	counts := charts.NewBar()
	counts.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Detections per frame"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	boxes := make([]opts.BarData, len(events))
	tracks := make([]opts.BarData, len(events))
	for i, ev := range events {
		boxes[i] = opts.BarData{Value: len(ev.Boxes)}
		tracks[i] = opts.BarData{Value: len(ev.Tracks)}
	}
	counts.SetXAxis(frames).AddSeries("boxes", boxes).AddSeries("tracks", tracks)

	page := components.NewPage()
	page.PageTitle = "Perception run " + summary.RunID
	page.AddCharts(latency, fps, counts)
	if metrics != nil && len(metrics.Metrics) > 0 {
		page.AddCharts(metricsChart(metrics))
	}
	return page.Render(w)
}

func metricsChart(res *evaluation.Result) *charts.Bar {
	var names []string
	var values []opts.BarData
	tasks := make([]string, 0, len(res.Metrics))
	for t := range res.Metrics {
		tasks = append(tasks, string(t))
	}
	sort.Strings(tasks)
	for _, t := range tasks {
		m := res.Metrics[evaluation.Task(t)]
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			names = append(names, t+"."+k)
			values = append(values, opts.BarData{Value: m[k]})
		}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Evaluation", Subtitle: res.Dataset}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).AddSeries("metrics", values,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return bar
}
