// Command evaluate scores predictions against a COCO annotation file and
// prints the result as JSON.
//
//	evaluate [-iou 0.5] [-run-id ID -runs-root DIR] [-db FILE] <dataset.json> <tasks> [predictions.json]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/remi71350-droid/perception-lab/internal/evaluation"
	"github.com/remi71350-droid/perception-lab/internal/runs"
	"github.com/remi71350-droid/perception-lab/internal/storage/sqlite"
)

var (
	iouThreshold = flag.Float64("iou", evaluation.MatchThreshold, "IoU threshold for a match")
	runID        = flag.String("run-id", "", "Write metrics.json into this run")
	runsRoot     = flag.String("runs-root", "runs", "Run registry root used with -run-id")
	dbPath       = flag.String("db", "", "Also record the result in this evaluation database")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: evaluate [flags] <dataset.json> <tasks> [predictions.json]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 2 || flag.NArg() > 3 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(os.Stdout, flag.Args()); err != nil {
		log.Fatalf("evaluate: %v", err)
	}
}

func run(out io.Writer, args []string) error {
	req := evaluation.Request{
		DatasetPath:  args[0],
		Tasks:        []string{args[1]},
		IoUThreshold: *iouThreshold,
	}
	if len(args) == 3 {
		req.PredictionsPath = args[2]
	}
	res, err := evaluation.Evaluate(req)
	if err != nil {
		return err
	}

	if *runID != "" {
		reg, err := runs.NewRegistry(*runsRoot)
		if err != nil {
			return err
		}
		if _, err := reg.EnsureRun(*runID); err != nil {
			return err
		}
		if err := reg.WriteMetrics(context.Background(), *runID, res); err != nil {
			return err
		}
	}
	if *dbPath != "" {
		if err := record(*dbPath, *runID, res); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func record(path, runID string, res *evaluation.Result) error {
	store, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return sqlite.NewEvaluationStore(store).Insert(sqlite.FromResult(runID, res))
}
