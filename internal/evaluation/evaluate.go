package evaluation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Task is a canonical evaluation task name.
type Task string

const (
	TaskDetection    Task = "det"
	TaskSegmentation Task = "seg"
	TaskTracking     Task = "track"
	TaskOCR          Task = "ocr"
)

// ErrUnknownTask is returned by ParseTasks for names it does not recognise.
var ErrUnknownTask = errors.New("unknown evaluation task")

var taskAliases = map[string]Task{
	"det":          TaskDetection,
	"detection":    TaskDetection,
	"seg":          TaskSegmentation,
	"segmentation": TaskSegmentation,
	"track":        TaskTracking,
	"tracking":     TaskTracking,
	"ocr":          TaskOCR,
}

// ParseTasks canonicalises task names. Entries may themselves be comma
// separated; duplicates collapse and the result keeps first-seen order.
func ParseTasks(names []string) ([]Task, error) {
	var out []Task
	seen := make(map[Task]bool)
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			t, ok := taskAliases[part]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownTask, part)
			}
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no tasks given", ErrUnknownTask)
	}
	return out, nil
}

// Request names the inputs of one evaluation. A zero IoUThreshold uses
// MatchThreshold.
type Request struct {
	DatasetPath     string
	Tasks           []string
	PredictionsPath string
	IoUThreshold    float64
}

// Result is one evaluation outcome. CM is present only when detection was
// requested.
type Result struct {
	Dataset string                      `json:"dataset"`
	Tasks   []Task                      `json:"tasks"`
	Metrics map[Task]map[string]float64 `json:"metrics"`
	CM      *ConfusionMatrix            `json:"cm,omitempty"`
}

// Evaluate loads ground truth and optional predictions and scores every
// requested task. Missing files evaluate as empty sets.
func Evaluate(req Request) (*Result, error) {
	tasks, err := ParseTasks(req.Tasks)
	if err != nil {
		return nil, err
	}
	ds, err := LoadDataset(req.DatasetPath)
	if err != nil {
		return nil, err
	}
	var preds []Prediction
	if req.PredictionsPath != "" {
		if preds, err = LoadPredictions(req.PredictionsPath); err != nil {
			return nil, err
		}
	}
	return Score(req.DatasetPath, ds, preds, tasks, req.IoUThreshold), nil
}

// Score computes metrics for an already loaded dataset.
func Score(name string, ds *Dataset, preds []Prediction, tasks []Task, threshold float64) *Result {
	if threshold <= 0 || threshold > 1 {
		threshold = MatchThreshold
	}
	res := &Result{
		Dataset: name,
		Tasks:   tasks,
		Metrics: make(map[Task]map[string]float64, len(tasks)),
	}
	for _, t := range tasks {
		switch t {
		case TaskDetection:
			m, cm := scoreDetection(ds, preds, threshold)
			res.Metrics[t] = m
			res.CM = cm
		case TaskSegmentation:
			res.Metrics[t] = map[string]float64{"miou": 0}
		case TaskTracking:
			res.Metrics[t] = map[string]float64{"idf1": 0}
		case TaskOCR:
			res.Metrics[t] = map[string]float64{"acc": 0}
		}
	}
	return res
}

func scoreDetection(ds *Dataset, preds []Prediction, threshold float64) (map[string]float64, *ConfusionMatrix) {
	gtByImage := ds.GroundTruth()
	predByImage := ds.GroupPredictions(preds)
	cm := NewConfusionMatrix(ds.ClassNames())

	ids := make(map[int]bool, len(gtByImage)+len(predByImage))
	for id := range gtByImage {
		ids[id] = true
	}
	for id := range predByImage {
		ids[id] = true
	}
	sorted := make([]int, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)

	var matched, totalGT, totalPred int
	var iouSum float64
	for _, id := range sorted {
		gt, p := gtByImage[id], predByImage[id]
		pairs := GreedyMatch(p, gt, threshold)
		matched += len(pairs)
		totalGT += len(gt)
		totalPred += len(p)
		for _, pair := range pairs {
			iouSum += pair.IoU
		}
		cm.Add(p, gt, pairs)
	}

	meanIoU := 0.0
	if matched > 0 {
		meanIoU = iouSum / float64(matched)
	}
	return map[string]float64{
		"map50":      float64(matched) / float64(max(1, totalGT)),
		"mean_iou":   meanIoU,
		"matched":    float64(matched),
		"gt_boxes":   float64(totalGT),
		"pred_boxes": float64(totalPred),
	}, cm
}
