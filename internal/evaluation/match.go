package evaluation

import "github.com/remi71350-droid/perception-lab/internal/perception"

// MatchThreshold is the IoU a prediction needs to count as a hit.
const MatchThreshold = 0.5

// Pair links a ground-truth box to the prediction consumed by it.
type Pair struct {
	GT   int
	Pred int
	IoU  float64
}

// GreedyMatch walks ground truth in order and gives each box the unmatched
// prediction with the highest IoU at or above threshold. On equal IoU the
// earlier prediction wins. A prediction is consumed at most once.
func GreedyMatch(preds, gt []perception.BoundingBox, threshold float64) []Pair {
	used := make([]bool, len(preds))
	var pairs []Pair
	for gi, g := range gt {
		best, bestIoU := -1, 0.0
		for pi, p := range preds {
			if used[pi] {
				continue
			}
			iou := perception.IoU(p, g)
			if iou >= threshold && iou > bestIoU {
				best, bestIoU = pi, iou
			}
		}
		if best >= 0 {
			used[best] = true
			pairs = append(pairs, Pair{GT: gi, Pred: best, IoU: bestIoU})
		}
	}
	return pairs
}

// Map50 is the fraction of ground-truth boxes matched at IoU 0.5.
func Map50(preds, gt []perception.BoundingBox) float64 {
	matched := len(GreedyMatch(preds, gt, MatchThreshold))
	return float64(matched) / float64(max(1, len(gt)))
}
