package perception

import "sort"

// FilterByScore drops boxes scoring below minScore.
func FilterByScore(boxes []BoundingBox, minScore float64) []BoundingBox {
	out := make([]BoundingBox, 0, len(boxes))
	for _, b := range boxes {
		if b.Score >= minScore {
			out = append(out, b)
		}
	}
	return out
}

// FilterByClass keeps boxes whose label is in allow. An empty allow-list
// keeps everything.
func FilterByClass(boxes []BoundingBox, allow []string) []BoundingBox {
	if len(allow) == 0 {
		return boxes
	}
	set := make(map[string]struct{}, len(allow))
	for _, c := range allow {
		set[c] = struct{}{}
	}
	out := make([]BoundingBox, 0, len(boxes))
	for _, b := range boxes {
		if _, ok := set[b.ClassLabel]; ok {
			out = append(out, b)
		}
	}
	return out
}

// NMS performs class-wise greedy non-maximum suppression. Survivors keep
// their original relative order.
func NMS(boxes []BoundingBox, iouThreshold float64) []BoundingBox {
	if len(boxes) < 2 || iouThreshold <= 0 {
		return boxes
	}
	idx := make([]int, len(boxes))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return boxes[idx[a]].Score > boxes[idx[b]].Score
	})

	suppressed := make([]bool, len(boxes))
	for i, bi := range idx {
		if suppressed[bi] {
			continue
		}
		for _, bj := range idx[i+1:] {
			if suppressed[bj] || boxes[bj].ClassLabel != boxes[bi].ClassLabel {
				continue
			}
			if IoU(boxes[bi], boxes[bj]) > iouThreshold {
				suppressed[bj] = true
			}
		}
	}

	out := make([]BoundingBox, 0, len(boxes))
	for i, b := range boxes {
		if !suppressed[i] {
			out = append(out, b)
		}
	}
	return out
}
