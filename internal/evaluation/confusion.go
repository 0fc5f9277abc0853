package evaluation

import "github.com/remi71350-droid/perception-lab/internal/perception"

// Background is the confusion matrix label for unmatched boxes.
const Background = "background"

// ConfusionMatrix counts ground-truth class (rows) against predicted class
// (columns). The last label is Background: a missed ground-truth box lands
// in its row's background column, a spurious prediction in the background
// row.
type ConfusionMatrix struct {
	Labels []string `json:"labels"`
	Matrix [][]int  `json:"matrix"`
}

// NewConfusionMatrix returns a zeroed matrix over classes plus Background.
func NewConfusionMatrix(classes []string) *ConfusionMatrix {
	labels := append(append([]string{}, classes...), Background)
	m := make([][]int, len(labels))
	for i := range m {
		m[i] = make([]int, len(labels))
	}
	return &ConfusionMatrix{Labels: labels, Matrix: m}
}

func (c *ConfusionMatrix) index(label string) int {
	for i, l := range c.Labels {
		if l == label {
			return i
		}
	}
	// Unseen classes are inserted ahead of Background.
	bg := len(c.Labels) - 1
	labels := make([]string, 0, len(c.Labels)+1)
	labels = append(labels, c.Labels[:bg]...)
	labels = append(labels, label, Background)

	m := make([][]int, len(labels))
	for i := range m {
		m[i] = make([]int, len(labels))
	}
	for r := range c.Matrix {
		for col := range c.Matrix[r] {
			nr, nc := r, col
			if r == bg {
				nr = bg + 1
			}
			if col == bg {
				nc = bg + 1
			}
			m[nr][nc] = c.Matrix[r][col]
		}
	}
	c.Labels, c.Matrix = labels, m
	return bg
}

// Add records one image's matching outcome.
func (c *ConfusionMatrix) Add(preds, gt []perception.BoundingBox, pairs []Pair) {
	predUsed := make([]bool, len(preds))
	gtUsed := make([]bool, len(gt))
	for _, p := range pairs {
		predUsed[p.Pred] = true
		gtUsed[p.GT] = true
		r := c.index(gt[p.GT].ClassLabel)
		col := c.index(preds[p.Pred].ClassLabel)
		c.Matrix[r][col]++
	}
	for i, g := range gt {
		if !gtUsed[i] {
			r := c.index(g.ClassLabel)
			c.Matrix[r][len(c.Labels)-1]++
		}
	}
	for i, p := range preds {
		if !predUsed[i] {
			col := c.index(p.ClassLabel)
			c.Matrix[len(c.Labels)-1][col]++
		}
	}
}
