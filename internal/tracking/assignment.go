package tracking

import (
	"math"
	"sort"
)

// forbiddenCost marks a detection/track pair that failed gating.
const forbiddenCost = 1e18

// hungarianAssign solves the rectangular assignment problem for an n×m cost
// matrix using Kuhn-Munkres with row/column potentials. It returns
// result[i] = column assigned to row i, or -1 when row i is unassigned or
// only reachable through a forbidden cell.
func hungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	if m == 0 {
		return result
	}

	dim := max(n, m)
	at := func(i, j int) float64 {
		if i < n && j < m {
			return cost[i][j]
		}
		return forbiddenCost
	}

	const inf = math.MaxFloat64 / 2
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	owner := make([]int, dim+1) // owner[j] = 1-based row matched to column j
	prev := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for row := 1; row <= dim; row++ {
		owner[0] = row
		col := 0
		for j := range minv {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[col] = true
			r := owner[col]
			delta := inf
			next := -1
			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				reduced := at(r-1, j-1) - u[r] - v[j]
				if reduced < minv[j] {
					minv[j] = reduced
					prev[j] = col
				}
				if minv[j] < delta {
					delta = minv[j]
					next = j
				}
			}
			if next < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if used[j] {
					u[owner[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			col = next
			if owner[col] == 0 {
				break
			}
		}

		for col != 0 {
			owner[col] = owner[prev[col]]
			col = prev[col]
		}
	}

	for j := 1; j <= dim; j++ {
		r := owner[j] - 1
		c := j - 1
		if r < 0 || r >= n || c >= m {
			continue
		}
		if cost[r][c] < forbiddenCost {
			result[r] = c
		}
	}
	return result
}

type candidate struct {
	det   int
	track int
	cost  float64
}

// greedyAssign matches rows to columns in ascending cost order. Ties go to
// the lower row, then the lower column, so results are deterministic.
func greedyAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}

	var cands []candidate
	for i, row := range cost {
		for j, c := range row {
			if c < forbiddenCost {
				cands = append(cands, candidate{det: i, track: j, cost: c})
			}
		}
	}
	sortCandidates(cands)

	taken := make(map[int]bool)
	for _, c := range cands {
		if result[c.det] >= 0 || taken[c.track] {
			continue
		}
		result[c.det] = c.track
		taken[c.track] = true
	}
	return result
}

func sortCandidates(c []candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].cost != c[j].cost {
			return c[i].cost < c[j].cost
		}
		if c[i].det != c[j].det {
			return c[i].det < c[j].det
		}
		return c[i].track < c[j].track
	})
}
