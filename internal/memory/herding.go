package memory

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
)

// Herd picks up to quota rows of vectors whose running mean best tracks the class mean.
// Rows are L2-normalized first. At step k every remaining candidate v is scored by
// ||mu - (S + v)/k|| where S sums the already chosen rows; the best one leaves the pool.
// Returns row indices in selection order, min(quota, rows) of them, all distinct.
func Herd(vectors *mat.Dense, quota int) []int {
	if vectors == nil || quota <= 0 {
		return nil
	}
	normed := core.NormalizeRows(vectors)
	rows, cols := normed.Dims()
	mu := core.MeanRows(normed)

	pool := make([]int, rows)
	for i := range pool {
		pool[i] = i
	}
	sum := make([]float64, cols)
	candidate := make([]float64, cols)
	selected := make([]int, 0, min(quota, rows))

	for k := 1; k <= quota; k++ {
		best, bestDist := -1, 0.0
		for pos, row := range pool {
			floats.AddTo(candidate, sum, normed.RawRowView(row))
			floats.Scale(1/float64(k), candidate)
			if d := floats.Distance(mu, candidate, 2); best < 0 || d < bestDist {
				best, bestDist = pos, d
			}
		}
		chosen := pool[best]
		selected = append(selected, chosen)
		floats.Add(sum, normed.RawRowView(chosen))
		pool = append(pool[:best], pool[best+1:]...)
		if len(pool) == 0 {
			break
		}
	}
	return selected
}
