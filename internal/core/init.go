package core

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// KaimingUniform - He initialisation for layers followed by ReLU
func KaimingUniform(m *mat.Dense, fanIn int, rng *rand.Rand) {
	bound := math.Sqrt(6 / float64(fanIn))
	fillUniform(m, bound, rng)
}

// XavierUniform - Glorot initialisation, used for classification heads
func XavierUniform(m *mat.Dense, fanIn, fanOut int, rng *rand.Rand) {
	bound := math.Sqrt(6 / float64(fanIn+fanOut))
	fillUniform(m, bound, rng)
}

// BiasUniform fills a bias row the way linear layers usually do: U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func BiasUniform(m *mat.Dense, fanIn int, rng *rand.Rand) {
	fillUniform(m, 1/math.Sqrt(float64(fanIn)), rng)
}

func fillUniform(m *mat.Dense, bound float64, rng *rand.Rand) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, (rng.Float64()*2-1)*bound)
		}
	}
}
