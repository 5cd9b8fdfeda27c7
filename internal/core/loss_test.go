package core

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomLogits(rng *rand.Rand, r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, rng.NormFloat64()*3)
		}
	}
	return m
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	logits := randomLogits(rand.New(rand.NewSource(1)), 4, 6)
	p := Softmax(logits, 2)
	for i := 0; i < 4; i++ {
		var sum float64
		for _, v := range p.RawRowView(i) {
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestDistillLossNonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, temp := range []float64{1, 2, 4} {
		for trial := 0; trial < 20; trial++ {
			s, tch := randomLogits(rng, 8, 5), randomLogits(rng, 8, 5)
			loss, _, err := DistillLoss(s, tch, temp, 8)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, loss, 0.0)
			assert.GreaterOrEqual(t, KLDivergence(s, tch, temp), -1e-12)
		}
	}
}

func TestDistillLossIdenticalLogits(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, temp := range []float64{1, 4} {
		logits := randomLogits(rng, 6, 10)

		self, grad, err := DistillLoss(logits, logits, temp, 6)
		require.NoError(t, err)
		assert.InDelta(t, 0, KLDivergence(logits, logits, temp), 1e-12, "T=%v", temp)
		assert.InDelta(t, 0, mat.Norm(grad, 2), 1e-12, "T=%v", temp)

		// any other student sits strictly above the self-distillation floor
		other := randomLogits(rng, 6, 10)
		loss, _, err := DistillLoss(other, logits, temp, 6)
		require.NoError(t, err)
		assert.Greater(t, loss-self, 0.0)
		assert.InDelta(t, KLDivergence(other, logits, temp), loss-self, 1e-9)
	}
}

func TestDistillLossShapeMismatch(t *testing.T) {
	_, _, err := DistillLoss(mat.NewDense(2, 3, nil), mat.NewDense(2, 4, nil), 2, 2)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestCrossEntropyGradientMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	logits := randomLogits(rng, 3, 4)
	targets := []int{0, 3, 1}

	_, grad, err := CrossEntropy(logits, targets, 3)
	require.NoError(t, err)

	const h = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			plus, minus := mat.DenseCopyOf(logits), mat.DenseCopyOf(logits)
			plus.Set(i, j, plus.At(i, j)+h)
			minus.Set(i, j, minus.At(i, j)-h)
			lp, _, _ := CrossEntropy(plus, targets, 3)
			lm, _, _ := CrossEntropy(minus, targets, 3)
			assert.InDelta(t, (lp-lm)/(2*h), grad.At(i, j), 1e-6)
		}
	}
}

func TestDistillGradientMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	s, tch := randomLogits(rng, 2, 5), randomLogits(rng, 2, 5)

	_, grad, err := DistillLoss(s, tch, 3, 2)
	require.NoError(t, err)

	const h = 1e-6
	for i := 0; i < 2; i++ {
		for j := 0; j < 5; j++ {
			plus, minus := mat.DenseCopyOf(s), mat.DenseCopyOf(s)
			plus.Set(i, j, plus.At(i, j)+h)
			minus.Set(i, j, minus.At(i, j)-h)
			lp, _, _ := DistillLoss(plus, tch, 3, 2)
			lm, _, _ := DistillLoss(minus, tch, 3, 2)
			assert.InDelta(t, (lp-lm)/(2*h), grad.At(i, j), 1e-6)
		}
	}
}

func TestCrossEntropyRejectsOutOfRangeTarget(t *testing.T) {
	_, _, err := CrossEntropy(mat.NewDense(1, 3, nil), []int{3}, 1)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}
