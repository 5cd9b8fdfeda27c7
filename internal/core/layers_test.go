package core

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// weighted sum of outputs gives a scalar loss with a known upstream gradient
func weightedLoss(l Layer, x, upstream *mat.Dense) float64 {
	y := l.Forward(x)
	var e mat.Dense
	e.MulElem(y, upstream)
	return mat.Sum(&e)
}

func TestSequentialBackwardMatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	net := &Sequential{Layers: []Layer{
		NewLinear("l1", 3, 4, rng),
		&ReLU{},
		NewResidual("r1", 4, rng),
		NewLinear("l2", 4, 2, rng),
	}}
	x := randomLogits(rng, 5, 3)
	upstream := randomLogits(rng, 5, 2)

	ZeroGrad(net.Params())
	net.Forward(x)
	dx := net.Backward(upstream)

	const h = 1e-6
	for _, p := range net.Params() {
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := p.Value.At(i, j)
				p.Value.Set(i, j, orig+h)
				lp := weightedLoss(net, x, upstream)
				p.Value.Set(i, j, orig-h)
				lm := weightedLoss(net, x, upstream)
				p.Value.Set(i, j, orig)
				assert.InDelta(t, (lp-lm)/(2*h), p.Grad.At(i, j), 1e-5, "%s[%d,%d]", p.Name, i, j)
			}
		}
	}

	for i := 0; i < 5; i++ {
		for j := 0; j < 3; j++ {
			plus, minus := mat.DenseCopyOf(x), mat.DenseCopyOf(x)
			plus.Set(i, j, x.At(i, j)+h)
			minus.Set(i, j, x.At(i, j)-h)
			assert.InDelta(t, (weightedLoss(net, plus, upstream)-weightedLoss(net, minus, upstream))/(2*h), dx.At(i, j), 1e-5)
		}
	}
}

func TestLinearExpandKeepsOldBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewLinear("fc", 3, 2, rng)
	grown := l.Expand("fc", 5, 4, rng)

	require.Equal(t, 5, grown.In)
	require.Equal(t, 4, grown.Out)
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			assert.Equal(t, l.Weight.Value.At(i, j), grown.Weight.Value.At(i, j))
		}
		assert.Equal(t, l.Bias.Value.At(0, i), grown.Bias.Value.At(0, i))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewLinear("fc", 2, 2, rng)
	c := l.CloneLinear()
	c.Weight.Value.Set(0, 0, 99)
	assert.NotEqual(t, 99.0, l.Weight.Value.At(0, 0))
}

func TestSGDMomentumAndDecay(t *testing.T) {
	p := newParam("w", 1, 1)
	p.Value.Set(0, 0, 1)
	opt := NewSGD([]*Param{p}, SGDConfig{LR: 0.1, Momentum: 0.9, WeightDecay: 0.5})

	p.Grad.Set(0, 0, 1)
	opt.Step()
	// d = 1 + 0.5*1 = 1.5; v = 1.5; w = 1 - 0.15
	assert.InDelta(t, 0.85, p.Value.At(0, 0), 1e-12)

	opt.Step()
	// d = 1 + 0.425 = 1.425; v = 0.9*1.5 + 1.425 = 2.775; w = 0.85 - 0.2775
	assert.InDelta(t, 0.5725, p.Value.At(0, 0), 1e-12)
}
