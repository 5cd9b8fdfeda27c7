package core

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param - a trainable matrix and its accumulated gradient
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

func (p *Param) clone() *Param {
	r, c := p.Value.Dims()
	return &Param{
		Name:  p.Name,
		Value: mat.DenseCopyOf(p.Value),
		Grad:  mat.NewDense(r, c, nil),
	}
}

// Size returns the number of scalar weights.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Layer is a differentiable block. Forward caches what Backward needs, so a layer must not be
// shared by concurrent forward passes; use Clone for replicas.
type Layer interface {
	Forward(x *mat.Dense) *mat.Dense
	Backward(grad *mat.Dense) *mat.Dense
	Params() []*Param
	Clone() Layer
}

// Linear computes y = x·Wᵀ + b with W stored as (out × in).
type Linear struct {
	In, Out int
	Weight  *Param
	Bias    *Param
	input   *mat.Dense
}

// NewLinear - linear layer with Kaiming weights and uniform bias
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		In:     in,
		Out:    out,
		Weight: newParam(name+".weight", out, in),
		Bias:   newParam(name+".bias", 1, out),
	}
	KaimingUniform(l.Weight.Value, in, rng)
	BiasUniform(l.Bias.Value, in, rng)
	return l
}

func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.input = x
	var y mat.Dense
	y.Mul(x, l.Weight.Value.T())
	r, _ := y.Dims()
	b := l.Bias.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(y.RawRowView(i), b)
	}
	return &y
}

func (l *Linear) Backward(grad *mat.Dense) *mat.Dense {
	var dw mat.Dense
	dw.Mul(grad.T(), l.input)
	l.Weight.Grad.Add(l.Weight.Grad, &dw)

	db := l.Bias.Grad.RawRowView(0)
	r, _ := grad.Dims()
	for i := 0; i < r; i++ {
		floats.Add(db, grad.RawRowView(i))
	}

	var dx mat.Dense
	dx.Mul(grad, l.Weight.Value)
	return &dx
}

func (l *Linear) Params() []*Param { return []*Param{l.Weight, l.Bias} }

func (l *Linear) Clone() Layer { return l.CloneLinear() }

// CloneLinear is Clone without the interface conversion.
func (l *Linear) CloneLinear() *Linear {
	return &Linear{In: l.In, Out: l.Out, Weight: l.Weight.clone(), Bias: l.Bias.clone()}
}

// Expand returns a freshly initialised (out × in) layer whose top-left block carries the
// current weights and bias. Used when a head grows with new classes or new features.
func (l *Linear) Expand(name string, in, out int, rng *rand.Rand) *Linear {
	next := NewLinear(name, in, out, rng)
	keepOut, keepIn := min(l.Out, out), min(l.In, in)
	next.Weight.Value.Slice(0, keepOut, 0, keepIn).(*mat.Dense).
		Copy(l.Weight.Value.Slice(0, keepOut, 0, keepIn))
	next.Bias.Value.Slice(0, 1, 0, keepOut).(*mat.Dense).
		Copy(l.Bias.Value.Slice(0, 1, 0, keepOut))
	return next
}

// ReLU - elementwise max(0, x)
type ReLU struct {
	mask *mat.Dense
}

func (a *ReLU) Forward(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	out := mat.NewDense(r, c, nil)
	mask := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		in, o, m := x.RawRowView(i), out.RawRowView(i), mask.RawRowView(i)
		for j, v := range in {
			if v > 0 {
				o[j] = v
				m[j] = 1
			}
		}
	}
	a.mask = mask
	return out
}

func (a *ReLU) Backward(grad *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.MulElem(grad, a.mask)
	return &dx
}

func (a *ReLU) Params() []*Param { return nil }

func (a *ReLU) Clone() Layer { return &ReLU{} }

// Residual computes y = x + relu(Inner(x)). Inner must preserve the width.
type Residual struct {
	Inner *Linear
	act   ReLU
}

// NewResidual - width-preserving residual block
func NewResidual(name string, width int, rng *rand.Rand) *Residual {
	return &Residual{Inner: NewLinear(name, width, width, rng)}
}

func (r *Residual) Forward(x *mat.Dense) *mat.Dense {
	h := r.act.Forward(r.Inner.Forward(x))
	h.Add(h, x)
	return h
}

func (r *Residual) Backward(grad *mat.Dense) *mat.Dense {
	dx := r.Inner.Backward(r.act.Backward(grad))
	dx.Add(dx, grad)
	return dx
}

func (r *Residual) Params() []*Param { return r.Inner.Params() }

func (r *Residual) Clone() Layer { return &Residual{Inner: r.Inner.CloneLinear()} }

// Sequential chains layers.
type Sequential struct {
	Layers []Layer
}

func (s *Sequential) Forward(x *mat.Dense) *mat.Dense {
	for _, l := range s.Layers {
		x = l.Forward(x)
	}
	return x
}

func (s *Sequential) Backward(grad *mat.Dense) *mat.Dense {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		grad = s.Layers[i].Backward(grad)
	}
	return grad
}

func (s *Sequential) Params() []*Param {
	var ps []*Param
	for _, l := range s.Layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

func (s *Sequential) Clone() Layer {
	layers := make([]Layer, len(s.Layers))
	for i, l := range s.Layers {
		layers[i] = l.Clone()
	}
	return &Sequential{Layers: layers}
}

// ZeroGrad clears accumulated gradients.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// CountParams - number of scalar weights across params
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += p.Size()
	}
	return n
}

// CopyParams copies values from src into dst, which must have the same layout.
func CopyParams(dst, src []*Param) {
	for i := range dst {
		dst[i].Value.Copy(src[i].Value)
	}
}
