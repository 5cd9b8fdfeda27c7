package core

import "gonum.org/v1/gonum/mat"

// SGDConfig - stochastic gradient descent hyperparameters
type SGDConfig struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
}

// SGD implements momentum SGD with L2 weight decay folded into the gradient:
//
//	d = g + wd·w;  v = μ·v + d;  w -= lr·v
//
// The velocity of a parameter starts at its first gradient.
type SGD struct {
	params   []*Param
	velocity []*mat.Dense
	cfg      SGDConfig
	lr       float64
}

// NewSGD - optimizer owning the given parameter set
func NewSGD(params []*Param, cfg SGDConfig) *SGD {
	return &SGD{
		params:   params,
		velocity: make([]*mat.Dense, len(params)),
		cfg:      cfg,
		lr:       cfg.LR,
	}
}

func (o *SGD) Params() []*Param { return o.params }

func (o *SGD) ZeroGrad() { ZeroGrad(o.params) }

func (o *SGD) BaseLR() float64 { return o.cfg.LR }

func (o *SGD) LR() float64 { return o.lr }

func (o *SGD) SetLR(lr float64) { o.lr = lr }

// Step applies one update to every owned parameter.
func (o *SGD) Step() {
	for i, p := range o.params {
		var d mat.Dense
		d.Scale(o.cfg.WeightDecay, p.Value)
		d.Add(&d, p.Grad)

		if o.cfg.Momentum != 0 {
			if o.velocity[i] == nil {
				o.velocity[i] = mat.DenseCopyOf(&d)
			} else {
				o.velocity[i].Scale(o.cfg.Momentum, o.velocity[i])
				o.velocity[i].Add(o.velocity[i], &d)
			}
			d.Copy(o.velocity[i])
		}

		d.Scale(o.lr, &d)
		p.Value.Sub(p.Value, &d)
	}
}
