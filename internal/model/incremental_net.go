package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
)

// IncrementalNet - a single backbone with a growing classification head.
// Used as the iCaRL student and as the teacher of every learner.
type IncrementalNet struct {
	spec     BackboneSpec
	inDim    int
	rng      *rand.Rand
	Backbone *Backbone
	FC       *core.Linear
	frozen   bool
}

// NewIncrementalNet builds the backbone; the head appears on the first UpdateFC.
func NewIncrementalNet(spec BackboneSpec, inDim int, rng *rand.Rand) (*IncrementalNet, error) {
	bb, err := NewBackbone("backbone", spec, inDim, rng)
	if err != nil {
		return nil, err
	}
	return &IncrementalNet{spec: spec, inDim: inDim, rng: rng, Backbone: bb}, nil
}

func (n *IncrementalNet) Forward(x *mat.Dense) Output {
	features := n.Backbone.Forward(x)
	return Output{Logits: n.FC.Forward(features), Features: features}
}

func (n *IncrementalNet) Backward(gradLogits, _ *mat.Dense) {
	if n.frozen {
		return
	}
	n.Backbone.Backward(n.FC.Backward(gradLogits))
}

func (n *IncrementalNet) Trainable() []*core.Param {
	if n.frozen {
		return nil
	}
	return n.Params()
}

func (n *IncrementalNet) Params() []*core.Param {
	ps := n.Backbone.Params()
	if n.FC != nil {
		ps = append(ps, n.FC.Params()...)
	}
	return ps
}

func (n *IncrementalNet) UpdateFC(nbClasses int) error {
	if n.FC != nil && nbClasses < n.FC.Out {
		return fmt.Errorf("head shrink %d -> %d: %w", n.FC.Out, nbClasses, core.ErrDimensionMismatch)
	}
	if n.FC == nil {
		n.FC = core.NewLinear("fc", n.Backbone.OutDim, nbClasses, n.rng)
	} else {
		n.FC = n.FC.Expand("fc", n.Backbone.OutDim, nbClasses, n.rng)
	}
	return nil
}

// Reinitialize draws fresh backbone and head weights for nbClasses outputs.
func (n *IncrementalNet) Reinitialize(nbClasses int) error {
	bb, err := NewBackbone("backbone", n.spec, n.inDim, n.rng)
	if err != nil {
		return err
	}
	n.Backbone = bb
	n.FC = nil
	return n.UpdateFC(nbClasses)
}

func (n *IncrementalNet) NumClasses() int {
	if n.FC == nil {
		return 0
	}
	return n.FC.Out
}

func (n *IncrementalNet) FeatureDim() int { return n.Backbone.OutDim }

// Freeze stops gradient flow and drops every parameter from Trainable.
func (n *IncrementalNet) Freeze() *IncrementalNet {
	n.frozen = true
	return n
}

func (n *IncrementalNet) Clone() Network { return n.Copy() }

// Copy is Clone with the concrete type.
func (n *IncrementalNet) Copy() *IncrementalNet {
	return &IncrementalNet{
		spec:     n.spec,
		inDim:    n.inDim,
		rng:      n.rng,
		Backbone: n.Backbone.Clone(),
		FC:       cloneHead(n.FC),
		frozen:   n.frozen,
	}
}
