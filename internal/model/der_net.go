package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
)

// DERNet - dynamically expandable representation: one backbone per task whose features are
// concatenated in front of a shared head, plus an auxiliary head over the newest backbone.
type DERNet struct {
	spec      BackboneSpec
	inDim     int
	rng       *rand.Rand
	Slots     []*Slot
	FC        *core.Linear
	AuxFC     *core.Linear
	TaskSizes []int
}

// NewDERNet - empty arena; the first backbone is added by UpdateFC
func NewDERNet(spec BackboneSpec, inDim int, rng *rand.Rand) (*DERNet, error) {
	if _, err := NewBackbone("check", spec, inDim, rand.New(rand.NewSource(0))); err != nil {
		return nil, err
	}
	return &DERNet{spec: spec, inDim: inDim, rng: rng}, nil
}

func (n *DERNet) FeatureDim() int {
	d := 0
	for _, s := range n.Slots {
		d += s.Backbone.OutDim
	}
	return d
}

func (n *DERNet) NumClasses() int {
	if n.FC == nil {
		return 0
	}
	return n.FC.Out
}

// UpdateFC appends a backbone initialised from the previous one, widens the head by its
// features and rebuilds the auxiliary head for (new classes + 1) outputs.
func (n *DERNet) UpdateFC(nbClasses int) error {
	known := 0
	for _, s := range n.TaskSizes {
		known += s
	}
	if nbClasses <= known {
		return fmt.Errorf("der head %d -> %d: %w", known, nbClasses, core.ErrDimensionMismatch)
	}
	bb, err := NewBackbone(fmt.Sprintf("backbone%d", len(n.Slots)), n.spec, n.inDim, n.rng)
	if err != nil {
		return err
	}
	if len(n.Slots) > 0 {
		bb.LoadFrom(n.Slots[len(n.Slots)-1].Backbone)
	}
	n.Slots = append(n.Slots, &Slot{Backbone: bb, Trainable: true})

	if n.FC == nil {
		n.FC = core.NewLinear("fc", n.FeatureDim(), nbClasses, n.rng)
	} else {
		n.FC = n.FC.Expand("fc", n.FeatureDim(), nbClasses, n.rng)
	}
	newTask := nbClasses - known
	n.TaskSizes = append(n.TaskSizes, newTask)
	n.AuxFC = core.NewLinear("aux_fc", bb.OutDim, newTask+1, n.rng)
	return nil
}

// FreezeOld marks every backbone except the newest as frozen.
func (n *DERNet) FreezeOld() {
	for i, s := range n.Slots {
		s.Trainable = i == len(n.Slots)-1
	}
}

func (n *DERNet) Forward(x *mat.Dense) Output {
	parts := make([]*mat.Dense, len(n.Slots))
	for i, s := range n.Slots {
		parts[i] = s.Backbone.Forward(x)
	}
	features := core.ConcatCols(parts...)
	last := parts[len(parts)-1]
	return Output{
		Logits:    n.FC.Forward(features),
		AuxLogits: n.AuxFC.Forward(last),
		Features:  features,
	}
}

func (n *DERNet) Backward(gradLogits, gradAux *mat.Dense) {
	gf := n.FC.Backward(gradLogits)
	lastOut := n.Slots[len(n.Slots)-1].Backbone.OutDim
	if gradAux != nil {
		core.AddCols(gf, n.FeatureDim()-lastOut, n.AuxFC.Backward(gradAux))
	}
	offset := 0
	for _, s := range n.Slots {
		d := s.Backbone.OutDim
		if s.Trainable {
			s.Backbone.Backward(core.SliceCols(gf, offset, offset+d))
		}
		offset += d
	}
}

func (n *DERNet) Trainable() []*core.Param {
	var ps []*core.Param
	for _, s := range n.Slots {
		if s.Trainable {
			ps = append(ps, s.Backbone.Params()...)
		}
	}
	return append(ps, n.heads()...)
}

func (n *DERNet) Params() []*core.Param {
	var ps []*core.Param
	for _, s := range n.Slots {
		ps = append(ps, s.Backbone.Params()...)
	}
	return append(ps, n.heads()...)
}

func (n *DERNet) heads() []*core.Param {
	var ps []*core.Param
	if n.FC != nil {
		ps = append(ps, n.FC.Params()...)
	}
	if n.AuxFC != nil {
		ps = append(ps, n.AuxFC.Params()...)
	}
	return ps
}

// WeightAlign aligns the head rows of the newest increment classes.
func (n *DERNet) WeightAlign(increment int) float64 { return WeightAlign(n.FC, increment) }

func (n *DERNet) Clone() Network {
	return &DERNet{
		spec:      n.spec,
		inDim:     n.inDim,
		rng:       n.rng,
		Slots:     cloneSlots(n.Slots),
		FC:        cloneHead(n.FC),
		AuxFC:     cloneHead(n.AuxFC),
		TaskSizes: append([]int(nil), n.TaskSizes...),
	}
}
