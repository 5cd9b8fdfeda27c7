package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
)

// AdaptiveNet - MEMO network: a shared task-agnostic extractor (generalized blocks) feeding one
// adaptive extractor per task. Adaptive features are concatenated in front of a shared head.
type AdaptiveNet struct {
	spec          BackboneSpec
	inDim         int
	rng           *rand.Rand
	Base          *Backbone
	BaseTrainable bool
	Slots         []*Slot
	FC            *core.Linear
	AuxFC         *core.Linear
	TaskSizes     []int
}

// splitSpec divides depth between the shared and the specialized part.
func splitSpec(spec BackboneSpec) (BackboneSpec, BackboneSpec) {
	baseDepth := max(1, spec.Depth/2)
	base := BackboneSpec{Type: spec.Type, Depth: baseDepth, Width: spec.Width, FinalSize: 1}
	adaptive := BackboneSpec{Type: spec.Type, Depth: max(1, spec.Depth-baseDepth), Width: spec.Width, FinalSize: spec.FinalSize}
	return base, adaptive
}

// NewAdaptiveNet builds the generalized blocks; adaptive extractors arrive via UpdateFC.
func NewAdaptiveNet(spec BackboneSpec, inDim int, rng *rand.Rand) (*AdaptiveNet, error) {
	baseSpec, _ := splitSpec(spec)
	base, err := NewBackbone("base", baseSpec, inDim, rng)
	if err != nil {
		return nil, err
	}
	return &AdaptiveNet{spec: spec, inDim: inDim, rng: rng, Base: base, BaseTrainable: true}, nil
}

func (n *AdaptiveNet) FeatureDim() int {
	d := 0
	for _, s := range n.Slots {
		d += s.Backbone.OutDim
	}
	return d
}

func (n *AdaptiveNet) NumClasses() int {
	if n.FC == nil {
		return 0
	}
	return n.FC.Out
}

// UpdateFC adds an adaptive extractor initialised from the previous one and grows the heads.
func (n *AdaptiveNet) UpdateFC(nbClasses int) error {
	known := 0
	for _, s := range n.TaskSizes {
		known += s
	}
	if nbClasses <= known {
		return fmt.Errorf("memo head %d -> %d: %w", known, nbClasses, core.ErrDimensionMismatch)
	}
	_, adaptiveSpec := splitSpec(n.spec)
	ext, err := NewBackbone(fmt.Sprintf("adaptive%d", len(n.Slots)), adaptiveSpec, n.Base.OutDim, n.rng)
	if err != nil {
		return err
	}
	if len(n.Slots) > 0 {
		ext.LoadFrom(n.Slots[len(n.Slots)-1].Backbone)
	}
	n.Slots = append(n.Slots, &Slot{Backbone: ext, Trainable: true})

	if n.FC == nil {
		n.FC = core.NewLinear("fc", n.FeatureDim(), nbClasses, n.rng)
	} else {
		n.FC = n.FC.Expand("fc", n.FeatureDim(), nbClasses, n.rng)
	}
	newTask := nbClasses - known
	n.TaskSizes = append(n.TaskSizes, newTask)
	n.AuxFC = core.NewLinear("aux_fc", ext.OutDim, newTask+1, n.rng)
	return nil
}

// FreezeOld sets the trainable flags for a task after the first: older adaptive extractors
// train only with trainAdaptive, the shared blocks only with trainBase. The newest extractor
// always trains.
func (n *AdaptiveNet) FreezeOld(trainBase, trainAdaptive bool) {
	for i, s := range n.Slots {
		s.Trainable = trainAdaptive || i == len(n.Slots)-1
	}
	n.BaseTrainable = trainBase
}

func (n *AdaptiveNet) Forward(x *mat.Dense) Output {
	shared := n.Base.Forward(x)
	parts := make([]*mat.Dense, len(n.Slots))
	for i, s := range n.Slots {
		parts[i] = s.Backbone.Forward(shared)
	}
	features := core.ConcatCols(parts...)
	return Output{
		Logits:    n.FC.Forward(features),
		AuxLogits: n.AuxFC.Forward(parts[len(parts)-1]),
		Features:  features,
	}
}

// Backward routes gradients through frozen extractors too when the shared blocks train, since
// their input gradient still reaches the base. Their own parameter gradients are never stepped.
func (n *AdaptiveNet) Backward(gradLogits, gradAux *mat.Dense) {
	gf := n.FC.Backward(gradLogits)
	lastOut := n.Slots[len(n.Slots)-1].Backbone.OutDim
	if gradAux != nil {
		core.AddCols(gf, n.FeatureDim()-lastOut, n.AuxFC.Backward(gradAux))
	}
	rows, _ := gf.Dims()
	var gBase *mat.Dense
	if n.BaseTrainable {
		gBase = mat.NewDense(rows, n.Base.OutDim, nil)
	}
	offset := 0
	for _, s := range n.Slots {
		d := s.Backbone.OutDim
		if s.Trainable || n.BaseTrainable {
			gIn := s.Backbone.Backward(core.SliceCols(gf, offset, offset+d))
			if gBase != nil {
				gBase.Add(gBase, gIn)
			}
		}
		offset += d
	}
	if gBase != nil {
		n.Base.Backward(gBase)
	}
}

func (n *AdaptiveNet) Trainable() []*core.Param {
	var ps []*core.Param
	if n.BaseTrainable {
		ps = append(ps, n.Base.Params()...)
	}
	for _, s := range n.Slots {
		if s.Trainable {
			ps = append(ps, s.Backbone.Params()...)
		}
	}
	return append(ps, n.heads()...)
}

func (n *AdaptiveNet) Params() []*core.Param {
	ps := n.Base.Params()
	for _, s := range n.Slots {
		ps = append(ps, s.Backbone.Params()...)
	}
	return append(ps, n.heads()...)
}

func (n *AdaptiveNet) heads() []*core.Param {
	var ps []*core.Param
	if n.FC != nil {
		ps = append(ps, n.FC.Params()...)
	}
	if n.AuxFC != nil {
		ps = append(ps, n.AuxFC.Params()...)
	}
	return ps
}

func (n *AdaptiveNet) WeightAlign(increment int) float64 { return WeightAlign(n.FC, increment) }

func (n *AdaptiveNet) Clone() Network {
	return &AdaptiveNet{
		spec:          n.spec,
		inDim:         n.inDim,
		rng:           n.rng,
		Base:          n.Base.Clone(),
		BaseTrainable: n.BaseTrainable,
		Slots:         cloneSlots(n.Slots),
		FC:            cloneHead(n.FC),
		AuxFC:         cloneHead(n.AuxFC),
		TaskSizes:     append([]int(nil), n.TaskSizes...),
	}
}
