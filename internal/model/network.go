package model

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
)

// Output - forward results of a classifier
type Output struct {
	Logits    *mat.Dense
	AuxLogits *mat.Dense // nil for networks without an auxiliary head
	Features  *mat.Dense
}

// Network is the contract shared by student and teacher classifiers.
//
// Backward consumes gradients w.r.t. the logits of the most recent Forward call and
// accumulates parameter gradients for trainable parts only. gradAux may be nil.
type Network interface {
	Forward(x *mat.Dense) Output
	Backward(gradLogits, gradAux *mat.Dense)
	// Trainable returns the parameters an optimizer should own for the current task.
	Trainable() []*core.Param
	// Params returns every parameter in a stable order.
	Params() []*core.Param
	// UpdateFC resizes the classification head to nbClasses, keeping learned rows.
	UpdateFC(nbClasses int) error
	NumClasses() int
	FeatureDim() int
	Clone() Network
}

// Slot - one entry of the per-task extractor arena
type Slot struct {
	Backbone  *Backbone
	Trainable bool
}

func cloneSlots(slots []*Slot) []*Slot {
	out := make([]*Slot, len(slots))
	for i, s := range slots {
		out[i] = &Slot{Backbone: s.Backbone.Clone(), Trainable: s.Trainable}
	}
	return out
}

func cloneHead(l *core.Linear) *core.Linear {
	if l == nil {
		return nil
	}
	return l.CloneLinear()
}

// WeightAlign rescales the last increment rows of fc so their mean L2 norm matches the mean
// norm of the older rows. The bias is left untouched. Returns the applied factor.
func WeightAlign(fc *core.Linear, increment int) float64 {
	rows, _ := fc.Weight.Value.Dims()
	if increment <= 0 || increment >= rows {
		return 1
	}
	norms := core.RowNorms(fc.Weight.Value)
	oldMean := floats.Sum(norms[:rows-increment]) / float64(rows-increment)
	newMean := floats.Sum(norms[rows-increment:]) / float64(increment)
	if newMean == 0 {
		return 1
	}
	gamma := oldMean / newMean
	for i := rows - increment; i < rows; i++ {
		floats.Scale(gamma, fc.Weight.Value.RawRowView(i))
	}
	return gamma
}
