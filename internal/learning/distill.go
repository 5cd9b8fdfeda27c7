package learning

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/model"
)

// crossEntropyObjective is the teacher phase loss.
func crossEntropyObjective(out model.Output, _ targets, labels []int, norm float64) (lossTerms, *mat.Dense, *mat.Dense, error) {
	loss, grad, err := core.CrossEntropy(out.Logits, labels, norm)
	if err != nil {
		return lossTerms{}, nil, nil, err
	}
	return lossTerms{Total: loss, Clf: loss}, grad, nil, nil
}

// dualObjective is the loss shared by every variant: 0.5·(KD(student, teacher, T) + CE).
func dualObjective(temperature float64) objective {
	return func(out model.Output, tg targets, labels []int, norm float64) (lossTerms, *mat.Dense, *mat.Dense, error) {
		clf, gClf, err := core.CrossEntropy(out.Logits, labels, norm)
		if err != nil {
			return lossTerms{}, nil, nil, err
		}
		kdt, gKdt, err := core.DistillLoss(out.Logits, tg.teacher, temperature, norm)
		if err != nil {
			return lossTerms{}, nil, nil, err
		}
		grad := &mat.Dense{}
		grad.Add(gClf, gKdt)
		grad.Scale(0.5, grad)
		return lossTerms{Total: 0.5 * (clf + kdt), Clf: clf}, grad, nil, nil
	}
}

// oldSnapshotObjective adds plain distillation of the first known logits against the frozen
// previous student at temperature oldT.
func oldSnapshotObjective(dual objective, known int, oldT float64) objective {
	return func(out model.Output, tg targets, labels []int, norm float64) (lossTerms, *mat.Dense, *mat.Dense, error) {
		terms, grad, _, err := dual(out, tg, labels, norm)
		if err != nil {
			return lossTerms{}, nil, nil, err
		}
		kd, gKd, err := core.DistillLoss(core.SliceCols(out.Logits, 0, known), tg.old, oldT, norm)
		if err != nil {
			return lossTerms{}, nil, nil, err
		}
		core.AddCols(grad, 0, gKd)
		terms.Total += kd
		return terms, grad, nil, nil
	}
}

// auxObjective adds the auxiliary head terms weighted by 0.5·weight: cross-entropy on remapped
// labels and distillation of the new-class slice of the teacher logits.
func auxObjective(dual objective, known int, temperature, weight float64) objective {
	return func(out model.Output, tg targets, labels []int, norm float64) (lossTerms, *mat.Dense, *mat.Dense, error) {
		terms, grad, _, err := dual(out, tg, labels, norm)
		if err != nil {
			return lossTerms{}, nil, nil, err
		}
		_, auxWidth := out.AuxLogits.Dims()
		auxLabels, err := RemapAux(labels, known, auxWidth)
		if err != nil {
			return lossTerms{}, nil, nil, err
		}
		aux, gAux, err := core.CrossEntropy(out.AuxLogits, auxLabels, norm)
		if err != nil {
			return lossTerms{}, nil, nil, err
		}
		_, total := tg.teacher.Dims()
		kdtAux, gKdtAux, err := core.DistillLoss(
			core.SliceCols(out.AuxLogits, 1, auxWidth),
			core.SliceCols(tg.teacher, known, total),
			temperature, norm)
		if err != nil {
			return lossTerms{}, nil, nil, err
		}
		core.AddCols(gAux, 1, gKdtAux)
		w := 0.5 * weight
		gAux.Scale(w, gAux)

		terms.Total += w * (aux + kdtAux)
		terms.Aux = aux
		return terms, grad, gAux, nil
	}
}

// RemapAux maps labels into the auxiliary space: 0 for every old class, 1..k for the k classes
// of the current task.
func RemapAux(labels []int, known, width int) ([]int, error) {
	out := make([]int, len(labels))
	for i, y := range labels {
		if r := y - known + 1; r > 0 {
			out[i] = r
		}
		if out[i] >= width {
			return nil, fmt.Errorf("label %d maps to auxiliary class %d of %d: %w", y, out[i], width, core.ErrDimensionMismatch)
		}
	}
	return out, nil
}
