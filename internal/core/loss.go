package core

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Softmax - row-wise softmax of logits/T
func Softmax(logits *mat.Dense, temperature float64) *mat.Dense {
	out := LogSoftmax(logits, temperature)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j, v := range row {
			row[j] = math.Exp(v)
		}
	}
	return out
}

// LogSoftmax - numerically stable row-wise log-softmax of logits/T
func LogSoftmax(logits *mat.Dense, temperature float64) *mat.Dense {
	out := mat.DenseCopyOf(logits)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		floats.Scale(1/temperature, row)
		maxV := floats.Max(row)
		var sum float64
		for _, v := range row {
			sum += math.Exp(v - maxV)
		}
		lse := maxV + math.Log(sum)
		floats.AddConst(-lse, row)
	}
	return out
}

// CrossEntropy returns sum_i -log softmax(z_i)[y_i] / norm and its gradient w.r.t. the logits.
// norm is normally the batch size; shards of a data-parallel step pass the global batch size.
func CrossEntropy(logits *mat.Dense, targets []int, norm float64) (float64, *mat.Dense, error) {
	r, c := logits.Dims()
	if len(targets) != r {
		return 0, nil, fmt.Errorf("cross-entropy: %d targets for %d rows: %w", len(targets), r, ErrDimensionMismatch)
	}
	logp := LogSoftmax(logits, 1)
	grad := mat.NewDense(r, c, nil)
	var loss float64
	for i, y := range targets {
		if y < 0 || y >= c {
			return 0, nil, fmt.Errorf("cross-entropy: target %d outside [0,%d): %w", y, c, ErrDimensionMismatch)
		}
		lp := logp.RawRowView(i)
		loss -= lp[y]
		g := grad.RawRowView(i)
		for j, v := range lp {
			g[j] = math.Exp(v) / norm
		}
		g[y] -= 1 / norm
	}
	return loss / norm, grad, nil
}

// DistillLoss is the soft-target cross-entropy used for knowledge distillation:
//
//	-(1/norm) Σ_i softmax(t_i/T) · log_softmax(s_i/T)
//
// The returned gradient is w.r.t. the student logits: (q - p) / (T·norm).
func DistillLoss(student, teacher *mat.Dense, temperature, norm float64) (float64, *mat.Dense, error) {
	sr, sc := student.Dims()
	tr, tc := teacher.Dims()
	if sr != tr || sc != tc {
		return 0, nil, fmt.Errorf("distillation: student %dx%d vs teacher %dx%d: %w", sr, sc, tr, tc, ErrDimensionMismatch)
	}
	logq := LogSoftmax(student, temperature)
	p := Softmax(teacher, temperature)
	grad := mat.NewDense(sr, sc, nil)
	var loss float64
	for i := 0; i < sr; i++ {
		lq, pr, g := logq.RawRowView(i), p.RawRowView(i), grad.RawRowView(i)
		loss -= floats.Dot(pr, lq)
		for j := range g {
			g[j] = (math.Exp(lq[j]) - pr[j]) / (temperature * norm)
		}
	}
	return loss / norm, grad, nil
}

// KLDivergence - mean KL(softmax(t/T) || softmax(s/T)) over rows.
// It differs from DistillLoss only by the teacher entropy, so both share a gradient.
func KLDivergence(student, teacher *mat.Dense, temperature float64) float64 {
	logq := LogSoftmax(student, temperature)
	logp := LogSoftmax(teacher, temperature)
	r, _ := logq.Dims()
	var kl float64
	for i := 0; i < r; i++ {
		lq, lp := logq.RawRowView(i), logp.RawRowView(i)
		for j := range lp {
			kl += math.Exp(lp[j]) * (lp[j] - lq[j])
		}
	}
	return kl / float64(r)
}
