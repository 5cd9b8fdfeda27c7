package evaluation

import (
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Aggregator accumulates per-task metrics of one evaluator (CNN or NME) across a stream.
type Aggregator struct {
	Name    string
	nbTasks int
	top1    []float64
	topk    []float64
	rows    [][]float64
	log     zerolog.Logger
}

func NewAggregator(name string, nbTasks int, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		Name:    name,
		nbTasks: nbTasks,
		log:     logger.With().Str("component", "evaluation").Str("evaluator", name).Logger(),
	}
}

// Record appends the metrics measured right after training task.
func (a *Aggregator) Record(task int, m Metrics) {
	if task != len(a.rows) {
		a.log.Warn().Int("task", task).Int("expected", len(a.rows)).Msg("out of order record")
	}
	a.top1 = append(a.top1, m.Top1)
	a.topk = append(a.topk, m.TopK)
	a.rows = append(a.rows, m.Blocks())
}

// Tasks - number of recorded tasks
func (a *Aggregator) Tasks() int { return len(a.rows) }

func (a *Aggregator) Top1Curve() []float64 { return append([]float64(nil), a.top1...) }

func (a *Aggregator) TopKCurve() []float64 { return append([]float64(nil), a.topk...) }

// Matrix returns the T×T accuracy matrix: entry [t][j] is the accuracy on task j's classes right
// after training task t. It is lower-triangular and rows of tasks not yet learned are zero.
func (a *Aggregator) Matrix() *mat.Dense {
	size := max(a.nbTasks, len(a.rows), 1)
	m := mat.NewDense(size, size, nil)
	for t, row := range a.rows {
		for j, v := range row {
			if j <= t && j < size {
				m.Set(t, j, v)
			}
		}
	}
	return m
}

// RecordedMatrix is Matrix cut to the tasks actually recorded, for streams that stop early.
func (a *Aggregator) RecordedMatrix() *mat.Dense {
	n := max(len(a.rows), 1)
	return mat.DenseCopyOf(a.Matrix().Slice(0, n, 0, n))
}

// AccTable is Matrix transposed (row = task block, column = training step).
func (a *Aggregator) AccTable() *mat.Dense {
	return mat.DenseCopyOf(a.Matrix().T())
}

// NewTaskCurve - accuracy on each task's own classes right after learning it
func (a *Aggregator) NewTaskCurve() []float64 {
	if len(a.rows) == 0 {
		a.log.Warn().Msg("new-task curve of an empty stream")
		return nil
	}
	m := a.Matrix()
	out := make([]float64, len(a.rows))
	for t := range out {
		out[t] = m.At(t, t)
	}
	return out
}

// ForgettingCurve has one entry per task i after the first: the mean over tasks j < i of the best
// accuracy ever recorded on j minus the accuracy on j right after task i.
func (a *Aggregator) ForgettingCurve() []float64 {
	if len(a.rows) == 0 {
		a.log.Warn().Msg("forgetting curve of an empty stream")
		return nil
	}
	m := a.Matrix()
	var curve []float64
	for i := 1; i < len(a.rows); i++ {
		drops := make([]float64, i)
		for j := 0; j < i; j++ {
			best := 0.0
			for s := j; s < len(a.rows); s++ {
				best = max(best, m.At(s, j))
			}
			drops[j] = best - m.At(i, j)
		}
		curve = append(curve, stat.Mean(drops, nil))
	}
	return curve
}

// Forgetting is the last point of the forgetting curve, zero before a second task.
func (a *Aggregator) Forgetting() float64 {
	c := a.ForgettingCurve()
	if len(c) == 0 {
		return 0
	}
	return c[len(c)-1]
}

// AverageAccuracy - mean top-1 over all recorded tasks
func (a *Aggregator) AverageAccuracy() float64 {
	if len(a.top1) == 0 {
		a.log.Warn().Msg("average accuracy of an empty stream")
		return 0
	}
	return floats.Sum(a.top1) / float64(len(a.top1))
}

// AAN is the average accuracy on new tasks.
func (a *Aggregator) AAN() float64 {
	c := a.NewTaskCurve()
	if len(c) == 0 {
		return 0
	}
	return stat.Mean(c, nil)
}

// Summary - the derived curves and scalars of one evaluator
type Summary struct {
	Name            string      `json:"name"`
	Top1Curve       []float64   `json:"top1_curve"`
	TopKCurve       []float64   `json:"topk_curve"`
	NewTaskCurve    []float64   `json:"new_task_curve"`
	ForgettingCurve []float64   `json:"forgetting_curve"`
	Matrix          [][]float64 `json:"matrix"`
	AverageAccuracy float64     `json:"average_accuracy"`
	AAN             float64     `json:"aan"`
	Forgetting      float64     `json:"forgetting"`
}

func (a *Aggregator) Summary() Summary {
	return Summary{
		Name:            a.Name,
		Top1Curve:       a.Top1Curve(),
		TopKCurve:       a.TopKCurve(),
		NewTaskCurve:    a.NewTaskCurve(),
		ForgettingCurve: a.ForgettingCurve(),
		Matrix:          Rows(a.RecordedMatrix()),
		AverageAccuracy: a.AverageAccuracy(),
		AAN:             a.AAN(),
		Forgetting:      a.Forgetting(),
	}
}

// Rows copies a matrix into nested slices.
func Rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		for j := range out[i] {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
