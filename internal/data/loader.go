package data

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Batch - stacked inputs of a mini-batch
type Batch struct {
	X      *mat.Dense
	Labels []int
	Index  []int
}

// Loader yields mini-batches, reshuffling on every pass when shuffle is set.
type Loader struct {
	samples   []Sample
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

func NewLoader(samples []Sample, batchSize int, shuffle bool, rng *rand.Rand) *Loader {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Loader{samples: samples, batchSize: batchSize, shuffle: shuffle, rng: rng}
}

// Len is the number of samples.
func (l *Loader) Len() int { return len(l.samples) }

// NumBatches - batches per pass
func (l *Loader) NumBatches() int { return (len(l.samples) + l.batchSize - 1) / l.batchSize }

// Batches returns one pass over the data.
func (l *Loader) Batches() []Batch {
	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	if l.shuffle && l.rng != nil {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var out []Batch
	for start := 0; start < len(order); start += l.batchSize {
		end := min(start+l.batchSize, len(order))
		out = append(out, l.stack(order[start:end]))
	}
	return out
}

func (l *Loader) stack(pos []int) Batch {
	dim := len(l.samples[pos[0]].Input)
	x := mat.NewDense(len(pos), dim, nil)
	b := Batch{X: x, Labels: make([]int, len(pos)), Index: make([]int, len(pos))}
	for i, p := range pos {
		s := l.samples[p]
		x.SetRow(i, s.Input)
		b.Labels[i] = s.Label
		b.Index[i] = s.Index
	}
	return b
}

// Stack builds a single matrix from samples, in order.
func Stack(samples []Sample) *mat.Dense {
	if len(samples) == 0 {
		return nil
	}
	return NewLoader(samples, len(samples), false, nil).Batches()[0].X
}
