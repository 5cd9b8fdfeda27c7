package data

import (
	"context"
	"fmt"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/lumix-ai/cil/internal/core"
)

// ManagerConfig - class order and task split parameters
type ManagerConfig struct {
	Shuffle   bool
	Seed      int64
	InitCls   int
	Increment int
}

// Manager owns a dataset split into class-incremental tasks.
type Manager struct {
	ClassOrder []int
	increments []int
	dim        int
	train      []Sample
	test       []Sample
	index      *cache.Cache
	log        zerolog.Logger
}

// NewManager loads the provider, fixes the class order and derives task sizes
// [init_cls, increment, ..., remainder].
func NewManager(ctx context.Context, p Provider, cfg ManagerConfig, logger zerolog.Logger) (*Manager, error) {
	if cfg.InitCls < 1 || cfg.Increment < 1 {
		return nil, fmt.Errorf("init_cls and increment must be positive: %w", core.ErrConfiguration)
	}
	rawTrain, rawTest, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s dataset: %w", p.Name(), err)
	}
	if len(rawTrain) == 0 {
		return nil, fmt.Errorf("%s dataset has no training samples: %w", p.Name(), core.ErrConfiguration)
	}

	nbClasses := 0
	for _, s := range append(append([]RawSample(nil), rawTrain...), rawTest...) {
		nbClasses = max(nbClasses, s.Label+1)
	}
	if cfg.InitCls > nbClasses {
		return nil, fmt.Errorf("init_cls %d exceeds %d classes: %w", cfg.InitCls, nbClasses, core.ErrConfiguration)
	}

	order := make([]int, nbClasses)
	for i := range order {
		order[i] = i
	}
	if cfg.Shuffle {
		order = core.NewRNG(cfg.Seed, core.StreamClassOrder).Perm(nbClasses)
	}
	position := make([]int, nbClasses)
	for pos, class := range order {
		position[class] = pos
	}

	m := &Manager{
		ClassOrder: order,
		increments: Increments(nbClasses, cfg.InitCls, cfg.Increment),
		dim:        len(rawTrain[0].Input),
		index:      cache.New(cache.NoExpiration, 0),
		log:        logger.With().Str("component", "data").Logger(),
	}
	if m.train, err = m.remap(rawTrain, position); err != nil {
		return nil, err
	}
	if m.test, err = m.remap(rawTest, position); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("dataset", p.Name()).
		Ints("class_order", order).
		Ints("increments", m.increments).
		Int("train", len(m.train)).
		Int("test", len(m.test)).
		Msg("dataset ready")
	return m, nil
}

func (m *Manager) remap(raw []RawSample, position []int) ([]Sample, error) {
	out := make([]Sample, len(raw))
	for i, s := range raw {
		if len(s.Input) != m.dim {
			return nil, fmt.Errorf("sample %d has %d features, want %d: %w", i, len(s.Input), m.dim, core.ErrDimensionMismatch)
		}
		out[i] = Sample{Index: i, Input: s.Input, Label: position[s.Label]}
	}
	return out, nil
}

// Increments splits nbClasses into task sizes: the first task gets initCls, each following task
// gets increment, and a final smaller task takes any remainder.
func Increments(nbClasses, initCls, increment int) []int {
	inc := []int{initCls}
	sum := initCls
	for sum+increment < nbClasses {
		inc = append(inc, increment)
		sum += increment
	}
	if rest := nbClasses - sum; rest > 0 {
		inc = append(inc, rest)
	}
	return inc
}

func (m *Manager) NbTasks() int { return len(m.increments) }

// TaskSize returns the number of new classes introduced by task t.
func (m *Manager) TaskSize(t int) int { return m.increments[t] }

func (m *Manager) NbClasses() int { return len(m.ClassOrder) }

func (m *Manager) Dim() int { return m.dim }

func (m *Manager) split(s Split) ([]Sample, error) {
	switch s {
	case SplitTrain:
		return m.train, nil
	case SplitTest:
		return m.test, nil
	}
	return nil, fmt.Errorf("unknown split %q: %w", s, core.ErrConfiguration)
}

// positions returns where the samples of class sit in the split, memoized per split and class.
func (m *Manager) positions(s Split, samples []Sample, class int) []int {
	key := fmt.Sprintf("%s/%d", s, class)
	if hit, ok := m.index.Get(key); ok {
		return hit.([]int)
	}
	var idx []int
	for i, smp := range samples {
		if smp.Label == class {
			idx = append(idx, i)
		}
	}
	m.index.SetDefault(key, idx)
	return idx
}

// ClassData returns every sample of one class from a split.
func (m *Manager) ClassData(class int, source Split) ([]Sample, error) {
	samples, err := m.split(source)
	if err != nil {
		return nil, err
	}
	idx := m.positions(source, samples, class)
	out := make([]Sample, len(idx))
	for i, p := range idx {
		out[i] = samples[p]
	}
	return out, nil
}

// GetDataset gathers the samples of the given classes, presented through mode, followed by the
// appendent samples (typically replay exemplars).
func (m *Manager) GetDataset(classes []int, source Split, mode Mode, appendent []Sample) ([]Sample, error) {
	var out []Sample
	for _, c := range classes {
		if c < 0 || c >= m.NbClasses() {
			return nil, fmt.Errorf("class %d outside [0,%d): %w", c, m.NbClasses(), core.ErrDimensionMismatch)
		}
		cls, err := m.ClassData(c, source)
		if err != nil {
			return nil, err
		}
		for _, s := range cls {
			out = append(out, mode.Apply(s))
		}
	}
	for _, s := range appendent {
		out = append(out, mode.Apply(s))
	}
	return out, nil
}

// Range returns the class ids in [from, to).
func Range(from, to int) []int {
	out := make([]int, 0, max(0, to-from))
	for c := from; c < to; c++ {
		out = append(out, c)
	}
	return out
}
