package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
)

// Extractor maps samples to feature rows with the current network.
type Extractor func(ctx context.Context, samples []data.Sample) (*mat.Dense, error)

// ClassSource serves the training samples of a single class.
type ClassSource interface {
	ClassData(class int, source data.Split) ([]data.Sample, error)
}

// ExemplarSet - retained samples of one class in herded order, plus the normalized class mean
type ExemplarSet struct {
	Class   int
	Samples []data.Sample
	Mean    []float64
}

// Config - replay budget
type Config struct {
	MemorySize     int  `yaml:"memory_size" validate:"gte=0"`
	MemoryPerClass int  `yaml:"memory_per_class" validate:"gte=0"`
	Fixed          bool `yaml:"fixed_memory"`
	// FlipMeans averages each class mean with the mean of its flipped exemplars.
	FlipMeans      bool `yaml:"flip_means"`
}

// Manager keeps exemplar sets for every learned class.
type Manager struct {
	cfg  Config
	sets map[int]*ExemplarSet
	log  zerolog.Logger
}

func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.Fixed && cfg.MemoryPerClass <= 0 {
		return nil, fmt.Errorf("fixed_memory needs memory_per_class > 0: %w", core.ErrConfiguration)
	}
	if !cfg.Fixed && cfg.MemorySize <= 0 {
		return nil, fmt.Errorf("memory_size must be positive: %w", core.ErrConfiguration)
	}
	return &Manager{
		cfg:  cfg,
		sets: make(map[int]*ExemplarSet),
		log:  logger.With().Str("component", "memory").Logger(),
	}, nil
}

// SamplesPerClass - fixed quota, or the budget spread evenly over totalClasses
func (m *Manager) SamplesPerClass(totalClasses int) int {
	if m.cfg.Fixed {
		return m.cfg.MemoryPerClass
	}
	if totalClasses <= 0 {
		return 0
	}
	return m.cfg.MemorySize / totalClasses
}

// Select herds quota exemplars for class among candidates and stores the set.
// A pool smaller than quota is logged and accepted.
func (m *Manager) Select(ctx context.Context, class int, candidates []data.Sample, quota int, extract Extractor) (*ExemplarSet, error) {
	set := &ExemplarSet{Class: class}
	if len(candidates) < quota {
		m.log.Warn().
			Int("class", class).
			Int("quota", quota).
			Int("available", len(candidates)).
			Err(core.ErrResourceExhausted).
			Msg("exemplar pool smaller than quota")
	}
	if len(candidates) > 0 && quota > 0 {
		vectors, err := extract(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("failed to extract class %d: %w", class, err)
		}
		for _, i := range Herd(vectors, quota) {
			set.Samples = append(set.Samples, candidates[i])
		}
	}
	if err := m.refreshMean(ctx, set, extract); err != nil {
		return nil, err
	}
	m.sets[class] = set
	return set, nil
}

func (m *Manager) refreshMean(ctx context.Context, set *ExemplarSet, extract Extractor) error {
	if len(set.Samples) == 0 {
		set.Mean = nil
		return nil
	}
	vectors, err := extract(ctx, set.Samples)
	if err != nil {
		return fmt.Errorf("failed to extract exemplars of class %d: %w", set.Class, err)
	}
	mean := core.MeanRows(core.NormalizeRows(vectors))
	if m.cfg.FlipMeans {
		flipped := make([]data.Sample, len(set.Samples))
		for i, s := range set.Samples {
			flipped[i] = data.ModeFlip.Apply(s)
		}
		fv, err := extract(ctx, flipped)
		if err != nil {
			return fmt.Errorf("failed to extract flipped exemplars of class %d: %w", set.Class, err)
		}
		floats.Add(mean, core.MeanRows(core.NormalizeRows(fv)))
		floats.Scale(0.5, mean)
	}
	set.Mean = core.Normalize(mean)
	return nil
}

// Rebalance trims every set to the quota for totalClasses, keeping the herded prefix.
func (m *Manager) Rebalance(totalClasses int) {
	quota := m.SamplesPerClass(totalClasses)
	for _, set := range m.sets {
		if len(set.Samples) > quota {
			set.Samples = set.Samples[:quota:quota]
		}
	}
}

func (m *Manager) classes() []int {
	out := make([]int, 0, len(m.sets))
	for c := range m.sets {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// ReplaySet returns all exemplars, classes ascending, herded order within a class.
func (m *Manager) ReplaySet() []data.Sample {
	var out []data.Sample
	for _, c := range m.classes() {
		out = append(out, m.sets[c].Samples...)
	}
	return out
}

// Size - total stored exemplars
func (m *Manager) Size() int {
	n := 0
	for _, set := range m.sets {
		n += len(set.Samples)
	}
	return n
}

// Set returns the exemplar set of class, if any.
func (m *Manager) Set(class int) (*ExemplarSet, bool) {
	s, ok := m.sets[class]
	return s, ok
}

// ClassMeans stacks the means of classes [0, n) as rows. Classes without a mean get a zero row.
func (m *Manager) ClassMeans(n, dim int) *mat.Dense {
	means := mat.NewDense(max(n, 1), max(dim, 1), nil)
	for c := 0; c < n; c++ {
		if set, ok := m.sets[c]; ok && len(set.Mean) == dim {
			means.SetRow(c, set.Mean)
		}
	}
	return means
}

// Build is the per-task memory rebuild: trim old classes to the new quota, refresh their means
// with the current extractor, then herd exemplars for classes [known, total).
func (m *Manager) Build(ctx context.Context, src ClassSource, known, total int, extract Extractor) error {
	quota := m.SamplesPerClass(total)
	if quota == 0 {
		m.log.Warn().Int("total_classes", total).Int("memory_size", m.cfg.MemorySize).Msg("replay budget rounds to zero exemplars per class")
	}
	m.Rebalance(total)
	for _, c := range m.classes() {
		if c >= known {
			continue
		}
		if err := m.refreshMean(ctx, m.sets[c], extract); err != nil {
			return err
		}
	}
	for c := known; c < total; c++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		candidates, err := src.ClassData(c, data.SplitTrain)
		if err != nil {
			return fmt.Errorf("failed to fetch class %d: %w", c, err)
		}
		if _, err := m.Select(ctx, c, candidates, quota, extract); err != nil {
			return err
		}
	}
	m.log.Info().Int("known", known).Int("total", total).Int("per_class", quota).Int("size", m.Size()).Msg("exemplar memory rebuilt")
	return nil
}
