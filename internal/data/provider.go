package data

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/tidwall/gjson"

	"github.com/lumix-ai/cil/internal/core"
)

// Provider loads the raw train and test partitions of a dataset.
type Provider interface {
	Name() string
	Load(ctx context.Context) (train, test []RawSample, err error)
}

// SyntheticConfig - seeded Gaussian clusters, one per class
type SyntheticConfig struct {
	Classes       int     `yaml:"-"`
	Dim           int     `yaml:"dim" validate:"gte=1"`
	TrainPerClass int     `yaml:"train_per_class" validate:"gte=1"`
	TestPerClass  int     `yaml:"test_per_class" validate:"gte=1"`
	Spread        float64 `yaml:"spread" validate:"gt=0"`
	Seed          int64   `yaml:"-"`
}

// Synthetic generates well separated clusters around random centers.
type Synthetic struct {
	cfg SyntheticConfig
}

func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Classes < 1 || cfg.Dim < 1 || cfg.TrainPerClass < 1 || cfg.TestPerClass < 1 {
		return nil, fmt.Errorf("synthetic dataset needs positive classes/dim/sizes: %w", core.ErrConfiguration)
	}
	return &Synthetic{cfg: cfg}, nil
}

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Load(ctx context.Context) ([]RawSample, []RawSample, error) {
	rng := core.NewRNG(s.cfg.Seed, core.StreamData)
	centers := make([][]float64, s.cfg.Classes)
	for c := range centers {
		centers[c] = make([]float64, s.cfg.Dim)
		for j := range centers[c] {
			centers[c][j] = rng.NormFloat64() * 3
		}
	}
	draw := func(perClass int) ([]RawSample, error) {
		out := make([]RawSample, 0, perClass*s.cfg.Classes)
		for c, center := range centers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for i := 0; i < perClass; i++ {
				out = append(out, RawSample{Input: jitter(center, s.cfg.Spread, rng), Label: c})
			}
		}
		return out, nil
	}
	train, err := draw(s.cfg.TrainPerClass)
	if err != nil {
		return nil, nil, err
	}
	test, err := draw(s.cfg.TestPerClass)
	if err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

func jitter(center []float64, spread float64, rng *rand.Rand) []float64 {
	x := make([]float64, len(center))
	for i, c := range center {
		x[i] = c + rng.NormFloat64()*spread
	}
	return x
}

// JSONFile reads {"train":[{"x":[...],"y":k}], "test":[...]}.
type JSONFile struct {
	Path string
}

func (j *JSONFile) Name() string { return "json" }

func (j *JSONFile) Load(_ context.Context) ([]RawSample, []RawSample, error) {
	raw, err := os.ReadFile(j.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read dataset %s: %w", j.Path, err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, nil, fmt.Errorf("dataset %s is not valid JSON: %w", j.Path, core.ErrConfiguration)
	}
	doc := gjson.ParseBytes(raw)
	train, err := parseSplit(doc.Get(string(SplitTrain)))
	if err != nil {
		return nil, nil, fmt.Errorf("train split: %w", err)
	}
	test, err := parseSplit(doc.Get(string(SplitTest)))
	if err != nil {
		return nil, nil, fmt.Errorf("test split: %w", err)
	}
	return train, test, nil
}

func parseSplit(split gjson.Result) ([]RawSample, error) {
	if !split.IsArray() {
		return nil, fmt.Errorf("missing sample array: %w", core.ErrConfiguration)
	}
	var (
		out     []RawSample
		dim     = -1
		failure error
	)
	split.ForEach(func(i, item gjson.Result) bool {
		x := item.Get("x").Array()
		y := item.Get("y")
		if len(x) == 0 || !y.Exists() || y.Int() < 0 {
			failure = fmt.Errorf("sample %d needs non-empty x and non-negative y: %w", i.Int(), core.ErrConfiguration)
			return false
		}
		if dim >= 0 && len(x) != dim {
			failure = fmt.Errorf("sample %d has %d features, want %d: %w", i.Int(), len(x), dim, core.ErrDimensionMismatch)
			return false
		}
		dim = len(x)
		input := make([]float64, len(x))
		for k, v := range x {
			input[k] = v.Float()
		}
		out = append(out, RawSample{Input: input, Label: int(y.Int())})
		return true
	})
	return out, failure
}
