// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
	"github.com/lumix-ai/cil/internal/model"
)

// Dataset sources.
const (
	DatasetSynthetic = "synthetic"
	DatasetJSON      = "json"
)

// DefaultSeed is used when no seed list is configured.
const DefaultSeed int64 = 1993

// Config - one experiment. Loaded once and passed around by pointer, never mutated after Load.
type Config struct {
	Prefix      string `yaml:"prefix"`
	Dataset     string `yaml:"dataset" validate:"required,oneof=synthetic json"`
	DatasetPath string `yaml:"dataset_path" validate:"required_if=Dataset json"`
	Shuffle     bool   `yaml:"shuffle"`

	InitCls      int `yaml:"init_cls" validate:"gte=1"`
	Increment    int `yaml:"increment" validate:"gte=1"`
	TotalClasses int `yaml:"total_classes" validate:"gte=1"`
	MaxClasses   int `yaml:"max_classes" validate:"gte=0"`

	MemorySize     int  `yaml:"memory_size" validate:"gte=0"`
	MemoryPerClass int  `yaml:"memory_per_class" validate:"gte=0"`
	FixedMemory    bool `yaml:"fixed_memory"`
	FlipMeans      bool `yaml:"flip_means"`

	ModelName       string             `yaml:"model_name" validate:"required,oneof=icarl_t der_t memo_t"`
	ConvnetType     string             `yaml:"convnet_type"`
	StudentBackbone model.BackboneSpec `yaml:"student_backbone"`
	TeacherBackbone model.BackboneSpec `yaml:"teacher_backbone"`

	Device []string `yaml:"device" validate:"min=1"`
	Seed   []int64  `yaml:"seed" validate:"min=1"`

	InitEpoch       int     `yaml:"init_epoch" validate:"gte=0"`
	InitLR          float64 `yaml:"init_lr" validate:"gt=0"`
	InitMilestones  []int   `yaml:"init_milestones"`
	InitLRDecay     float64 `yaml:"init_lr_decay" validate:"gte=0"`
	InitWeightDecay float64 `yaml:"init_weight_decay" validate:"gte=0"`

	Epochs      int     `yaml:"epochs" validate:"gte=0"`
	LRate       float64 `yaml:"lrate" validate:"gt=0"`
	Milestones  []int   `yaml:"milestones"`
	LRateDecay  float64 `yaml:"lrate_decay" validate:"gte=0"`
	WeightDecay float64 `yaml:"weight_decay" validate:"gte=0"`
	BatchSize   int     `yaml:"batch_size" validate:"gte=1"`
	Scheduler   string  `yaml:"scheduler"`
	EtaMin      float64 `yaml:"eta_min" validate:"gte=0"`

	AlphaAux              float64 `yaml:"alpha_aux" validate:"gte=0"`
	TrainBase             bool    `yaml:"train_base"`
	TrainAdaptive         bool    `yaml:"train_adaptive"`
	Skip                  bool    `yaml:"skip"`
	DistillTemperature    float64 `yaml:"distill_temperature" validate:"gt=0"`
	OldDistillTemperature float64 `yaml:"old_distill_temperature" validate:"gt=0"`
	TeacherReinit         bool    `yaml:"teacher_reinit"`

	LogInterval   int    `yaml:"log_interval" validate:"gte=1"`
	Progress      bool   `yaml:"progress"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	TopK          int    `yaml:"topk" validate:"gte=1"`

	Artifacts ArtifactsConfig      `yaml:"artifacts"`
	Metrics   MetricsConfig        `yaml:"metrics"`
	Synthetic data.SyntheticConfig `yaml:"synthetic"`
}

type ArtifactsConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the settings the launcher starts from before a file is applied.
func Default() *Config {
	return &Config{
		Prefix:       "reproduce",
		Dataset:      DatasetSynthetic,
		Shuffle:      true,
		InitCls:      10,
		Increment:    10,
		TotalClasses: 100,

		MemorySize: 2000,

		ModelName:       "der_t",
		ConvnetType:     model.BackboneResNet,
		StudentBackbone: model.BackboneSpec{Type: model.BackboneResNet, Depth: 2, Width: 32, FinalSize: 1},
		TeacherBackbone: model.BackboneSpec{Type: model.BackboneResNetScale, Depth: 2, Width: 32, FinalSize: 2},

		Device: []string{"cpu"},
		Seed:   []int64{DefaultSeed},

		InitEpoch:       200,
		InitLR:          0.1,
		InitMilestones:  []int{60, 120, 170},
		InitLRDecay:     0.1,
		InitWeightDecay: 5e-4,

		Epochs:      170,
		LRate:       0.1,
		Milestones:  []int{80, 120},
		LRateDecay:  0.1,
		WeightDecay: 2e-4,
		BatchSize:   128,
		Scheduler:   core.SchedulerCosine,
		EtaMin:      1e-5,

		AlphaAux:              1.0,
		TrainBase:             true,
		TrainAdaptive:         false,
		DistillTemperature:    3,
		OldDistillTemperature: 2,
		TeacherReinit:         true,

		LogInterval: 5,
		TopK:        5,

		Synthetic: data.SyntheticConfig{Dim: 16, TrainPerClass: 50, TestPerClass: 20, Spread: 0.5},
	}
}

var validate = validator.New()

// Load reads a YAML (or JSON) file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid config %s: %w", strings.Join(fields, ", "), core.ErrConfiguration)
		}
		return fmt.Errorf("invalid config: %v: %w", err, core.ErrConfiguration)
	}
	for _, spec := range []model.BackboneSpec{c.StudentBackbone, c.TeacherBackbone} {
		if err := validate.Struct(spec); err != nil {
			return fmt.Errorf("invalid backbone %q: %v: %w", spec.Type, err, core.ErrConfiguration)
		}
	}
	if c.InitCls > c.TotalClasses {
		return fmt.Errorf("init_cls %d exceeds total_classes %d: %w", c.InitCls, c.TotalClasses, core.ErrConfiguration)
	}
	if c.FixedMemory && c.MemoryPerClass == 0 {
		return fmt.Errorf("fixed_memory needs memory_per_class: %w", core.ErrConfiguration)
	}
	if !c.FixedMemory && c.MemorySize == 0 {
		return fmt.Errorf("memory_size must be positive: %w", core.ErrConfiguration)
	}
	if c.Skip && c.CheckpointDir == "" {
		return fmt.Errorf("skip needs checkpoint_dir: %w", core.ErrConfiguration)
	}
	return nil
}

// Overrides - command line values that replace file settings when set
type Overrides struct {
	GPU     *int
	Dataset string
	TaskNum int
}

// Apply returns a copy of c with the overrides applied and validated again.
func (c *Config) Apply(o Overrides) (*Config, error) {
	out := *c
	if o.GPU != nil {
		out.Device = []string{fmt.Sprint(*o.GPU)}
	}
	if o.Dataset != "" {
		out.Dataset = o.Dataset
	}
	if o.TaskNum > 0 {
		if o.TaskNum > out.TotalClasses {
			return nil, fmt.Errorf("task_num %d exceeds %d classes: %w", o.TaskNum, out.TotalClasses, core.ErrConfiguration)
		}
		out.InitCls = out.TotalClasses / o.TaskNum
		out.Increment = out.TotalClasses / o.TaskNum
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunName identifies the experiment in logs and artifact files,
// e.g. "der-dual_arch-synthetic-inc10".
func (c *Config) RunName() string {
	return fmt.Sprintf("%s-%s-inc%d", strings.Replace(c.ModelName, "_t", "-dual_arch", 1), c.Dataset, c.Increment)
}
