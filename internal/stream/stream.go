// internal/stream/stream.go
package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumix-ai/cil/internal/config"
	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
	"github.com/lumix-ai/cil/internal/evaluation"
	"github.com/lumix-ai/cil/internal/learning"
	"github.com/lumix-ai/cil/internal/memory"
	"github.com/lumix-ai/cil/internal/monitoring"
	"github.com/lumix-ai/cil/internal/storage"
)

// Evaluator names used for aggregators, sinks and metrics.
const (
	EvaluatorCNN = "cnn"
	EvaluatorNME = "nme"
)

// Task - one step of the class-incremental stream
type Task struct {
	Index        int
	NewClasses   int
	KnownClasses int
	TotalClasses int
}

// Deps are the long-lived collaborators of a run. Zero values are valid: a nil Sink discards
// artifacts, a nil Out skips matrix rendering.
type Deps struct {
	Sink        storage.Sink
	Monitor     *monitoring.Monitor
	Checkpoints *storage.CheckpointStore
	Out         io.Writer
	Logger      zerolog.Logger
}

// SeedResult - outcome of the stream for one seed
type SeedResult struct {
	RunID     string
	Seed      int64
	Tasks     []Task
	CNN       *evaluation.Aggregator
	NME       *evaluation.Aggregator
	Exemplars int
}

// Result collects every seed of a run.
type Result struct {
	Seeds []SeedResult
}

// AverageAccuracy is the mean CNN top-1 of the last seed.
func (r *Result) AverageAccuracy() float64 {
	if r == nil || len(r.Seeds) == 0 {
		return 0
	}
	return r.Seeds[len(r.Seeds)-1].CNN.AverageAccuracy()
}

// Run trains the configured learner over the task stream once per seed.
func Run(ctx context.Context, cfg *config.Config, deps Deps) (*Result, error) {
	devices, err := core.ParseDevices(cfg.Device)
	if err != nil {
		return nil, err
	}
	seeds := cfg.Seed
	if len(seeds) == 0 {
		seeds = []int64{config.DefaultSeed}
	}
	res := &Result{}
	for _, seed := range seeds {
		sr, err := runSeed(ctx, cfg, deps, devices, seed)
		if err != nil {
			return res, fmt.Errorf("seed %d: %w", seed, err)
		}
		res.Seeds = append(res.Seeds, *sr)
	}
	return res, nil
}

func provider(cfg *config.Config, seed int64) (data.Provider, error) {
	switch cfg.Dataset {
	case config.DatasetSynthetic:
		sc := cfg.Synthetic
		sc.Classes, sc.Seed = cfg.TotalClasses, seed
		return data.NewSynthetic(sc)
	case config.DatasetJSON:
		return &data.JSONFile{Path: cfg.DatasetPath}, nil
	default:
		return nil, fmt.Errorf("unknown dataset %q: %w", cfg.Dataset, core.ErrConfiguration)
	}
}

func runSeed(ctx context.Context, cfg *config.Config, deps Deps, devices []core.Device, seed int64) (*SeedResult, error) {
	runID := uuid.NewString()
	logger := deps.Logger.With().Str("run_id", runID).Int64("seed", seed).Logger()
	logger.Info().
		Str("model", cfg.ModelName).
		Str("dataset", cfg.Dataset).
		Int("init_cls", cfg.InitCls).
		Int("increment", cfg.Increment).
		Msg("starting run")

	src, err := provider(cfg, seed)
	if err != nil {
		return nil, err
	}
	dm, err := data.NewManager(ctx, src, data.ManagerConfig{
		Shuffle:   cfg.Shuffle,
		Seed:      seed,
		InitCls:   cfg.InitCls,
		Increment: cfg.Increment,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare data: %w", err)
	}
	mem, err := memory.NewManager(memory.Config{
		MemorySize:     cfg.MemorySize,
		MemoryPerClass: cfg.MemoryPerClass,
		Fixed:          cfg.FixedMemory,
		FlipMeans:      cfg.FlipMeans,
	}, logger)
	if err != nil {
		return nil, err
	}
	learner, err := learning.New(learning.Options{
		Config:      cfg,
		Seed:        seed,
		InDim:       dm.Dim(),
		Devices:     devices,
		Memory:      mem,
		Monitor:     deps.Monitor,
		Checkpoints: deps.Checkpoints,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	sr := &SeedResult{
		RunID: runID,
		Seed:  seed,
		CNN:   evaluation.NewAggregator(EvaluatorCNN, dm.NbTasks(), logger),
		NME:   evaluation.NewAggregator(EvaluatorNME, dm.NbTasks(), logger),
	}
	for t := 0; t < dm.NbTasks(); t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		task, err := runTask(ctx, learner, dm, sr, deps, logger)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", t, err)
		}
		sr.Tasks = append(sr.Tasks, task)
		if cfg.MaxClasses > 0 && task.TotalClasses >= cfg.MaxClasses {
			logger.Info().Int("total_classes", task.TotalClasses).Msg("reached max_classes, stopping")
			break
		}
	}
	sr.Exemplars = learner.ExemplarSize()

	if err := report(ctx, learner, sr, deps, logger); err != nil {
		return nil, err
	}
	return sr, nil
}

// runTask trains, evaluates and records one task.
func runTask(ctx context.Context, learner learning.Learner, dm *data.Manager, sr *SeedResult, deps Deps, logger zerolog.Logger) (Task, error) {
	started := time.Now()
	if err := learner.IncrementalTrain(ctx, dm); err != nil {
		return Task{}, err
	}
	cnn, nme, err := learner.EvalTask(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("failed to evaluate: %w", err)
	}
	task := Task{
		Index:        learner.CurrentTask(),
		KnownClasses: learner.KnownClasses(),
		TotalClasses: learner.TotalClasses(),
	}
	task.NewClasses = task.TotalClasses - task.KnownClasses
	learner.AfterTask()

	sr.CNN.Record(task.Index, cnn)
	deps.Monitor.SetTask(task.Index, task.TotalClasses)
	deps.Monitor.ObserveAccuracy(EvaluatorCNN, cnn.Top1, sr.CNN.Forgetting())
	if nme != nil {
		sr.NME.Record(task.Index, *nme)
		deps.Monitor.ObserveAccuracy(EvaluatorNME, nme.Top1, sr.NME.Forgetting())
	}

	counts := learner.ParamCounts()
	rec := storage.TaskRecord{
		RunID:        sr.RunID,
		Seed:         sr.Seed,
		Task:         task.Index,
		KnownClasses: task.KnownClasses,
		TotalClasses: task.TotalClasses,
		CNN:          cnn,
		NME:          nme,
		ExemplarSize: learner.ExemplarSize(),
		Params:       counts.Student,
		Trainable:    counts.Trainable,
	}
	if deps.Sink != nil {
		if err := deps.Sink.WriteTask(ctx, rec); err != nil {
			return Task{}, fmt.Errorf("failed to write task metrics: %w", err)
		}
	}

	ev := logger.Info().
		Int("task", task.Index).
		Float64("cnn_top1", cnn.Top1).
		Floats64("cnn_curve", sr.CNN.Top1Curve()).
		Dur("took", time.Since(started))
	if nme != nil {
		ev = ev.Float64("nme_top1", nme.Top1).Floats64("nme_curve", sr.NME.Top1Curve())
	}
	ev.Msgf("Average Accuracy (CNN): %.2f", sr.CNN.AverageAccuracy())
	return task, nil
}

// report writes summaries, renders the accuracy matrices and stores the final confusion counts.
func report(ctx context.Context, learner learning.Learner, sr *SeedResult, deps Deps, logger zerolog.Logger) error {
	aggs := []*evaluation.Aggregator{sr.CNN}
	if sr.NME.Tasks() > 0 {
		aggs = append(aggs, sr.NME)
	}
	summaries := make([]evaluation.Summary, 0, len(aggs))
	for _, a := range aggs {
		s := a.Summary()
		summaries = append(summaries, s)
		logger.Info().
			Str("evaluator", a.Name).
			Float64("average_accuracy", s.AverageAccuracy).
			Float64("aan", s.AAN).
			Float64("forgetting", s.Forgetting).
			Floats64("forgetting_curve", s.ForgettingCurve).
			Msg("stream finished")
		if deps.Out != nil {
			evaluation.RenderMatrix(deps.Out, "accuracy "+a.Name, a.RecordedMatrix())
		}
	}
	if deps.Sink == nil {
		return nil
	}
	if err := deps.Sink.WriteSummary(ctx, sr.RunID, summaries); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	conf, err := learner.Confusion(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute confusion: %w", err)
	}
	if err := deps.Sink.WriteConfusion(ctx, sr.RunID, EvaluatorCNN, conf); err != nil {
		return fmt.Errorf("failed to write confusion: %w", err)
	}
	return nil
}
