package storage

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/lumix-ai/cil/internal/evaluation"
)

// TaskRecord - everything measured after one task of one seed
type TaskRecord struct {
	RunID        string
	Seed         int64
	Task         int
	KnownClasses int
	TotalClasses int
	CNN          evaluation.Metrics
	NME          *evaluation.Metrics
	ExemplarSize int
	Params       int
	Trainable    int
}

// Sink receives run artifacts. Writes are append-only.
type Sink interface {
	WriteTask(ctx context.Context, rec TaskRecord) error
	WriteConfusion(ctx context.Context, runID, name string, c evaluation.Confusion) error
	WriteSummary(ctx context.Context, runID string, summaries []evaluation.Summary) error
	Close() error
}

// LogSink writes artifacts as structured log events.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger.With().Str("component", "artifacts").Logger()}
}

func (s *LogSink) WriteTask(_ context.Context, rec TaskRecord) error {
	ev := s.log.Info().
		Str("run_id", rec.RunID).
		Int64("seed", rec.Seed).
		Int("task", rec.Task).
		Int("total_classes", rec.TotalClasses).
		Float64("cnn_top1", rec.CNN.Top1).
		Float64("cnn_topk", rec.CNN.TopK).
		Floats64("cnn_blocks", rec.CNN.Blocks()).
		Int("exemplars", rec.ExemplarSize)
	if rec.NME != nil {
		ev = ev.Float64("nme_top1", rec.NME.Top1).Float64("nme_topk", rec.NME.TopK)
	}
	ev.Msg("task evaluated")
	return nil
}

func (s *LogSink) WriteConfusion(_ context.Context, runID, name string, c evaluation.Confusion) error {
	s.log.Info().Str("run_id", runID).Str("evaluator", name).Interface("task_confusion", c.Task).Msg("confusion matrix")
	return nil
}

func (s *LogSink) WriteSummary(_ context.Context, runID string, summaries []evaluation.Summary) error {
	for _, sum := range summaries {
		s.log.Info().
			Str("run_id", runID).
			Str("evaluator", sum.Name).
			Floats64("top1_curve", sum.Top1Curve).
			Floats64("topk_curve", sum.TopKCurve).
			Floats64("new_task_curve", sum.NewTaskCurve).
			Floats64("forgetting_curve", sum.ForgettingCurve).
			Float64("average_accuracy", sum.AverageAccuracy).
			Float64("aan", sum.AAN).
			Float64("forgetting", sum.Forgetting).
			Msg("run summary")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink fans every write out to all sinks and joins their errors.
type MultiSink []Sink

func (m MultiSink) WriteTask(ctx context.Context, rec TaskRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.WriteTask(ctx, rec))
	}
	return errors.Join(errs...)
}

func (m MultiSink) WriteConfusion(ctx context.Context, runID, name string, c evaluation.Confusion) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.WriteConfusion(ctx, runID, name, c))
	}
	return errors.Join(errs...)
}

func (m MultiSink) WriteSummary(ctx context.Context, runID string, summaries []evaluation.Summary) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.WriteSummary(ctx, runID, summaries))
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
