// internal/learning/adaptive_learner.go
package learning

import (
	"context"
	"fmt"

	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
	"github.com/lumix-ai/cil/internal/model"
)

// MEMO - shared generalized blocks with one adaptive extractor per task. Whether the shared
// blocks and the older extractors keep training is configurable.
type MEMO struct {
	*base
	net *model.AdaptiveNet
}

func NewMEMO(opts Options) (*MEMO, error) {
	net, err := model.NewAdaptiveNet(opts.Config.StudentBackbone, opts.InDim, core.NewRNG(opts.Seed, core.StreamStudent))
	if err != nil {
		return nil, err
	}
	b, err := newBase(opts, net, "memo")
	if err != nil {
		return nil, err
	}
	b.log.Info().
		Bool("train_base", opts.Config.TrainBase).
		Bool("train_adaptive", opts.Config.TrainAdaptive).
		Msg(">>> generalized blocks configuration")
	return &MEMO{base: b, net: net}, nil
}

func (l *MEMO) IncrementalTrain(ctx context.Context, dm *data.Manager) error {
	if err := l.beginTask(dm); err != nil {
		return err
	}
	if l.curTask > 0 {
		l.net.FreezeOld(l.cfg.TrainBase, l.cfg.TrainAdaptive)
	}
	l.logParams()

	if l.curTask == 0 && l.cfg.Skip {
		if err := l.loadInitial(ctx); err != nil {
			return err
		}
		return l.finishTask(ctx)
	}

	if err := l.trainTeacher(ctx); err != nil {
		return err
	}
	if err := l.trainStudent(ctx, l.cfg.Scheduler, l.cfg.EtaMin, l.studentObjective(), nil); err != nil {
		return err
	}
	if l.curTask > 0 {
		gamma := l.net.WeightAlign(l.total - l.known)
		l.log.Info().Float64("gamma", gamma).Msg("aligned new class weights")
	}
	return l.finishTask(ctx)
}

// studentObjective weights the auxiliary terms by alpha_aux.
func (l *MEMO) studentObjective() objective {
	obj := dualObjective(l.cfg.DistillTemperature)
	if l.curTask > 0 {
		obj = auxObjective(obj, l.known, l.cfg.DistillTemperature, l.cfg.AlphaAux)
	}
	return obj
}

// loadInitial restores the first-task student from a checkpoint instead of training it.
func (l *MEMO) loadInitial(ctx context.Context) error {
	if l.ckpt == nil {
		return fmt.Errorf("skip needs a checkpoint store: %w", core.ErrConfiguration)
	}
	if err := l.ckpt.Load(l.checkpointPrefix(), 0, l.student.Params()); err != nil {
		return fmt.Errorf("failed to load initial student: %w", err)
	}
	acc, err := l.accuracy(ctx, l.student, l.testSet)
	if err != nil {
		return err
	}
	l.log.Info().Float64("test_acc", acc).Msg("loaded first task student")
	return nil
}
