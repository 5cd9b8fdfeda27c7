package learning

import (
	"context"

	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
	"github.com/lumix-ai/cil/internal/model"
)

// ICaRL - single growing backbone regularized by the teacher and by a frozen copy of the
// previous student.
type ICaRL struct {
	*base
	net *model.IncrementalNet
	old *model.IncrementalNet
}

func NewICaRL(opts Options) (*ICaRL, error) {
	net, err := model.NewIncrementalNet(opts.Config.StudentBackbone, opts.InDim, core.NewRNG(opts.Seed, core.StreamStudent))
	if err != nil {
		return nil, err
	}
	b, err := newBase(opts, net, "icarl")
	if err != nil {
		return nil, err
	}
	return &ICaRL{base: b, net: net}, nil
}

func (l *ICaRL) IncrementalTrain(ctx context.Context, dm *data.Manager) error {
	if err := l.beginTask(dm); err != nil {
		return err
	}
	l.logParams()
	if err := l.trainTeacher(ctx); err != nil {
		return err
	}

	obj := dualObjective(l.cfg.DistillTemperature)
	var old model.Network
	if l.curTask > 0 {
		obj = oldSnapshotObjective(obj, l.known, l.cfg.OldDistillTemperature)
		old = l.old
	}
	if err := l.trainStudent(ctx, core.SchedulerCosine, l.cfg.EtaMin, obj, old); err != nil {
		return err
	}
	return l.finishTask(ctx)
}

// AfterTask freezes a snapshot of the student for the next task's old-class distillation.
func (l *ICaRL) AfterTask() {
	l.old = l.net.Copy().Freeze()
	l.base.AfterTask()
}
