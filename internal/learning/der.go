package learning

import (
	"context"

	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
	"github.com/lumix-ai/cil/internal/model"
)

// DER - one new backbone per task, older backbones frozen, auxiliary head on the newest one.
type DER struct {
	*base
	net *model.DERNet
}

func NewDER(opts Options) (*DER, error) {
	net, err := model.NewDERNet(opts.Config.StudentBackbone, opts.InDim, core.NewRNG(opts.Seed, core.StreamStudent))
	if err != nil {
		return nil, err
	}
	b, err := newBase(opts, net, "der")
	if err != nil {
		return nil, err
	}
	return &DER{base: b, net: net}, nil
}

func (l *DER) IncrementalTrain(ctx context.Context, dm *data.Manager) error {
	if err := l.beginTask(dm); err != nil {
		return err
	}
	if l.curTask > 0 {
		l.net.FreezeOld()
	}
	l.logParams()
	if err := l.trainTeacher(ctx); err != nil {
		return err
	}

	if err := l.trainStudent(ctx, core.SchedulerCosine, l.cfg.EtaMin, l.studentObjective(), nil); err != nil {
		return err
	}
	if l.curTask > 0 {
		gamma := l.net.WeightAlign(l.total - l.known)
		l.log.Info().Float64("gamma", gamma).Msg("aligned new class weights")
	}
	return l.finishTask(ctx)
}

// studentObjective - dual loss, plus the unweighted auxiliary terms after the first task
func (l *DER) studentObjective() objective {
	obj := dualObjective(l.cfg.DistillTemperature)
	if l.curTask > 0 {
		obj = auxObjective(obj, l.known, l.cfg.DistillTemperature, 1)
	}
	return obj
}
