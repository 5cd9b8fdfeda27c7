package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
	"github.com/lumix-ai/cil/internal/model"
)

const (
	phaseTeacher  = "teacher"
	phaseStudent  = "student"
	momentum      = 0.9
	teacherEtaMin = 1e-5
)

// targets are per-batch reference logits computed once, before sharding.
type targets struct {
	teacher *mat.Dense
	old     *mat.Dense
}

func (t targets) rows(from, to int) targets {
	out := targets{}
	if t.teacher != nil {
		out.teacher = core.SliceRows(t.teacher, from, to)
	}
	if t.old != nil {
		out.old = core.SliceRows(t.old, from, to)
	}
	return out
}

// lossTerms - per-batch loss components, already divided by the batch size
type lossTerms struct {
	Total float64
	Clf   float64
	Aux   float64
}

func (l *lossTerms) add(o lossTerms) {
	l.Total += o.Total
	l.Clf += o.Clf
	l.Aux += o.Aux
}

// objective turns one forward output into loss terms and gradients w.r.t. the logits and the
// auxiliary logits (nil when unused). norm is the global batch size.
type objective func(out model.Output, tg targets, labels []int, norm float64) (lossTerms, *mat.Dense, *mat.Dense, error)

// phase - one optimisation loop over a loader
type phase struct {
	name      string
	net       model.Network
	loader    *data.Loader
	opt       *core.SGD
	sched     core.Scheduler
	epochs    int
	reference func(x *mat.Dense) targets
	objective objective
}

// schedule returns epochs, learning rate, weight decay, milestones and decay of the current task.
func (b *base) schedule() (int, float64, float64, []int, float64) {
	if b.curTask == 0 {
		return b.cfg.InitEpoch, b.cfg.InitLR, b.cfg.InitWeightDecay, b.cfg.InitMilestones, b.cfg.InitLRDecay
	}
	return b.cfg.Epochs, b.cfg.LRate, b.cfg.WeightDecay, b.cfg.Milestones, b.cfg.LRateDecay
}

// newOptimizer builds SGD over params with a named schedule for the current task.
func (b *base) newOptimizer(params []*core.Param, scheduler string, etaMin float64) (*core.SGD, core.Scheduler, int, error) {
	epochs, lr, wd, milestones, gamma := b.schedule()
	opt := core.NewSGD(params, core.SGDConfig{LR: lr, Momentum: momentum, WeightDecay: wd})
	sched, err := core.NewScheduler(scheduler, opt, core.ScheduleConfig{
		TMax:       max(epochs, 1),
		EtaMin:     etaMin,
		Milestones: milestones,
		Gamma:      gamma,
	})
	if err != nil {
		return nil, nil, 0, err
	}
	return opt, sched, epochs, nil
}

// trainTeacher fits the teacher on the task's training data with plain cross-entropy.
func (b *base) trainTeacher(ctx context.Context) error {
	if b.cfg.TeacherReinit {
		if err := b.teacher.Reinitialize(b.total); err != nil {
			return fmt.Errorf("failed to reinitialize teacher: %w", err)
		}
	}
	opt, sched, epochs, err := b.newOptimizer(b.teacher.Trainable(), core.SchedulerCosine, teacherEtaMin)
	if err != nil {
		return err
	}
	return b.runPhase(ctx, phase{
		name:      phaseTeacher,
		net:       b.teacher,
		loader:    data.NewLoader(b.trainSet, b.cfg.BatchSize, true, b.teacherLoaderRNG),
		opt:       opt,
		sched:     sched,
		epochs:    epochs,
		reference: func(*mat.Dense) targets { return targets{} },
		objective: crossEntropyObjective,
	})
}

// trainStudent runs the student phase with the teacher frozen.
func (b *base) trainStudent(ctx context.Context, scheduler string, etaMin float64, obj objective, old model.Network) error {
	opt, sched, epochs, err := b.newOptimizer(b.student.Trainable(), scheduler, etaMin)
	if err != nil {
		return err
	}
	return b.runPhase(ctx, phase{
		name:   phaseStudent,
		net:    b.student,
		loader: data.NewLoader(b.trainSet, b.cfg.BatchSize, true, b.loaderRNG),
		opt:    opt,
		sched:  sched,
		epochs: epochs,
		reference: func(x *mat.Dense) targets {
			tg := targets{teacher: b.teacher.Forward(x).Logits}
			if old != nil {
				tg.old = old.Forward(x).Logits
			}
			return tg
		},
		objective: obj,
	})
}

func (b *base) runPhase(ctx context.Context, p phase) error {
	if p.epochs == 0 || p.loader.Len() == 0 {
		return nil
	}
	var replicas []model.Network
	if len(b.devices) > 1 {
		for range b.devices {
			replicas = append(replicas, p.net.Clone())
		}
	}
	var bar *progressbar.ProgressBar
	if b.cfg.Progress {
		bar = progressbar.Default(int64(p.epochs), fmt.Sprintf("task %d %s", b.curTask, p.name))
		defer bar.Close()
	}

	for epoch := 0; epoch < p.epochs; epoch++ {
		started := time.Now()
		var terms lossTerms
		correct, seen := 0, 0
		batches := p.loader.Batches()
		for _, batch := range batches {
			if err := ctx.Err(); err != nil {
				return err
			}
			core.ZeroGrad(p.net.Params())
			bt, hits, err := b.step(ctx, p, replicas, batch)
			if err != nil {
				return fmt.Errorf("task %d %s epoch %d: %w", b.curTask, p.name, epoch+1, err)
			}
			p.opt.Step()
			terms.add(bt)
			correct += hits
			seen += len(batch.Labels)
		}
		p.sched.Step()

		n := float64(len(batches))
		meanLoss := terms.Total / n
		b.monitor.ObserveEpoch(p.name, meanLoss, time.Since(started))
		if bar != nil {
			_ = bar.Add(1)
		}
		trainAcc := 100 * float64(correct) / float64(seen)
		if (epoch+1)%b.cfg.LogInterval == 0 {
			testAcc, err := b.accuracy(ctx, p.net, b.testSet)
			if err != nil {
				return err
			}
			b.log.Info().
				Str("phase", p.name).
				Int("task", b.curTask).
				Msgf("Task %d, Epoch %d/%d => Loss %.3f, Loss_clf %.3f, Loss_aux %.3f, Train_accy %.2f, Test_accy %.2f",
					b.curTask, epoch+1, p.epochs, meanLoss, terms.Clf/n, terms.Aux/n, trainAcc, testAcc)
		} else {
			b.log.Debug().
				Str("phase", p.name).
				Int("task", b.curTask).
				Int("epoch", epoch+1).
				Float64("loss", meanLoss).
				Float64("train_acc", trainAcc).
				Float64("lr", p.sched.LR()).
				Msg("epoch done")
		}
	}
	return nil
}

// step computes gradients of one batch into p.net. With several devices the batch is split into
// contiguous shards, each replica handles one, and replica gradients are summed in shard order.
func (b *base) step(ctx context.Context, p phase, replicas []model.Network, batch data.Batch) (lossTerms, int, error) {
	norm := float64(len(batch.Labels))
	tg := p.reference(batch.X)

	if len(replicas) == 0 || len(batch.Labels) < 2 {
		return forwardBackward(p.net, batch.X, batch.Labels, tg, p.objective, norm)
	}

	ranges := core.ShardRanges(len(batch.Labels), len(replicas))
	shardTerms := make([]lossTerms, len(ranges))
	shardHits := make([]int, len(ranges))
	for _, r := range replicas[:len(ranges)] {
		core.CopyParams(r.Params(), p.net.Params())
		core.ZeroGrad(r.Params())
	}
	err := core.RunShards(ctx, len(ranges), func(_ context.Context, i int) error {
		from, to := ranges[i][0], ranges[i][1]
		terms, hits, err := forwardBackward(replicas[i], core.SliceRows(batch.X, from, to),
			batch.Labels[from:to], tg.rows(from, to), p.objective, norm)
		shardTerms[i], shardHits[i] = terms, hits
		return err
	})
	if err != nil {
		return lossTerms{}, 0, err
	}

	var terms lossTerms
	hits := 0
	grads := make([][]*core.Param, len(ranges))
	for i := range ranges {
		terms.add(shardTerms[i])
		hits += shardHits[i]
		grads[i] = replicas[i].Trainable()
	}
	core.ReduceGrads(p.net.Trainable(), grads...)
	return terms, hits, nil
}

func forwardBackward(net model.Network, x *mat.Dense, labels []int, tg targets, obj objective, norm float64) (lossTerms, int, error) {
	out := net.Forward(x)
	terms, gradLogits, gradAux, err := obj(out, tg, labels, norm)
	if err != nil {
		return lossTerms{}, 0, err
	}
	net.Backward(gradLogits, gradAux)
	hits := 0
	r, _ := out.Logits.Dims()
	for i := 0; i < r; i++ {
		if core.TopK(out.Logits.RawRowView(i), 1)[0] == labels[i] {
			hits++
		}
	}
	return terms, hits, nil
}
