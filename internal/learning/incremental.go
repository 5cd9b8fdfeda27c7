// internal/learning/incremental.go
package learning

import (
	"context"
	"fmt"
	"math/rand"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/config"
	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
	"github.com/lumix-ai/cil/internal/evaluation"
	"github.com/lumix-ai/cil/internal/memory"
	"github.com/lumix-ai/cil/internal/model"
	"github.com/lumix-ai/cil/internal/monitoring"
	"github.com/lumix-ai/cil/internal/storage"
)

const featureCacheSize = 1 << 16

type featureKey struct {
	generation int
	split      data.Split
	index      int
	flipped    bool
}

// base is the state every variant shares: the student, the teacher retrained each task,
// replay memory and the bookkeeping of the task sequence.
type base struct {
	cfg     *config.Config
	seed    int64
	log     zerolog.Logger
	monitor *monitoring.Monitor
	ckpt    *storage.CheckpointStore
	devices []core.Device

	student model.Network
	teacher *model.IncrementalNet
	memory  *memory.Manager

	loaderRNG        *rand.Rand
	teacherLoaderRNG *rand.Rand

	curTask int
	known   int
	total   int
	bounds  []int

	dm       *data.Manager
	trainSet []data.Sample
	testSet  []data.Sample

	features   *lru.Cache[featureKey, []float64]
	generation int
}

func newBase(opts Options, student model.Network, component string) (*base, error) {
	teacher, err := model.NewIncrementalNet(opts.Config.TeacherBackbone, opts.InDim, core.NewRNG(opts.Seed, core.StreamTeacher))
	if err != nil {
		return nil, fmt.Errorf("failed to build teacher: %w", err)
	}
	cache, err := lru.New[featureKey, []float64](featureCacheSize)
	if err != nil {
		return nil, err
	}
	devices := opts.Devices
	if len(devices) == 0 {
		devices = []core.Device{core.DeviceCPU}
	}
	return &base{
		cfg:              opts.Config,
		seed:             opts.Seed,
		log:              opts.Logger.With().Str("component", component).Logger(),
		monitor:          opts.Monitor,
		ckpt:             opts.Checkpoints,
		devices:          devices,
		student:          student,
		teacher:          teacher,
		memory:           opts.Memory,
		loaderRNG:        core.NewRNG(opts.Seed, core.StreamLoader),
		teacherLoaderRNG: core.NewRNG(opts.Seed, core.StreamTeacherLoader),
		curTask:          -1,
		bounds:           []int{0},
		features:         cache,
	}, nil
}

func (b *base) CurrentTask() int  { return b.curTask }
func (b *base) KnownClasses() int { return b.known }
func (b *base) TotalClasses() int { return b.total }
func (b *base) ExemplarSize() int { return b.memory.Size() }

// Bounds returns the cumulative task boundaries [0, b1, ..., total].
func (b *base) Bounds() []int { return append([]int(nil), b.bounds...) }

func (b *base) ParamCounts() ParamCounts {
	return ParamCounts{
		Student:   core.CountParams(b.student.Params()),
		Trainable: core.CountParams(b.student.Trainable()),
		Teacher:   core.CountParams(b.teacher.Params()),
	}
}

// beginTask advances the task counter, grows both heads and assembles the task's data:
// new-class training samples plus replay exemplars, and test samples of every seen class.
func (b *base) beginTask(dm *data.Manager) error {
	b.curTask++
	b.dm = dm
	b.total = b.known + dm.TaskSize(b.curTask)
	b.bounds = append(b.bounds, b.total)
	b.generation++

	if err := b.student.UpdateFC(b.total); err != nil {
		return fmt.Errorf("failed to grow student head: %w", err)
	}
	if err := b.teacher.UpdateFC(b.total); err != nil {
		return fmt.Errorf("failed to grow teacher head: %w", err)
	}

	var err error
	b.trainSet, err = dm.GetDataset(data.Range(b.known, b.total), data.SplitTrain, data.ModeTrain, b.memory.ReplaySet())
	if err != nil {
		return fmt.Errorf("failed to assemble training data: %w", err)
	}
	b.testSet, err = dm.GetDataset(data.Range(0, b.total), data.SplitTest, data.ModeTest, nil)
	if err != nil {
		return fmt.Errorf("failed to assemble test data: %w", err)
	}
	b.log.Info().
		Int("task", b.curTask).
		Msgf("Learning on %d-%d", b.known, b.total)
	return nil
}

// finishTask rebuilds replay memory with the trained student and saves a checkpoint.
func (b *base) finishTask(ctx context.Context) error {
	b.generation++
	if err := b.memory.Build(ctx, b.dm, b.known, b.total, b.extractor(data.SplitTrain)); err != nil {
		return fmt.Errorf("failed to build rehearsal memory: %w", err)
	}
	b.monitor.SetExemplars(b.memory.Size())
	if b.ckpt != nil {
		if err := b.ckpt.Save(b.checkpointPrefix(), b.curTask, b.student.Params()); err != nil {
			return err
		}
	}
	return nil
}

func (b *base) checkpointPrefix() string {
	return fmt.Sprintf("%s_seed%d", b.cfg.RunName(), b.seed)
}

// AfterTask marks the current task's classes as known.
func (b *base) AfterTask() {
	b.known = b.total
	b.log.Info().Int("exemplars", b.memory.Size()).Msg("Exemplar size")
}

// extractor returns feature rows of the student, memoized per weight generation.
func (b *base) extractor(split data.Split) memory.Extractor {
	return func(ctx context.Context, samples []data.Sample) (*mat.Dense, error) {
		if len(samples) == 0 {
			return nil, nil
		}
		rows := make([][]float64, len(samples))
		var missing []int
		for i, s := range samples {
			if v, ok := b.features.Get(featureKey{b.generation, split, s.Index, s.Flipped}); ok {
				rows[i] = v
				b.monitor.CacheLookup(true)
				continue
			}
			b.monitor.CacheLookup(false)
			missing = append(missing, i)
		}
		for start := 0; start < len(missing); start += b.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			chunk := missing[start:min(start+b.cfg.BatchSize, len(missing))]
			batch := make([]data.Sample, len(chunk))
			for j, i := range chunk {
				batch[j] = samples[i]
			}
			feats := b.student.Forward(data.Stack(batch)).Features
			for j, i := range chunk {
				row := mat.Row(nil, j, feats)
				rows[i] = row
				b.features.Add(featureKey{b.generation, split, samples[i].Index, samples[i].Flipped}, row)
			}
		}
		return core.FromRows(rows)
	}
}

// predict returns the ranked top-k classes of net for every sample.
func (b *base) predict(ctx context.Context, net model.Network, samples []data.Sample, k int) ([][]int, error) {
	out := make([][]int, 0, len(samples))
	loader := data.NewLoader(samples, b.cfg.BatchSize, false, nil)
	for _, batch := range loader.Batches() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits := net.Forward(batch.X).Logits
		r, _ := logits.Dims()
		for i := 0; i < r; i++ {
			out = append(out, core.TopK(logits.RawRowView(i), k))
		}
	}
	return out, nil
}

// accuracy - top-1 percentage of net on samples, two decimals
func (b *base) accuracy(ctx context.Context, net model.Network, samples []data.Sample) (float64, error) {
	ranked, err := b.predict(ctx, net, samples, 1)
	if err != nil {
		return 0, err
	}
	m := evaluation.Evaluate(ranked, labelsOf(samples), 0, nil)
	return m.Top1, nil
}

func (b *base) topK() int { return min(b.cfg.TopK, b.total) }

// EvalTask scores the student with its classifier (CNN) and, when class means exist, with the
// nearest mean of exemplars (NME).
func (b *base) EvalTask(ctx context.Context) (evaluation.Metrics, *evaluation.Metrics, error) {
	labels := labelsOf(b.testSet)
	ranked, err := b.predict(ctx, b.student, b.testSet, b.topK())
	if err != nil {
		return evaluation.Metrics{}, nil, err
	}
	cnn := evaluation.Evaluate(ranked, labels, b.known, b.bounds)

	if b.memory.Size() == 0 {
		return cnn, nil, nil
	}
	nmeRanked, err := b.nearestMean(ctx)
	if err != nil {
		return cnn, nil, err
	}
	nme := evaluation.Evaluate(nmeRanked, labels, b.known, b.bounds)
	return cnn, &nme, nil
}

// nearestMean ranks classes by squared distance between normalized test features and class means.
func (b *base) nearestMean(ctx context.Context) ([][]int, error) {
	feats, err := b.extractor(data.SplitTest)(ctx, b.testSet)
	if err != nil {
		return nil, err
	}
	feats = core.NormalizeRows(feats)
	_, dim := feats.Dims()
	means := b.memory.ClassMeans(b.total, dim)

	var dots mat.Dense
	dots.Mul(feats, means.T())
	meanNorms := core.RowNorms(means)
	r, c := dots.Dims()
	ranked := make([][]int, r)
	dist := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			// |f|=1, so |f-m|² = 1 + |m|² - 2 f·m
			dist[j] = 1 + meanNorms[j]*meanNorms[j] - 2*dots.At(i, j)
		}
		ranked[i] = core.BottomK(dist, b.topK())
	}
	return ranked, nil
}

// Confusion counts top-1 student predictions on the current test data.
func (b *base) Confusion(ctx context.Context) (evaluation.Confusion, error) {
	ranked, err := b.predict(ctx, b.student, b.testSet, 1)
	if err != nil {
		return evaluation.Confusion{}, err
	}
	preds := make([]int, len(ranked))
	for i, r := range ranked {
		preds[i] = r[0]
	}
	return evaluation.NewConfusion(preds, labelsOf(b.testSet), b.total, b.bounds), nil
}

func (b *base) logParams() {
	pc := b.ParamCounts()
	b.log.Info().
		Int("task", b.curTask).
		Int("params", pc.Student).
		Int("trainable", pc.Trainable).
		Int("teacher_params", pc.Teacher).
		Msg("network size")
}

func labelsOf(samples []data.Sample) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = s.Label
	}
	return out
}
