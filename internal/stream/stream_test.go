package stream

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/config"
	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
	"github.com/lumix-ai/cil/internal/model"
	"github.com/lumix-ai/cil/internal/monitoring"
	"github.com/lumix-ai/cil/internal/storage"
)

// smallConfig - two tasks of five classes, a 20 exemplar budget, 2-d inputs and one epoch.
func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.InitCls, cfg.Increment, cfg.TotalClasses = 5, 5, 10
	cfg.MemorySize = 20
	cfg.InitEpoch, cfg.Epochs = 1, 1
	cfg.BatchSize = 16
	cfg.Seed = []int64{3}
	cfg.StudentBackbone = model.BackboneSpec{Type: model.BackboneResNet, Depth: 2, Width: 8, FinalSize: 1}
	cfg.TeacherBackbone = model.BackboneSpec{Type: model.BackboneResNetScale, Depth: 2, Width: 8, FinalSize: 2}
	cfg.Synthetic = data.SyntheticConfig{Dim: 2, TrainPerClass: 8, TestPerClass: 4, Spread: 0.2}
	return cfg
}

func TestRunTwoTasksEndToEnd(t *testing.T) {
	for _, name := range []string{"icarl_t", "der_t", "memo_t"} {
		t.Run(name, func(t *testing.T) {
			cfg := smallConfig()
			cfg.ModelName = name
			var out bytes.Buffer

			res, err := Run(context.Background(), cfg, Deps{Out: &out, Logger: zerolog.Nop()})
			require.NoError(t, err)
			require.Len(t, res.Seeds, 1)
			sr := res.Seeds[0]

			m := sr.CNN.Matrix()
			r, c := m.Dims()
			assert.Equal(t, 2, r)
			assert.Equal(t, 2, c)
			assert.Zero(t, m.At(0, 1))
			assert.Len(t, sr.CNN.ForgettingCurve(), 1)
			assert.Len(t, sr.CNN.Top1Curve(), 2)
			assert.Equal(t, 20, sr.Exemplars)
			assert.Equal(t, 2, sr.NME.Tasks())
			assert.Contains(t, out.String(), "after T1")
			assert.InDelta(t, sr.CNN.AverageAccuracy(), res.AverageAccuracy(), 1e-12)
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	cfg := smallConfig()
	a, err := Run(context.Background(), cfg, Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)
	b, err := Run(context.Background(), cfg, Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)

	sa, sb := a.Seeds[0], b.Seeds[0]
	assert.NotEqual(t, sa.RunID, sb.RunID)
	assert.Equal(t, sa.CNN.Top1Curve(), sb.CNN.Top1Curve())
	assert.Equal(t, sa.NME.Top1Curve(), sb.NME.Top1Curve())
	assert.True(t, mat.Equal(sa.CNN.Matrix(), sb.CNN.Matrix()))
}

func TestCumulativeClassesArePrefixSums(t *testing.T) {
	cfg := smallConfig()
	cfg.InitCls, cfg.Increment = 4, 3

	res, err := Run(context.Background(), cfg, Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)
	tasks := res.Seeds[0].Tasks
	require.Len(t, tasks, 3)

	sizes := data.Increments(10, 4, 3)
	sum := 0
	for i, task := range tasks {
		assert.Equal(t, i, task.Index)
		assert.Equal(t, sum, task.KnownClasses)
		sum += sizes[i]
		assert.Equal(t, sum, task.TotalClasses)
		assert.Equal(t, sizes[i], task.NewClasses)
	}
}

func TestRunStopsAtMaxClasses(t *testing.T) {
	cfg := smallConfig()
	cfg.InitCls, cfg.Increment = 4, 3
	cfg.MaxClasses = 7

	res, err := Run(context.Background(), cfg, Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)
	sr := res.Seeds[0]
	require.Len(t, sr.Tasks, 2)
	assert.Equal(t, 7, sr.Tasks[1].TotalClasses)
	r, c := sr.CNN.RecordedMatrix().Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.Len(t, sr.CNN.Summary().Matrix, 2)
}

func TestRunRejectsAcceleratorDevice(t *testing.T) {
	cfg := smallConfig()
	cfg.Device = []string{"cuda:0"}
	_, err := Run(context.Background(), cfg, Deps{Logger: zerolog.Nop()})
	assert.True(t, errors.Is(err, core.ErrDevice))
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, smallConfig(), Deps{Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunWritesArtifacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sqlite, err := storage.NewSQLiteSink(ctx, filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	defer sqlite.Close()
	ckpt, err := storage.NewCheckpointStore(filepath.Join(dir, "ckpt"))
	require.NoError(t, err)
	reg := prometheus.NewRegistry()

	cfg := smallConfig()
	cfg.Seed = []int64{3, 4}
	res, err := Run(ctx, cfg, Deps{
		Sink:        storage.MultiSink{storage.NewLogSink(zerolog.Nop()), sqlite},
		Monitor:     monitoring.NewMonitor(reg),
		Checkpoints: ckpt,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Len(t, res.Seeds, 2)

	var tasks, summaries, confusions int
	require.NoError(t, sqlite.DB().QueryRow(`SELECT COUNT(*) FROM task_metrics`).Scan(&tasks))
	require.NoError(t, sqlite.DB().QueryRow(`SELECT COUNT(*) FROM summary`).Scan(&summaries))
	require.NoError(t, sqlite.DB().QueryRow(`SELECT COUNT(*) FROM confusion`).Scan(&confusions))
	assert.Equal(t, 4, tasks)
	assert.Equal(t, 4, summaries)
	assert.Equal(t, 2, confusions)

	assert.FileExists(t, ckpt.Path(cfg.RunName()+"_seed3", 1))
	n, err := testutil.GatherAndCount(reg, "lumix_current_task")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
