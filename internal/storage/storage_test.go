package storage

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/evaluation"
)

func sampleRecord(task int) TaskRecord {
	return TaskRecord{
		RunID:        "run",
		Seed:         1993,
		Task:         task,
		TotalClasses: 5 * (task + 1),
		CNN: evaluation.Metrics{Top1: 80, TopK: 95, K: 5, Grouped: []evaluation.Group{
			{Name: "total", Accuracy: 80}, {Name: "00-04", Accuracy: 80},
		}},
		ExemplarSize: 20,
	}
}

func TestSQLiteSinkPersistsTasks(t *testing.T) {
	ctx := context.Background()
	sink, err := NewSQLiteSink(ctx, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer sink.Close()

	nme := evaluation.Metrics{Top1: 70}
	rec := sampleRecord(0)
	rec.NME = &nme
	require.NoError(t, sink.WriteTask(ctx, rec))
	require.NoError(t, sink.WriteTask(ctx, sampleRecord(1)))

	var n int
	require.NoError(t, sink.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM task_metrics WHERE run_id = ?`, "run").Scan(&n))
	assert.Equal(t, 2, n)

	var nmeTop1 *float64
	require.NoError(t, sink.DB().QueryRowContext(ctx, `SELECT nme_top1 FROM task_metrics WHERE task = 1`).Scan(&nmeTop1))
	assert.Nil(t, nmeTop1)

	assert.Error(t, sink.WriteTask(ctx, sampleRecord(0)))
}

func TestSQLiteSinkSummaryAndConfusion(t *testing.T) {
	ctx := context.Background()
	sink, err := NewSQLiteSink(ctx, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer sink.Close()

	agg := evaluation.NewAggregator("cnn", 1, zerolog.Nop())
	agg.Record(0, sampleRecord(0).CNN)
	require.NoError(t, sink.WriteSummary(ctx, "run", []evaluation.Summary{agg.Summary()}))
	require.NoError(t, sink.WriteConfusion(ctx, "run", "cnn", evaluation.NewConfusion([]int{0}, []int{0}, 1, []int{0, 1})))

	var avg float64
	require.NoError(t, sink.DB().QueryRowContext(ctx, `SELECT average_accuracy FROM summary WHERE evaluator = 'cnn'`).Scan(&avg))
	assert.Equal(t, 80.0, avg)
}

type failingSink struct{ *LogSink }

var _ Sink = failingSink{}

func (failingSink) WriteTask(context.Context, TaskRecord) error { return errors.New("disk full") }

func TestMultiSinkJoinsErrors(t *testing.T) {
	multi := MultiSink{NewLogSink(zerolog.Nop()), failingSink{NewLogSink(zerolog.Nop())}}
	err := multi.WriteTask(context.Background(), sampleRecord(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, multi.Close())
}

func TestCheckpointRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := core.NewLinear("fc", 3, 4, rng)
	dst := core.NewLinear("fc", 3, 4, rng)

	store, err := NewCheckpointStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save("memo", 0, src.Params()))
	require.NoError(t, store.Load("memo", 0, dst.Params()))
	assert.True(t, mat.Equal(src.Weight.Value, dst.Weight.Value))
	assert.True(t, mat.Equal(src.Bias.Value, dst.Bias.Value))

	wrong := core.NewLinear("fc", 3, 5, rng)
	err = store.Load("memo", 0, wrong.Params())
	assert.True(t, errors.Is(err, core.ErrDimensionMismatch))

	assert.Error(t, store.Load("memo", 7, dst.Params()))
}
