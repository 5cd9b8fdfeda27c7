package data

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumix-ai/cil/internal/core"
)

func newSynthetic(t *testing.T, classes int) *Synthetic {
	t.Helper()
	s, err := NewSynthetic(SyntheticConfig{Classes: classes, Dim: 3, TrainPerClass: 4, TestPerClass: 2, Spread: 0.1, Seed: 1})
	require.NoError(t, err)
	return s
}

func TestIncrementsArePrefixSums(t *testing.T) {
	cases := []struct {
		classes, init, inc int
		want               []int
	}{
		{10, 5, 5, []int{5, 5}},
		{100, 50, 10, []int{50, 10, 10, 10, 10, 10}},
		{12, 5, 5, []int{5, 5, 2}},
		{7, 7, 3, []int{7}},
	}
	for _, tc := range cases {
		got := Increments(tc.classes, tc.init, tc.inc)
		assert.Equal(t, tc.want, got)

		known := 0
		for _, size := range got {
			require.Positive(t, size)
			next := known + size
			assert.Greater(t, next, known)
			known = next
		}
		assert.Equal(t, tc.classes, known)
	}
}

func TestManagerShufflesClassOrderDeterministically(t *testing.T) {
	ctx := context.Background()
	cfg := ManagerConfig{Shuffle: true, Seed: 1993, InitCls: 4, Increment: 2}
	a, err := NewManager(ctx, newSynthetic(t, 8), cfg, zerolog.Nop())
	require.NoError(t, err)
	b, err := NewManager(ctx, newSynthetic(t, 8), cfg, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, a.ClassOrder, b.ClassOrder)
	assert.ElementsMatch(t, Range(0, 8), a.ClassOrder)
	assert.Equal(t, 3, a.NbTasks())
	assert.Equal(t, 2, a.TaskSize(2))
}

func TestGetDatasetRemapsLabels(t *testing.T) {
	m, err := NewManager(context.Background(), newSynthetic(t, 6), ManagerConfig{Shuffle: true, Seed: 3, InitCls: 3, Increment: 3}, zerolog.Nop())
	require.NoError(t, err)

	train, err := m.GetDataset(Range(0, 3), SplitTrain, ModeTrain, nil)
	require.NoError(t, err)
	assert.Len(t, train, 12)
	for _, s := range train {
		assert.Less(t, s.Label, 3)
	}

	extra := []Sample{{Index: 99, Input: []float64{1, 2, 3}, Label: 5}}
	withReplay, err := m.GetDataset(Range(3, 4), SplitTest, ModeFlip, extra)
	require.NoError(t, err)
	require.Len(t, withReplay, 3)
	assert.Equal(t, []float64{3, 2, 1}, withReplay[2].Input)
	assert.True(t, withReplay[2].Flipped)
	assert.Equal(t, []float64{1, 2, 3}, extra[0].Input)

	_, err = m.GetDataset([]int{6}, SplitTrain, ModeTrain, nil)
	assert.True(t, errors.Is(err, core.ErrDimensionMismatch))
}

func TestClassDataIsCached(t *testing.T) {
	m, err := NewManager(context.Background(), newSynthetic(t, 4), ManagerConfig{InitCls: 2, Increment: 2}, zerolog.Nop())
	require.NoError(t, err)
	first, err := m.ClassData(1, SplitTrain)
	require.NoError(t, err)
	_, hit := m.index.Get("train/1")
	assert.True(t, hit)
	second, err := m.ClassData(1, SplitTrain)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestInitClsLargerThanDatasetFails(t *testing.T) {
	_, err := NewManager(context.Background(), newSynthetic(t, 4), ManagerConfig{InitCls: 5, Increment: 1}, zerolog.Nop())
	assert.True(t, errors.Is(err, core.ErrConfiguration))
}

func TestJSONFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds.json")
	doc := `{"train":[{"x":[0,1],"y":0},{"x":[1,0],"y":1}],"test":[{"x":[0.5,0.5],"y":1}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	train, test, err := (&JSONFile{Path: path}).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, train, 2)
	require.Len(t, test, 1)
	assert.Equal(t, []float64{1, 0}, train[1].Input)
	assert.Equal(t, 1, test[0].Label)
}

func TestJSONFileRejectsRaggedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds.json")
	doc := `{"train":[{"x":[0,1],"y":0},{"x":[1],"y":1}],"test":[]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, _, err := (&JSONFile{Path: path}).Load(context.Background())
	assert.True(t, errors.Is(err, core.ErrDimensionMismatch))
}

func TestLoaderCoversEverySampleOnce(t *testing.T) {
	samples := make([]Sample, 10)
	for i := range samples {
		samples[i] = Sample{Index: i, Input: []float64{float64(i)}, Label: i % 2}
	}
	l := NewLoader(samples, 4, true, rand.New(rand.NewSource(1)))
	assert.Equal(t, 3, l.NumBatches())

	seen := map[int]bool{}
	for _, b := range l.Batches() {
		r, _ := b.X.Dims()
		assert.Equal(t, len(b.Labels), r)
		for i, idx := range b.Index {
			assert.False(t, seen[idx])
			seen[idx] = true
			assert.Equal(t, float64(idx), b.X.At(i, 0))
		}
	}
	assert.Len(t, seen, 10)
}
