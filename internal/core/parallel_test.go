package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestShardRangesCoverRows(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 4}, {4, 7}, {7, 10}}, ShardRanges(10, 3))
	assert.Equal(t, [][2]int{{0, 1}, {1, 2}}, ShardRanges(2, 5))
	assert.Equal(t, [][2]int{{0, 6}}, ShardRanges(6, 0))
	assert.Empty(t, ShardRanges(0, 3))
}

func TestRunShardsVisitsEveryShard(t *testing.T) {
	var seen int32
	err := RunShards(context.Background(), 4, func(_ context.Context, shard int) error {
		atomic.AddInt32(&seen, int32(1<<shard))
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(15), seen)
}

func TestRunShardsReturnsError(t *testing.T) {
	boom := errors.New("boom")
	err := RunShards(context.Background(), 3, func(_ context.Context, shard int) error {
		if shard == 1 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestReduceGradsSums(t *testing.T) {
	master := []*Param{newParam("w", 1, 2)}
	a := []*Param{newParam("w", 1, 2)}
	b := []*Param{newParam("w", 1, 2)}
	a[0].Grad.SetRow(0, []float64{1, 2})
	b[0].Grad.SetRow(0, []float64{0.5, -1})

	ReduceGrads(master, a, b)
	assert.True(t, mat.Equal(mat.NewDense(1, 2, []float64{1.5, 1}), master[0].Grad))
}
