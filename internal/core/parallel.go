package core

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ShardRanges splits n rows into at most k contiguous ranges of near-equal size.
func ShardRanges(n, k int) [][2]int {
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	ranges := make([][2]int, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		size := n / k
		if i < n%k {
			size++
		}
		ranges = append(ranges, [2]int{start, start + size})
		start += size
	}
	return ranges
}

// RunShards runs fn once per shard on its own goroutine and returns the first error.
func RunShards(ctx context.Context, shards int, fn func(ctx context.Context, shard int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < shards; i++ {
		shard := i
		g.Go(func() error { return fn(gctx, shard) })
	}
	return g.Wait()
}

// ReduceGrads adds replica gradients into the master gradients. Replicas are summed in slice
// order so the result does not depend on goroutine scheduling.
func ReduceGrads(master []*Param, replicas ...[]*Param) {
	for _, rep := range replicas {
		for i, p := range rep {
			master[i].Grad.Add(master[i].Grad, p.Grad)
		}
	}
}
