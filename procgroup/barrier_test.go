package procgroup_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"collcomm/tensor"

	"github.com/stretchr/testify/require"
)

// invariant 8: a barrier issued after k collectives does not complete
// before all k prior Work handles' runs have completed on that rank.
func TestBarrierWaitsOutPriorWork(t *testing.T) {
	groups, closeAll := newGroups(2)
	defer closeAll()
	ctx := context.Background()

	var completed atomic.Int64
	const rounds = 5
	for i := 0; i < rounds; i++ {
		data := make([]*tensor.Tensor, 2)
		data[0] = f32(float64(i), float64(i))
		data[1] = f32(float64(i), float64(i))
		type waiter interface{ Wait(context.Context) error }
		var works [2]waiter
		for r := 0; r < 2; r++ {
			w, err := groups[r].Allreduce(ctx, []*tensor.Tensor{data[r]}, tensor.Sum)
			require.NoError(t, err)
			works[r] = w
		}
		go func(w waiter) {
			_ = w.Wait(ctx)
			completed.Add(1)
		}(works[0])
		go func(w waiter) {
			_ = w.Wait(ctx)
			completed.Add(1)
		}(works[1])
	}

	// Give the prior rounds a head start but not certain completion, then
	// issue the barrier; once it completes, every prior round must have
	// completed too.
	time.Sleep(5 * time.Millisecond)

	type waiter interface{ Wait(context.Context) error }
	var barriers [2]waiter
	for r := 0; r < 2; r++ {
		w, err := groups[r].Barrier(ctx)
		require.NoError(t, err)
		barriers[r] = w
	}
	for r := 0; r < 2; r++ {
		require.NoError(t, barriers[r].Wait(ctx))
	}

	require.Equal(t, int64(rounds*2), completed.Load())
}

// invariant 1: identical collective issue sequences across ranks all
// wait() without error on a healthy transport.
func TestIdenticalSequenceAllWaitOK(t *testing.T) {
	groups, closeAll := newGroups(3)
	defer closeAll()
	ctx := context.Background()

	type waiter interface{ Wait(context.Context) error }
	for round := 0; round < 10; round++ {
		var works [3]waiter
		for r := 0; r < 3; r++ {
			data := f32(float64(round), float64(r))
			w, err := groups[r].Allreduce(ctx, []*tensor.Tensor{data}, tensor.Sum)
			require.NoError(t, err)
			works[r] = w
		}
		for r := 0; r < 3; r++ {
			require.NoError(t, works[r].Wait(ctx))
		}
	}
}
