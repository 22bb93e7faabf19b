package procgroup_test

import (
	"context"
	"testing"

	"collcomm/tensor"
	"collcomm/transport"

	"github.com/stretchr/testify/require"
)

func f32(vals ...float64) *tensor.Tensor {
	t := tensor.New(tensor.Float32, []int64{int64(len(vals))})
	for i, v := range vals {
		t.SetFloat64At(int64(i), v)
	}
	return t
}

func i64(vals ...float64) *tensor.Tensor {
	t := tensor.New(tensor.Int64, []int64{int64(len(vals))})
	for i, v := range vals {
		t.SetFloat64At(int64(i), v)
	}
	return t
}

func i32(vals ...float64) *tensor.Tensor {
	t := tensor.New(tensor.Int32, []int64{int64(len(vals))})
	for i, v := range vals {
		t.SetFloat64At(int64(i), v)
	}
	return t
}

func readF64(t *tensor.Tensor) []float64 {
	out := make([]float64, t.Numel())
	for i := range out {
		out[i] = t.Float64At(int64(i))
	}
	return out
}

// S1: allreduce-SUM float32, size=4, inputs [r, r+1] per rank.
func TestAllreduceSumS1(t *testing.T) {
	groups, closeAll := newGroups(4)
	defer closeAll()
	ctx := context.Background()

	inputs := make([]*tensor.Tensor, 4)
	for r := 0; r < 4; r++ {
		inputs[r] = f32(float64(r), float64(r)+1)
	}

	works := make([]interface {
		Wait(context.Context) error
		Result() []*tensor.Tensor
	}, 4)
	for r := 0; r < 4; r++ {
		w, err := groups[r].Allreduce(ctx, []*tensor.Tensor{inputs[r]}, tensor.Sum)
		require.NoError(t, err)
		works[r] = w
	}
	for r := 0; r < 4; r++ {
		require.NoError(t, works[r].Wait(ctx))
		require.Equal(t, []float64{6.0, 10.0}, readF64(works[r].Result()[0]))
	}
}

// S2: broadcast int64, size=3, rootRank=1, rootTensor=0.
func TestBroadcastS2(t *testing.T) {
	groups, closeAll := newGroups(3)
	defer closeAll()
	ctx := context.Background()

	data := make([][]*tensor.Tensor, 3)
	data[0] = []*tensor.Tensor{i64(0, 0, 0), i64(0, 0, 0)}
	data[1] = []*tensor.Tensor{i64(7, 8, 9), i64(0, 0, 0)}
	data[2] = []*tensor.Tensor{i64(0, 0, 0), i64(0, 0, 0)}

	type waiter interface {
		Wait(context.Context) error
		Result() []*tensor.Tensor
	}
	works := make([]waiter, 3)
	for r := 0; r < 3; r++ {
		w, err := groups[r].Broadcast(ctx, data[r], transport.BroadcastOptions{RootRank: 1, RootTensor: 0})
		require.NoError(t, err)
		works[r] = w
	}
	for r := 0; r < 3; r++ {
		require.NoError(t, works[r].Wait(ctx))
		for _, entry := range works[r].Result() {
			require.Equal(t, []float64{7, 8, 9}, readF64(entry))
		}
	}
}

// S4: gather int32, size=3, rootRank=0, input [r, r+10].
func TestGatherS4(t *testing.T) {
	groups, closeAll := newGroups(3)
	defer closeAll()
	ctx := context.Background()

	type waiter interface {
		Wait(context.Context) error
		Result() []*tensor.Tensor
	}
	works := make([]waiter, 3)
	outputsByRank := make([][]*tensor.Tensor, 3)
	for r := 0; r < 3; r++ {
		var outs []*tensor.Tensor
		if r == 0 {
			outs = make([]*tensor.Tensor, 3)
			for i := range outs {
				outs[i] = tensor.New(tensor.Int32, []int64{2})
			}
		}
		outputsByRank[r] = outs
		w, err := groups[r].Gather(ctx, i32(float64(r), float64(r)+10), outs, 0)
		require.NoError(t, err)
		works[r] = w
	}
	for r := 0; r < 3; r++ {
		require.NoError(t, works[r].Wait(ctx))
	}
	require.Equal(t, []float64{0, 10}, readF64(outputsByRank[0][0]))
	require.Equal(t, []float64{1, 11}, readF64(outputsByRank[0][1]))
	require.Equal(t, []float64{2, 12}, readF64(outputsByRank[0][2]))
}

// S5: allreduce-coalesced MAX float32, size=2.
func TestAllreduceCoalescedS5(t *testing.T) {
	groups, closeAll := newGroups(2)
	defer closeAll()
	ctx := context.Background()

	r0T1 := f32(1, 5)
	r0T2 := tensor.New(tensor.Float32, []int64{2, 2})
	copy(r0T2.Data, matrix(0, 9, 3, 1))
	r1T1 := f32(4, 2)
	r1T2 := tensor.New(tensor.Float32, []int64{2, 2})
	copy(r1T2.Data, matrix(2, 8, 3, 4))

	type waiter interface {
		Wait(context.Context) error
	}
	works := make([]waiter, 2)
	data := [][]*tensor.Tensor{{r0T1, r0T2}, {r1T1, r1T2}}
	for r := 0; r < 2; r++ {
		w, err := groups[r].AllreduceCoalesced(ctx, data[r], tensor.Max)
		require.NoError(t, err)
		works[r] = w
	}
	for r := 0; r < 2; r++ {
		require.NoError(t, works[r].Wait(ctx))
	}

	require.Equal(t, []float64{4, 5}, readF64(r0T1))
	require.Equal(t, []float64{2, 9, 3, 4}, readF64(r0T2))
	require.Equal(t, []float64{4, 5}, readF64(r1T1))
	require.Equal(t, []float64{2, 9, 3, 4}, readF64(r1T2))
}

func matrix(vals ...float64) []byte {
	t := f32(vals...)
	return t.Data
}
