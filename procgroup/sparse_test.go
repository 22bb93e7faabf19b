package procgroup_test

import (
	"context"
	"testing"

	"collcomm/tensor"

	"github.com/stretchr/testify/require"
)

func sparseVec(dt tensor.DType, dim int64, idx []int64, vals []float64) *tensor.SparseTensor {
	values := tensor.New(dt, []int64{int64(len(vals))})
	for i, v := range vals {
		values.SetFloat64At(int64(i), v)
	}
	return &tensor.SparseTensor{
		DType:          dt,
		SparseDimSizes: []int64{dim},
		DenseDimSizes:  nil,
		NNZ:            int64(len(vals)),
		Indices:        idx,
		Values:         values,
	}
}

// S3: sparse allreduce-SUM, size=2.
func TestSparseAllreduceS3(t *testing.T) {
	groups, closeAll := newGroups(2)
	defer closeAll()
	ctx := context.Background()

	r0 := sparseVec(tensor.Float32, 4, []int64{0, 2}, []float64{1.0, 3.0})
	r1 := sparseVec(tensor.Float32, 4, []int64{2, 3}, []float64{5.0, 7.0})

	type waiter interface {
		Wait(context.Context) error
		Result() []*tensor.Tensor
	}
	works := make([]waiter, 2)
	inputs := [][]*tensor.SparseTensor{{r0}, {r1}}
	for r := 0; r < 2; r++ {
		w, err := groups[r].AllreduceSparse(ctx, inputs[r], tensor.Sum)
		require.NoError(t, err)
		works[r] = w
	}
	for r := 0; r < 2; r++ {
		require.NoError(t, works[r].Wait(ctx))
		require.Equal(t, []float64{1.0, 0.0, 8.0, 7.0}, readF64(works[r].Result()[0]))
	}
}

// invariant 4: sparse allreduce-SUM over coalesced inputs materializes to
// the dense sum of per-rank dense materializations. Result() returns the
// dense materialization, so this test does not inspect the sparse
// result's indices for coalescence.
func TestSparseAllreduceCoalescedInvariant(t *testing.T) {
	groups, closeAll := newGroups(3)
	defer closeAll()
	ctx := context.Background()

	inputs := []*tensor.SparseTensor{
		sparseVec(tensor.Float64, 5, []int64{1, 4}, []float64{2, 9}),
		sparseVec(tensor.Float64, 5, []int64{1, 2}, []float64{3, 6}),
		sparseVec(tensor.Float64, 5, []int64{0}, []float64{10}),
	}

	wantDense := []float64{10, 5, 6, 0, 9}

	type waiter interface {
		Wait(context.Context) error
		Result() []*tensor.Tensor
	}
	works := make([]waiter, 3)
	for r := 0; r < 3; r++ {
		w, err := groups[r].AllreduceSparse(ctx, []*tensor.SparseTensor{inputs[r]}, tensor.Sum)
		require.NoError(t, err)
		works[r] = w
	}
	for r := 0; r < 3; r++ {
		require.NoError(t, works[r].Wait(ctx))
		require.Equal(t, wantDense, readF64(works[r].Result()[0]))
	}
}

// AllreduceSparse rejects any reduce op other than SUM at the entrypoint
// (spec.md §4.4).
func TestSparseAllreduceRejectsNonSum(t *testing.T) {
	groups, closeAll := newGroups(2)
	defer closeAll()
	ctx := context.Background()

	_, err := groups[0].AllreduceSparse(ctx, []*tensor.SparseTensor{sparseVec(tensor.Float32, 4, []int64{0}, []float64{1})}, tensor.Max)
	require.Error(t, err)
}
