package procgroup

import (
	"context"

	"collcomm/tensor"
	"collcomm/transport"

	"github.com/pkg/errors"
)

// sparseAllreduceJob implements spec.md §4.4: sparse allreduce-SUM built
// entirely on top of dense allgather, because the transport collaborator
// only offers fixed-size collectives. The wire layout for the indices
// buffer here is [M, sparseDim] (entry-major, matching SparseTensor's own
// Indices layout padded with trailing zero rows) rather than the
// dim-major [sparseDim, M] spec.md's prose suggests; both carry the same
// information and unpad identically, so this is a cosmetic layout choice
// rather than a behavioral one.
type sparseAllreduceJob struct {
	ctx     transport.Context
	size    int
	inputs  []*tensor.SparseTensor
	runCtx  context.Context
	outputs []*tensor.SparseTensor
}

func (j *sparseAllreduceJob) run() error {
	local, err := j.localCoalesced()
	if err != nil {
		return err
	}

	sparseDims := local.SparseDimSizes
	denseDims := local.DenseDimSizes
	d := int64(len(sparseDims))

	metaLocal := encodeMetadata(local)
	metaOutputs := make([]*tensor.Tensor, j.size)
	for r := range metaOutputs {
		metaOutputs[r] = tensor.New(tensor.Int64, []int64{9})
	}
	if err := j.ctx.Allgather(j.runCtx, metaLocal, metaOutputs); err != nil {
		return errors.Wrap(err, "sparse_allreduce: metadata allgather")
	}

	nnz := make([]int64, j.size)
	maxNNZ := int64(0)
	for r, meta := range metaOutputs {
		peerSparse, peerDense, peerNNZ := decodeMetadata(meta, len(sparseDims), len(denseDims))
		if !int64SliceEqual(peerSparse, sparseDims) || !int64SliceEqual(peerDense, denseDims) {
			return dimensionMismatchf("sparse_allreduce: rank %d sparse/dense dims disagree with local", r)
		}
		nnz[r] = peerNNZ
		if peerNNZ > maxNNZ {
			maxNNZ = peerNNZ
		}
	}

	idxLocal := tensor.New(tensor.Int64, []int64{maxNNZ, d})
	for i, v := range local.Indices {
		idxLocal.SetFloat64At(int64(i), float64(v))
	}
	idxOutputs := make([]*tensor.Tensor, j.size)
	for r := range idxOutputs {
		idxOutputs[r] = tensor.New(tensor.Int64, []int64{maxNNZ, d})
	}
	if err := j.ctx.Allgather(j.runCtx, idxLocal, idxOutputs); err != nil {
		return errors.Wrap(err, "sparse_allreduce: indices allgather")
	}

	denseNumel := tensor.NumElements(denseDims)
	valuesShape := append([]int64{maxNNZ}, denseDims...)
	valuesLocal := tensor.New(local.DType, valuesShape)
	n := local.NNZ * denseNumel * int64(local.DType.Size())
	copy(valuesLocal.Data[:n], local.Values.Data[:n])
	valuesOutputs := make([]*tensor.Tensor, j.size)
	for r := range valuesOutputs {
		valuesOutputs[r] = tensor.New(local.DType, valuesShape)
	}
	if err := j.ctx.Allgather(j.runCtx, valuesLocal, valuesOutputs); err != nil {
		return errors.Wrap(err, "sparse_allreduce: values allgather")
	}

	reconstructed := make([]*tensor.SparseTensor, j.size)
	for r := 0; r < j.size; r++ {
		reconstructed[r] = reconstructSparse(local.DType, sparseDims, denseDims, nnz[r], idxOutputs[r], valuesOutputs[r], d, denseNumel)
	}
	summed, err := tensor.SumSparse(reconstructed)
	if err != nil {
		return errors.Wrap(err, "sparse_allreduce: local sum")
	}
	result := summed.Coalesce()

	j.outputs = make([]*tensor.SparseTensor, len(j.inputs))
	for i := range j.outputs {
		j.outputs[i] = cloneSparse(result)
	}
	return nil
}

// localCoalesced implements step 1: sum the local list (if more than one
// tensor) then coalesce.
func (j *sparseAllreduceJob) localCoalesced() (*tensor.SparseTensor, error) {
	if len(j.inputs) == 1 {
		return j.inputs[0].Coalesce(), nil
	}
	summed, err := tensor.SumSparse(j.inputs)
	if err != nil {
		return nil, errors.Wrap(err, "sparse_allreduce: local sum")
	}
	return summed.Coalesce(), nil
}

func (j *sparseAllreduceJob) result() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(j.outputs))
	for i, s := range j.outputs {
		out[i] = s.ToDense()
	}
	return out
}

// sparseResult exposes the raw (still-sparse) per-output results for
// callers that want the coalesced SparseTensor rather than its dense
// materialization.
func (j *sparseAllreduceJob) sparseResult() []*tensor.SparseTensor { return j.outputs }

// encodeMetadata packs the nine 64-bit integers from spec.md §3
// ("Sparse tensor metadata (dense-padded)"): 4 sparse-dim sizes, 4
// dense-dim sizes (both zero-padded to width 4), and nnz.
func encodeMetadata(s *tensor.SparseTensor) *tensor.Tensor {
	buf := tensor.New(tensor.Int64, []int64{9})
	for i := 0; i < 4; i++ {
		if i < len(s.SparseDimSizes) {
			buf.SetFloat64At(int64(i), float64(s.SparseDimSizes[i]))
		}
	}
	for i := 0; i < 4; i++ {
		if i < len(s.DenseDimSizes) {
			buf.SetFloat64At(int64(4+i), float64(s.DenseDimSizes[i]))
		}
	}
	buf.SetFloat64At(8, float64(s.NNZ))
	return buf
}

func decodeMetadata(buf *tensor.Tensor, sparseRank, denseRank int) (sparseDims, denseDims []int64, nnz int64) {
	sparseDims = make([]int64, sparseRank)
	for i := range sparseDims {
		sparseDims[i] = int64(buf.Float64At(int64(i)))
	}
	denseDims = make([]int64, denseRank)
	for i := range denseDims {
		denseDims[i] = int64(buf.Float64At(int64(4 + i)))
	}
	nnz = int64(buf.Float64At(8))
	return
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// reconstructSparse rebuilds rank r's sparse tensor from its padded slice
// of the allgathered indices/values buffers, reading only the first nnz
// entries per spec.md §4.4 step 6.
func reconstructSparse(dt tensor.DType, sparseDims, denseDims []int64, nnz int64, idxBuf, valuesBuf *tensor.Tensor, d, denseNumel int64) *tensor.SparseTensor {
	indices := make([]int64, nnz*d)
	for i := range indices {
		indices[i] = int64(idxBuf.Float64At(int64(i)))
	}
	values := tensor.New(dt, append([]int64{nnz}, denseDims...))
	n := nnz * denseNumel * int64(dt.Size())
	copy(values.Data, valuesBuf.Data[:n])
	return &tensor.SparseTensor{
		DType:          dt,
		SparseDimSizes: append([]int64(nil), sparseDims...),
		DenseDimSizes:  append([]int64(nil), denseDims...),
		NNZ:            nnz,
		Indices:        indices,
		Values:         values,
	}
}

func cloneSparse(s *tensor.SparseTensor) *tensor.SparseTensor {
	return &tensor.SparseTensor{
		DType:          s.DType,
		SparseDimSizes: append([]int64(nil), s.SparseDimSizes...),
		DenseDimSizes:  append([]int64(nil), s.DenseDimSizes...),
		NNZ:            s.NNZ,
		Indices:        append([]int64(nil), s.Indices...),
		Values:         s.Values.Clone(),
	}
}
