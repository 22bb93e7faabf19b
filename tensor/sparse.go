package tensor

import (
	"sort"

	"github.com/pkg/errors"
)

// SparseTensor is a COO tensor: SparseDimSizes gives the leading (sparse)
// dimensions indexed by Indices, DenseDimSizes gives the trailing (dense)
// dimensions each value entry carries in full.
//
// Indices has shape [nnz, len(SparseDimSizes)] flattened row-major as
// int64. Values has shape [nnz, DenseDimSizes...] in DType.
type SparseTensor struct {
	DType         DType
	SparseDimSizes []int64
	DenseDimSizes  []int64
	NNZ            int64
	Indices        []int64 // len == NNZ * len(SparseDimSizes)
	Values         *Tensor // Numel == NNZ * prod(DenseDimSizes)
}

// DenseNumel returns the number of scalar elements in one value entry.
func (s *SparseTensor) DenseNumel() int64 {
	return NumElements(s.DenseDimSizes)
}

// index returns the flat sparse-dim index tuple for entry i.
func (s *SparseTensor) index(i int64) []int64 {
	d := int64(len(s.SparseDimSizes))
	return s.Indices[i*d : (i+1)*d]
}

func sameIndex(a, b []int64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Coalesce sorts entries by sparse index and sums duplicates, producing a
// SparseTensor whose indices are unique and lexicographically sorted (the
// glossary's definition of "coalesced").
func (s *SparseTensor) Coalesce() *SparseTensor {
	d := int64(len(s.SparseDimSizes))
	denseNumel := s.DenseNumel()
	order := make([]int, s.NNZ)
	for i := range order {
		order[i] = int(i)
	}
	sort.SliceStable(order, func(i, j int) bool {
		ii, jj := int64(order[i]), int64(order[j])
		ai, aj := s.index(ii), s.index(jj)
		for k := int64(0); k < d; k++ {
			if ai[k] != aj[k] {
				return ai[k] < aj[k]
			}
		}
		return false
	})

	outIndices := make([]int64, 0, len(s.Indices))
	outValues := New(s.DType, append([]int64{0}, s.DenseDimSizes...))
	var pending []float64
	flush := func(idx []int64) {
		if idx == nil {
			return
		}
		outIndices = append(outIndices, idx...)
		start := int64(len(outValues.Data))
		outValues.Data = append(outValues.Data, make([]byte, denseNumel*int64(s.DType.Size()))...)
		base := start / int64(s.DType.Size())
		for k, v := range pending {
			outValues.SetFloat64At(base+int64(k), v)
		}
	}

	var curIdx []int64
	for _, oi := range order {
		i := int64(oi)
		idx := s.index(i)
		if curIdx == nil || !sameIndex(curIdx, idx) {
			flush(curIdx)
			curIdx = append([]int64(nil), idx...)
			pending = make([]float64, denseNumel)
			for k := int64(0); k < denseNumel; k++ {
				pending[k] = s.Values.Float64At(i*denseNumel + k)
			}
		} else {
			for k := int64(0); k < denseNumel; k++ {
				pending[k] += s.Values.Float64At(i*denseNumel + k)
			}
		}
	}
	flush(curIdx)

	nnz := int64(len(outIndices)) / d
	outValues.Shape = append([]int64{nnz}, s.DenseDimSizes...)
	return &SparseTensor{
		DType:          s.DType,
		SparseDimSizes: append([]int64(nil), s.SparseDimSizes...),
		DenseDimSizes:  append([]int64(nil), s.DenseDimSizes...),
		NNZ:            nnz,
		Indices:        outIndices,
		Values:         outValues,
	}
}

// ToDense materializes s (which must be coalesced for a well-defined
// result on duplicate indices) into a dense Tensor of shape
// SparseDimSizes+DenseDimSizes.
func (s *SparseTensor) ToDense() *Tensor {
	shape := append(append([]int64(nil), s.SparseDimSizes...), s.DenseDimSizes...)
	out := New(s.DType, shape)
	denseNumel := s.DenseNumel()
	strides := rowMajorStrides(s.SparseDimSizes)
	for i := int64(0); i < s.NNZ; i++ {
		idx := s.index(i)
		flatSparse := int64(0)
		for k, v := range idx {
			flatSparse += v * strides[k]
		}
		base := flatSparse * denseNumel
		for k := int64(0); k < denseNumel; k++ {
			out.SetFloat64At(base+k, s.Values.Float64At(i*denseNumel+k))
		}
	}
	return out
}

func rowMajorStrides(shape []int64) []int64 {
	n := len(shape)
	strides := make([]int64, n)
	acc := int64(1)
	for i := n - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// SumSparse locally sums a list of sparse tensors sharing sparse/dense
// dims by concatenating their (index, value) entries; the caller coalesces
// afterward. This is step 1 of spec.md §4.4 ("if the local list has more
// than one tensor, locally sum them before coalescing").
func SumSparse(ts []*SparseTensor) (*SparseTensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("sparse: empty tensor list")
	}
	dt := ts[0].DType
	sparseDims := ts[0].SparseDimSizes
	denseDims := ts[0].DenseDimSizes
	totalNNZ := int64(0)
	for _, t := range ts {
		totalNNZ += t.NNZ
	}
	d := int64(len(sparseDims))
	denseNumel := NumElements(denseDims)
	indices := make([]int64, 0, totalNNZ*d)
	values := New(dt, append([]int64{totalNNZ}, denseDims...))
	off := int64(0)
	for _, t := range ts {
		indices = append(indices, t.Indices...)
		n := t.NNZ * denseNumel * int64(dt.Size())
		copy(values.Data[off:off+n], t.Values.Data[:n])
		off += n
	}
	return &SparseTensor{
		DType:          dt,
		SparseDimSizes: append([]int64(nil), sparseDims...),
		DenseDimSizes:  append([]int64(nil), denseDims...),
		NNZ:            totalNNZ,
		Indices:        indices,
		Values:         values,
	}, nil
}
