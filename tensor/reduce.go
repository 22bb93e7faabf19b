package tensor

import "github.com/pkg/errors"

// ReduceOp is the closed set of reductions the transport collaborator
// supports, per spec.md §6's Option records.
type ReduceOp uint8

const (
	Sum ReduceOp = iota
	Product
	Min
	Max
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "SUM"
	case Product:
		return "PRODUCT"
	case Min:
		return "MIN"
	case Max:
		return "MAX"
	default:
		return "UNKNOWN"
	}
}

// combine applies op to (a, b) in float64 space. Every dtype round-trips
// through Float64At/SetFloat64At (tensor.go), so a single combine function
// covers the closed dtype set instead of one reducer per (dtype, op) pair.
func combine(op ReduceOp, a, b float64) float64 {
	switch op {
	case Sum:
		return a + b
	case Product:
		return a * b
	case Min:
		if a < b {
			return a
		}
		return b
	case Max:
		if a > b {
			return a
		}
		return b
	default:
		panic(errors.Errorf("unsupported reduce op %s", op))
	}
}

// ReduceInto folds src elementwise into dst using op. dst and src must be
// SameLayout.
func ReduceInto(dst, src *Tensor, op ReduceOp) error {
	if !SameLayout(dst, src) {
		return errors.New("reduce: mismatched layout")
	}
	n := dst.Numel()
	for i := int64(0); i < n; i++ {
		dst.SetFloat64At(i, combine(op, dst.Float64At(i), src.Float64At(i)))
	}
	return nil
}

// ReduceAll folds every tensor in ts into a freshly allocated result using
// op. The transport implementations in this module call ReduceInto
// directly rather than ReduceAll.
func ReduceAll(ts []*Tensor, op ReduceOp) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("reduce: empty tensor list")
	}
	out := ts[0].Clone()
	for _, t := range ts[1:] {
		if err := ReduceInto(out, t, op); err != nil {
			return nil, err
		}
	}
	return out, nil
}
