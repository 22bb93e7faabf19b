package tensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Device names the two placements a Tensor can have. The accelerator
// runtime itself (streams, events, allocators) lives in package accel;
// Tensor only records which world a given buffer lives in.
type Device uint8

const (
	Host Device = iota
	Accelerator
)

// Layout distinguishes ordinary strided tensors from the sparse ones the
// sparse-allreduce algorithm operates on. Sparse layout is only accepted
// where spec.md explicitly documents it (the sparse allreduce entrypoint).
type Layout uint8

const (
	Strided Layout = iota
	Sparse
)

// Tensor is a flat, row-major, contiguous-by-construction dense buffer.
// Non-contiguous tensors are not representable here: the collaborator
// tensor library the spec assumes would carry stride information, but the
// process group only ever needs to check contiguity at its boundary
// (point-to-point sends), so Tensor simply doesn't model strided views.
type Tensor struct {
	DType  DType
	Shape  []int64
	Device Device
	Data   []byte
}

// New allocates a zeroed host tensor of the given shape and dtype.
func New(dt DType, shape []int64) *Tensor {
	n := NumElements(shape)
	return &Tensor{
		DType:  dt,
		Shape:  append([]int64(nil), shape...),
		Device: Host,
		Data:   make([]byte, n*int64(dt.Size())),
	}
}

// NumElements returns the product of shape. An empty shape is a scalar
// (the empty product is 1), not zero elements.
func NumElements(shape []int64) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// Numel returns the number of elements in t.
func (t *Tensor) Numel() int64 {
	return NumElements(t.Shape)
}

// Clone returns a deep copy of t. Sparse allreduce uses this to give each
// output its own values buffer.
func (t *Tensor) Clone() *Tensor {
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		DType:  t.DType,
		Shape:  append([]int64(nil), t.Shape...),
		Device: t.Device,
		Data:   data,
	}
}

// SameLayout reports whether a and b agree on dtype, device, and shape,
// the predicate every validation routine applies across a tensor list.
func SameLayout(a, b *Tensor) bool {
	if a.DType != b.DType || a.Device != b.Device || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Contiguous is always true for Tensor (see the type doc comment); it
// exists so validation reads the same way spec.md §4.7 describes it.
func (t *Tensor) Contiguous() bool {
	return true
}

// Float64At and SetFloat64At convert element i to/from float64 regardless
// of the tensor's underlying dtype. This is the single choke point the
// reduction dispatch table and the sparse-tensor reconstruction use so
// that adding element-wise logic never needs a type switch at every call
// site (see reduce.go).
func (t *Tensor) Float64At(i int64) float64 {
	sz := t.DType.Size()
	off := i * int64(sz)
	b := t.Data[off : off+int64(sz)]
	switch t.DType {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	case Int8:
		return float64(int8(b[0]))
	case Uint8:
		return float64(b[0])
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	default:
		panic(errors.Errorf("unsupported dtype %s", t.DType))
	}
}

func (t *Tensor) SetFloat64At(i int64, v float64) {
	sz := t.DType.Size()
	off := i * int64(sz)
	b := t.Data[off : off+int64(sz)]
	switch t.DType {
	case Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case Float16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case Int8:
		b[0] = byte(int8(v))
	case Uint8:
		b[0] = byte(uint8(v))
	case Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	default:
		panic(errors.Errorf("unsupported dtype %s", t.DType))
	}
}

// Flatten concatenates the raw bytes of every tensor in ts into one buffer,
// returning it alongside the per-tensor element counts needed to slice the
// result back apart with Unflatten. All tensors must share a dtype.
func Flatten(ts []*Tensor) (*Tensor, []int64) {
	dt := ts[0].DType
	counts := make([]int64, len(ts))
	total := int64(0)
	for i, t := range ts {
		counts[i] = t.Numel()
		total += counts[i]
	}
	out := New(dt, []int64{total})
	off := int64(0)
	for _, t := range ts {
		n := int64(len(t.Data))
		copy(out.Data[off:off+n], t.Data)
		off += n
	}
	return out, counts
}

// Unflatten is the inverse of Flatten: it slices flat's bytes back into
// tensors shaped like outs, writing in place.
func Unflatten(flat *Tensor, outs []*Tensor, counts []int64) {
	off := int64(0)
	sz := int64(flat.DType.Size())
	for i, out := range outs {
		n := counts[i] * sz
		copy(out.Data, flat.Data[off:off+n])
		off += n
	}
}
