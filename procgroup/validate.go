package procgroup

import (
	"collcomm/tensor"
)

// validateList checks the shared predicates spec.md §4.7 applies to
// every tensor list: non-empty, and every entry sharing dtype, device,
// and shape with the first.
func validateList(ts []*tensor.Tensor, name string) error {
	if len(ts) == 0 {
		return invalidArgf("%s: empty tensor list", name)
	}
	first := ts[0]
	for i, t := range ts[1:] {
		if !tensor.SameLayout(first, t) {
			return invalidArgf("%s: entry %d does not match entry 0's dtype/device/shape", name, i+1)
		}
	}
	return nil
}

func validateSingle(ts []*tensor.Tensor, name string) error {
	if len(ts) != 1 {
		return invalidArgf("%s: expected exactly one tensor, got %d", name, len(ts))
	}
	return nil
}

func validateRootRank(rootRank, size int) error {
	if rootRank < 0 || rootRank >= size {
		return invalidArgf("rootRank %d out of range [0,%d)", rootRank, size)
	}
	return nil
}

func validateRootTensor(rootTensor, n int) error {
	if rootTensor < 0 || rootTensor >= n {
		return invalidArgf("rootTensor %d out of range [0,%d)", rootTensor, n)
	}
	return nil
}

// validateP2P enforces spec.md §4.6: a single contiguous dense tensor.
func validateP2P(t *tensor.Tensor, tag int) error {
	if t == nil {
		return invalidArgf("send/recv: nil tensor")
	}
	if !t.Contiguous() {
		return invalidArgf("send/recv: tensor is not contiguous")
	}
	if tag < 0 {
		return invalidArgf("send/recv: tag %d must be >= 0", tag)
	}
	return nil
}

// validateSupportedDType rejects any element type outside the closed set
// spec.md §4.3/§6 documents.
func validateSupportedDType(dt tensor.DType) error {
	if !tensor.SupportedDTypes[dt] {
		return invalidArgf("unsupported element type %s", dt)
	}
	return nil
}
