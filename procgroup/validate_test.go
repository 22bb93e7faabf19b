package procgroup

import (
	"testing"

	"collcomm/tensor"

	"github.com/stretchr/testify/require"
)

func TestValidateListRejectsEmpty(t *testing.T) {
	require.Error(t, validateList(nil, "test"))
}

func TestValidateListRejectsMismatchedLayout(t *testing.T) {
	a := tensor.New(tensor.Float32, []int64{2})
	b := tensor.New(tensor.Int64, []int64{2})
	require.Error(t, validateList([]*tensor.Tensor{a, b}, "test"))
}

func TestValidateListAcceptsMatchingLayout(t *testing.T) {
	a := tensor.New(tensor.Float32, []int64{2})
	b := tensor.New(tensor.Float32, []int64{2})
	require.NoError(t, validateList([]*tensor.Tensor{a, b}, "test"))
}

func TestValidateSingleRejectsMultiple(t *testing.T) {
	a := tensor.New(tensor.Float32, []int64{2})
	require.Error(t, validateSingle([]*tensor.Tensor{a, a}, "test"))
}

func TestValidateRootRankBounds(t *testing.T) {
	require.NoError(t, validateRootRank(0, 4))
	require.Error(t, validateRootRank(-1, 4))
	require.Error(t, validateRootRank(4, 4))
}

func TestValidateSupportedDType(t *testing.T) {
	require.NoError(t, validateSupportedDType(tensor.Float32))
	require.NoError(t, validateSupportedDType(tensor.Uint8))
}

func TestValidateP2PRejectsNegativeTag(t *testing.T) {
	tt := tensor.New(tensor.Float32, []int64{1})
	require.Error(t, validateP2P(tt, -1))
	require.NoError(t, validateP2P(tt, 0))
}
