package procgroup_test

import (
	"context"
	"testing"

	"collcomm/tensor"

	"github.com/stretchr/testify/require"
)

// invariant 6 (send/recv half): recv on rank d of send(t, d, tag) on rank
// s yields byte-identical contents.
func TestSendRecvRoundTrip(t *testing.T) {
	groups, closeAll := newGroups(2)
	defer closeAll()
	ctx := context.Background()

	payload := f32(1, 2, 3, 4)
	sendWork, err := groups[0].Send(ctx, payload, 1, 42)
	require.NoError(t, err)

	recvBuf := tensor.New(tensor.Float32, []int64{4})
	recvWork, err := groups[1].Recv(ctx, recvBuf, 0, 42)
	require.NoError(t, err)

	require.NoError(t, sendWork.Wait(ctx))
	require.NoError(t, recvWork.Wait(ctx))
	require.Equal(t, readF64(payload), readF64(recvBuf))
}

// S6 / invariant 6 (recvAnysource half): rank 0 sends to rank 1 tagged
// 17; rank 1's recvAnysource(tag=17) reports sourceRank()==0 and the same
// payload.
func TestRecvAnySourceS6(t *testing.T) {
	groups, closeAll := newGroups(2)
	defer closeAll()
	ctx := context.Background()

	payload := f32(9, 8, 7)
	sendWork, err := groups[0].Send(ctx, payload, 1, 17)
	require.NoError(t, err)

	recvBuf := tensor.New(tensor.Float32, []int64{3})
	recvWork, err := groups[1].RecvAnysource(ctx, recvBuf, 17)
	require.NoError(t, err)

	require.NoError(t, sendWork.Wait(ctx))
	require.NoError(t, recvWork.Wait(ctx))
	require.Equal(t, readF64(payload), readF64(recvBuf))
	require.Equal(t, 0, recvWork.SourceRank())
}
