package procgroup

import (
	"context"
	"testing"

	"collcomm/store"
	"collcomm/tensor"
	"collcomm/transport"
	"collcomm/transport/localconn"

	"github.com/stretchr/testify/require"
)

// invariant 7: nextTag returns strictly increasing values across any
// interleaving of entrypoint calls on a single process.
func TestNextTagMonotonic(t *testing.T) {
	net := localconn.NewNetwork(1)
	pg, err := New(store.NewMemStore(), 0, 1, []transport.Context{localconn.NewContext(net, 0)}, Options{})
	require.NoError(t, err)
	defer pg.Close()

	var prev int64 = -1
	for i := 0; i < 100; i++ {
		tag := pg.nextTag()
		require.Greater(t, tag, prev)
		prev = tag
	}
}

// invariant 9: validation failures do not advance collectiveCounter.
func TestValidationFailureDoesNotAdvanceTag(t *testing.T) {
	net := localconn.NewNetwork(1)
	pg, err := New(store.NewMemStore(), 0, 1, []transport.Context{localconn.NewContext(net, 0)}, Options{})
	require.NoError(t, err)
	defer pg.Close()

	before := pg.collectiveCounter

	_, err = pg.Broadcast(context.Background(), []*tensor.Tensor{tensor.New(tensor.Float32, []int64{2})}, transport.BroadcastOptions{RootRank: 5, RootTensor: 0})
	require.Error(t, err)

	require.Equal(t, before, pg.collectiveCounter)
}

// contextFor routes tag mod len(contexts) to the matching context.
func TestContextForRoutesByModulo(t *testing.T) {
	net := localconn.NewNetwork(1)
	c0 := localconn.NewContext(net, 0)
	c1 := localconn.NewContext(net, 0)
	pg, err := New(store.NewMemStore(), 0, 1, []transport.Context{c0, c1}, Options{})
	require.NoError(t, err)
	defer pg.Close()

	require.Same(t, c0, pg.contextFor(0))
	require.Same(t, c1, pg.contextFor(1))
	require.Same(t, c0, pg.contextFor(2))
}
