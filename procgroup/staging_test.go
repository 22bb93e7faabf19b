package procgroup_test

import (
	"context"
	"testing"

	"collcomm/accel"
	"collcomm/procgroup"
	"collcomm/store"
	"collcomm/tensor"
	"collcomm/transport"
	"collcomm/transport/localconn"

	"github.com/stretchr/testify/require"
)

// Accelerator-resident tensors route through the staging path (spec.md
// §4.5) transparently: the caller still sees its own tensors carrying the
// collective's result once Wait returns.
func TestAllreduceStagesAcceleratorTensors(t *testing.T) {
	net := localconn.NewNetwork(2)
	st := store.NewMemStore()
	groups := make([]*procgroup.ProcessGroup, 2)
	for r := 0; r < 2; r++ {
		pg, err := procgroup.New(st, r, 2, []transport.Context{localconn.NewContext(net, r)}, procgroup.Options{
			Devices: []accel.DeviceID{0},
		})
		require.NoError(t, err)
		groups[r] = pg
	}
	defer func() {
		for _, pg := range groups {
			pg.Close()
		}
	}()

	ctx := context.Background()
	a := f32(1, 2)
	a.Device = tensor.Accelerator
	b := f32(3, 4)
	b.Device = tensor.Accelerator

	type waiter interface {
		Wait(context.Context) error
		Result() []*tensor.Tensor
	}
	var works [2]waiter
	inputs := [][]*tensor.Tensor{{a}, {b}}
	for r := 0; r < 2; r++ {
		w, err := groups[r].Allreduce(ctx, inputs[r], tensor.Sum)
		require.NoError(t, err)
		works[r] = w
	}
	for r := 0; r < 2; r++ {
		require.NoError(t, works[r].Wait(ctx))
	}

	require.Equal(t, []float64{4, 6}, readF64(a))
	require.Equal(t, []float64{4, 6}, readF64(b))
	require.Equal(t, tensor.Accelerator, works[0].Result()[0].Device)
}
