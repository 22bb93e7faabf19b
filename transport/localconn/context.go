package localconn

import (
	"context"
	"sync/atomic"

	"collcomm/tensor"
	"collcomm/transport"

	"github.com/pkg/errors"
)

// Context is one rank's view of a Network: transport.Context's in-memory
// implementation.
type Context struct {
	rank    int
	network *Network
	seq     int64 // next call-sequence index, matched across ranks by arrival order
}

// NewContext binds rank to network, returning a ready transport.Context.
func NewContext(network *Network, rank int) *Context {
	return &Context{rank: rank, network: network}
}

func (c *Context) Rank() int { return c.rank }
func (c *Context) Size() int { return c.network.size }

func (c *Context) nextSeq() int64 {
	return atomic.AddInt64(&c.seq, 1) - 1
}

func bytesOf(t *tensor.Tensor) []byte { return t.Data }

func (c *Context) Broadcast(ctx context.Context, data []*tensor.Tensor, opts transport.BroadcastOptions) error {
	idx := c.nextSeq()
	payload := bytesOf(data[opts.RootTensor])
	combine := func(contributions [][]byte) [][]byte {
		root := contributions[opts.RootRank]
		out := make([][]byte, c.network.size)
		for i := range out {
			out[i] = root
		}
		return out
	}
	result, err := c.network.Exchange(c.rank, idx, payload, combine)
	if err != nil {
		return err
	}
	copy(data[opts.RootTensor].Data, result)
	return nil
}

func (c *Context) Allreduce(ctx context.Context, data []*tensor.Tensor, opts transport.ReduceOptions) error {
	idx := c.nextSeq()
	first := data[0]
	combine := func(contributions [][]byte) [][]byte {
		reduced := append([]byte(nil), contributions[0]...)
		acc := &tensor.Tensor{DType: first.DType, Shape: first.Shape, Data: reduced}
		for _, raw := range contributions[1:] {
			other := &tensor.Tensor{DType: first.DType, Shape: first.Shape, Data: raw}
			if err := tensor.ReduceInto(acc, other, opts.Op); err != nil {
				panic(err)
			}
		}
		out := make([][]byte, c.network.size)
		for i := range out {
			out[i] = acc.Data
		}
		return out
	}
	result, err := c.network.Exchange(c.rank, idx, bytesOf(first), combine)
	if err != nil {
		return err
	}
	copy(first.Data, result)
	return nil
}

func (c *Context) Reduce(ctx context.Context, data []*tensor.Tensor, opts transport.ReduceOptions) error {
	idx := c.nextSeq()
	first := data[0]
	combine := func(contributions [][]byte) [][]byte {
		reduced := append([]byte(nil), contributions[0]...)
		acc := &tensor.Tensor{DType: first.DType, Shape: first.Shape, Data: reduced}
		for _, raw := range contributions[1:] {
			other := &tensor.Tensor{DType: first.DType, Shape: first.Shape, Data: raw}
			if err := tensor.ReduceInto(acc, other, opts.Op); err != nil {
				panic(err)
			}
		}
		out := make([][]byte, c.network.size)
		out[opts.RootRank] = acc.Data
		return out
	}
	result, err := c.network.Exchange(c.rank, idx, bytesOf(first), combine)
	if err != nil {
		return err
	}
	if c.rank == opts.RootRank {
		copy(first.Data, result)
	}
	return nil
}

func (c *Context) Allgather(ctx context.Context, input *tensor.Tensor, outputs []*tensor.Tensor) error {
	if len(outputs) != c.network.size {
		return errors.Errorf("localconn: allgather needs %d outputs, got %d", c.network.size, len(outputs))
	}
	idx := c.nextSeq()
	combine := func(contributions [][]byte) [][]byte {
		out := make([][]byte, c.network.size)
		for i := range out {
			out[i] = concatAll(contributions)
		}
		return out
	}
	result, err := c.network.Exchange(c.rank, idx, bytesOf(input), combine)
	if err != nil {
		return err
	}
	splitInto(result, outputs)
	return nil
}

func (c *Context) Gather(ctx context.Context, input *tensor.Tensor, outputs []*tensor.Tensor, opts transport.GatherScatterOptions) error {
	idx := c.nextSeq()
	combine := func(contributions [][]byte) [][]byte {
		out := make([][]byte, c.network.size)
		out[opts.RootRank] = concatAll(contributions)
		return out
	}
	result, err := c.network.Exchange(c.rank, idx, bytesOf(input), combine)
	if err != nil {
		return err
	}
	if c.rank == opts.RootRank {
		splitInto(result, outputs)
	}
	return nil
}

func (c *Context) Scatter(ctx context.Context, inputs []*tensor.Tensor, output *tensor.Tensor, opts transport.GatherScatterOptions) error {
	idx := c.nextSeq()
	var payload []byte
	if c.rank == opts.RootRank {
		tensors := make([]*tensor.Tensor, len(inputs))
		copy(tensors, inputs)
		flat, _ := tensor.Flatten(tensors)
		payload = flat.Data
	}
	chunkSize := len(output.Data)
	combine := func(contributions [][]byte) [][]byte {
		root := contributions[opts.RootRank]
		out := make([][]byte, c.network.size)
		for i := range out {
			out[i] = root[i*chunkSize : (i+1)*chunkSize]
		}
		return out
	}
	result, err := c.network.Exchange(c.rank, idx, payload, combine)
	if err != nil {
		return err
	}
	copy(output.Data, result)
	return nil
}

func (c *Context) Barrier(ctx context.Context, opts transport.BarrierOptions) error {
	idx := c.nextSeq()
	combine := func(contributions [][]byte) [][]byte {
		return make([][]byte, c.network.size)
	}
	_, err := c.network.Exchange(c.rank, idx, nil, combine)
	return err
}

func concatAll(parts [][]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func splitInto(flat []byte, outputs []*tensor.Tensor) {
	off := 0
	for _, o := range outputs {
		n := len(o.Data)
		copy(o.Data, flat[off:off+n])
		off += n
	}
}

func (c *Context) CreateUnboundBuffer(data []byte) transport.UnboundBuffer {
	return &unboundBuffer{ctx: c, data: data}
}
