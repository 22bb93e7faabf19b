// Package grpcconn is a real, dialable implementation of
// transport.Context over gRPC, grounded in ALXDeng-dsml's
// cmd/coordinator and cmd/device mains and pkg/tests/gpu_test.go's
// grpc.NewServer/net.Listen/grpc.Dial/credentials/insecure wiring. It
// carries its own wire format (frame.go) over a single bidirectional
// streaming RPC rather than per-collective unary RPCs, since spec.md's
// transport collaborator exposes one call per collective and gRPC's
// request/response unary shape would need a method per collective to
// match that one-for-one -- a single stream plus an opcode byte gets
// the same effect with one generated-free service definition.
package grpcconn

import (
	"context"
	"sync"
	"sync/atomic"

	"collcomm/tensor"
	"collcomm/transport"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"
)

// exchangeStreamClient is the typed client half of the Exchange RPC,
// hand-written the way protoc-gen-go-grpc generates a thin Send/Recv
// wrapper over the untyped grpc.ClientStream.
type exchangeStreamClient struct {
	grpc.ClientStream
}

func (x *exchangeStreamClient) Send(m *wrapperspb.BytesValue) error { return x.ClientStream.SendMsg(m) }

func (x *exchangeStreamClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Context dials a Hub and implements transport.Context by exchanging
// frame-encoded wrapperspb.BytesValue messages over one long-lived
// stream.
type Context struct {
	rank int
	size int
	seq  int64

	stream *exchangeStreamClient

	mu        sync.Mutex
	waitersC  map[int64]chan frame // collective Seq -> waiter
	waitersP2 map[int32]chan frame // p2p tag -> waiter
}

// Dial connects to the Hub at addr and announces rank, returning a ready
// transport.Context. size must match the Hub's configured size.
func Dial(ctx context.Context, addr string, rank, size int) (*Context, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrap(err, "grpcconn: dial")
	}
	raw, err := conn.NewStream(ctx, &serviceDesc.Streams[0], "/collcomm.grpcconn.Hub/Exchange")
	if err != nil {
		return nil, errors.Wrap(err, "grpcconn: open stream")
	}

	c := &Context{
		rank:      rank,
		size:      size,
		stream:    &exchangeStreamClient{raw},
		waitersC:  make(map[int64]chan frame),
		waitersP2: make(map[int32]chan frame),
	}
	go c.readLoop()
	return c, nil
}

func (c *Context) readLoop() {
	for {
		msg, err := c.stream.Recv()
		if err != nil {
			klog.V(2).Infof("grpcconn: rank %d read loop exiting: %v", c.rank, err)
			return
		}
		f, err := decodeFrame(msg)
		if err != nil {
			klog.Warningf("grpcconn: rank %d dropping malformed frame: %v", c.rank, err)
			continue
		}
		if f.Op == opP2P {
			c.mu.Lock()
			ch, ok := c.waitersP2[f.Tag]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.waitersC[f.Seq]
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

func (c *Context) Rank() int { return c.rank }
func (c *Context) Size() int { return c.size }

func (c *Context) nextSeq() int64 { return atomic.AddInt64(&c.seq, 1) - 1 }

func (c *Context) registerCollective(seq int64) chan frame {
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.waitersC[seq] = ch
	c.mu.Unlock()
	return ch
}

func (c *Context) unregisterCollective(seq int64) {
	c.mu.Lock()
	delete(c.waitersC, seq)
	c.mu.Unlock()
}

func (c *Context) roundTrip(f frame) (frame, error) {
	wait := c.registerCollective(f.Seq)
	defer c.unregisterCollective(f.Seq)
	if err := c.stream.Send(encodeFrame(f)); err != nil {
		return frame{}, errors.Wrap(err, "grpcconn: send")
	}
	result := <-wait
	return result, nil
}

func (c *Context) Broadcast(ctx context.Context, data []*tensor.Tensor, opts transport.BroadcastOptions) error {
	seq := c.nextSeq()
	f := frame{Op: opBroadcast, Rank: int32(c.rank), Seq: seq, Dst: int32(opts.RootRank), DType: byte(data[opts.RootTensor].DType), Payload: data[opts.RootTensor].Data}
	result, err := c.roundTrip(f)
	if err != nil {
		return err
	}
	copy(data[opts.RootTensor].Data, result.Payload)
	return nil
}

func (c *Context) Allreduce(ctx context.Context, data []*tensor.Tensor, opts transport.ReduceOptions) error {
	seq := c.nextSeq()
	first := data[0]
	f := frame{Op: opAllreduce, Rank: int32(c.rank), Seq: seq, Dst: int32(opts.RootRank), Tag: int32(opts.Op), DType: byte(first.DType), Payload: first.Data}
	result, err := c.roundTrip(f)
	if err != nil {
		return err
	}
	copy(first.Data, result.Payload)
	return nil
}

func (c *Context) Reduce(ctx context.Context, data []*tensor.Tensor, opts transport.ReduceOptions) error {
	seq := c.nextSeq()
	first := data[0]
	f := frame{Op: opReduce, Rank: int32(c.rank), Seq: seq, Dst: int32(opts.RootRank), Tag: int32(opts.Op), DType: byte(first.DType), Payload: first.Data}
	result, err := c.roundTrip(f)
	if err != nil {
		return err
	}
	if c.rank == opts.RootRank {
		copy(first.Data, result.Payload)
	}
	return nil
}

func (c *Context) Allgather(ctx context.Context, input *tensor.Tensor, outputs []*tensor.Tensor) error {
	if len(outputs) != c.size {
		return errors.Errorf("grpcconn: allgather needs %d outputs, got %d", c.size, len(outputs))
	}
	seq := c.nextSeq()
	f := frame{Op: opAllgather, Rank: int32(c.rank), Seq: seq, DType: byte(input.DType), Payload: input.Data}
	result, err := c.roundTrip(f)
	if err != nil {
		return err
	}
	splitInto(result.Payload, outputs)
	return nil
}

func (c *Context) Gather(ctx context.Context, input *tensor.Tensor, outputs []*tensor.Tensor, opts transport.GatherScatterOptions) error {
	seq := c.nextSeq()
	f := frame{Op: opGather, Rank: int32(c.rank), Seq: seq, Dst: int32(opts.RootRank), DType: byte(input.DType), Payload: input.Data}
	result, err := c.roundTrip(f)
	if err != nil {
		return err
	}
	if c.rank == opts.RootRank {
		splitInto(result.Payload, outputs)
	}
	return nil
}

func (c *Context) Scatter(ctx context.Context, inputs []*tensor.Tensor, output *tensor.Tensor, opts transport.GatherScatterOptions) error {
	seq := c.nextSeq()
	var payload []byte
	if c.rank == opts.RootRank {
		tensors := make([]*tensor.Tensor, len(inputs))
		copy(tensors, inputs)
		flat, _ := tensor.Flatten(tensors)
		payload = flat.Data
	}
	f := frame{Op: opScatter, Rank: int32(c.rank), Seq: seq, Dst: int32(opts.RootRank), DType: byte(output.DType), Payload: payload}
	result, err := c.roundTrip(f)
	if err != nil {
		return err
	}
	copy(output.Data, result.Payload)
	return nil
}

func (c *Context) Barrier(ctx context.Context, opts transport.BarrierOptions) error {
	seq := c.nextSeq()
	f := frame{Op: opBarrier, Rank: int32(c.rank), Seq: seq}
	_, err := c.roundTrip(f)
	return err
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
