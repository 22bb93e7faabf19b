// Package transport declares the collaborator interface spec.md §2/§6
// calls "the underlying transport library": a Context per logical device
// exchanging fixed-size typed buffers via collectives, plus unbound
// buffers for tagged point-to-point send/recv. The process group never
// implements the wire protocol itself; this package only fixes the shape
// of the seam, the way spec.md treats it as "out of scope" for the core.
package transport

import (
	"context"

	"collcomm/tensor"
)

// BroadcastOptions mirrors spec.md §6: "{rootRank, rootTensor}".
type BroadcastOptions struct {
	RootRank   int
	RootTensor int
}

// ReduceOptions mirrors spec.md §6's Allreduce/Reduce option record.
// RootRank/RootTensor are ignored by Allreduce/AllreduceCoalesced, which
// have no root.
type ReduceOptions struct {
	RootRank   int
	RootTensor int
	Op         tensor.ReduceOp
}

// GatherScatterOptions mirrors spec.md §6's Gather/Scatter option record.
type GatherScatterOptions struct {
	RootRank int
}

// BarrierOptions mirrors spec.md §6: "Barrier: no options."
type BarrierOptions struct{}

// Context is one fully-connected transport attachment (spec.md glossary).
// Every Context used by the same ProcessGroup shares (rank, size) and
// differs only in which underlying device/connection object it uses; the
// dispatch engine routes a job to one Context per spec.md §4.2.
type Context interface {
	Rank() int
	Size() int

	Broadcast(ctx context.Context, data []*tensor.Tensor, opts BroadcastOptions) error
	Allreduce(ctx context.Context, data []*tensor.Tensor, opts ReduceOptions) error
	Reduce(ctx context.Context, data []*tensor.Tensor, opts ReduceOptions) error
	Allgather(ctx context.Context, input *tensor.Tensor, outputs []*tensor.Tensor) error
	Gather(ctx context.Context, input *tensor.Tensor, outputs []*tensor.Tensor, opts GatherScatterOptions) error
	Scatter(ctx context.Context, inputs []*tensor.Tensor, output *tensor.Tensor, opts GatherScatterOptions) error
	Barrier(ctx context.Context, opts BarrierOptions) error

	CreateUnboundBuffer(data []byte) UnboundBuffer
}

// UnboundBuffer is a send/recv-capable handle over a byte buffer not yet
// bound to a particular peer, per spec.md §6: "createUnboundBuffer(ptr,
// bytes) -> buffer" with send/recv/waitSend/waitRecv.
type UnboundBuffer interface {
	Send(ctx context.Context, dst int, tag int) error
	Recv(ctx context.Context, src int, tag int) error
	// RecvAny issues an asynchronous receive that completes on a message
	// tagged tag arriving from any rank in srcs; the actual sender is
	// reported by WaitRecv once it completes.
	RecvAny(ctx context.Context, srcs []int, tag int) error
	WaitSend(ctx context.Context) error
	WaitRecv(ctx context.Context) (source int, err error)
	Bytes() []byte
}
