package procgroup

import (
	"context"

	"collcomm/tensor"
	"collcomm/transport"
)

// SendWork and RecvWork wrap an unbound buffer directly (spec.md §4.6):
// unlike the dense/sparse collectives, point-to-point bypasses the
// dispatch engine's queue entirely -- send/recv are already asynchronous
// at the transport layer, so there is no job to schedule.

type SendWork struct {
	buf    transport.UnboundBuffer
	tensor *tensor.Tensor // kept live until Wait returns
}

func (w *SendWork) Wait(ctx context.Context) error         { return w.buf.WaitSend(ctx) }
func (w *SendWork) Synchronize(ctx context.Context) error  { return w.Wait(ctx) }
func (w *SendWork) Result() []*tensor.Tensor               { return nil }
func (w *SendWork) State() State                           { return StatePending } // not tracked; Wait is authoritative

// RecvHandle is the Work returned by Recv/RecvAnysource, adding the
// source rank spec.md §3 documents as "populated by the transport on
// completion" for RecvWork.
type RecvHandle interface {
	Work
	SourceRank() int
}

type RecvWork struct {
	buf        transport.UnboundBuffer
	tensor     *tensor.Tensor
	sourceRank int
}

func (w *RecvWork) Wait(ctx context.Context) error {
	src, err := w.buf.WaitRecv(ctx)
	w.sourceRank = src
	return err
}

func (w *RecvWork) Synchronize(ctx context.Context) error { return w.Wait(ctx) }
func (w *RecvWork) Result() []*tensor.Tensor               { return []*tensor.Tensor{w.tensor} }
func (w *RecvWork) State() State                           { return StatePending }
func (w *RecvWork) SourceRank() int                         { return w.sourceRank }
