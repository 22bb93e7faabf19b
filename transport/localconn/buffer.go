package localconn

import (
	"context"

	"github.com/pkg/errors"
)

// unboundBuffer implements transport.UnboundBuffer by routing through the
// owning Context's Network mailboxes, keyed by (dst, tag) regardless of
// sender (spec.md §4.6's point-to-point contract).
type unboundBuffer struct {
	ctx  *Context
	data []byte

	sendErr chan error
	recvSrc int
	recvErr chan error
}

func (b *unboundBuffer) Send(ctx context.Context, dst int, tag int) error {
	b.sendErr = make(chan error, 1)
	go func() {
		b.ctx.network.Send(dst, tag, b.data, b.ctx.rank)
		b.sendErr <- nil
	}()
	return nil
}

func (b *unboundBuffer) Recv(ctx context.Context, src int, tag int) error {
	b.recvErr = make(chan error, 1)
	go func() {
		msg, err := b.ctx.network.Recv(ctx, b.ctx.rank, tag)
		if err != nil {
			b.recvErr <- err
			return
		}
		if msg.src != src {
			// A mismatched source is a protocol violation, raised at wait
			// time (spec.md §7).
			b.recvErr <- errors.Errorf("localconn: recv on tag %d expected source %d, got %d", tag, src, msg.src)
			return
		}
		copy(b.data, msg.data)
		b.recvSrc = msg.src
		b.recvErr <- nil
	}()
	return nil
}

// RecvAny accepts a message from any rank in srcs. The in-memory mailbox
// is already keyed only by (dst, tag) regardless of sender, so this is
// the same wait as Recv; srcs is accepted for interface symmetry and to
// leave room for a transport that partitions mailboxes by sender.
func (b *unboundBuffer) RecvAny(ctx context.Context, srcs []int, tag int) error {
	b.recvErr = make(chan error, 1)
	go func() {
		msg, err := b.ctx.network.Recv(ctx, b.ctx.rank, tag)
		if err != nil {
			b.recvErr <- err
			return
		}
		copy(b.data, msg.data)
		b.recvSrc = msg.src
		b.recvErr <- nil
	}()
	return nil
}

func (b *unboundBuffer) WaitSend(ctx context.Context) error {
	select {
	case err := <-b.sendErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *unboundBuffer) WaitRecv(ctx context.Context) (int, error) {
	select {
	case err := <-b.recvErr:
		return b.recvSrc, err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (b *unboundBuffer) Bytes() []byte { return b.data }
