package grpcconn

import (
	"context"

	"github.com/pkg/errors"
)

// unboundBuffer implements transport.UnboundBuffer over the same Hub
// stream a Context uses for collectives, tagging frames opP2P and
// routing by (Dst, Tag) the way localconn's Network mailboxes do.
type unboundBuffer struct {
	ctx  *Context
	data []byte

	sendErr chan error

	recvTag int32
	recvSrc int
	recvErr chan error
}

func (b *unboundBuffer) Send(ctx context.Context, dst int, tag int) error {
	b.sendErr = make(chan error, 1)
	f := frame{Op: opP2P, Rank: int32(b.ctx.rank), Dst: int32(dst), Tag: int32(tag), Payload: b.data}
	go func() {
		b.sendErr <- b.ctx.stream.Send(encodeFrame(f))
	}()
	return nil
}

func (b *unboundBuffer) Recv(ctx context.Context, src int, tag int) error {
	return b.beginRecv(tag)
}

func (b *unboundBuffer) RecvAny(ctx context.Context, srcs []int, tag int) error {
	return b.beginRecv(tag)
}

// beginRecv registers this buffer as the waiter for tag and waits for the
// hub to relay a matching frame in a background goroutine, mirroring
// localconn's async-issue-then-Wait contract.
func (b *unboundBuffer) beginRecv(tag int) error {
	b.recvTag = int32(tag)
	ch := make(chan frame, 1)
	b.ctx.mu.Lock()
	if _, exists := b.ctx.waitersP2[b.recvTag]; exists {
		b.ctx.mu.Unlock()
		return errors.Errorf("grpcconn: tag %d already has a pending receive", tag)
	}
	b.ctx.waitersP2[b.recvTag] = ch
	b.ctx.mu.Unlock()

	b.recvErr = make(chan error, 1)
	go func() {
		f := <-ch
		b.ctx.mu.Lock()
		delete(b.ctx.waitersP2, b.recvTag)
		b.ctx.mu.Unlock()
		copy(b.data, f.Payload)
		b.recvSrc = int(f.Rank)
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
