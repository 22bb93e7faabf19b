// Package localconn is an in-process, goroutine/channel backed
// implementation of transport.Context, grounded in
// unixpickle-dist-sys/collcomm's Comms/Ports/Network model. It exists so
// procgroup's tests can exercise the full dispatch engine, dense/sparse
// collective, and staging logic deterministically, without a real
// network.
package localconn

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Network is the shared rendezvous point for one logical transport
// context across all ranks of a process group: exactly one Network
// backs one entry of ProcessGroup's context list (spec.md §3:
// "multiple contexts parallelize I/O").
type Network struct {
	size int

	mu    sync.Mutex
	slots map[int64]*exchangeSlot

	inboxMu sync.Mutex
	inboxes map[msgKey]*queue
}

// NewNetwork constructs a Network connecting size peers.
func NewNetwork(size int) *Network {
	return &Network{
		size:    size,
		slots:   make(map[int64]*exchangeSlot),
		inboxes: make(map[msgKey]*queue),
	}
}

// exchangeSlot rendezvous one collective call across all ranks. Ranks are
// matched purely by arrival order on this Network (slot index), which is
// sound exactly because spec.md assumes every rank issues collectives in
// the same order (§3 Invariants, §5 Ordering guarantees).
type exchangeSlot struct {
	mu            sync.Mutex
	contributions [][]byte
	arrived       int
	ready         chan struct{}
	results       [][]byte
}

// Exchange deposits payload for rank at call-sequence idx and blocks until
// every rank has deposited, then returns this rank's share of combine's
// output. combine runs exactly once, on whichever rank happens to be last
// to arrive.
func (n *Network) Exchange(rank int, idx int64, payload []byte, combine func(contributions [][]byte) [][]byte) ([]byte, error) {
	if rank < 0 || rank >= n.size {
		return nil, errors.Errorf("localconn: rank %d out of range [0,%d)", rank, n.size)
	}

	n.mu.Lock()
	slot, ok := n.slots[idx]
	if !ok {
		slot = &exchangeSlot{contributions: make([][]byte, n.size), ready: make(chan struct{})}
		n.slots[idx] = slot
	}
	n.mu.Unlock()

	slot.mu.Lock()
	slot.contributions[rank] = payload
	slot.arrived++
	isLast := slot.arrived == n.size
	slot.mu.Unlock()

	if isLast {
		results := combine(slot.contributions)
		slot.results = results
		n.mu.Lock()
		delete(n.slots, idx)
		n.mu.Unlock()
		close(slot.ready)
	} else {
		<-slot.ready
	}
	return slot.results[rank], nil
}

// msgKey identifies a point-to-point mailbox: messages sent to dst with
// tag accumulate here regardless of sender, which is what makes
// RecvAnysource possible (spec.md §4.6).
type msgKey struct {
	dst int
	tag int
}

type p2pMessage struct {
	data []byte
	src  int
}

// queue is an unbounded FIFO with context-aware blocking pop, used for
// point-to-point mailboxes since sends must not block on a slow or absent
// receiver (spec.md §6: unbound buffers are created independent of a
// matching recv).
type queue struct {
	mu     sync.Mutex
	items  []p2pMessage
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{})}
}

func (q *queue) push(msg p2pMessage) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	old := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(old)
}

func (q *queue) pop(ctx context.Context) (p2pMessage, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return p2pMessage{}, ctx.Err()
		}
	}
}

func (n *Network) inbox(key msgKey) *queue {
	n.inboxMu.Lock()
	defer n.inboxMu.Unlock()
	q, ok := n.inboxes[key]
	if !ok {
		q = newQueue()
		n.inboxes[key] = q
	}
	return q
}

// Send delivers data to dst's (dst, tag) mailbox.
func (n *Network) Send(dst, tag int, data []byte, src int) {
	n.inbox(msgKey{dst: dst, tag: tag}).push(p2pMessage{data: data, src: src})
}

// Recv blocks until a message for (self, tag) arrives.
func (n *Network) Recv(ctx context.Context, self, tag int) (p2pMessage, error) {
	return n.inbox(msgKey{dst: self, tag: tag}).pop(ctx)
}
