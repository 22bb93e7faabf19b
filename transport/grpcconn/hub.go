package grpcconn

import (
	"io"
	"sync"

	"collcomm/tensor"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

// Hub is the rendezvous point every rank's Context dials into: a single
// server performing the same arrival-order matching localconn.Network
// does in-process, but now relayed over real gRPC streams. This is the
// hub-and-spoke shape ALXDeng-dsml's GPUCoordinator uses, kept here as
// the transport collaborator's internal wiring -- it is not exposed as
// the ProcessGroup's own topology, which spec.md models peer-to-peer.
type Hub struct {
	size int

	mu      sync.Mutex
	streams map[int32]exchangeStream

	slotMu sync.Mutex
	slots  map[int64]*hubSlot
}

type hubSlot struct {
	mu            sync.Mutex
	contributions map[int32]frame
	arrived       int
}

// NewHub constructs a Hub expecting exactly size ranks to connect.
func NewHub(size int) *Hub {
	return &Hub{size: size, streams: make(map[int32]exchangeStream), slots: make(map[int64]*hubSlot)}
}

// Serve registers the Hub on grpcServer, the way ALXDeng-dsml's
// cmd/coordinator/main.go registers GPUCoordinatorServer.
func (h *Hub) Serve(grpcServer *grpc.Server) {
	registerHub(grpcServer, h)
}

func (h *Hub) Exchange(stream exchangeStream) error {
	var rank int32 = -1

	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		f, err := decodeFrame(msg)
		if err != nil {
			return err
		}
		if rank < 0 {
			rank = f.Rank
			h.mu.Lock()
			h.streams[rank] = stream
			h.mu.Unlock()
			klog.V(3).Infof("grpcconn: rank %d attached", rank)
		}

		if f.Op == opP2P {
			if err := h.relay(f); err != nil {
				return err
			}
			continue
		}
		if err := h.deposit(f); err != nil {
			return err
		}
	}
	return nil
}

// relay forwards a point-to-point frame straight to its destination's
// stream, unbuffered by the hub -- the hub just completes the wire hop
// localconn.Network's inbox queue does in-process.
func (h *Hub) relay(f frame) error {
	h.mu.Lock()
	dst, ok := h.streams[f.Dst]
	h.mu.Unlock()
	if !ok {
		return errors.Errorf("grpcconn: no connected stream for rank %d", f.Dst)
	}
	return dst.Send(encodeFrame(f))
}

// deposit accumulates one rank's contribution to collective call Seq;
// once every rank has deposited, it runs the combine for that opcode and
// fans the results back out, mirroring localconn.Network.Exchange.
func (h *Hub) deposit(f frame) error {
	h.slotMu.Lock()
	slot, ok := h.slots[f.Seq]
	if !ok {
		slot = &hubSlot{contributions: make(map[int32]frame)}
		h.slots[f.Seq] = slot
	}
	h.slotMu.Unlock()

	slot.mu.Lock()
	slot.contributions[f.Rank] = f
	slot.arrived++
	isLast := slot.arrived == h.size
	var snapshot map[int32]frame
	if isLast {
		snapshot = slot.contributions
	}
	slot.mu.Unlock()

	if !isLast {
		return nil
	}

	h.slotMu.Lock()
	delete(h.slots, f.Seq)
	h.slotMu.Unlock()

	results, err := combine(f.Op, snapshot)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for dstRank, payload := range results {
		dst, ok := h.streams[dstRank]
		if !ok {
			continue
		}
		out := frame{Op: f.Op, Rank: f.Rank, Seq: f.Seq, DType: f.DType, Payload: payload}
		if err := dst.Send(encodeFrame(out)); err != nil {
			return err
		}
	}
	return nil
}

// combine computes, for each destination rank, the bytes it should
// receive back for a completed collective call. RootTensor/options that
// localconn.Context folds into its closures travel here inside Dst
// (reused as RootRank) since the hub only sees raw frames.
func combine(op opcode, contributions map[int32]frame) (map[int32][]byte, error) {
	n := int32(len(contributions))
	out := make(map[int32][]byte, n)

	switch op {
	case opBroadcast:
		// Every rank's frame carries the same RootRank in Dst.
		var root int32
		for _, f := range contributions {
			root = f.Dst
			break
		}
		rootPayload := contributions[root].Payload
		for r := range contributions {
			out[r] = rootPayload
		}
		return out, nil

	case opAllreduce, opReduce:
		var dt tensor.DType
		var acc []byte
		first := true
		var op0 tensor.ReduceOp
		var rootRank int32
		for _, f := range contributions {
			dt = tensor.DType(f.DType)
			rootRank = f.Dst
			op0 = tensor.ReduceOp(f.Tag)
			if first {
				acc = append([]byte(nil), f.Payload...)
				first = false
				continue
			}
			shape := []int64{int64(len(acc)) / int64(dt.Size())}
			accT := &tensor.Tensor{DType: dt, Shape: shape, Data: acc}
			otherT := &tensor.Tensor{DType: dt, Shape: shape, Data: f.Payload}
			if err := tensor.ReduceInto(accT, otherT, op0); err != nil {
				return nil, err
			}
			acc = accT.Data
		}
		if op == opAllreduce {
			for r := range contributions {
				out[r] = acc
			}
		} else {
			for r := range contributions {
				out[r] = nil
			}
			out[rootRank] = acc
		}
		return out, nil

	case opAllgather, opGather:
		order := make([]int32, 0, n)
		for r := range contributions {
			order = append(order, r)
		}
		sortInt32s(order)
		flat := make([]byte, 0)
		for _, r := range order {
			flat = append(flat, contributions[r].Payload...)
		}
		if op == opAllgather {
			for r := range contributions {
				out[r] = flat
			}
		} else {
			var rootRank int32
			for r, f := range contributions {
				rootRank = f.Dst
				out[r] = nil
			}
			out[rootRank] = flat
		}
		return out, nil

	case opScatter:
		var rootRank int32
		for _, f := range contributions {
			rootRank = f.Dst
			break
		}
		rootPayload := contributions[rootRank].Payload
		chunk := len(rootPayload) / int(n)
		i := 0
		order := make([]int32, 0, n)
		for r := range contributions {
			order = append(order, r)
		}
		sortInt32s(order)
		for _, r := range order {
			out[r] = rootPayload[i*chunk : (i+1)*chunk]
			i++
		}
		return out, nil

	case opBarrier:
		for r := range contributions {
			out[r] = nil
		}
		return out, nil
	}
	return nil, errors.Errorf("grpcconn: unknown opcode %d", op)
}

func sortInt32s(s []int32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
