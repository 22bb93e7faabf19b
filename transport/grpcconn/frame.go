package grpcconn

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// opcode identifies which collective (or plain point-to-point send) a
// frame belongs to. The hub needs this to know how to combine
// contributions once every rank has deposited one, the way
// ALXDeng-dsml's coordinator dispatches on RPC method rather than a
// header byte -- here there is only one streaming RPC, so the method
// dispatch has to travel inside the frame.
type opcode byte

const (
	opBroadcast opcode = iota
	opAllreduce
	opReduce
	opAllgather
	opGather
	opScatter
	opBarrier
	opP2P
)

// frame is the wire record carried inside one Exchange stream message.
// It is packed into a fixed binary header followed by the raw payload
// bytes, the same layout ALXDeng-dsml's device.go uses when it turns a
// []byte memory region into float64s with encoding/binary -- header
// fields fixed width, payload opaque.
type frame struct {
	Op      opcode
	Rank    int32 // sender rank
	Seq     int64 // collective call-sequence index (opcode != opP2P)
	Dst     int32 // p2p destination rank, or RootRank for rooted collectives
	Tag     int32 // p2p tag, or the ReduceOp for allreduce/reduce
	DType   byte
	Payload []byte
}

const headerLen = 1 + 4 + 8 + 4 + 4 + 1

func encodeFrame(f frame) *wrapperspb.BytesValue {
	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = byte(f.Op)
	binary.BigEndian.PutUint32(buf[1:5], uint32(f.Rank))
	binary.BigEndian.PutUint64(buf[5:13], uint64(f.Seq))
	binary.BigEndian.PutUint32(buf[13:17], uint32(f.Dst))
	binary.BigEndian.PutUint32(buf[17:21], uint32(f.Tag))
	buf[21] = f.DType
	copy(buf[headerLen:], f.Payload)
	return &wrapperspb.BytesValue{Value: buf}
}

func decodeFrame(msg *wrapperspb.BytesValue) (frame, error) {
	buf := msg.GetValue()
	if len(buf) < headerLen {
		return frame{}, errors.Errorf("grpcconn: short frame (%d bytes)", len(buf))
	}
	return frame{
		Op:      opcode(buf[0]),
		Rank:    int32(binary.BigEndian.Uint32(buf[1:5])),
		Seq:     int64(binary.BigEndian.Uint64(buf[5:13])),
		Dst:     int32(binary.BigEndian.Uint32(buf[13:17])),
		Tag:     int32(binary.BigEndian.Uint32(buf[17:21])),
		DType:   buf[21],
		Payload: buf[headerLen:],
	}, nil
}
