// Package accel models the accelerator runtime collaborator from spec.md
// §4.5/§9: per-device streams, events for cross-stream ordering, and a
// pinned host allocator for async copies. It is a simulation in the same
// spirit as ALXDeng-dsml/pkg/device's simulated GPU memory, generalized
// from one implicit stream per device to arbitrarily many named side
// streams with explicit event-based ordering.
package accel

import (
	"sync"

	"collcomm/tensor"

	"k8s.io/klog/v2"
)

// DeviceID names one logical accelerator the process group can stage
// tensors on. A real binding shim would map this to a physical device
// index; here it is just an opaque label used to pick a Device.
type DeviceID int

// Device owns an allocator and hands out side Streams. One Device exists
// per entry in ProcessGroup's configured device list (spec.md §6,
// Options.Devices).
type Device struct {
	ID DeviceID

	mu      sync.Mutex
	current *Stream // the caller's "current stream"; staging orders it after events via WaitEvent
}

// NewDevice constructs a Device. The default current stream represents
// whatever the caller's ambient compute stream is; side streams are
// allocated on top of it via NewSideStream.
func NewDevice(id DeviceID) *Device {
	d := &Device{ID: id}
	d.current = &Stream{device: d, highPriority: false}
	return d
}

// CurrentStream returns the caller's current stream, the ordering point
// every staging job records an event against before diverging onto a side
// stream (spec.md §4.5 step 1).
func (d *Device) CurrentStream() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// NewSideStream allocates a side stream ordered after the caller's
// current stream at the moment of the call, by recording and immediately
// blocking on an event (spec.md §4.5 step 1: "record an event on the
// caller's current device stream, and block the side stream on that
// event").
func (d *Device) NewSideStream() *Stream {
	cur := d.CurrentStream()
	ev := cur.Record()
	side := &Stream{device: d, highPriority: true}
	side.WaitEvent(ev)
	return side
}

// Stream is a simulated ordered sequence of async operations. Operations
// enqueued on a Stream run strictly after everything already enqueued on
// it, and after anything any WaitEvent call ordered it behind.
type Stream struct {
	device       *Device
	highPriority bool

	mu  sync.Mutex
	tip chan struct{} // closed once everything enqueued so far has run
}

// enqueue schedules fn to run after the stream's current tip, advancing
// the tip past fn's completion. All staging copies and WaitEvent go
// through this so ordering is linear per stream, matching a real
// CUDA/ROCm stream's semantics; Synchronize only waits on the tip.
func (s *Stream) enqueue(fn func()) {
	s.mu.Lock()
	prev := s.tip
	done := make(chan struct{})
	s.tip = done
	s.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		fn()
		close(done)
	}()
}

// tipChan returns the channel that closes once every operation enqueued
// on s so far has completed.
func (s *Stream) tipChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tip == nil {
		done := make(chan struct{})
		close(done)
		s.tip = done
	}
	return s.tip
}

// Synchronize blocks the calling goroutine until every operation enqueued
// on s so far has completed. Spec.md §4.5 step 3 ("Synchronize in") calls
// this on each side stream before invoking the host collective.
func (s *Stream) Synchronize() {
	<-s.tipChan()
}

// Event marks a point in a stream's operation sequence. WaitEvent on
// another stream orders that stream's future work after the event's
// point, without blocking the host thread (spec.md's "do not substitute
// host-side waits" design note).
type Event struct {
	done chan struct{}
}

// Record returns an Event that fires once everything enqueued on s up to
// this point has completed.
func (s *Stream) Record() *Event {
	ch := s.tipChan()
	return &Event{done: ch}
}

// WaitEvent orders all future work enqueued on s after ev, by enqueuing a
// no-op that blocks on ev's channel. This is the stream-ordering primitive
// spec.md §4.5 uses both to start a side stream after the caller's current
// stream, and to let the caller's stream observe staging completion at
// synchronize() time.
func (s *Stream) WaitEvent(ev *Event) {
	s.enqueue(func() {
		<-ev.done
	})
}

// CopyIn enqueues an async device-to-host copy of src into a freshly
// allocated pinned shadow tensor, returning the shadow immediately
// (spec.md §4.5 step 2, "Stage in"). The shadow is not safe to read until
// the caller has Synchronize()'d s.
func (s *Stream) CopyIn(src *tensor.Tensor) *tensor.Tensor {
	shadow := tensor.New(src.DType, src.Shape)
	shadow.Device = tensor.Host
	s.enqueue(func() {
		copy(shadow.Data, src.Data)
		klog.V(4).Infof("accel: device=%d copy-in %d bytes", s.device.ID, len(src.Data))
	})
	return shadow
}

// CopyOut enqueues an async host-to-device copy from shadow into dst and
// records a completion Event (spec.md §4.5 step 4, "Stage out").
func (s *Stream) CopyOut(dst, shadow *tensor.Tensor) *Event {
	s.enqueue(func() {
		copy(dst.Data, shadow.Data)
		klog.V(4).Infof("accel: device=%d copy-out %d bytes", s.device.ID, len(shadow.Data))
	})
	return s.Record()
}

// PinnedAllocator tracks the accelerator tensors staging registers against
// a side stream so they cannot be considered free until that stream has no
// more references to them (spec.md §4.5 step 1, "Register each tensor's
// storage with the caching allocator against the side stream"). The
// simulation only needs to keep the shadow reachable; Go's GC does the
// rest once Release drops the bookkeeping reference.
type PinnedAllocator struct {
	mu      sync.Mutex
	pending map[*tensor.Tensor]*Stream
}

// NewPinnedAllocator constructs an empty allocator.
func NewPinnedAllocator() *PinnedAllocator {
	return &PinnedAllocator{pending: make(map[*tensor.Tensor]*Stream)}
}

// Register pins t against s: Release(t) must be called before any other
// code is allowed to assume t's storage can be freed.
func (a *PinnedAllocator) Register(t *tensor.Tensor, s *Stream) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[t] = s
}

// Release unpins t once the registering stream has finished with it.
func (a *PinnedAllocator) Release(t *tensor.Tensor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, t)
}
