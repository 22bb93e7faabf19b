// Package procgroup implements the collective-communication process
// group: the asynchronous work-dispatch engine, accelerator host/device
// staging, and the sparse-tensor allreduce algorithm that spec.md's
// Purpose & Scope names as the hard parts. Everything else (transport,
// store, tensor, accel) is a collaborator the process group only calls
// through the interfaces those packages declare.
package procgroup

import (
	"context"
	"time"

	"collcomm/accel"
	"collcomm/store"
	"collcomm/tensor"
	"collcomm/transport"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configures a ProcessGroup, mirroring spec.md §6's
// "new(store, rank, size, {devices, timeout, threads})" constructor.
type Options struct {
	Devices []accel.DeviceID
	Timeout time.Duration
	Threads int
}

const (
	defaultTimeout = 10 * time.Second
	defaultThreads = 2
)

// ProcessGroup binds rank/size to a set of transport contexts and a
// worker pool, per spec.md §3.
type ProcessGroup struct {
	rank int
	size int

	contexts []transport.Context
	store    store.Store

	dispatcher *dispatcher

	collectiveCounter int64 // accessed only via nextTag's atomic ops

	devices map[accel.DeviceID]*accel.Device
	pinned  *accel.PinnedAllocator

	timeout time.Duration
}

// New constructs a ProcessGroup. st is the rendezvous store collaborator
// (spec.md §2 component 2); contexts is the ordered transport context
// list tag routing selects among (spec.md §4.2).
func New(st store.Store, rank, size int, contexts []transport.Context, opts Options) (*ProcessGroup, error) {
	if rank < 0 || rank >= size {
		return nil, invalidArgf("rank %d out of range [0,%d)", rank, size)
	}
	if len(contexts) == 0 {
		return nil, invalidArgf("at least one transport context is required")
	}
	threads := opts.Threads
	if threads == 0 {
		threads = defaultThreads
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	pg := &ProcessGroup{
		rank:       rank,
		size:       size,
		contexts:   contexts,
		store:      store.NewPrefixedStore(store.NewInstancePrefix(), st),
		dispatcher: newDispatcher(threads),
		devices:    make(map[accel.DeviceID]*accel.Device, len(opts.Devices)),
		pinned:     accel.NewPinnedAllocator(),
		timeout:    timeout,
	}
	for _, id := range opts.Devices {
		pg.devices[id] = accel.NewDevice(id)
	}
	klog.V(2).Infof("procgroup: rank=%d size=%d threads=%d contexts=%d", rank, size, threads, len(contexts))
	return pg, nil
}

// Name returns a fixed backend identifier, the supplemented equivalent
// of the original ProcessGroupGloo's getBackendName() (see
// SPEC_FULL.md's SUPPLEMENTED FEATURES #1).
func (pg *ProcessGroup) Name() string { return "collcomm" }

func (pg *ProcessGroup) GetRank() int { return pg.rank }
func (pg *ProcessGroup) GetSize() int { return pg.size }

// Close drains the dispatch engine and joins its workers (spec.md §4.1
// destructor sequence).
func (pg *ProcessGroup) Close() {
	pg.dispatcher.close()
}

// primaryDevice returns the process group's single configured
// accelerator device, if any. Tensor does not itself carry a device
// index (see tensor.go's doc comment), so staging is only supported
// against one accelerator per process; multi-device staging would need
// that information plumbed through Tensor, which spec.md explicitly
// treats as a collaborator's concern, out of scope here.
func (pg *ProcessGroup) primaryDevice() *accel.Device {
	for _, d := range pg.devices {
		return d
	}
	return nil
}

func anyAccelerator(ts []*tensor.Tensor) bool {
	for _, t := range ts {
		if t.Device == tensor.Accelerator {
			return true
		}
	}
	return false
}

// stageIfNeeded implements spec.md §4.5's entry point: if any tensor in
// ts is accelerator-resident, it allocates per-tensor side streams and
// pinned shadows and returns the shadow list to build the inner dense
// job against, plus the stagedJob wrapper that will drive staging
// in/out around that inner job. If every tensor is host-resident, ts is
// returned unchanged and staged is nil.
func (pg *ProcessGroup) stageIfNeeded(ts []*tensor.Tensor) (working []*tensor.Tensor, staged *stagedJob, err error) {
	if !anyAccelerator(ts) {
		return ts, nil, nil
	}
	device := pg.primaryDevice()
	if device == nil {
		return nil, nil, invalidArgf("accelerator tensors require at least one configured device")
	}
	shadows, prep := newStagedJob(device, pg.pinned, ts)
	return shadows, prep, nil
}

// finish wraps inner in staged (if non-nil), enqueues the result, and
// returns its Work handle.
func (pg *ProcessGroup) finish(inner job, staged *stagedJob) Work {
	var finalJob job = inner
	if staged != nil {
		staged.inner = inner
		finalJob = staged
	}
	w := newAsyncWork(finalJob)
	pg.dispatcher.enqueue(w)
	return w
}

func anySparseAccelerator(ts []*tensor.SparseTensor) bool {
	for _, s := range ts {
		if s.Values.Device == tensor.Accelerator {
			return true
		}
	}
	return false
}

// stageSparseIfNeeded is AllreduceSparse's counterpart to stageIfNeeded.
// Sparse staging needs its own job wrapper (stagedSparseJob) rather than
// the dense stagedJob, because spec.md §4.5's last paragraph requires
// coalescing each input on its side stream before the host copy rather
// than copying it in as-is.
func (pg *ProcessGroup) stageSparseIfNeeded(ts []*tensor.SparseTensor) (working []*tensor.SparseTensor, staged *stagedSparseJob, err error) {
	if !anySparseAccelerator(ts) {
		return ts, nil, nil
	}
	device := pg.primaryDevice()
	if device == nil {
		return nil, nil, invalidArgf("accelerator tensors require at least one configured device")
	}
	working, prep := newStagedSparseJob(device, pg.pinned, ts)
	return working, prep, nil
}

// finishSparse mirrors finish for AllreduceSparse: stagedSparseJob wraps
// a concrete *sparseAllreduceJob rather than the generic job interface,
// since it needs to read back inner.outputs to stage the result out.
func (pg *ProcessGroup) finishSparse(inner *sparseAllreduceJob, staged *stagedSparseJob) Work {
	var finalJob job = inner
	if staged != nil {
		staged.inner = inner
		finalJob = staged
	}
	w := newAsyncWork(finalJob)
	pg.dispatcher.enqueue(w)
	return w
}

func (pg *ProcessGroup) Broadcast(ctx context.Context, data []*tensor.Tensor, opts transport.BroadcastOptions) (Work, error) {
	if err := validateList(data, "broadcast"); err != nil {
		return nil, err
	}
	if err := validateRootRank(opts.RootRank, pg.size); err != nil {
		return nil, err
	}
	if err := validateRootTensor(opts.RootTensor, len(data)); err != nil {
		return nil, err
	}
	if err := validateSupportedDType(data[0].DType); err != nil {
		return nil, err
	}
	working, staged, err := pg.stageIfNeeded(data)
	if err != nil {
		return nil, err
	}
	tag := pg.nextTag()
	inner := &broadcastJob{ctx: pg.contextFor(tag), data: working, opts: opts, runCtx: ctx}
	return pg.finish(inner, staged), nil
}

func (pg *ProcessGroup) Allreduce(ctx context.Context, data []*tensor.Tensor, op tensor.ReduceOp) (Work, error) {
	if err := validateList(data, "allreduce"); err != nil {
		return nil, err
	}
	if err := validateSupportedDType(data[0].DType); err != nil {
		return nil, err
	}
	working, staged, err := pg.stageIfNeeded(data)
	if err != nil {
		return nil, err
	}
	tag := pg.nextTag()
	inner := &allreduceJob{ctx: pg.contextFor(tag), data: working, op: op, runCtx: ctx}
	return pg.finish(inner, staged), nil
}

func (pg *ProcessGroup) AllreduceCoalesced(ctx context.Context, data []*tensor.Tensor, op tensor.ReduceOp) (Work, error) {
	if len(data) == 0 {
		return nil, invalidArgf("allreduce_coalesced: empty tensor list")
	}
	// Entries may differ in shape: they are flattened into one buffer.
	for i, t := range data[1:] {
		if t.DType != data[0].DType || t.Device != data[0].Device {
			return nil, invalidArgf("allreduce_coalesced: entry %d does not match entry 0's dtype/device", i+1)
		}
	}
	if err := validateSupportedDType(data[0].DType); err != nil {
		return nil, err
	}
	working, staged, err := pg.stageIfNeeded(data)
	if err != nil {
		return nil, err
	}
	tag := pg.nextTag()
	inner := &allreduceCoalescedJob{ctx: pg.contextFor(tag), data: working, op: op, runCtx: ctx}
	return pg.finish(inner, staged), nil
}

func (pg *ProcessGroup) Reduce(ctx context.Context, data []*tensor.Tensor, rootRank int, op tensor.ReduceOp) (Work, error) {
	if err := validateList(data, "reduce"); err != nil {
		return nil, err
	}
	if err := validateSingle(data, "reduce"); err != nil {
		return nil, err
	}
	if err := validateRootRank(rootRank, pg.size); err != nil {
		return nil, err
	}
	if err := validateSupportedDType(data[0].DType); err != nil {
		return nil, err
	}
	working, staged, err := pg.stageIfNeeded(data)
	if err != nil {
		return nil, err
	}
	tag := pg.nextTag()
	inner := &reduceJob{ctx: pg.contextFor(tag), data: working, rootRank: rootRank, op: op, runCtx: ctx}
	return pg.finish(inner, staged), nil
}

func (pg *ProcessGroup) Allgather(ctx context.Context, input *tensor.Tensor, outputs []*tensor.Tensor) (Work, error) {
	if err := validateList([]*tensor.Tensor{input}, "allgather input"); err != nil {
		return nil, err
	}
	if len(outputs) != pg.size {
		return nil, invalidArgf("allgather: need %d outputs, got %d", pg.size, len(outputs))
	}
	if err := validateSupportedDType(input.DType); err != nil {
		return nil, err
	}
	combined := append([]*tensor.Tensor{input}, outputs...)
	working, staged, err := pg.stageIfNeeded(combined)
	if err != nil {
		return nil, err
	}
	tag := pg.nextTag()
	inner := &allgatherJob{ctx: pg.contextFor(tag), input: working[0], outputs: working[1:], runCtx: ctx}
	return pg.finish(inner, staged), nil
}

// AllgatherCoalesced is the supplemented entrypoint from SPEC_FULL.md's
// SUPPLEMENTED FEATURES #4.
func (pg *ProcessGroup) AllgatherCoalesced(ctx context.Context, inputs []*tensor.Tensor, outputs [][]*tensor.Tensor) (Work, error) {
	if err := validateList(inputs, "allgather_coalesced inputs"); err != nil {
		return nil, err
	}
	if len(outputs) != pg.size {
		return nil, invalidArgf("allgather_coalesced: need %d output rows, got %d", pg.size, len(outputs))
	}
	if err := validateSupportedDType(inputs[0].DType); err != nil {
		return nil, err
	}
	tag := pg.nextTag()
	inner := &allgatherCoalescedJob{ctx: pg.contextFor(tag), size: pg.size, inputs: inputs, outputs: outputs, runCtx: ctx}
	return pg.finish(inner, nil), nil
}

func (pg *ProcessGroup) Gather(ctx context.Context, input *tensor.Tensor, outputs []*tensor.Tensor, rootRank int) (Work, error) {
	if err := validateList([]*tensor.Tensor{input}, "gather input"); err != nil {
		return nil, err
	}
	if err := validateRootRank(rootRank, pg.size); err != nil {
		return nil, err
	}
	if pg.rank == rootRank && len(outputs) != pg.size {
		return nil, invalidArgf("gather: root needs %d outputs, got %d", pg.size, len(outputs))
	}
	if err := validateSupportedDType(input.DType); err != nil {
		return nil, err
	}
	combined := append([]*tensor.Tensor{input}, outputs...)
	working, staged, err := pg.stageIfNeeded(combined)
	if err != nil {
		return nil, err
	}
	tag := pg.nextTag()
	inner := &gatherJob{ctx: pg.contextFor(tag), input: working[0], outputs: working[1:], rootRank: rootRank, runCtx: ctx}
	return pg.finish(inner, staged), nil
}

func (pg *ProcessGroup) Scatter(ctx context.Context, inputs []*tensor.Tensor, output *tensor.Tensor, rootRank int) (Work, error) {
	if err := validateRootRank(rootRank, pg.size); err != nil {
		return nil, err
	}
	if pg.rank == rootRank {
		if err := validateList(inputs, "scatter inputs"); err != nil {
			return nil, err
		}
		if len(inputs) != pg.size {
			return nil, invalidArgf("scatter: root needs %d inputs, got %d", pg.size, len(inputs))
		}
	}
	if err := validateSupportedDType(output.DType); err != nil {
		return nil, err
	}
	combined := append(append([]*tensor.Tensor{}, inputs...), output)
	working, staged, err := pg.stageIfNeeded(combined)
	if err != nil {
		return nil, err
	}
	n := len(inputs)
	tag := pg.nextTag()
	inner := &scatterJob{ctx: pg.contextFor(tag), inputs: working[:n], output: working[n], rootRank: rootRank, runCtx: ctx}
	return pg.finish(inner, staged), nil
}

// ReduceScatter always fails: spec.md §1 Non-goals explicitly exclude it.
func (pg *ProcessGroup) ReduceScatter(ctx context.Context, data []*tensor.Tensor, op tensor.ReduceOp) (Work, error) {
	return nil, errors.Wrap(ErrUnsupported, "reduce_scatter")
}

func (pg *ProcessGroup) Barrier(ctx context.Context) (Work, error) {
	tag := pg.nextTag()
	inner := &barrierJob{ctx: pg.contextFor(tag), priorSet: pg.dispatcher.snapshot(), runCtx: ctx}
	return pg.finish(inner, nil), nil
}

// AllreduceSparse implements spec.md §4.4: sparse allreduce-SUM built on
// dense allgather. op must be SUM; any other reduction is rejected at
// the entrypoint per §4.4's "Reductions other than SUM are rejected at
// the entrypoint."
func (pg *ProcessGroup) AllreduceSparse(ctx context.Context, data []*tensor.SparseTensor, op tensor.ReduceOp) (Work, error) {
	if len(data) == 0 {
		return nil, invalidArgf("allreduce_sparse: empty tensor list")
	}
	if op != tensor.Sum {
		return nil, errors.Wrapf(ErrUnsupported, "allreduce_sparse: reduce op %s", op)
	}
	if err := validateSupportedDType(data[0].DType); err != nil {
		return nil, err
	}
	working, staged, err := pg.stageSparseIfNeeded(data)
	if err != nil {
		return nil, err
	}
	tag := pg.nextTag()
	inner := &sparseAllreduceJob{ctx: pg.contextFor(tag), size: pg.size, inputs: working, runCtx: ctx}
	return pg.finishSparse(inner, staged), nil
}

func (pg *ProcessGroup) Send(ctx context.Context, t *tensor.Tensor, dst int, tag int) (Work, error) {
	if err := validateP2P(t, tag); err != nil {
		return nil, err
	}
	if dst < 0 || dst >= pg.size {
		return nil, invalidArgf("send: dst %d out of range [0,%d)", dst, pg.size)
	}
	tctx := pg.contextFor(int64(tag))
	buf := tctx.CreateUnboundBuffer(t.Data)
	if err := buf.Send(ctx, dst, tag); err != nil {
		return nil, errors.Wrap(err, "send")
	}
	return &SendWork{buf: buf, tensor: t}, nil
}

func (pg *ProcessGroup) Recv(ctx context.Context, t *tensor.Tensor, src int, tag int) (RecvHandle, error) {
	if err := validateP2P(t, tag); err != nil {
		return nil, err
	}
	if src < 0 || src >= pg.size {
		return nil, invalidArgf("recv: src %d out of range [0,%d)", src, pg.size)
	}
	tctx := pg.contextFor(int64(tag))
	buf := tctx.CreateUnboundBuffer(t.Data)
	if err := buf.Recv(ctx, src, tag); err != nil {
		return nil, errors.Wrap(err, "recv")
	}
	return &RecvWork{buf: buf, tensor: t}, nil
}

// RecvAnysource offers every rank in [0,size) as an acceptable source,
// the unique rank set the spec.md §9 Open Question recommends rather
// than the original's length-2*size list with a zero-padded first half.
func (pg *ProcessGroup) RecvAnysource(ctx context.Context, t *tensor.Tensor, tag int) (RecvHandle, error) {
	if err := validateP2P(t, tag); err != nil {
		return nil, err
	}
	srcs := make([]int, pg.size)
	for i := range srcs {
		srcs[i] = i
	}
	tctx := pg.contextFor(int64(tag))
	buf := tctx.CreateUnboundBuffer(t.Data)
	if err := buf.RecvAny(ctx, srcs, tag); err != nil {
		return nil, errors.Wrap(err, "recv_any_source")
	}
	return &RecvWork{buf: buf, tensor: t}, nil
}
