package procgroup

import (
	"context"

	"collcomm/tensor"
	"collcomm/transport"

	"github.com/pkg/errors"
)

// Each type below is the "Work stores its transport context, parameters,
// tag, and captured tensor lists" job from spec.md §4.3: run() constructs
// the option bundle and invokes exactly one transport primitive, then
// applies the collective's documented multi-tensor semantics.

type broadcastJob struct {
	ctx    transport.Context
	data   []*tensor.Tensor
	opts   transport.BroadcastOptions
	runCtx context.Context
}

func (j *broadcastJob) run() error {
	err := j.ctx.Broadcast(j.runCtx, j.data, j.opts)
	if err != nil {
		return errors.Wrap(err, "broadcast")
	}
	// "the Work then copies that tensor into every other entry of the
	// local list" (spec.md §4.3).
	root := j.data[j.opts.RootTensor]
	for i, t := range j.data {
		if i == j.opts.RootTensor {
			continue
		}
		copy(t.Data, root.Data)
	}
	return nil
}

func (j *broadcastJob) result() []*tensor.Tensor { return j.data }

type allreduceJob struct {
	ctx    transport.Context
	data   []*tensor.Tensor
	op     tensor.ReduceOp
	runCtx context.Context
}

func (j *allreduceJob) run() error {
	// "transport reduces only the first tensor; the Work then copies it
	// into every other local entry. Documented upstream limitation."
	err := j.ctx.Allreduce(j.runCtx, j.data, transport.ReduceOptions{Op: j.op})
	if err != nil {
		return errors.Wrap(err, "allreduce")
	}
	first := j.data[0]
	for _, t := range j.data[1:] {
		copy(t.Data, first.Data)
	}
	return nil
}

func (j *allreduceJob) result() []*tensor.Tensor { return j.data }

type reduceJob struct {
	ctx      transport.Context
	data     []*tensor.Tensor // single-tensor only (spec.md §4.3)
	rootRank int
	op       tensor.ReduceOp
	runCtx   context.Context
}

func (j *reduceJob) run() error {
	err := j.ctx.Reduce(j.runCtx, j.data, transport.ReduceOptions{RootRank: j.rootRank, Op: j.op})
	return errors.Wrap(err, "reduce")
}

func (j *reduceJob) result() []*tensor.Tensor { return j.data }

type allreduceCoalescedJob struct {
	ctx    transport.Context
	data   []*tensor.Tensor
	op     tensor.ReduceOp
	runCtx context.Context
}

func (j *allreduceCoalescedJob) run() error {
	flat, counts := tensor.Flatten(j.data)
	if err := j.ctx.Allreduce(j.runCtx, []*tensor.Tensor{flat}, transport.ReduceOptions{Op: j.op}); err != nil {
		return errors.Wrap(err, "allreduce_coalesced")
	}
	tensor.Unflatten(flat, j.data, counts)
	return nil
}

func (j *allreduceCoalescedJob) result() []*tensor.Tensor { return j.data }

type allgatherJob struct {
	ctx     transport.Context
	input   *tensor.Tensor
	outputs []*tensor.Tensor // one per rank
	runCtx  context.Context
}

func (j *allgatherJob) run() error {
	err := j.ctx.Allgather(j.runCtx, j.input, j.outputs)
	return errors.Wrap(err, "allgather")
}

func (j *allgatherJob) result() []*tensor.Tensor { return j.outputs }

// allgatherCoalescedJob implements SPEC_FULL.md's SUPPLEMENTED FEATURES #4
// AllgatherCoalesced entrypoint: flatten multiple local inputs into one
// buffer, allgather once, then unflatten each rank's contribution back
// into that rank's original per-tensor shapes.
type allgatherCoalescedJob struct {
	ctx     transport.Context
	size    int
	inputs  []*tensor.Tensor   // local tensors to contribute
	outputs [][]*tensor.Tensor // outputs[rank] mirrors inputs' shapes
	runCtx  context.Context
}

func (j *allgatherCoalescedJob) run() error {
	flatIn, counts := tensor.Flatten(j.inputs)
	flatOuts := make([]*tensor.Tensor, j.size)
	for r := 0; r < j.size; r++ {
		flatOuts[r] = tensor.New(flatIn.DType, flatIn.Shape)
	}
	if err := j.ctx.Allgather(j.runCtx, flatIn, flatOuts); err != nil {
		return errors.Wrap(err, "allgather_coalesced")
	}
	for r := 0; r < j.size; r++ {
		tensor.Unflatten(flatOuts[r], j.outputs[r], counts)
	}
	return nil
}

func (j *allgatherCoalescedJob) result() []*tensor.Tensor {
	out := make([]*tensor.Tensor, 0, j.size*len(j.inputs))
	for _, row := range j.outputs {
		out = append(out, row...)
	}
	return out
}

type gatherJob struct {
	ctx      transport.Context
	input    *tensor.Tensor
	outputs  []*tensor.Tensor // meaningful on root only
	rootRank int
	runCtx   context.Context
}

func (j *gatherJob) run() error {
	err := j.ctx.Gather(j.runCtx, j.input, j.outputs, transport.GatherScatterOptions{RootRank: j.rootRank})
	return errors.Wrap(err, "gather")
}

func (j *gatherJob) result() []*tensor.Tensor { return j.outputs }

type scatterJob struct {
	ctx      transport.Context
	inputs   []*tensor.Tensor // meaningful on root only
	output   *tensor.Tensor
	rootRank int
	runCtx   context.Context
}

func (j *scatterJob) run() error {
	err := j.ctx.Scatter(j.runCtx, j.inputs, j.output, transport.GatherScatterOptions{RootRank: j.rootRank})
	return errors.Wrap(err, "scatter")
}

func (j *scatterJob) result() []*tensor.Tensor { return []*tensor.Tensor{j.output} }

// barrierJob captures a snapshot of the queue and in-progress slots at
// issue time (spec.md §4.3, §9) and waits them all out before calling
// the transport barrier, so a barrier cannot complete ahead of work
// issued earlier on this rank. The snapshot is dropped once run() has
// waited it out, so a finished barrier keeps none of those Works alive.
type barrierJob struct {
	ctx      transport.Context
	priorSet []*AsyncWork
	runCtx   context.Context
}

func (j *barrierJob) run() error {
	for _, w := range j.priorSet {
		if err := w.Wait(j.runCtx); err != nil {
			// A prior work's failure does not block this barrier from
			// observing the rest, but its own failure is distinct from
			// this barrier's -- only transport failures of the barrier
			// primitive itself should fail this job.
			continue
		}
	}
	j.priorSet = nil
	return errors.Wrap(j.ctx.Barrier(j.runCtx, transport.BarrierOptions{}), "barrier")
}
