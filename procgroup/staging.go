package procgroup

import (
	"context"

	"collcomm/accel"
	"collcomm/tensor"

	"golang.org/x/sync/errgroup"
)

// stagedJob implements spec.md §4.5's accelerator-staging code path: it
// wraps an inner dense job so the collective itself runs entirely on
// pinned host shadows, while the caller's real accelerator tensors are
// copied in/out on per-tensor side streams. Fan-out over tensors uses
// errgroup.Group (golang.org/x/sync/errgroup), generalizing
// ALXDeng-dsml/pkg/coordinator's one-goroutine-per-rank
// scatterReducePhase/allGatherPhase pattern from a fixed rank fan-out to
// a fixed tensor-count fan-out with first-error cancellation.
type stagedJob struct {
	device *accel.Device
	pinned *accel.PinnedAllocator
	inner  job

	originals []*tensor.Tensor
	shadows   []*tensor.Tensor
	streams   []*accel.Stream
	events    []*accel.Event
}

// newStagedJob performs spec.md §4.5 steps 1-2 (Initialize, Stage in)
// eagerly: one side stream per original tensor, each already issuing its
// async device->host copy by the time this returns. inner must already
// be wired to operate on the returned shadow list.
func newStagedJob(device *accel.Device, pinned *accel.PinnedAllocator, originals []*tensor.Tensor) (shadows []*tensor.Tensor, prep *stagedJob) {
	prep = &stagedJob{device: device, pinned: pinned, originals: originals}
	prep.shadows = make([]*tensor.Tensor, len(originals))
	prep.streams = make([]*accel.Stream, len(originals))
	for i, t := range originals {
		side := device.NewSideStream()
		pinned.Register(t, side)
		shadow := side.CopyIn(t)
		prep.streams[i] = side
		prep.shadows[i] = shadow
	}
	return prep.shadows, prep
}

func (j *stagedJob) run() error {
	g, _ := errgroup.WithContext(context.Background())
	for _, s := range j.streams {
		s := s
		g.Go(func() error {
			s.Synchronize() // step 3: "Synchronize in"
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := j.inner.run(); err != nil {
		return err
	}

	// step 4: "Stage out" -- async host->device copy per tensor, one
	// completion event recorded per output.
	j.events = make([]*accel.Event, len(j.originals))
	for i := range j.originals {
		j.events[i] = j.streams[i].CopyOut(j.originals[i], j.shadows[i])
	}
	return nil
}

// synchronize is spec.md §4.5 step 5: block the caller's current device
// stream on each recorded completion event so downstream work on that
// stream observes the staged results, then release the pinned
// registration.
func (j *stagedJob) synchronize() error {
	cur := j.device.CurrentStream()
	for i, ev := range j.events {
		cur.WaitEvent(ev)
		j.pinned.Release(j.originals[i])
	}
	cur.Synchronize()
	return nil
}

// result returns the caller's original accelerator tensors, which
// already carry the collective's output bytes by the time Wait()
// returns: CopyOut writes directly into j.originals during run().
func (j *stagedJob) result() []*tensor.Tensor {
	return j.originals
}

// stagedSparseJob is AllreduceSparse's staging wrapper. Unlike stagedJob
// it cannot stage the caller's tensors in place: AllreduceSparse always
// allocates fresh output tensors rather than writing into caller-supplied
// ones, so there is nothing to copy out into until the inner job has run.
// It also stages a coalesced copy of each input rather than the input
// itself, per spec.md §4.5's last paragraph ("staging for sparse tensors
// additionally coalesces the input on the side stream before the host
// copy").
type stagedSparseJob struct {
	device *accel.Device
	pinned *accel.PinnedAllocator
	inner  *sparseAllreduceJob

	streams    []*accel.Stream
	accelerate bool

	outStreams []*accel.Stream
	outEvents  []*accel.Event
}

// newStagedSparseJob coalesces each accelerator-resident input eagerly,
// then stages the coalesced Values tensor in on its own side stream.
// Host-resident inputs pass through untouched; inner must be wired to
// operate on the returned working list.
func newStagedSparseJob(device *accel.Device, pinned *accel.PinnedAllocator, inputs []*tensor.SparseTensor) (working []*tensor.SparseTensor, prep *stagedSparseJob) {
	prep = &stagedSparseJob{device: device, pinned: pinned}
	working = make([]*tensor.SparseTensor, len(inputs))
	for i, s := range inputs {
		if s.Values.Device != tensor.Accelerator {
			working[i] = s
			continue
		}
		coalesced := s.Coalesce()
		coalesced.Values.Device = tensor.Accelerator

		side := device.NewSideStream()
		pinned.Register(coalesced.Values, side)
		shadow := side.CopyIn(coalesced.Values)

		working[i] = &tensor.SparseTensor{
			DType:          coalesced.DType,
			SparseDimSizes: coalesced.SparseDimSizes,
			DenseDimSizes:  coalesced.DenseDimSizes,
			NNZ:            coalesced.NNZ,
			Indices:        coalesced.Indices,
			Values:         shadow,
		}
		prep.streams = append(prep.streams, side)
		prep.accelerate = true
	}
	return working, prep
}

func (j *stagedSparseJob) run() error {
	g, _ := errgroup.WithContext(context.Background())
	for _, s := range j.streams {
		s := s
		g.Go(func() error {
			s.Synchronize()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := j.inner.run(); err != nil {
		return err
	}
	if !j.accelerate {
		return nil
	}

	// The inner job just allocated j.inner.outputs; stage each one's
	// Values back out to fresh accelerator memory so a sparse allreduce
	// seeded with accelerator inputs also returns accelerator outputs.
	j.outStreams = make([]*accel.Stream, len(j.inner.outputs))
	j.outEvents = make([]*accel.Event, len(j.inner.outputs))
	for i, out := range j.inner.outputs {
		side := j.device.NewSideStream()
		dst := tensor.New(out.Values.DType, out.Values.Shape)
		dst.Device = tensor.Accelerator
		j.pinned.Register(dst, side)
		j.outEvents[i] = side.CopyOut(dst, out.Values)
		out.Values = dst
		j.outStreams[i] = side
	}
	return nil
}

func (j *stagedSparseJob) synchronize() error {
	if !j.accelerate {
		return nil
	}
	cur := j.device.CurrentStream()
	for i, ev := range j.outEvents {
		cur.WaitEvent(ev)
		j.pinned.Release(j.inner.outputs[i].Values)
	}
	cur.Synchronize()
	return nil
}

// result densifies the inner job's outputs, tagging them Accelerator
// when the input side was accelerator-resident so callers see the same
// "accelerator in, accelerator out" contract stagedJob gives dense jobs.
func (j *stagedSparseJob) result() []*tensor.Tensor {
	out := j.inner.result()
	if j.accelerate {
		for _, t := range out {
			t.Device = tensor.Accelerator
		}
	}
	return out
}
