package procgroup

import (
	"sync"

	"k8s.io/klog/v2"
)

// dispatcher is the bounded worker pool + FIFO job queue from spec.md
// §4.1, grounded in gomlx-gomlx/internal/workerspool.Pool's single-mutex,
// sync.Cond shape, generalized from a soft-parallelism semaphore to a
// strict pop-one-run-one pipeline with per-worker in-progress slots.
type dispatcher struct {
	mu          sync.Mutex
	produceCond sync.Cond // signaled when the queue gains work
	consumeCond sync.Cond // signaled when the queue shrinks (pop or drain)

	queue      []*AsyncWork
	inProgress []*AsyncWork // one slot per worker; nil means idle

	stop bool
	wg   sync.WaitGroup
}

func newDispatcher(workers int) *dispatcher {
	d := &dispatcher{
		inProgress: make([]*AsyncWork, workers),
	}
	d.produceCond = sync.Cond{L: &d.mu}
	d.consumeCond = sync.Cond{L: &d.mu}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

func (d *dispatcher) workerLoop(id int) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stop {
			d.produceCond.Wait()
		}
		if len(d.queue) == 0 && d.stop {
			d.mu.Unlock()
			return
		}
		work := d.queue[0]
		d.queue = d.queue[1:]
		d.inProgress[id] = work
		d.mu.Unlock()
		d.consumeCond.Broadcast()

		klog.V(4).Infof("procgroup: worker=%d running job", id)
		work.execute()

		d.mu.Lock()
		d.inProgress[id] = nil
		d.mu.Unlock()
		d.consumeCond.Broadcast()
	}
}

// enqueue appends work under the lock and wakes one waiting worker
// (spec.md §4.1: "enqueue(work) appends under the mutex and signals one
// waiter").
func (d *dispatcher) enqueue(work *AsyncWork) {
	d.mu.Lock()
	d.queue = append(d.queue, work)
	d.mu.Unlock()
	d.produceCond.Signal()
}

// snapshot returns every Work currently queued or in a worker's
// in-progress slot, for barrier's weak prior-work set (spec.md §4.3,
// §9). The returned slice is owned by the caller and held only for the
// duration of the barrier job's run(); it is not registered anywhere
// that would extend a completed Work's lifetime beyond that.
func (d *dispatcher) snapshot() []*AsyncWork {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*AsyncWork, 0, len(d.queue)+len(d.inProgress))
	out = append(out, d.queue...)
	for _, w := range d.inProgress {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

// close drains the queue, stops the workers, and joins them, per
// spec.md §4.1's destructor sequence: "takes the lock and waits on the
// consume CV until workQueue is empty, sets stop, releases the lock,
// broadcasts the produce CV, joins all workers."
func (d *dispatcher) close() {
	d.mu.Lock()
	for len(d.queue) > 0 {
		d.consumeCond.Wait()
	}
	d.stop = true
	d.mu.Unlock()
	d.produceCond.Broadcast()
	d.wg.Wait()
}
