package procgroup

import (
	"context"
	"sync"

	"collcomm/tensor"
)

// State is a Work's position in the state machine from spec.md §4.1:
// pending -> running -> completed-ok | completed-failed. Transitions are
// final; there is no cancellation transition.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompletedOK
	StateCompletedFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompletedOK:
		return "completed-ok"
	case StateCompletedFailed:
		return "completed-failed"
	default:
		return "unknown"
	}
}

// Work is the future-like handle every process-group entrypoint returns.
type Work interface {
	// Wait blocks until the work completes, re-raising any captured
	// failure. ctx only bounds the wait itself; it does not cancel work
	// already running (spec.md §1 Non-goals: no cancellation).
	Wait(ctx context.Context) error
	// Synchronize is the accelerator post-completion step: for host-only
	// jobs it is equivalent to Wait. Accelerator variants have already
	// blocked their completion events by the time Wait returns (see
	// staging.go), so calling Synchronize afterward is a cheap no-op that
	// simply re-observes the same result.
	Synchronize(ctx context.Context) error
	// Result returns the job's output tensors once completed. Not every
	// job produces one; jobs that don't return nil.
	Result() []*tensor.Tensor
	State() State
}

// job is what the dispatch engine actually queues and runs; procgroup's
// per-collective files each implement one. A job additionally
// implementing accelSynchronizer is treated as an accelerator variant
// per spec.md §4.1's execute() contract.
type job interface {
	run() error
}

type accelSynchronizer interface {
	synchronize() error
}

type resulter interface {
	result() []*tensor.Tensor
}

// AsyncWork wraps a queued job with the pending/running/completed state
// machine and exception-capture-and-rethrow semantics of spec.md §4.1.
type AsyncWork struct {
	job job

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

func newAsyncWork(j job) *AsyncWork {
	return &AsyncWork{job: j, state: StatePending, done: make(chan struct{})}
}

// execute runs the job inside a captured-panic/error boundary, then, if
// the run succeeded and the job is an accelerator variant, calls its
// synchronize() step before marking the work completed. This is the
// dispatch engine's single execution protocol (spec.md §4.1).
func (w *AsyncWork) execute() {
	w.setState(StateRunning)
	err := w.runCaptured()
	if err == nil {
		if s, ok := w.job.(accelSynchronizer); ok {
			err = s.synchronize()
		}
	}
	w.mu.Lock()
	w.err = err
	if err != nil {
		w.state = StateCompletedFailed
	} else {
		w.state = StateCompletedOK
	}
	w.mu.Unlock()
	close(w.done)
}

// runCaptured turns a panic inside job.run() into a returned error, the
// Go analogue of the try/catch spec.md §4.1 wraps every job in.
func (w *AsyncWork) runCaptured() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	return w.job.run()
}

func (w *AsyncWork) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *AsyncWork) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *AsyncWork) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Synchronize blocks like Wait; accelerator completion events have
// already been blocked against the caller's stream by the time execute()
// marks the work done, so there is nothing further to synchronize on.
func (w *AsyncWork) Synchronize(ctx context.Context) error {
	return w.Wait(ctx)
}

func (w *AsyncWork) Result() []*tensor.Tensor {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateCompletedOK {
		return nil
	}
	if r, ok := w.job.(resulter); ok {
		return r.result()
	}
	return nil
}
