package procgroup

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingJob struct {
	counter *atomic.Int64
}

func (j *countingJob) run() error {
	j.counter.Add(1)
	return nil
}

// invariant 10: destruction after many enqueues leaves no pending work
// and joins all workers within bounded time.
func TestDispatcherCloseDrainsQueue(t *testing.T) {
	d := newDispatcher(4)
	var counter atomic.Int64
	const n = 500
	works := make([]*AsyncWork, n)
	for i := 0; i < n; i++ {
		works[i] = newAsyncWork(&countingJob{counter: &counter})
		d.enqueue(works[i])
	}

	done := make(chan struct{})
	go func() {
		d.close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher.close() did not return within bounded time")
	}

	require.Equal(t, int64(n), counter.Load())
	require.Empty(t, d.snapshot())
}
