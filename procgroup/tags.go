package procgroup

import (
	"sync/atomic"

	"collcomm/transport"
)

// nextTag atomically returns and increments the process-wide monotonic
// collective counter (spec.md §4.2, §9: "do not allocate tags during
// validation so failed entrypoints do not desynchronize peers").
func (pg *ProcessGroup) nextTag() int64 {
	return atomic.AddInt64(&pg.collectiveCounter, 1) - 1
}

// contextFor routes tag to one of pg's transport contexts:
// contexts[tag mod |contexts|] (spec.md §4.2).
func (pg *ProcessGroup) contextFor(tag int64) transport.Context {
	n := int64(len(pg.contexts))
	idx := tag % n
	return pg.contexts[idx]
}
