// Package boundedwaitgroup bounds the number of concurrently in-flight
// goroutines a caller fans out to a fixed capacity, used by
// memstore.ScanAcrossShards to bound its concurrent per-shard scans.
// Adapted verbatim from the retrieved
// pkg/boundedwaitgroup.BoundedWaitGroup reference implementation.
package boundedwaitgroup

import "sync"

// BoundedWaitGroup behaves like a sync.WaitGroup except Add blocks once
// the number of outstanding Add calls without a matching Done reaches
// the configured capacity.
type BoundedWaitGroup struct {
	wg sync.WaitGroup
	ch chan struct{} // chan buffer size is used to limit concurrency.
}

// New creates a BoundedWaitGroup with the given concurrency.
func New(cap uint) BoundedWaitGroup {
	if cap == 0 {
		panic("BoundedWaitGroup capacity must be greater than zero or else it will block forever.")
	}
	return BoundedWaitGroup{ch: make(chan struct{}, cap)}
}

// Add adds delta to the group, blocking until there is capacity.
func (bwg *BoundedWaitGroup) Add(delta int) {
	for i := 0; i > delta; i-- {
		<-bwg.ch
	}
	for i := 0; i < delta; i++ {
		bwg.ch <- struct{}{}
	}
	bwg.wg.Add(delta)
}

// Done removes one from the wait group.
func (bwg *BoundedWaitGroup) Done() {
	bwg.Add(-1)
}

// Wait blocks until the wait group counter is zero.
func (bwg *BoundedWaitGroup) Wait() {
	bwg.wg.Wait()
}
