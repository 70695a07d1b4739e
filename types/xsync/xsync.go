// Package xsync implements some extra synchronization tools.
//
// Latch is the completion-handle primitive used by transports: a non-blocking
// send or receive returns a latch that is triggered when the operation
// completes. Barrier is a reusable (cyclic) barrier used by the in-process
// transport's all-gather.
package xsync

import "sync"

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		// Already triggered.
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when
// the latch triggers.
// The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// Barrier is a reusable barrier for a fixed number of parties.
//
// Each call to Await blocks until all parties have called it, then all are
// released and the barrier resets for the next round.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	arrived    int
	generation int
}

// NewBarrier returns a barrier for the given number of parties.
func NewBarrier(parties int) *Barrier {
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Await blocks until all parties have arrived. The last arriving party runs
// onFull (if not nil) while still holding the barrier, before everyone is
// released. The barrier then resets for the next round.
func (b *Barrier) Await(onFull func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	generation := b.generation
	b.arrived++
	if b.arrived == b.parties {
		if onFull != nil {
			onFull()
		}
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for generation == b.generation {
		b.cond.Wait()
	}
}
