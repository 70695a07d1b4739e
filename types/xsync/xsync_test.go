package xsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Wait returned before Trigger")
	case <-time.After(10 * time.Millisecond):
	}

	l.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Trigger")
	}
	assert.True(t, l.Test())

	// Triggering again is a no-op.
	l.Trigger()
	<-l.WaitChan()
}

func TestBarrier(t *testing.T) {
	const parties = 4
	const rounds = 10
	b := NewBarrier(parties)
	var onFullCalls, counter atomic.Int32

	var wg sync.WaitGroup
	for p := 0; p < parties; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				counter.Add(1)
				b.Await(func() {
					onFullCalls.Add(1)
					// All parties of this round have arrived.
					assert.EqualValues(t, parties*(r+1), counter.Load())
				})
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, rounds, onFullCalls.Load())
	assert.EqualValues(t, parties*rounds, counter.Load())
}
