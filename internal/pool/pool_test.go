package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	t.Parallel()
	p := New(3)
	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := p.RunInThread(func() {
			defer wg.Done()
			count.Add(1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	require.EqualValues(t, 10, count.Load())
}

func TestBlockForAvailableThreads(t *testing.T) {
	t.Parallel()
	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.RunInThread(func() {
		close(started)
		<-release
	}))
	<-started

	got := make(chan int, 1)
	go func() { got <- p.BlockForAvailableThreads() }()

	select {
	case n := <-got:
		t.Fatalf("BlockForAvailableThreads returned %d while worker busy", n)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case n := <-got:
		require.GreaterOrEqual(t, n, 1)
	case <-time.After(time.Second):
		t.Fatal("BlockForAvailableThreads did not unblock")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()
	p := New(2)
	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		p.RunInThread(func() {
			defer wg.Done()
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
		})
	}
	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestShutdownRejectsNewWork(t *testing.T) {
	t.Parallel()
	p := New(2)
	p.Shutdown(true)
	require.False(t, p.RunInThread(func() {}))
	require.Equal(t, 0, p.BlockForAvailableThreads())
}

func TestShutdownWaitsForJobs(t *testing.T) {
	t.Parallel()
	p := New(1)
	var done atomic.Bool
	require.True(t, p.RunInThread(func() {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
	}))
	p.Shutdown(true)
	require.True(t, done.Load())
}

func TestWorkerPanicIsRecovered(t *testing.T) {
	t.Parallel()
	p := New(1)
	var wg sync.WaitGroup
	wg.Add(1)
	p.RunInThread(func() {
		defer wg.Done()
		panic("boom")
	})
	wg.Wait()
	// The worker slot must be returned after the panic.
	require.GreaterOrEqual(t, p.BlockForAvailableThreads(), 1)
}
