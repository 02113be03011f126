package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFIFOWithinPinClass is property 1: for tasks T1, T2 enqueued in that
// order both pinned to the same thread, T1 runs before T2.
func TestFIFOWithinPinClass(t *testing.T) {
	s := New("fifo", 1, false)
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(2)
	require.NoError(t, s.ScheduleFunc("t1", 0, func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		wg.Done()
	}))
	require.NoError(t, s.ScheduleFunc("t2", 0, func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		wg.Done()
	}))

	wg.Wait()
	assert.Equal(t, []int{1, 2}, order)
}

// TestUnpinnedRunsOnFreeWorker is scenario S4: a 2-worker scheduler with
// worker 0 held busy by a long task must still run an unpinned task
// enqueued after it on worker 1.
func TestUnpinnedRunsOnFreeWorker(t *testing.T) {
	s := New("s4", 2, false)
	s.Start()
	defer s.Stop()

	busyStarted := make(chan struct{})
	releaseBusy := make(chan struct{})
	require.NoError(t, s.ScheduleFunc("busy", 0, func() {
		close(busyStarted)
		<-releaseBusy
	}))

	<-busyStarted

	unpinnedDone := make(chan struct{})
	require.NoError(t, s.ScheduleFunc("unpinned", Unpinned, func() {
		close(unpinnedDone)
	}))

	select {
	case <-unpinnedDone:
	case <-time.After(2 * time.Second):
		t.Fatal("unpinned task never ran while worker 0 was held busy")
	}

	close(releaseBusy)
}

// TestStopDrainsRunningAndPendingTasks is property 7 (the run-queue half):
// after Stop returns, the queue is empty and no worker is alive.
func TestStopDrainsRunningAndPendingTasks(t *testing.T) {
	s := New("stop", 2, false)
	s.Start()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, s.ScheduleFunc("t", Unpinned, func() {
			ran.Add(1)
			time.Sleep(time.Millisecond)
		}))
	}

	require.NoError(t, s.Stop())
	assert.Equal(t, int32(10), ran.Load())
	assert.Equal(t, 0, s.QueueLen())

	err := s.ScheduleFunc("late", Unpinned, func() {})
	assert.ErrorIs(t, err, ErrStopped)
}
