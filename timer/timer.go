// Package timer implements the deadline-ordered set of pending callables the
// spec calls TimerManager: addTimer/addConditionTimer/cancel/
// listExpiredCallables/getNextTimeout, all guarded by one manager-local lock,
// with callables returned by value so they run outside that lock.
package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// MaxTimeout is the cap an IOManager built on this package puts on its
// readiness wait (GetNextTimeout itself is not capped), so it still wakes
// periodically for housekeeping even when no timer is pending.
const MaxTimeout = 3 * time.Second

// clockRollbackThreshold is how far backwards the monotonic clock must jump
// before it's treated as a rollback rather than jitter.
const clockRollbackThreshold = time.Hour

var idCounter int64
var seqCounter int64

// Handle identifies a scheduled timer for Cancel.
type Handle int64

// entry is one pending timer. Ordered by deadline, ties broken by insertion
// order (the heap's tiebreak on seq).
type entry struct {
	handle    Handle
	deadline  time.Time
	period    time.Duration
	recurring bool
	callable  func()
	cancelled atomic.Bool
	seq       int64
	index     int // heap index, maintained by container/heap callbacks
}

// Manager is a min-ordered set of pending timers keyed by absolute deadline.
type Manager struct {
	mu      sync.Mutex
	heap    timerHeap
	closed  atomic.Bool
	nowFunc func() time.Time
	lastNow time.Time
}

// NewManager constructs an empty TimerManager using runtime monotonic time.
func NewManager() *Manager {
	m := &Manager{nowFunc: time.Now}
	heap.Init(&m.heap)
	m.lastNow = m.nowFunc()
	return m
}

// Close marks the manager closed: Cancel on any Handle is a no-op from this
// point on (see the weak-handle design note in SPEC_FULL.md §9).
func (m *Manager) Close() { m.closed.Store(true) }

func (m *Manager) closedNow() bool { return m.closed.Load() }

// AddTimer schedules callable to run after delay, inserting it into the
// deadline-ordered set. It reports whether the new timer became the
// earliest pending deadline, so an IOManager can shorten an in-flight
// readiness wait.
func (m *Manager) AddTimer(delay time.Duration, recurring bool, callable func()) (Handle, bool) {
	return m.addTimer(delay, recurring, callable, nil)
}

// AddConditionTimer is AddTimer's variant that resolves a weak condition on
// fire; if resolution fails the callable is silently skipped, so handlers
// on torn-down objects are never invoked.
func (m *Manager) AddConditionTimer(delay time.Duration, recurring bool, resolve func() (any, bool), callable func(any)) Handle {
	h, _ := m.addTimer(delay, recurring, nil, func() {
		if v, ok := resolve(); ok {
			callable(v)
		}
	})
	return h
}

func (m *Manager) addTimer(delay time.Duration, recurring bool, callable func(), wrapped func()) (Handle, bool) {
	if wrapped == nil {
		wrapped = callable
	}

	now := m.now()
	e := &entry{
		handle:    Handle(atomic.AddInt64(&idCounter, 1)),
		deadline:  now.Add(delay),
		period:    delay,
		recurring: recurring,
		callable:  wrapped,
	}

	m.mu.Lock()
	e.seq = atomic.AddInt64(&seqCounter, 1)
	heap.Push(&m.heap, e)
	becameEarliest := m.heap[0] == e
	m.mu.Unlock()

	return e.handle, becameEarliest
}

// Cancel removes a timer if it is still pending. Idempotent, and a no-op
// once the manager is closed.
func (m *Manager) Cancel(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closedNow() {
		return
	}
	for _, e := range m.heap {
		if e.handle == h {
			e.cancelled.Store(true)
			heap.Remove(&m.heap, e.index)
			return
		}
	}
}

// ListExpiredCallables removes and returns, in deadline order (ties in
// insertion order), every callable whose deadline has passed. Recurring
// timers are re-inserted with deadline advanced by one period. The slice is
// returned by value so the caller can run callables outside the manager's
// lock.
func (m *Manager) ListExpiredCallables() []func() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []func()
	for m.heap.Len() > 0 {
		top := m.heap[0]
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&m.heap)

		if top.cancelled.Load() {
			continue
		}

		out = append(out, top.callable)

		if top.recurring {
			top.deadline = top.deadline.Add(top.period)
			top.seq = atomic.AddInt64(&seqCounter, 1)
			heap.Push(&m.heap, top)
		}
	}
	return out
}

// GetNextTimeout returns the time until the earliest pending deadline,
// clamped to zero, and false if no timer is pending (the spec's "infinite"
// sentinel).
func (m *Manager) GetNextTimeout() (time.Duration, bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heap.Len() == 0 {
		return 0, false
	}
	d := m.heap[0].deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// Empty reports whether the manager holds no pending timer (cancelled
// timers are removed by Cancel), used by IOManager's stopping() override.
func (m *Manager) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heap.Len() == 0
}

// now applies clock-rollback detection: if the monotonic clock reports a
// value more than an hour earlier than the previous observation, every
// pending timer is treated as already expired (by rewriting their
// deadlines to the new, earlier "now") rather than leaving the event loop
// to hang until the old deadlines are reached again.
func (m *Manager) now() time.Time {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastNow.Sub(now) > clockRollbackThreshold {
		for _, e := range m.heap {
			e.deadline = now
		}
	}
	m.lastNow = now
	return now
}

// timerHeap is a container/heap min-heap ordered by deadline, ties broken
// by insertion sequence.
type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
