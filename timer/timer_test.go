package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTimerOrdering is property 4 and scenario S2: timers A=50ms, B=50ms,
// C=10ms scheduled in order [A, B, C] must fire C, A, B.
func TestTimerOrdering(t *testing.T) {
	m := NewManager()

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	m.AddTimer(50*time.Millisecond, false, record("A"))
	m.AddTimer(50*time.Millisecond, false, record("B"))
	m.AddTimer(10*time.Millisecond, false, record("C"))

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, cb := range m.ListExpiredCallables() {
			cb()
		}
		mu.Lock()
		done := len(order) == 3
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"C", "A", "B"}, order)
}

// TestCancelBeforeFireNeverInvokesCallable is property 5.
func TestCancelBeforeFireNeverInvokesCallable(t *testing.T) {
	m := NewManager()
	fired := false
	h, _ := m.AddTimer(20*time.Millisecond, false, func() { fired = true })
	m.Cancel(h)

	time.Sleep(40 * time.Millisecond)
	for _, cb := range m.ListExpiredCallables() {
		cb()
	}
	assert.False(t, fired)
}

func TestCancelIsIdempotent(t *testing.T) {
	m := NewManager()
	h, _ := m.AddTimer(time.Hour, false, func() {})
	m.Cancel(h)
	m.Cancel(h) // must not panic or double-free
}

func TestGetNextTimeoutSentinelWhenEmpty(t *testing.T) {
	m := NewManager()
	_, ok := m.GetNextTimeout()
	assert.False(t, ok)

	m.AddTimer(100*time.Millisecond, false, func() {})
	d, ok := m.GetNextTimeout()
	require.True(t, ok)
	assert.LessOrEqual(t, d, 100*time.Millisecond)
}

// TestClockRollbackExpiresEverything is property 9: a monotonic clock
// reading more than one hour earlier than the previous observation (here,
// two hours) must expire every
// pending timer exactly once rather than hanging until the old deadlines.
func TestClockRollbackExpiresEverything(t *testing.T) {
	m := NewManager()
	base := time.Now()
	m.nowFunc = func() time.Time { return base }
	m.lastNow = base

	m.AddTimer(time.Hour, false, func() {})
	m.AddTimer(2*time.Hour, false, func() {})

	rolledBack := base.Add(-2 * time.Hour)
	m.nowFunc = func() time.Time { return rolledBack }

	fired := m.ListExpiredCallables()
	assert.Len(t, fired, 2)
	assert.True(t, m.Empty())
}

func TestAddConditionTimerSkipsWhenResolutionFails(t *testing.T) {
	m := NewManager()
	called := false
	m.AddConditionTimer(5*time.Millisecond, false,
		func() (any, bool) { return nil, false },
		func(any) { called = true },
	)

	time.Sleep(20 * time.Millisecond)
	for _, cb := range m.ListExpiredCallables() {
		cb()
	}
	assert.False(t, called)
}

func TestRecurringTimerReschedules(t *testing.T) {
	m := NewManager()
	var count int
	var mu sync.Mutex
	m.AddTimer(5*time.Millisecond, true, func() {
		mu.Lock()
		count++
		mu.Unlock()
	})

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, cb := range m.ListExpiredCallables() {
			cb()
		}
		mu.Lock()
		c := count
		mu.Unlock()
		if c >= 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, count, 3)
}
