package ioloop

import (
	"sync"

	"github.com/go-sylar/sylar/fiber"
	"github.com/go-sylar/sylar/sched"
)

// eventContext is what AddEvent stores per registered kind: the scheduler to
// dispatch onto, and either the fiber blocked on this event or a bare
// callable — the same tagged-variant idea the run queue itself uses.
type eventContext struct {
	scheduler *sched.Scheduler
	fiber     *fiber.Fiber
	callable  func()
}

func (e eventContext) empty() bool {
	return e.scheduler == nil && e.fiber == nil && e.callable == nil
}

func (e eventContext) dispatch(thread int) {
	if e.scheduler == nil {
		return
	}
	if e.fiber != nil {
		_ = e.scheduler.Schedule(e.fiber, thread)
		return
	}
	if e.callable != nil {
		_ = e.scheduler.ScheduleFunc("fd-event", thread, e.callable)
	}
}

// fdContext is the per-fd registration record: the fd itself, the interest
// mask currently registered with the kernel, and one eventContext per kind.
// mask always equals the union of kinds whose eventContext is
// non-empty — every mutation keeps that invariant by construction.
type fdContext struct {
	fd   int
	mu   sync.Mutex
	mask Kind
	ctx  [2]eventContext // index by kindIndex
}

func kindIndex(k Kind) int {
	if k == Read {
		return 0
	}
	return 1
}

func newFdContext(fd int) *fdContext {
	return &fdContext{fd: fd}
}
