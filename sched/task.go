package sched

import "github.com/go-sylar/sylar/fiber"

// task is the tagged variant the run queue carries: either a fiber handle or
// a bare callable that gets wrapped into a fiber only when a worker actually
// dispatches it, so a task cancelled before it runs never pays for a fiber
// allocation.
type task struct {
	fiber    *fiber.Fiber
	callable func()
	pinned   int // -1 means unpinned
	label    string
}

func (t task) isFiber() bool { return t.fiber != nil }
