package sched

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/go-sylar/sylar/fiber"
)

// Worker is one dispatch-loop goroutine (the spec's "thread"). In this port
// a "thread" is a long-lived goroutine identified by a logical index, since
// Go goroutines aren't pinned to OS threads and real pthread affinity isn't
// needed for anything the spec's contract depends on (task pinning only
// needs a stable logical identity to scan against).
type Worker struct {
	ID        int
	sched     *Scheduler
	idleFiber *fiber.Fiber
}

func newWorker(s *Scheduler, id int) *Worker {
	w := &Worker{ID: id, sched: s}
	w.idleFiber = fiber.New("idle-"+strconv.Itoa(id), func(f *fiber.Fiber) {
		w.runIdleLoop(f)
	}, s.stackSize, true)
	return w
}

func (w *Worker) runIdleLoop(f *fiber.Fiber) {
	for {
		if w.sched.hooks.stopping() {
			return
		}
		w.sched.idleCount.Add(1)
		w.sched.hooks.idle(w)
		w.sched.idleCount.Add(-1)
		f.YieldToReady()
	}
}

// dispatchLoop implements the spec's per-worker algorithm: scan the queue
// for the first task this worker may run, resume it if found, otherwise
// fall into the idle fiber, and exit once stopping holds with no work left.
func (w *Worker) dispatchLoop() {
	fiber.GetThis() // establish this goroutine's main-fiber identity up front

	for {
		t, found, tickleThread := w.claim()

		if tickleThread >= 0 {
			w.sched.Tickle()
		}

		if found {
			w.runTask(t)
			w.sched.activeCount.Add(-1)
			continue
		}

		if w.idleFiber.State() != fiber.Term {
			st, err := w.idleFiber.SwapIn()
			if err != nil {
				w.sched.logger.Error("idle fiber swap-in failed",
					zap.Int("worker", w.ID), zap.Error(err))
			}
			if st == fiber.Term {
				// Idle loop decided to exit (stopping held); let the next
				// iteration's stopping check end the dispatch loop too.
				continue
			}
			continue
		}

		if w.sched.hooks.stopping() {
			return
		}
	}
}

// claim removes and returns the first queue entry this worker may run:
// either unpinned, or pinned to w.ID. If the scan passes over a task pinned
// to another worker (whether or not a match follows), it reports the first
// such worker's id so the caller can tickle after releasing the queue lock
// (never while holding it — locks
// are never held across a wake or a fiber swap).
func (w *Worker) claim() (t task, found bool, tickleThread int) {
	tickleThread = -1

	w.sched.mu.Lock()
	defer w.sched.mu.Unlock()

	for i, cand := range w.sched.queue {
		if cand.pinned == Unpinned || cand.pinned == w.ID {
			t = cand
			found = true
			w.sched.queue = append(w.sched.queue[:i], w.sched.queue[i+1:]...)
			w.sched.activeCount.Add(1)
			return
		}
		if cand.pinned != Unpinned && tickleThread == -1 {
			tickleThread = cand.pinned
		}
	}
	return
}

func (w *Worker) runTask(t task) {
	f := t.fiber
	if f == nil {
		f = fiber.New(t.label, func(fb *fiber.Fiber) { t.callable() }, w.sched.stackSize, true)
		f.SetOwner(w.sched)
	}

	st, err := f.SwapIn()
	if err != nil {
		w.sched.logger.Warn("task swap-in rejected",
			zap.Int("worker", w.ID), zap.String("task", t.label), zap.Error(err))
		return
	}

	switch st {
	case fiber.Ready:
		if err := w.sched.Schedule(f, t.pinned); err != nil {
			w.sched.logger.Debug("re-enqueue after READY rejected (stopping)",
				zap.String("task", t.label))
		}
	case fiber.Hold, fiber.Term, fiber.Except:
		// Hold: whoever registered the wakeup (timer, fd event) will
		// reschedule it. Term/Except: nothing further to do.
	}
}
