// Package sched implements the work-stealing-free, lock-protected run queue
// and worker pool described by the spec: N worker goroutines, each running
// a dispatch loop that pulls ready tasks (fibers or bare callables) from a
// shared FIFO queue and resumes them. No inheritance in Go, so the
// "Scheduler overridden by IOManager" relationship from the spec is modeled
// with a small hooks struct (tickle/idle/stopping) that ioloop.Manager
// replaces wholesale after constructing its embedded *Scheduler — the same
// three seams the spec names, minus virtual dispatch.
package sched

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-sylar/sylar/fiber"
	"github.com/go-sylar/sylar/internal/logx"
)

// ErrStopped is returned by Schedule once the scheduler has been asked to
// stop.
var ErrStopped = errors.New("sched: scheduler stopped")

// Unpinned is the pin value meaning "any worker may run this task".
const Unpinned = -1

// hooks lets ioloop.Manager splice in epoll-backed behavior for the three
// seams the spec calls out as overridden: tickle, idle and stopping.
type hooks struct {
	tickle   func()
	idle     func(w *Worker)
	stopping func() bool
}

// Scheduler owns a pool of worker goroutines and a shared run queue.
type Scheduler struct {
	Name string

	logger *zap.Logger

	mu    sync.Mutex
	queue []task
	cond  *sync.Cond

	workerCount int
	useCaller   bool
	stackSize   int

	workers []*Worker

	idleCount   atomic.Int64
	activeCount atomic.Int64
	stopping    atomic.Bool
	started     atomic.Bool

	group    *errgroup.Group
	groupCtx context.Context

	hooks hooks
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger attaches a zap logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithStackSize overrides the default fiber stack size used to wrap bare
// callables dispatched onto the queue.
func WithStackSize(n int) Option { return func(s *Scheduler) { s.stackSize = n } }

// New constructs (but does not start) a Scheduler with the given worker
// count. If useCaller is true, Start spawns one fewer worker and the
// constructing goroutine is expected to run worker 0's dispatch loop itself
// via RunCaller (Stop also calls RunCaller).
func New(name string, workerCount int, useCaller bool, opts ...Option) *Scheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	s := &Scheduler{
		Name:        name,
		logger:      logx.Nop(),
		workerCount: workerCount,
		useCaller:   useCaller,
		stackSize:   fiber.DefaultStackSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	s.hooks = hooks{
		tickle:   s.baseTickle,
		idle:     s.baseIdle,
		stopping: s.BaseStopping,
	}
	return s
}

// SetHooks lets a composing type (ioloop.Manager) replace tickle/idle/
// stopping wholesale. Must be called before Start.
func (s *Scheduler) SetHooks(tickle func(), idle func(w *Worker), stopping func() bool) {
	if tickle != nil {
		s.hooks.tickle = tickle
	}
	if idle != nil {
		s.hooks.idle = idle
	}
	if stopping != nil {
		s.hooks.stopping = stopping
	}
}

// Logger returns the scheduler's logger, for embedders.
func (s *Scheduler) Logger() *zap.Logger { return s.logger }

// StackSize returns the default stack size new callable-wrapping fibers use.
func (s *Scheduler) StackSize() int { return s.stackSize }

// UseCaller reports whether the constructing goroutine participates as a
// worker.
func (s *Scheduler) UseCaller() bool { return s.useCaller }

// WorkerCount returns the configured worker count (including the caller, if
// UseCaller).
func (s *Scheduler) WorkerCount() int { return s.workerCount }

// Start spawns workerCount-useCaller worker goroutines. Idempotent while
// already running.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.group, s.groupCtx = errgroup.WithContext(context.Background())
	_ = s.groupCtx

	spawned := s.workerCount
	start := 0
	if s.useCaller {
		spawned--
		start = 1
	}

	s.mu.Lock()
	s.workers = make([]*Worker, s.workerCount)
	for i := 0; i < s.workerCount; i++ {
		s.workers[i] = newWorker(s, i)
	}
	s.mu.Unlock()

	for i := start; i < s.workerCount; i++ {
		w := s.workers[i]
		s.group.Go(func() error {
			w.dispatchLoop()
			return nil
		})
	}
	_ = spawned
}

// RunCaller runs the dispatch loop on the calling goroutine, for a
// scheduler constructed with useCaller=true. Blocks until the scheduler
// stops.
func (s *Scheduler) RunCaller() {
	if !s.useCaller {
		return
	}
	s.mu.Lock()
	w := s.workers[0]
	s.mu.Unlock()
	w.dispatchLoop()
}

// Stop requests shutdown: sets the stopping flag, wakes every idle worker,
// and blocks until all worker goroutines have exited and (if useCaller) the
// caller has drained its own share of the dispatch loop.
func (s *Scheduler) Stop() error {
	s.stopping.Store(true)

	for i := 0; i < s.workerCount; i++ {
		s.hooks.tickle()
	}

	if s.useCaller {
		s.RunCaller()
	}

	if s.group != nil {
		return s.group.Wait()
	}
	return nil
}

// Schedule appends a fiber handle to the run queue, pinned to thread if
// thread >= 0.
func (s *Scheduler) Schedule(f *fiber.Fiber, thread int) error {
	return s.schedule(task{fiber: f, pinned: thread, label: f.Name})
}

// ScheduleFunc wraps a bare callable onto the run queue; it is only wrapped
// into a fiber when a worker actually dispatches it.
func (s *Scheduler) ScheduleFunc(label string, thread int, fn func()) error {
	return s.schedule(task{callable: fn, pinned: thread, label: label})
}

func (s *Scheduler) schedule(t task) error {
	if s.stopping.Load() {
		return ErrStopped
	}

	s.mu.Lock()
	wasEmpty := len(s.queue) == 0
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	if wasEmpty {
		s.Tickle()
	}
	return nil
}

// Tickle wakes at least one idle worker if any exists. ioloop.Manager
// overrides this via SetHooks to write to its self-wake descriptor instead.
func (s *Scheduler) Tickle() { s.hooks.tickle() }

func (s *Scheduler) baseTickle() {
	s.cond.Broadcast()
}

// baseIdle blocks on the scheduler's condition variable until tickled or
// until stopping.
func (s *Scheduler) baseIdle(w *Worker) {
	s.mu.Lock()
	for len(s.queue) == 0 && !s.stopping.Load() {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// BaseStopping is true once stopping has been requested and the run queue
// holds no runnable tasks and no task is in flight. ioloop.Manager's
// stopping hook further requires zero pending fd events and an empty timer
// set.
func (s *Scheduler) BaseStopping() bool {
	if !s.stopping.Load() {
		return false
	}
	s.mu.Lock()
	empty := len(s.queue) == 0
	s.mu.Unlock()
	return empty && s.activeCount.Load() == 0
}

// Stopping reports whether the currently-installed stopping hook holds.
func (s *Scheduler) Stopping() bool { return s.hooks.stopping() }

// QueueLen returns the current run-queue length, for tests and metrics.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
