// Package ioloop implements the spec's IOManager: a Scheduler whose idle
// policy blocks on a kernel readiness facility (epoll) instead of a
// condition variable, bounded by TimerManager's next deadline, with per-fd
// interest state tracked in an append-only FdContext table.
package ioloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/go-sylar/sylar/fiber"
	"github.com/go-sylar/sylar/internal/logx"
	"github.com/go-sylar/sylar/sched"
	"github.com/go-sylar/sylar/timer"
)

// ErrUsage is returned when a caller violates the event-registration
// contract: re-adding an already-registered kind, or deleting a kind that
// was never registered (CancelEvent on such a kind is a no-op instead).
var ErrUsage = errors.New("ioloop: invalid event registration")

const maxEpollEvents = 256

// Manager composes a *sched.Scheduler with epoll-backed readiness dispatch
// and a *timer.Manager, the same way spec.md's IOManager "extends"
// Scheduler by overriding tickle/idle/stopping.
type Manager struct {
	*sched.Scheduler

	Name string

	logger *zap.Logger

	epfd   int
	wakeFd int

	fdMu sync.RWMutex // guards growth of fds only; per-fd state uses fdContext.mu
	fds  []*fdContext

	pendingEventCount atomic.Int64

	timers *timer.Manager

	closeOnce sync.Once
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a zap logger; defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// New creates the epoll handle, the self-wake eventfd, and a Scheduler
// whose hooks are replaced wholesale with this Manager's epoll-aware
// tickle/idle/stopping. The Scheduler is not started; call Start.
func New(name string, workerCount int, useCaller bool, opts ...Option) (*Manager, error) {
	if name == "" {
		name = "ioloop-" + uuid.NewString()
	}

	epfd, err := epollCreate()
	if err != nil {
		return nil, errors.Wrap(err, "ioloop: creating readiness handle")
	}
	wakeFd, err := newEventfd()
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "ioloop: creating self-wake descriptor")
	}

	m := &Manager{
		Name:   name,
		logger: logx.Nop(),
		epfd:   epfd,
		wakeFd: wakeFd,
		timers: timer.NewManager(),
	}
	for _, opt := range opts {
		opt(m)
	}

	// Register the self-wake descriptor, READ, edge-triggered (step 1 of
	// spec.md §4.4's construction sequence).
	if err := unix.EpollCtl(epfd, ctlAdd, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, errors.Wrap(err, "ioloop: registering self-wake descriptor")
	}

	m.Scheduler = sched.New(name, workerCount, useCaller, sched.WithLogger(m.logger))
	m.Scheduler.SetHooks(m.tickle, m.idle, m.stopping)

	return m, nil
}

func (m *Manager) fdContextFor(fd int, grow bool) *fdContext {
	m.fdMu.RLock()
	if fd < len(m.fds) && m.fds[fd] != nil {
		ctx := m.fds[fd]
		m.fdMu.RUnlock()
		return ctx
	}
	m.fdMu.RUnlock()

	if !grow {
		return nil
	}

	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	if fd >= len(m.fds) {
		grown := make([]*fdContext, fd+1)
		copy(grown, m.fds)
		m.fds = grown
	}
	if m.fds[fd] == nil {
		m.fds[fd] = newFdContext(fd)
	}
	return m.fds[fd]
}

// AddEvent registers interest in kind on fd, dispatching cb (or, if cb is
// nil, the currently running fiber) on readiness. Re-registering a kind
// already set in the fd's mask is a usage error.
func (m *Manager) AddEvent(fd int, kind Kind, cb func()) error {
	ctx := m.fdContextFor(fd, true)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.mask&kind != 0 {
		return ErrUsage
	}

	newMask := ctx.mask | kind
	if err := epollApply(m.epfd, fd, newMask, ctx.mask != 0); err != nil {
		return errors.Wrapf(err, "ioloop: addEvent(fd=%d)", fd)
	}

	ec := eventContext{scheduler: m.Scheduler, callable: cb}
	if cb == nil {
		ec.fiber = fiber.GetThis()
	}
	ctx.ctx[kindIndex(kind)] = ec
	ctx.mask = newMask
	m.pendingEventCount.Add(1)
	return nil
}

// DelEvent clears kind from fd's registration without invoking its handler.
func (m *Manager) DelEvent(fd int, kind Kind) error {
	ctx := m.fdContextFor(fd, false)
	if ctx == nil {
		return ErrUsage
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.mask&kind == 0 {
		return ErrUsage
	}

	newMask := ctx.mask &^ kind
	if err := epollApply(m.epfd, fd, newMask, true); err != nil {
		return errors.Wrapf(err, "ioloop: delEvent(fd=%d)", fd)
	}

	ctx.ctx[kindIndex(kind)] = eventContext{}
	ctx.mask = newMask
	m.pendingEventCount.Add(-1)
	return nil
}

// CancelEvent is DelEvent plus a forced dispatch of the handler that was
// registered for kind, so a fiber blocked on it observes the cancellation.
// A no-op if kind was not registered.
func (m *Manager) CancelEvent(fd int, kind Kind) error {
	ctx := m.fdContextFor(fd, false)
	if ctx == nil {
		return nil
	}

	ctx.mu.Lock()
	if ctx.mask&kind == 0 {
		ctx.mu.Unlock()
		return nil
	}
	ec := ctx.ctx[kindIndex(kind)]
	newMask := ctx.mask &^ kind
	err := epollApply(m.epfd, fd, newMask, true)
	ctx.ctx[kindIndex(kind)] = eventContext{}
	ctx.mask = newMask
	ctx.mu.Unlock()

	if err != nil {
		m.logger.Warn("cancelEvent epoll_ctl failed", zap.Int("fd", fd), zap.Error(err))
	}

	m.pendingEventCount.Add(-1)
	ec.dispatch(sched.Unpinned)
	return nil
}

// CancelAll cancels every registered kind on fd.
func (m *Manager) CancelAll(fd int) {
	_ = m.CancelEvent(fd, Read)
	_ = m.CancelEvent(fd, Write)
}

// tickle wakes the idle readiness wait from another goroutine by writing to
// the self-wake eventfd; this both breaks a blocking EpollWait and, because
// the scheduler's base tickle only signals a condition variable, is the
// entire meaning of "wake" for an epoll-backed idle loop.
func (m *Manager) tickle() {
	if err := eventfdSignal(m.wakeFd); err != nil {
		m.logger.Warn("tickle: eventfd signal failed", zap.Error(err))
	}
}

// stopping extends the base predicate with "no registered fd events and no
// pending timers", per spec.md §4.2.
func (m *Manager) stopping() bool {
	return m.Scheduler.BaseStopping() &&
		m.pendingEventCount.Load() == 0 &&
		m.timers.Empty()
}

// idle is the readiness-wait loop installed as the scheduler's idle hook,
// implementing spec.md §4.4 steps 2-5: drain expired timers onto the run
// queue, compute a wait budget bounded by the next timer deadline and
// timer.MaxTimeout, block in EpollWait, then dispatch every returned event.
func (m *Manager) idle(w *sched.Worker) {
	for _, cb := range m.timers.ListExpiredCallables() {
		cb := cb
		if err := m.Scheduler.ScheduleFunc("timer", sched.Unpinned, cb); err != nil {
			return
		}
	}

	budget := timer.MaxTimeout
	if d, ok := m.timers.GetNextTimeout(); ok && d < budget {
		budget = d
	}
	timeoutMs := int(budget / time.Millisecond)
	if timeoutMs < 0 {
		timeoutMs = 0
	}

	events := make([]unix.EpollEvent, maxEpollEvents)
	n, err := epollWait(m.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		m.logger.Warn("idle: epoll_wait failed", zap.Error(err))
		return
	}

	for i := 0; i < n; i++ {
		ev := events[i]
		fd := int(ev.Fd)

		if fd == m.wakeFd {
			if err := eventfdDrain(m.wakeFd); err != nil {
				m.logger.Debug("idle: self-wake drain", zap.Error(err))
			}
			continue
		}

		ctx := m.fdContextFor(fd, false)
		if ctx == nil {
			continue
		}

		reported := epollToKindMask(ev.Events)

		ctx.mu.Lock()
		intersect := reported & ctx.mask
		var toDispatch []eventContext
		for _, k := range [...]Kind{Read, Write} {
			if intersect&k == 0 {
				continue
			}
			idx := kindIndex(k)
			ec := ctx.ctx[idx]
			if ec.empty() {
				continue
			}
			toDispatch = append(toDispatch, ec)
			ctx.ctx[idx] = eventContext{}
			ctx.mask &^= k
		}
		residual := ctx.mask
		ctx.mu.Unlock()

		if err := epollApply(m.epfd, fd, residual, true); err != nil {
			m.logger.Warn("idle: re-registering residual mask failed",
				zap.Int("fd", fd), zap.Error(err))
		}

		for _, ec := range toDispatch {
			m.pendingEventCount.Add(-1)
			ec.dispatch(sched.Unpinned)
		}
	}
}

// Timers exposes the composed TimerManager so callers can schedule timed
// callbacks onto this Manager's run queue.
func (m *Manager) Timers() *timer.Manager { return m.timers }

// Close stops the scheduler (draining pending tasks, fd events and timers
// per the stopping predicate) and releases the epoll and eventfd handles.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.Scheduler.Stop()
		m.timers.Close()
		err = multierr.Append(err, unix.Close(m.wakeFd))
		err = multierr.Append(err, unix.Close(m.epfd))
	})
	return err
}
