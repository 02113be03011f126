// Package fiber implements a stackful-semantics coroutine on top of a
// goroutine and a pair of rendezvous channels.
//
// The source this is ported from hand-writes an assembly-level context
// switch (swapcontext/makecontext) per fiber. That mechanism is explicitly
// unspecified here — the spec only commits to its observable semantics
// (INIT→READY→RUNNING→{HOLD,READY,TERM,EXCEPT}, at-most-one-RUNNING, no
// resume past TERM/EXCEPT). Go already gives every goroutine its own real,
// growable stack and a scheduler that context-switches it, so the idiomatic
// rendering keeps one goroutine alive for the fiber's entire lifetime and
// turns SwapIn/SwapOut into a synchronous handoff across two channels:
// resuming sends on resumeCh and blocks on yieldCh; yielding sends on
// yieldCh and (unless terminal) blocks on resumeCh. Exactly one side is ever
// unblocked at a time, which is what gives the at-most-one-RUNNING
// invariant for free.
package fiber

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/go-sylar/sylar/internal/gls"
)

// ErrUsage is returned for operations invalid in the fiber's current state:
// resuming a terminal fiber, resetting a non-terminal one, double-starting.
var ErrUsage = errors.New("fiber: usage error")

var idCounter int64

const glsKey = "sylar.fiber.current"

// Fiber is a stackful-semantics coroutine: one goroutine, its own logical
// stack accounting, and a saved lifecycle state.
type Fiber struct {
	ID             int64
	Name           string
	RunInScheduler bool

	state atomic.Int32

	entry     func(*Fiber)
	stackSize int
	allocator Allocator
	stack     Stack

	resumeCh chan struct{}
	yieldCh  chan struct{}

	owner  any // *sched.Scheduler, stored opaquely to avoid an import cycle
	logger *zap.Logger

	result any
	err    error

	started atomic.Bool
}

// Option configures a Fiber at construction time.
type Option func(*Fiber)

// WithLogger attaches a logger used to record panics caught at the entry
// boundary.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fiber) { f.logger = l }
}

// WithAllocator overrides the default guard-paged mmap stack allocator.
func WithAllocator(a Allocator) Option {
	return func(f *Fiber) { f.allocator = a }
}

// New creates a fiber in the Init state. entry receives the fiber itself so
// it can call Yield/SwapOut without going through GetThis. runInScheduler
// controls whether the fiber's terminal/suspending yields are understood to
// return to the scheduler's dispatch loop (true) or to the calling
// goroutine's main fiber (false) — both are honored identically by SwapOut,
// and the flag is stored as metadata only: the scheduler's dispatch loop
// decides whether to re-enqueue a returning fiber from its state alone.
func New(name string, entry func(*Fiber), stackSize int, runInScheduler bool, opts ...Option) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	if name == "" {
		name = "fiber-" + uuid.NewString()[:8]
	}
	f := &Fiber{
		ID:             atomic.AddInt64(&idCounter, 1),
		Name:           name,
		RunInScheduler: runInScheduler,
		entry:          entry,
		stackSize:      stackSize,
		allocator:      MmapAllocator{},
		resumeCh:       make(chan struct{}, 1),
		yieldCh:        make(chan struct{}, 1),
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.state.Store(int32(Init))
	return f
}

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// SetOwner records the scheduler handle used on terminal resume; stored as
// `any` so this package never imports the scheduler package.
func (f *Fiber) SetOwner(owner any) { f.owner = owner }

// Owner returns the scheduler handle set by SetOwner, or nil.
func (f *Fiber) Owner() any { return f.owner }

// Err returns the error recorded when the fiber's entry panicked, valid once
// the fiber is terminal. Result returns the stored result value; nothing in
// this package sets it, so it is nil.
func (f *Fiber) Result() any  { return f.result }
func (f *Fiber) Err() error   { return f.err }
func (f *Fiber) String() string {
	return fmt.Sprintf("Fiber[%d:%s:%s]", f.ID, f.Name, f.State())
}

// SwapIn resumes the fiber: INIT/READY -> RUNNING. It blocks the caller
// until the fiber yields or terminates, then returns the fiber's new state.
func (f *Fiber) SwapIn() (State, error) {
	st := f.State()
	if st != Init && st != Ready {
		return st, errors.Wrapf(ErrUsage, "swap in on fiber in state %s", st)
	}

	f.state.Store(int32(Running))

	if st == Init {
		if f.stack == nil {
			s, err := f.allocator.Alloc(f.stackSize)
			if err != nil {
				f.state.Store(int32(Init))
				return Init, err
			}
			f.stack = s
		}
		f.started.Store(true)
		go f.run()
	} else {
		f.resumeCh <- struct{}{}
	}

	<-f.yieldCh
	return f.State(), nil
}

// Resume is an alias for SwapIn matching the spec's naming.
func (f *Fiber) Resume() (State, error) { return f.SwapIn() }

// SwapOut is called from inside the running fiber's own goroutine. It
// records next as the fiber's new status and returns control to whichever
// goroutine is blocked in SwapIn. If next is not terminal, SwapOut blocks
// until the fiber is resumed again.
func (f *Fiber) SwapOut(next State) {
	f.state.Store(int32(next))
	f.yieldCh <- struct{}{}
	if !next.Terminal() {
		<-f.resumeCh
		f.state.Store(int32(Running))
	}
}

// YieldToHold suspends the fiber in the Hold state: the caller is
// responsible for explicitly rescheduling it later (the pattern every
// blocking I/O wrapper and timer sleep uses).
func (f *Fiber) YieldToHold() { f.SwapOut(Hold) }

// YieldToReady suspends the fiber in the Ready state, to be re-enqueued
// immediately by the scheduler.
func (f *Fiber) YieldToReady() { f.SwapOut(Ready) }

// Yield is sugar for YieldToHold, matching Fiber.Yield in the spec's prose.
func (f *Fiber) Yield() { f.YieldToHold() }

func (f *Fiber) run() {
	gls.Set(glsKey, f)
	defer gls.Clear()
	defer f.finish()
	f.entry(f)
}

func (f *Fiber) finish() {
	if r := recover(); r != nil {
		f.err = fmt.Errorf("fiber %d panicked: %v", f.ID, r)
		f.logger.Error("fiber entry panicked",
			zap.Int64("fiber_id", f.ID),
			zap.String("fiber_name", f.Name),
			zap.Any("panic", r),
		)
		f.state.Store(int32(Except))
	} else {
		f.state.Store(int32(Term))
	}
	if f.stack != nil {
		f.stack.Free()
		f.stack = nil
	}
	f.yieldCh <- struct{}{}
}

// Reset re-arms a terminal fiber (TERM/EXCEPT) with a new entry, returning
// it to Init so it can be resumed again. Fails with ErrUsage on a
// non-terminal fiber.
func (f *Fiber) Reset(entry func(*Fiber)) error {
	st := f.State()
	if !st.Terminal() {
		return errors.Wrapf(ErrUsage, "reset on fiber in state %s", st)
	}
	f.entry = entry
	f.result = nil
	f.err = nil
	f.resumeCh = make(chan struct{}, 1)
	f.yieldCh = make(chan struct{}, 1)
	f.started.Store(false)
	f.state.Store(int32(Init))
	return nil
}

// GetThis returns the fiber currently executing on the calling goroutine,
// creating a "main fiber" representing the goroutine's native stack on
// first call — mirroring the source's thread-local Fiber::GetThis(), with
// "thread" mapped onto "goroutine" (see package doc).
func GetThis() *Fiber {
	if v, ok := gls.Get(glsKey); ok {
		if f, ok := v.(*Fiber); ok {
			return f
		}
	}
	main := New("main", nil, DefaultStackSize, false)
	main.state.Store(int32(Running))
	main.started.Store(true)
	gls.Set(glsKey, main)
	return main
}

// IsMain reports whether f is a lazily-created main fiber (no entry, never
// dispatched through SwapIn).
func (f *Fiber) IsMain() bool { return f.entry == nil }
