package fiber

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultStackSize is the default reservation per fiber, matching the
// ~128 KiB the spec names as typical.
const DefaultStackSize = 128 * 1024

// ErrResourceExhausted is returned when a stack region cannot be reserved.
var ErrResourceExhausted = errors.New("fiber: resource exhausted")

// Allocator reserves and releases the memory region a fiber's stack is
// accounted against. Go's own goroutine stacks do the actual execution
// (see the package doc comment in fiber.go for why), so this is a pluggable
// resource-accounting layer rather than an executable stack: it exists so
// ResourceExhausted is a real, triggerable failure mode instead of a type
// that nothing ever returns, and so a caller may substitute a pooled
// allocator under memory pressure exactly as the spec's design notes call
// for ("Treat stack allocation as a pluggable allocator").
type Allocator interface {
	Alloc(size int) (Stack, error)
}

// Stack is a reserved, released-on-Free memory region.
type Stack interface {
	Free()
}

// MmapAllocator reserves page-aligned anonymous memory with guard pages on
// both ends, the default the spec names ("page-aligned mmap with guard
// pages").
type MmapAllocator struct{}

func (MmapAllocator) Alloc(size int) (Stack, error) {
	pageSize := unix.Getpagesize()
	guarded := roundUp(size, pageSize) + 2*pageSize

	region, err := unix.Mmap(-1, 0, guarded, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(ErrResourceExhausted, "mmap %d bytes: %v", guarded, err)
	}

	usable := region[pageSize : guarded-pageSize]
	if err := unix.Mprotect(usable, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		_ = unix.Munmap(region)
		return nil, errors.Wrapf(ErrResourceExhausted, "mprotect %d bytes: %v", len(usable), err)
	}

	return &mmapRegion{region: region}, nil
}

type mmapRegion struct {
	region []byte
	once   sync.Once
}

func (m *mmapRegion) Free() {
	m.once.Do(func() {
		_ = unix.Munmap(m.region)
	})
}

func roundUp(n, multiple int) int {
	if multiple == 0 {
		return n
	}
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + multiple - rem
}

// PooledAllocator recycles fixed-size buffers instead of issuing a fresh
// mmap per fiber, for workloads that churn through many short-lived fibers.
type PooledAllocator struct {
	size int
	pool sync.Pool
}

// NewPooledAllocator returns an Allocator that pools buffers of the given
// size; fibers requesting a different size fall back to a direct alloc.
func NewPooledAllocator(size int) *PooledAllocator {
	pa := &PooledAllocator{size: size}
	pa.pool.New = func() any {
		return make([]byte, size)
	}
	return pa
}

type pooledStack struct {
	pa  *PooledAllocator
	buf []byte
}

func (p *pooledStack) Free() {
	if len(p.buf) != p.pa.size {
		return
	}
	p.pa.pool.Put(p.buf) //nolint:staticcheck // intentional slice reuse
}

func (pa *PooledAllocator) Alloc(size int) (Stack, error) {
	if size != pa.size {
		return &pooledStack{pa: pa, buf: make([]byte, size)}, nil
	}
	buf, _ := pa.pool.Get().([]byte)
	return &pooledStack{pa: pa, buf: buf}, nil
}
