// Package gls implements the minimal goroutine-local-storage primitive the
// scheduler needs for fiber.GetThis(): a way to ask "what
// owns the call stack I'm currently running on" without threading an extra
// parameter through every call site, mirroring the source's thread-local
// Fiber::GetThis()/IOManager::GetThis() statics.
//
// Go deliberately doesn't expose a goroutine id, so this resolves one the
// same way packages like jtolds/gls or petermattis/goid do: parse the
// "goroutine N [...]" header off a runtime.Stack dump. It's a well-worn
// technique, not a supported API, which is exactly why it's confined to
// this one package and kept off every hot path (dispatch loops thread their
// current fiber/manager through local variables; GetThis is a convenience
// for code that was handed no such parameter).
package gls

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

var (
	mu    sync.RWMutex
	slots = map[int64]map[string]any{}
)

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// Set stores value under key for the calling goroutine.
func Set(key string, value any) {
	id := goroutineID()
	mu.Lock()
	defer mu.Unlock()
	m, ok := slots[id]
	if !ok {
		m = make(map[string]any, 1)
		slots[id] = m
	}
	m[key] = value
}

// Get retrieves the value stored under key for the calling goroutine.
func Get(key string) (any, bool) {
	id := goroutineID()
	mu.RLock()
	defer mu.RUnlock()
	m, ok := slots[id]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// Clear removes every slot registered for the calling goroutine. A fiber's
// goroutine calls this when its entry returns so the map doesn't grow
// unbounded across a long-lived process that spawns and retires many fibers.
func Clear() {
	id := goroutineID()
	mu.Lock()
	defer mu.Unlock()
	delete(slots, id)
}
