package fiber

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwapInSwapOutRoundTrip(t *testing.T) {
	var ran []string

	f := New("rt", func(f *Fiber) {
		ran = append(ran, "start")
		f.YieldToHold()
		ran = append(ran, "resumed")
	}, 0, false)

	st, err := f.SwapIn()
	require.NoError(t, err)
	assert.Equal(t, Hold, st)
	assert.Equal(t, []string{"start"}, ran)

	f.state.Store(int32(Ready))
	st, err = f.SwapIn()
	require.NoError(t, err)
	assert.Equal(t, Term, st)
	assert.Equal(t, []string{"start", "resumed"}, ran)
}

func TestSwapInOnTerminalFiberIsUsageError(t *testing.T) {
	f := New("term", func(f *Fiber) {}, 0, false)
	_, err := f.SwapIn()
	require.NoError(t, err)
	require.Equal(t, Term, f.State())

	_, err = f.SwapIn()
	require.ErrorIs(t, err, ErrUsage)
}

func TestPanicSetsExceptState(t *testing.T) {
	f := New("panics", func(f *Fiber) {
		panic("boom")
	}, 0, false)

	st, err := f.SwapIn()
	require.NoError(t, err)
	assert.Equal(t, Except, st)
	require.Error(t, f.Err())
}

func TestResetRequiresTerminalState(t *testing.T) {
	f := New("reset-me", func(f *Fiber) {
		f.YieldToHold()
	}, 0, false)

	_, err := f.SwapIn()
	require.NoError(t, err)
	require.Equal(t, Hold, f.State())

	err = f.Reset(func(f *Fiber) {})
	require.ErrorIs(t, err, ErrUsage)

	f.state.Store(int32(Ready))
	_, err = f.SwapIn()
	require.NoError(t, err)
	require.True(t, f.State().Terminal())

	require.NoError(t, f.Reset(func(f *Fiber) {}))
	assert.Equal(t, Init, f.State())
}

// TestAtMostOneRunningConcurrently exercises property 2: for any fiber F, no
// two goroutines ever observe F as RUNNING simultaneously. Several fibers,
// each driven from its own goroutine, yield Ready and are resumed many
// times; every SwapIn must succeed and each fiber must end in Term.
func TestAtMostOneRunningConcurrently(t *testing.T) {
	const fibers = 8
	const rounds = 50

	var wg sync.WaitGroup
	var violations atomic.Int64

	for i := 0; i < fibers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			f := New("concurrent", func(f *Fiber) {
				for r := 0; r < rounds; r++ {
					f.YieldToReady()
				}
			}, 0, false)

			st, err := f.SwapIn()
			if err != nil {
				violations.Add(1)
				return
			}
			for st == Ready {
				st, err = f.SwapIn()
				if err != nil {
					violations.Add(1)
					return
				}
			}
			if st != Term {
				violations.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int64(0), violations.Load())
}

func TestGetThisCreatesMainFiberLazily(t *testing.T) {
	done := make(chan *Fiber)
	go func() {
		done <- GetThis()
	}()
	main := <-done
	require.NotNil(t, main)
	assert.True(t, main.IsMain())
	assert.Equal(t, Running, main.State())
}
