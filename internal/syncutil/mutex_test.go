package syncutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMutex_ExclusiveAndFIFO(t *testing.T) {
	m := NewMutex()

	const n = 20
	var order []int
	var orderMu sync.Mutex
	started := make(chan struct{}, n)

	m.Acquire() // hold it so goroutines queue up deterministically

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			started <- struct{}{}
			m.Acquire()
			orderMu.Lock()
			order = append(order, i)
			orderMu.Unlock()
			m.Release()
		}()
		<-started // ensure goroutines enqueue roughly in launch order
		time.Sleep(time.Millisecond)
	}

	m.Release() // release our initial hold, waking waiter 0
	wg.Wait()

	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		require.Equal(t, i, order[i], "expected strict FIFO hand-off")
	}
}

func TestMutex_ReleaseUnheldPanics(t *testing.T) {
	m := NewMutex()
	require.Panics(t, func() { m.Release() })
}

func TestMutex_RunWithLockReleasesOnPanic(t *testing.T) {
	m := NewMutex()

	func() {
		defer func() { _ = recover() }()
		_ = m.RunWithLock(func() error {
			panic("boom")
		})
	}()

	require.NotPanics(t, func() {
		m.Acquire()
		m.Release()
	})
}
