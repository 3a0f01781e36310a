// Package syncutil implements the coordination core's synchronization
// primitives: a FIFO-fair mutex, a counting semaphore, a writer-preferring
// readers-writer lock, and a predicate-based condition variable. None of
// these wrap golang.org/x/sync — the core depends on fairness and misuse
// semantics (fatal on over-release) that the standard library's sync.Mutex
// and sync.RWMutex do not document or guarantee, so they are built directly
// on sync.Mutex-guarded waiter queues instead.
package syncutil

import "sync"

// Mutex is a single-holder exclusive lock with a FIFO queue of waiters.
// The zero value is not usable; construct with NewMutex.
type Mutex struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// NewMutex returns an unheld Mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

// Acquire blocks until the mutex is held by the caller.
func (m *Mutex) Acquire() {
	m.mu.Lock()
	if !m.held {
		m.held = true
		m.mu.Unlock()
		return
	}
	wait := make(chan struct{})
	m.waiters = append(m.waiters, wait)
	m.mu.Unlock()
	<-wait
}

// Release hands the mutex to the next FIFO waiter, or marks it free.
// Releasing an unheld mutex is a fatal invariant violation and
// panics immediately rather than silently returning.
func (m *Mutex) Release() {
	m.mu.Lock()
	if !m.held {
		m.mu.Unlock()
		panic("paliproxy: syncutil: release of unheld mutex")
	}
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.mu.Unlock()
		close(next)
		return
	}
	m.held = false
	m.mu.Unlock()
}

// RunWithLock acquires the mutex, runs fn, and releases on every exit path
// including panics propagating out of fn.
func (m *Mutex) RunWithLock(fn func() error) error {
	m.Acquire()
	defer m.Release()
	return fn()
}
