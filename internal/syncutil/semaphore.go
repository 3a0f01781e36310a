package syncutil

import "fmt"

// Semaphore is a counting permit pool with FIFO-ordered acquisition.
type Semaphore struct {
	mu      Mutex
	permits int
	max     int
	waiters []chan struct{}
}

// NewSemaphore initializes a Semaphore with n permits. Panics if n <= 0.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		panic("paliproxy: syncutil: semaphore requires n > 0")
	}
	return &Semaphore{mu: *NewMutex(), permits: n, max: n}
}

// Acquire blocks while no permits are available, in FIFO order.
func (s *Semaphore) Acquire() {
	s.mu.Acquire()
	if s.permits > 0 {
		s.permits--
		s.mu.Release()
		return
	}
	wait := make(chan struct{})
	s.waiters = append(s.waiters, wait)
	s.mu.Release()
	<-wait
}

// Release returns a permit, handing it directly to the head FIFO waiter if
// one is present. Releasing beyond the configured capacity is a fatal
// invariant violation and panics.
func (s *Semaphore) Release() {
	s.mu.Acquire()
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Release()
		close(next)
		return
	}
	if s.permits >= s.max {
		s.mu.Release()
		panic(fmt.Sprintf("paliproxy: syncutil: semaphore release exceeds initial permits (%d)", s.max))
	}
	s.permits++
	s.mu.Release()
}

// RunWithPermit acquires a permit, runs fn, and releases the permit on every
// exit path including panics propagating out of fn.
func (s *Semaphore) RunWithPermit(fn func() error) error {
	s.Acquire()
	defer s.Release()
	return fn()
}
