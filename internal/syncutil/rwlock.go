package syncutil

// RWLock is a readers-writer lock with writer preference: once a writer
// is queued, new readers block behind it, preventing writer starvation.
// Waiters for reads and writes are queued separately.
type RWLock struct {
	mu             Mutex
	readers        int
	writerHeld     bool
	waitingWriters int
	readWaiters    []chan struct{}
	writeWaiters   []chan struct{}
}

// NewRWLock returns an unheld RWLock.
func NewRWLock() *RWLock {
	return &RWLock{mu: *NewMutex()}
}

// AcquireRead blocks until a read lock is held. It yields to any already
// queued writer.
func (l *RWLock) AcquireRead() {
	l.mu.Acquire()
	if !l.writerHeld && l.waitingWriters == 0 {
		l.readers++
		l.mu.Release()
		return
	}
	wait := make(chan struct{})
	l.readWaiters = append(l.readWaiters, wait)
	l.mu.Release()
	<-wait
}

// ReleaseRead releases a read lock. If this was the last reader and a
// writer is queued, ownership transfers directly to that writer.
func (l *RWLock) ReleaseRead() {
	l.mu.Acquire()
	if l.readers == 0 {
		l.mu.Release()
		panic("paliproxy: syncutil: release of unheld read lock")
	}
	l.readers--
	if l.readers == 0 && len(l.writeWaiters) > 0 {
		next := l.writeWaiters[0]
		l.writeWaiters = l.writeWaiters[1:]
		l.waitingWriters--
		l.writerHeld = true
		l.mu.Release()
		close(next)
		return
	}
	l.mu.Release()
}

// AcquireWrite blocks until the write lock is held exclusively.
func (l *RWLock) AcquireWrite() {
	l.mu.Acquire()
	if !l.writerHeld && l.readers == 0 {
		l.writerHeld = true
		l.mu.Release()
		return
	}
	l.waitingWriters++
	wait := make(chan struct{})
	l.writeWaiters = append(l.writeWaiters, wait)
	l.mu.Release()
	<-wait
}

// ReleaseWrite releases the write lock: a queued writer is given direct
// ownership transfer; otherwise every queued reader is admitted at once.
func (l *RWLock) ReleaseWrite() {
	l.mu.Acquire()
	if !l.writerHeld {
		l.mu.Release()
		panic("paliproxy: syncutil: release of unheld write lock")
	}
	if len(l.writeWaiters) > 0 {
		next := l.writeWaiters[0]
		l.writeWaiters = l.writeWaiters[1:]
		l.waitingWriters--
		l.mu.Release()
		close(next)
		return
	}
	l.writerHeld = false
	toWake := l.readWaiters
	l.readWaiters = nil
	l.readers = len(toWake)
	l.mu.Release()
	for _, wait := range toWake {
		close(wait)
	}
}

// RunWithReadLock acquires a read lock, runs fn, and releases on every exit
// path including panics propagating out of fn.
func (l *RWLock) RunWithReadLock(fn func() error) error {
	l.AcquireRead()
	defer l.ReleaseRead()
	return fn()
}

// RunWithWriteLock acquires the write lock, runs fn, and releases on every
// exit path including panics propagating out of fn.
func (l *RWLock) RunWithWriteLock(fn func() error) error {
	l.AcquireWrite()
	defer l.ReleaseWrite()
	return fn()
}
