// Package buffer implements the Request Buffer: a bounded,
// priority-ordered holding area for requests that arrive while no tunnel
// is available to serve them. It is generic over the payload type so the
// façade can buffer its own request representation without this package
// knowing anything about HTTP.
package buffer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	longpoll "github.com/joeycumines/go-longpoll"
	"golang.org/x/exp/slices"

	"github.com/projectint/paliproxy-core/config"
	"github.com/projectint/paliproxy-core/internal/corelog"
	"github.com/projectint/paliproxy-core/internal/syncutil"
	"github.com/projectint/paliproxy-core/model"
)

// Metrics is the subset of internal/eventbus.Bus's counters the Buffer
// reports against. Structural, not an explicit implements-declaration, so
// eventbus.Bus satisfies it without changes.
type Metrics interface {
	CountBufferEviction()
	CountBufferTimeout()
}

type noopMetrics struct{}

func (noopMetrics) CountBufferEviction() {}
func (noopMetrics) CountBufferTimeout()  {}

// Entry pairs a request's metadata with its opaque payload.
type Entry[T any] struct {
	Request model.BufferedRequest
	Payload T
}

// Buffer holds Entry[T] values until the drainer dispatches them, in
// descending priority-weight order with FIFO tie-breaking.
type Buffer[T any] struct {
	mu      *syncutil.Mutex
	drainMu *syncutil.Mutex
	cfg     config.BufferConfig
	clock   model.Clock
	metrics Metrics
	log     corelog.For
	process func(ctx context.Context, payload T) error
	fail    func(payload T, err error)
	idGen   func() string

	entries   []Entry[T]
	enabled   bool
	triggerCh chan struct{}
}

// Option configures optional Buffer dependencies.
type Option[T any] func(*Buffer[T])

// WithMetrics wires a Metrics sink, typically internal/eventbus.Bus.
func WithMetrics[T any](m Metrics) Option[T] {
	return func(b *Buffer[T]) { b.metrics = m }
}

// WithLogger wires a structured logger for eviction/timeout/retry-exhausted
// diagnostics.
func WithLogger[T any](l corelog.Logger) Option[T] {
	return func(b *Buffer[T]) { b.log = corelog.Component(l, "buffer") }
}

// WithFailureHandler wires the one-shot failure side of each request's
// fulfillment: fn is invoked exactly once for every admitted request that
// reaches a terminal failure inside the buffer — evicted by overflow,
// timed out, or retry-exhausted — with the corresponding error kind. It is
// never invoked for a request the executor resolved, nor for an Enqueue
// that itself returned an overflow error.
func WithFailureHandler[T any](fn func(payload T, err error)) Option[T] {
	return func(b *Buffer[T]) { b.fail = fn }
}

// WithIDGenerator overrides the request ID generator (tests use a
// deterministic counter instead of github.com/google/uuid).
func WithIDGenerator[T any](f func() string) Option[T] {
	return func(b *Buffer[T]) { b.idGen = f }
}

// New constructs a Buffer. process is invoked once per dispatched entry by
// the drain loop, strictly in priority order with FIFO ties; its own
// latency is the pacing of the drain.
func New[T any](cfg config.BufferConfig, clock model.Clock, process func(ctx context.Context, payload T) error, opts ...Option[T]) *Buffer[T] {
	b := &Buffer[T]{
		mu:        syncutil.NewMutex(),
		drainMu:   syncutil.NewMutex(),
		cfg:       cfg,
		clock:     clock,
		metrics:   noopMetrics{},
		log:       corelog.Component(corelog.NewNoop(), "buffer"),
		process:   process,
		fail:      func(T, error) {},
		idGen:     nil,
		enabled:   true,
		triggerCh: make(chan struct{}, 1024),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.idGen == nil {
		b.idGen = uuid.NewString
	}
	return b
}

// Enqueue admits a new request. If admitting it pushes the buffer over
// config.BufferConfig.MaxSize, the lowest-priority, oldest-within-that-
// priority entry is evicted and fails with model.ErrBufferOverflow; if
// the newly admitted request is itself that entry (it is the sole
// occupant of the buffer's lowest priority tier in an already-full
// buffer), Enqueue returns the overflow error directly and the request is
// not buffered.
func (b *Buffer[T]) Enqueue(priority model.Priority, payload T) (model.BufferedRequest, error) {
	req := model.BufferedRequest{
		ID:         b.idGen(),
		Priority:   priority,
		EnqueuedAt: b.clock.Now(),
		MaxRetries: b.cfg.MaxRetries,
	}

	var victims []Entry[T]
	err := b.mu.RunWithLock(func() error {
		b.entries = append(b.entries, Entry[T]{Request: req, Payload: payload})
		for len(b.entries) > b.cfg.MaxSize {
			victim := b.evictLocked()
			if victim.Request.ID == req.ID {
				return model.ErrBufferOverflow
			}
			victims = append(victims, victim)
		}
		return nil
	})

	for _, v := range victims {
		b.fail(v.Payload, model.ErrBufferOverflow)
	}
	if err == nil {
		b.triggerDrain()
	}
	return req, err
}

// evictLocked removes and returns the oldest entry within the buffer's
// currently lowest priority-weight tier, reporting the eviction to
// Metrics. Must be called with mu held. Degenerates to "evict the oldest
// entry overall" when every entry shares the same weight.
func (b *Buffer[T]) evictLocked() Entry[T] {
	weights := b.cfg.PriorityWeights
	lowest := weightOf(weights, b.entries[0].Request.Priority)
	for _, e := range b.entries[1:] {
		if w := weightOf(weights, e.Request.Priority); w < lowest {
			lowest = w
		}
	}

	idx := -1
	for i, e := range b.entries {
		if weightOf(weights, e.Request.Priority) != lowest {
			continue
		}
		if idx == -1 || e.Request.EnqueuedAt.Before(b.entries[idx].Request.EnqueuedAt) {
			idx = i
		}
	}

	victim := b.entries[idx]
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	b.metrics.CountBufferEviction()
	b.log.With(map[string]any{"request_id": victim.Request.ID, "priority": victim.Request.Priority}).Warn("buffer: evicted request")
	return victim
}

func weightOf(w config.PriorityWeights, p model.Priority) int {
	switch p {
	case model.PriorityCritical, model.PriorityEmergency:
		return w.Critical
	case model.PriorityHigh:
		return w.High
	case model.PriorityNormal:
		return w.Normal
	default:
		return w.Low
	}
}

// Handle implements model.EventSink: the Buffer disables draining while
// disconnected (requests keep queuing, but nothing is dispatched) and
// resumes on reconnect or a completed switch.
func (b *Buffer[T]) Handle(e model.Event) {
	switch e.Kind {
	case model.EventDisconnected:
		_ = b.mu.RunWithLock(func() error { b.enabled = false; return nil })
	case model.EventConnected, model.EventSwitched:
		_ = b.mu.RunWithLock(func() error { b.enabled = true; return nil })
		b.triggerDrain()
	}
}

func (b *Buffer[T]) triggerDrain() {
	select {
	case b.triggerCh <- struct{}{}:
	default:
	}
}

// Run starts the auto-drainer: a periodic sweep at
// config.BufferConfig.ProcessingInterval, plus a trigger-driven sweep that
// coalesces bursts of Enqueue calls via go-longpoll's Channel into a
// single drain pass instead of one per call. Run blocks until ctx is
// cancelled.
func (b *Buffer[T]) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.triggerLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case <-b.clock.After(b.cfg.ProcessingInterval):
			b.drainOnce(ctx)
		}
	}
}

func (b *Buffer[T]) triggerLoop(ctx context.Context) {
	// MinSize well above any realistic burst, so the receive only returns
	// once PartialTimeout has elapsed after the first trigger: a burst of
	// Enqueue calls within that window coalesces into a single drain pass.
	cfg := &longpoll.ChannelConfig{
		MaxSize:        -1,
		MinSize:        1024,
		PartialTimeout: 20 * time.Millisecond,
	}
	for {
		err := longpoll.Channel(ctx, cfg, b.triggerCh, func(struct{}) error { return nil })
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		b.drainOnce(ctx)
	}
}

// drainOnce evicts timed-out entries, then dispatches everything else
// (skipping dispatch entirely while disabled) one at a time, in descending
// priority-weight order with FIFO tie-breaking. drainMu serializes whole
// passes so the periodic sweep and a trigger can't interleave their
// dispatch order; the buffer mutex itself is held only for queue mutation,
// never across the executor call, so executor latency does not block
// enqueues.
func (b *Buffer[T]) drainOnce(ctx context.Context) {
	b.drainMu.Acquire()
	defer b.drainMu.Release()
	now := b.clock.Now()
	timeout := time.Duration(b.cfg.TimeoutMs) * time.Millisecond

	var expired []Entry[T]
	var ready []Entry[T]
	_ = b.mu.RunWithLock(func() error {
		var kept []Entry[T]
		for _, e := range b.entries {
			if now.Sub(e.Request.EnqueuedAt) > timeout {
				expired = append(expired, e)
				continue
			}
			kept = append(kept, e)
		}
		if !b.enabled {
			b.entries = kept
			return nil
		}
		slices.SortFunc(kept, func(a, bb Entry[T]) int {
			wa, wb := weightOf(b.cfg.PriorityWeights, a.Request.Priority), weightOf(b.cfg.PriorityWeights, bb.Request.Priority)
			if wa != wb {
				return wb - wa
			}
			return a.Request.EnqueuedAt.Compare(bb.Request.EnqueuedAt)
		})
		ready = kept
		b.entries = nil
		return nil
	})

	for _, e := range expired {
		b.metrics.CountBufferTimeout()
		b.log.With(map[string]any{"request_id": e.Request.ID}).Warn("buffer: request timed out")
		b.fail(e.Payload, model.ErrBufferTimeout)
	}
	for _, e := range ready {
		b.dispatch(ctx, e)
	}
}

func (b *Buffer[T]) dispatch(ctx context.Context, e Entry[T]) {
	if err := b.process(ctx, e.Payload); err != nil {
		b.retry(e, err)
	}
}

// retry re-admits a failed entry at the head of its priority class (its
// original EnqueuedAt keeps it first among peers), or resolves it with
// retry-exhausted once its budget is spent.
func (b *Buffer[T]) retry(e Entry[T], cause error) {
	e.Request.RetryCount++
	if e.Request.RetryCount > e.Request.MaxRetries {
		b.log.With(map[string]any{"request_id": e.Request.ID}).Warn("buffer: retries exhausted")
		b.fail(e.Payload, errors.Join(model.ErrBufferRetryExhausted, cause))
		return
	}
	_ = b.mu.RunWithLock(func() error {
		b.entries = append(b.entries, e)
		return nil
	})
	b.triggerDrain()
}

// Len reports the number of currently buffered (not yet dispatched)
// requests.
func (b *Buffer[T]) Len() int {
	var n int
	_ = b.mu.RunWithLock(func() error {
		n = len(b.entries)
		return nil
	})
	return n
}

var _ model.EventSink = (*Buffer[struct{}])(nil)
