// Package eventbus implements the core's model.EventSink fan-out.
// Incoming events are coalesced through github.com/joeycumines/go-microbatch
// before delivery to subscribers: a burst of lifecycle events (e.g.
// several operations completing back to back) collapses into one delivery
// batch per subscriber instead of one call each.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"

	"github.com/projectint/paliproxy-core/model"
)

// Stats are plain counters behind a getter, so an operator can poll
// health without the core forcing a metrics backend on the embedding
// program.
type Stats struct {
	Switches          int64
	Reconnects        int64
	BufferEvictions   int64
	BufferTimeouts    int64
	OperationsStarted int64
}

// Bus fans incoming events out to every subscribed model.EventSink.
type Bus struct {
	mu        sync.RWMutex
	subs      []model.EventSink
	batcher   *microbatch.Batcher[model.Event]
	switches  int64
	reconnect int64
	evictions int64
	timeouts  int64
	opsStart  int64
}

// New constructs a Bus. flushInterval bounds how long an incomplete batch
// of events may wait before delivery; maxBatch bounds batch size. Either
// may be zero to take the microbatch package's own default.
func New(maxBatch int, flushInterval time.Duration) *Bus {
	b := &Bus{}
	b.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       maxBatch,
		FlushInterval: flushInterval,
	}, b.deliver)
	return b
}

// Subscribe registers a sink. Not safe to call concurrently with Close.
func (b *Bus) Subscribe(sink model.EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sink)
}

// Handle implements model.EventSink: it's the publish side of the bus,
// used by the Supervisor and Scheduler to emit lifecycle events.
func (b *Bus) Handle(e model.Event) {
	b.count(e)
	// A best-effort, buffered submit: event delivery must never block the
	// publishing subsystem on a slow subscriber.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = b.batcher.Submit(ctx, e)
}

func (b *Bus) count(e model.Event) {
	switch e.Kind {
	case model.EventSwitched:
		atomic.AddInt64(&b.switches, 1)
	case model.EventOperationStarted:
		atomic.AddInt64(&b.opsStart, 1)
	}
}

// CountReconnect records a Supervisor recovery attempt; kept
// separate from Handle because recovery attempts are not themselves a
// lifecycle event.
func (b *Bus) CountReconnect() { atomic.AddInt64(&b.reconnect, 1) }

// CountBufferEviction records a Request Buffer overflow eviction.
func (b *Bus) CountBufferEviction() { atomic.AddInt64(&b.evictions, 1) }

// CountBufferTimeout records a Request Buffer per-request timeout.
func (b *Bus) CountBufferTimeout() { atomic.AddInt64(&b.timeouts, 1) }

// Stats returns a snapshot of the running counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Switches:          atomic.LoadInt64(&b.switches),
		Reconnects:        atomic.LoadInt64(&b.reconnect),
		BufferEvictions:   atomic.LoadInt64(&b.evictions),
		BufferTimeouts:    atomic.LoadInt64(&b.timeouts),
		OperationsStarted: atomic.LoadInt64(&b.opsStart),
	}
}

func (b *Bus) deliver(_ context.Context, events []model.Event) error {
	b.mu.RLock()
	subs := make([]model.EventSink, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, e := range events {
		for _, sink := range subs {
			sink.Handle(e)
		}
	}
	return nil
}

// Close stops the underlying batcher, delivering any pending events first.
func (b *Bus) Close() error {
	return b.batcher.Shutdown(context.Background())
}

var _ model.EventSink = (*Bus)(nil)
