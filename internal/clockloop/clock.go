// Package clockloop implements model.Clock on top of
// github.com/joeycumines/go-eventloop, so every periodic or delayed
// callback shares one timer engine. The Scheduler's 1s tick, the Request
// Buffer's auto-drainer, ActiveOperation auto-completion timers, and the
// Supervisor's health-check arming all go through an instance of this
// Clock rather than raw time.AfterFunc goroutines.
package clockloop

import (
	"context"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"

	"github.com/projectint/paliproxy-core/model"
)

// Clock runs a background github.com/joeycumines/go-eventloop Loop and
// exposes it as a model.Clock.
type Clock struct {
	loop   *eventloop.Loop
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a Clock backed by a fresh event loop. Call Close to stop it.
func New() (*Clock, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Clock{loop: loop, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		_ = loop.Run(ctx)
	}()

	return c, nil
}

// Now returns the current time. time.Now already embeds a monotonic
// reading in Go, so interval comparisons built on it are immune to
// wall-clock skew.
func (c *Clock) Now() time.Time {
	return time.Now()
}

// After returns a channel that receives once, after d elapses, scheduled
// as a timer on the underlying event loop.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	fire := func() { ch <- time.Now() }

	if _, err := c.loop.ScheduleTimer(d, fire); err != nil {
		// The loop is shutting down; fall back to a bare timer so callers
		// composing an external deadline still observe one.
		go func() {
			t := time.NewTimer(d)
			<-t.C
			fire()
		}()
	}

	return ch
}

// Close stops the underlying event loop and waits for it to exit.
func (c *Clock) Close() error {
	c.cancel()
	<-c.done
	return nil
}

var _ model.Clock = (*Clock)(nil)
