// Package driver provides a reference model.TunnelDriver/model.Prober
// pair: a loopback driver that simulates attach/detach/health-check
// latency without touching a real network interface. It exists for the
// demo composition root and for integration tests that want something
// more than a hand-rolled test double, but still no real VPN stack.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/projectint/paliproxy-core/model"
)

// Loopback implements model.TunnelDriver and model.Prober by tracking,
// per tunnel name, whether it is currently "attached" and whether it
// should report healthy. Attach/Detach/Verdict calls respect ctx
// cancellation via a simulated Latency, so callers exercising timeouts
// get realistic behavior.
type Loopback struct {
	mu       sync.Mutex
	attached map[string]bool
	unhealth map[string]bool
	fail     map[string]error

	// Latency is applied before every Attach/Detach/Verdict call returns,
	// to give the Supervisor's timeouts and the Scheduler's
	// ActiveOperation bookkeeping something real to race against.
	Latency time.Duration
}

// NewLoopback constructs a Loopback with no latency and every tunnel
// healthy by default.
func NewLoopback() *Loopback {
	return &Loopback{
		attached: make(map[string]bool),
		unhealth: make(map[string]bool),
		fail:     make(map[string]error),
	}
}

// FailAttach makes the next Attach call for name return err (and every
// subsequent one, until another FailAttach call replaces it; a nil err
// clears it).
func (l *Loopback) FailAttach(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail[name] = err
}

// SetHealthy controls what Verdict reports for name.
func (l *Loopback) SetHealthy(name string, healthy bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unhealth[name] = !healthy
}

func (l *Loopback) wait(ctx context.Context) error {
	if l.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(l.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach implements model.TunnelDriver.
func (l *Loopback) Attach(ctx context.Context, t model.TunnelDescriptor) error {
	if err := l.wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.fail[t.Name]; ok && err != nil {
		return err
	}
	l.attached[t.Name] = true
	return nil
}

// Detach implements model.TunnelDriver.
func (l *Loopback) Detach(ctx context.Context, t model.TunnelDescriptor) error {
	if err := l.wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached[t.Name] = false
	return nil
}

// Verdict implements model.Prober: a tunnel is healthy if it is attached
// and hasn't been marked unhealthy via SetHealthy.
func (l *Loopback) Verdict(ctx context.Context, t model.TunnelDescriptor) model.HealthVerdict {
	if err := l.wait(ctx); err != nil {
		return model.HealthVerdict{Healthy: false, Reason: err.Error()}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.attached[t.Name] {
		return model.HealthVerdict{Healthy: false, Reason: fmt.Sprintf("tunnel %q not attached", t.Name)}
	}
	if l.unhealth[t.Name] {
		return model.HealthVerdict{Healthy: false, Reason: "marked unhealthy"}
	}
	return model.HealthVerdict{Healthy: true}
}

var (
	_ model.TunnelDriver = (*Loopback)(nil)
	_ model.Prober       = (*Loopback)(nil)
)
