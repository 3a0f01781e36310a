// Package supervisor implements the Tunnel Supervisor: the
// component that actually drives a model.TunnelDriver, reacts to
// model.Prober health verdicts, and executes switches once the Scheduler
// (or, when disabled, the Supervisor itself) decides to make one.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/projectint/paliproxy-core/config"
	"github.com/projectint/paliproxy-core/internal/corelog"
	"github.com/projectint/paliproxy-core/internal/syncutil"
	"github.com/projectint/paliproxy-core/model"
	"github.com/projectint/paliproxy-core/registry"
	"github.com/projectint/paliproxy-core/scheduler"
)

// reconnectBackoffBase is the first sleep of the recovery sub-protocol's
// disconnect → sleep → connect cycle; it doubles per attempt up to
// reconnectBackoffMax.
const (
	reconnectBackoffBase = 500 * time.Millisecond
	reconnectBackoffMax  = 10 * time.Second
)

// Metrics is the subset of internal/eventbus.Bus's counters the Supervisor
// reports against.
type Metrics interface {
	CountReconnect()
}

type noopMetrics struct{}

func (noopMetrics) CountReconnect() {}

// StatusSnapshot reports the Supervisor's observable state.
type StatusSnapshot struct {
	Running           bool
	Current           *model.TunnelDescriptor
	ReconnectAttempts int
	Tunnels           []model.TunnelDescriptor
	LastVerdicts      map[string]model.HealthVerdict
	PendingSwitches   int
}

// Supervisor serializes every connect/disconnect/switch transition behind
// transitionLock, and every actual driver invocation behind
// connectionPermit (a single-permit semaphore) so at most one driver call
// is in flight regardless of which transition path issued it.
// The lock order is always transitionLock → connectionPermit → registry
// write lock; no path acquires in any other order.
type Supervisor struct {
	registry *registry.Registry
	driver   model.TunnelDriver
	prober   model.Prober
	clock    model.Clock
	sink     model.EventSink
	sched    *scheduler.Scheduler
	metrics  Metrics
	cfg      config.Config
	log      corelog.For

	transitionLock   *syncutil.Mutex
	connectionPermit *syncutil.Semaphore

	// stateLock guards the run flag, the reconnect counter, and the health
	// verdict cache; it is never held across a driver call or while
	// acquiring transitionLock.
	stateLock         *syncutil.Mutex
	running           bool
	reconnectAttempts int
	lastVerdicts      map[string]model.HealthVerdict

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures optional Supervisor dependencies.
type Option func(*Supervisor)

// WithScheduler wires a Deferred Switch Scheduler. Without one, RequestSwitch
// performs an immediate switch directly, the same fallback used when
// config.DelayedSwitchConfig.Enabled is false.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(sv *Supervisor) { sv.sched = s }
}

// WithMetrics wires a Metrics sink, typically internal/eventbus.Bus.
func WithMetrics(m Metrics) Option {
	return func(sv *Supervisor) { sv.metrics = m }
}

// WithLogger wires a structured logger.
func WithLogger(l corelog.Logger) Option {
	return func(sv *Supervisor) { sv.log = corelog.Component(l, "supervisor") }
}

// New constructs a Supervisor.
func New(reg *registry.Registry, driver model.TunnelDriver, prober model.Prober, clock model.Clock, sink model.EventSink, cfg config.Config, opts ...Option) *Supervisor {
	sv := &Supervisor{
		registry:         reg,
		driver:           driver,
		prober:           prober,
		clock:            clock,
		sink:             sink,
		metrics:          noopMetrics{},
		log:              corelog.Component(corelog.NewNoop(), "supervisor"),
		cfg:              cfg,
		transitionLock:   syncutil.NewMutex(),
		connectionPermit: syncutil.NewSemaphore(1),
		stateLock:        syncutil.NewMutex(),
		lastVerdicts:     make(map[string]model.HealthVerdict),
	}
	for _, opt := range opts {
		opt(sv)
	}
	return sv
}

// Start connects to the best available tunnel and arms the periodic
// health-check loop in a background goroutine. It is idempotent: a second
// Start while running is a no-op returning nil. The ConnectToBest failure,
// if any, is returned, but the health loop is armed either way so a later
// Connect still gets probed.
func (sv *Supervisor) Start(ctx context.Context) error {
	already := false
	_ = sv.stateLock.RunWithLock(func() error {
		if sv.running {
			already = true
			return nil
		}
		sv.running = true
		return nil
	})
	if already {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel
	sv.done = make(chan struct{})

	sv.sink.Handle(model.Event{Kind: model.EventStarted})
	err := sv.ConnectToBest(ctx)

	go func() {
		defer close(sv.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sv.clock.After(sv.cfg.HealthCheckInterval):
				sv.checkHealth(ctx)
			}
		}
	}()

	if errors.Is(err, model.ErrNoTunnelOnline) {
		sv.log.Warn("supervisor: no tunnel reachable at start")
	}
	return err
}

// Stop disarms the health-check loop, disconnects the active tunnel if
// any, resets the reconnect counter, and emits stopped. Stopping a stopped
// Supervisor is a no-op.
func (sv *Supervisor) Stop() error {
	wasRunning := false
	_ = sv.stateLock.RunWithLock(func() error {
		wasRunning = sv.running
		sv.running = false
		return nil
	})
	if !wasRunning {
		return nil
	}

	if sv.cancel != nil {
		sv.cancel()
		<-sv.done
	}
	err := sv.Disconnect()
	sv.resetReconnectAttempts()
	sv.sink.Handle(model.Event{Kind: model.EventStopped})
	return err
}

// Connect attaches name via the driver and marks it active in the
// registry. Serialized by transitionLock; the driver call itself is
// additionally serialized by connectionPermit.
func (sv *Supervisor) Connect(ctx context.Context, name string) error {
	return sv.transitionLock.RunWithLock(func() error {
		return sv.connectLocked(ctx, name)
	})
}

func (sv *Supervisor) connectLocked(ctx context.Context, name string) error {
	if err := sv.attachLocked(ctx, name); err != nil {
		return err
	}
	sv.resetReconnectAttempts()
	return nil
}

// attachLocked is the connect leg without the counter reset: the recovery
// sub-protocol reconnects through it so a tunnel that re-attaches fine but
// stays unhealthy still accumulates attempts toward the failover cap.
func (sv *Supervisor) attachLocked(ctx context.Context, name string) error {
	t, ok := sv.registry.Get(name)
	if !ok {
		return model.ErrUnknownTunnel
	}

	var attachErr error
	_ = sv.connectionPermit.RunWithPermit(func() error {
		attachErr = sv.driver.Attach(ctx, t)
		return nil
	})
	if attachErr != nil {
		sv.log.With(map[string]any{"tunnel": name}).Error("supervisor: attach failed", attachErr)
		return attachErr
	}

	if err := sv.registry.SetActive(name); err != nil {
		return err
	}
	sv.sink.Handle(model.Event{Kind: model.EventConnected, Tunnel: &t})
	return nil
}

// Disconnect detaches the currently active tunnel, if any. The registry's
// active flag is always cleared, even if the driver's Detach call
// fails.
func (sv *Supervisor) Disconnect() error {
	return sv.transitionLock.RunWithLock(sv.disconnectLocked)
}

func (sv *Supervisor) disconnectLocked() error {
	t, ok := sv.registry.Current()
	if !ok {
		return nil
	}

	var detachErr error
	_ = sv.connectionPermit.RunWithPermit(func() error {
		detachErr = sv.driver.Detach(context.Background(), t)
		return nil
	})
	sv.registry.ClearActive()
	sv.sink.Handle(model.Event{Kind: model.EventDisconnected, Tunnel: &t, Err: detachErr})
	if detachErr != nil {
		sv.log.With(map[string]any{"tunnel": t.Name}).Error("supervisor: detach failed", detachErr)
	}
	return detachErr
}

// SwitchTo moves the active tunnel to name under a single hold of the
// transition lock: disconnect, then connect, then the switched event only
// if both legs succeed. A failed disconnect aborts without attempting the
// connect; a failed connect after a successful disconnect leaves the
// system disconnected.
func (sv *Supervisor) SwitchTo(ctx context.Context, name string) error {
	return sv.switchTo(ctx, name, model.ReasonUserRequest)
}

func (sv *Supervisor) switchTo(ctx context.Context, name string, reason model.SwitchReason) error {
	return sv.transitionLock.RunWithLock(func() error {
		return sv.switchToLocked(ctx, name, reason)
	})
}

func (sv *Supervisor) switchToLocked(ctx context.Context, name string, reason model.SwitchReason) error {
	if err := sv.disconnectLocked(); err != nil {
		return err
	}
	if err := sv.connectLocked(ctx, name); err != nil {
		return err
	}
	t, _ := sv.registry.Get(name)
	sv.sink.Handle(model.Event{Kind: model.EventSwitched, Tunnel: &t, Reason: string(reason)})
	return nil
}

// ConnectToBest attempts to connect to each registered tunnel in ascending
// priority order, returning once one succeeds, or model.ErrNoTunnelOnline
// if none do.
func (sv *Supervisor) ConnectToBest(ctx context.Context) error {
	snapshot := sv.registry.SnapshotByPriority()
	if len(snapshot) == 0 {
		return model.ErrEmptyRegistry
	}
	for _, t := range snapshot {
		if err := sv.Connect(ctx, t.Name); err == nil {
			return nil
		}
	}
	return model.ErrNoTunnelOnline
}

// RequestSwitch asks to move to target. If a Scheduler is wired, the
// decision (and, for a delayed/postponed one, the eventual dispatch) goes
// through it; this Supervisor's Handle method performs the actual switch
// once dispatched. Without a Scheduler, or if the Scheduler itself is
// disabled, the switch executes immediately.
func (sv *Supervisor) RequestSwitch(ctx context.Context, target model.TunnelDescriptor, reason model.SwitchReason, priority model.Priority, criticality int) error {
	if sv.sched == nil {
		return sv.switchTo(ctx, target.Name, reason)
	}

	_, err := sv.sched.RequestSwitch(target, reason, priority, criticality)
	if errors.Is(err, model.ErrSchedulerDisabled) {
		return sv.switchTo(ctx, target.Name, reason)
	}
	return err
}

// CancelSwitch cancels a pending delayed switch, reporting whether one was
// removed. Always false without a Scheduler.
func (sv *Supervisor) CancelSwitch(id string) bool {
	if sv.sched == nil {
		return false
	}
	return sv.sched.CancelSwitch(id)
}

// RegisterOperation forwards to the Scheduler's active-operation
// bookkeeping, returning the
// operation id, or "" when no Scheduler is wired.
func (sv *Supervisor) RegisterOperation(op model.ActiveOperation) string {
	if sv.sched == nil {
		return ""
	}
	return sv.sched.RegisterOperation(op)
}

// CompleteOperation forwards to the Scheduler; a no-op without one.
func (sv *Supervisor) CompleteOperation(id string) {
	if sv.sched != nil {
		sv.sched.CompleteOperation(id)
	}
}

// InterruptOperation forwards to the Scheduler; a no-op without one.
func (sv *Supervisor) InterruptOperation(id string) {
	if sv.sched != nil {
		sv.sched.InterruptOperation(id)
	}
}

// Handle implements model.EventSink: it is how the Supervisor learns that
// the Scheduler has dispatched a previously-delayed switch, and carries it
// out. A dispatch that fails is reported back to the Scheduler, which
// emits switchFailed; failed switches are not re-queued.
func (sv *Supervisor) Handle(e model.Event) {
	if e.Kind != model.EventSwitchDispatched || e.Switch == nil {
		return
	}
	if err := sv.switchTo(context.Background(), e.Switch.Target.Name, e.Switch.Reason); err != nil {
		if sv.sched != nil {
			sv.sched.ReportDispatchFailure(*e.Switch, err)
		} else {
			sv.sink.Handle(model.Event{Kind: model.EventSwitchFailed, Tunnel: &e.Switch.Target, Switch: e.Switch, SwitchID: e.Switch.ID, Err: err})
		}
	}
}

// checkHealth probes the active tunnel and, on an unhealthy verdict, runs
// one disconnect → sleep(backoff) → connect recovery cycle under the
// transition lock. Once config.Config.MaxReconnectAttempts cycles have
// failed to shake the verdict, it delegates to a switch away from the
// tunnel entirely.
func (sv *Supervisor) checkHealth(ctx context.Context) {
	t, ok := sv.registry.Current()
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, sv.cfg.HealthCheckTimeout)
	verdict := sv.prober.Verdict(probeCtx, t)
	cancel()

	_ = sv.stateLock.RunWithLock(func() error {
		sv.lastVerdicts[t.Name] = verdict
		return nil
	})
	if verdict.Healthy {
		sv.resetReconnectAttempts()
		return
	}

	attempts := sv.incrementReconnectAttempts()
	sv.metrics.CountReconnect()
	sv.log.With(map[string]any{"tunnel": t.Name, "attempt": attempts, "reason": verdict.Reason}).Warn("supervisor: health check failed")

	if attempts <= sv.cfg.MaxReconnectAttempts {
		sv.recoverTunnel(ctx, t.Name, attempts)
	}
	if attempts >= sv.cfg.MaxReconnectAttempts {
		sv.resetReconnectAttempts()
		sv.delegateFailover(ctx, t.Name)
	}
}

// recoverTunnel runs one disconnect → sleep(backoff) → connect cycle for
// name under the transition lock, re-checking that name is still the
// active tunnel and that the Supervisor is still running once the lock is
// held — a concurrent switch or Stop makes recovery moot.
func (sv *Supervisor) recoverTunnel(ctx context.Context, name string, attempt int) {
	_ = sv.transitionLock.RunWithLock(func() error {
		cur, ok := sv.registry.Current()
		if !ok || cur.Name != name || !sv.isRunning() {
			return nil
		}

		_ = sv.disconnectLocked()
		select {
		case <-ctx.Done():
			return nil
		case <-sv.clock.After(reconnectBackoff(attempt)):
		}
		if err := sv.attachLocked(ctx, name); err != nil {
			sv.log.With(map[string]any{"tunnel": name, "attempt": attempt}).Error("supervisor: reconnect failed", err)
		}
		return nil
	})
}

// delegateFailover asks for a switch to the best tunnel other than the one
// that just exhausted its recovery budget. Without an enabled Scheduler it
// falls straight back to ConnectToBest.
func (sv *Supervisor) delegateFailover(ctx context.Context, unhealthy string) {
	if sv.sched == nil || !sv.cfg.DelayedSwitch.Enabled {
		_ = sv.ConnectToBest(ctx)
		return
	}

	for _, candidate := range sv.registry.SnapshotByPriority() {
		if candidate.Name == unhealthy {
			continue
		}
		err := sv.RequestSwitch(ctx, candidate, model.ReasonHealthFailed, model.PriorityHigh, 80)
		if err == nil {
			return
		}
		sv.log.With(map[string]any{"tunnel": candidate.Name}).Error("supervisor: failover request rejected", err)
	}
}

func reconnectBackoff(attempt int) time.Duration {
	d := reconnectBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= reconnectBackoffMax {
			return reconnectBackoffMax
		}
	}
	return d
}

func (sv *Supervisor) isRunning() bool {
	var running bool
	_ = sv.stateLock.RunWithLock(func() error {
		running = sv.running
		return nil
	})
	return running
}

func (sv *Supervisor) resetReconnectAttempts() {
	_ = sv.stateLock.RunWithLock(func() error { sv.reconnectAttempts = 0; return nil })
}

func (sv *Supervisor) incrementReconnectAttempts() int {
	var n int
	_ = sv.stateLock.RunWithLock(func() error {
		sv.reconnectAttempts++
		n = sv.reconnectAttempts
		return nil
	})
	return n
}

// GetStatus returns a snapshot of the Supervisor's observable state.
func (sv *Supervisor) GetStatus() StatusSnapshot {
	var current *model.TunnelDescriptor
	if t, ok := sv.registry.Current(); ok {
		current = &t
	}

	snapshot := StatusSnapshot{
		Current: current,
		Tunnels: sv.registry.Snapshot(),
	}
	_ = sv.stateLock.RunWithLock(func() error {
		snapshot.Running = sv.running
		snapshot.ReconnectAttempts = sv.reconnectAttempts
		snapshot.LastVerdicts = make(map[string]model.HealthVerdict, len(sv.lastVerdicts))
		for k, v := range sv.lastVerdicts {
			snapshot.LastVerdicts[k] = v
		}
		return nil
	})
	if sv.sched != nil {
		snapshot.PendingSwitches = sv.sched.PendingCount()
	}
	return snapshot
}

var _ model.EventSink = (*Supervisor)(nil)
