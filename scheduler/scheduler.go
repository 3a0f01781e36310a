// Package scheduler implements the Deferred Switch Scheduler: it turns a
// raw switch request into a SwitchDecision, tracks operations in flight
// that might be disrupted by a switch, and dispatches admitted switches
// once their scheduled time arrives. The Scheduler never talks to a
// TunnelDriver itself; it only decides and emits events, leaving the
// Supervisor to act on them.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	catrate "github.com/joeycumines/go-catrate"
	"golang.org/x/exp/slices"

	"github.com/projectint/paliproxy-core/config"
	"github.com/projectint/paliproxy-core/internal/corelog"
	"github.com/projectint/paliproxy-core/internal/syncutil"
	"github.com/projectint/paliproxy-core/model"
)

const (
	tickInterval = time.Second
	readyMargin  = 100 * time.Millisecond
)

// rateLimitWindows bounds RequestSwitch admission per SwitchReason
// category, guarding against switch-request storms from a flapping health
// probe: a burst cap layered with a sustained cap.
var rateLimitWindows = map[time.Duration]int{
	10 * time.Second: 5,
	time.Minute:      20,
}

// pending is a scheduled-but-not-yet-dispatched switch.
type pending struct {
	req      model.SwitchRequest
	decision model.SwitchDecision
	seq      uint64
}

// Scheduler is the coordination core's Deferred Switch Scheduler.
type Scheduler struct {
	// switchMu guards the pending-switch list; opsMu guards the
	// active-operation map. Neither is ever held while acquiring the
	// other.
	switchMu *syncutil.Mutex
	opsMu    *syncutil.Mutex

	cfg     config.DelayedSwitchConfig
	clock   model.Clock
	sink    model.EventSink
	limiter *catrate.Limiter
	idGen   func() string
	log     corelog.For

	pending []pending
	seq     uint64
	active  map[string]model.ActiveOperation
}

// Option configures optional Scheduler dependencies.
type Option func(*Scheduler)

// WithLogger wires a structured logger for callback-failure and dispatch
// diagnostics.
func WithLogger(l corelog.Logger) Option {
	return func(s *Scheduler) { s.log = corelog.Component(l, "scheduler") }
}

// WithIDGenerator overrides the switch/operation ID generator (e.g. a
// deterministic counter instead of github.com/google/uuid).
func WithIDGenerator(f func() string) Option {
	return func(s *Scheduler) { s.idGen = f }
}

// New constructs a Scheduler. cfg should already have defaults applied via
// config.WithDefaults.
func New(cfg config.DelayedSwitchConfig, clock model.Clock, sink model.EventSink, opts ...Option) *Scheduler {
	s := &Scheduler{
		switchMu: syncutil.NewMutex(),
		opsMu:    syncutil.NewMutex(),
		cfg:      cfg,
		clock:    clock,
		sink:     sink,
		limiter:  catrate.NewLimiter(rateLimitWindows),
		idGen:    func() string { return uuid.NewString() },
		log:      corelog.Component(corelog.NewNoop(), "scheduler"),
		active:   make(map[string]model.ActiveOperation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the 1s tick loop that dispatches pending switches once their
// scheduled time arrives (within readyMargin), and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(tickInterval):
			s.tick()
		}
	}
}

// tick removes every pending switch whose scheduled time falls within
// readyMargin of now and dispatches it. The pending list is kept sorted by
// (scheduledAt, insertion order), so dispatch order is deterministic.
func (s *Scheduler) tick() {
	now := s.clock.Now()
	var ready []pending
	_ = s.switchMu.RunWithLock(func() error {
		var kept []pending
		for _, p := range s.pending {
			if !p.req.ScheduledAt.After(now.Add(readyMargin)) {
				ready = append(ready, p)
			} else {
				kept = append(kept, p)
			}
		}
		s.pending = kept
		return nil
	})
	for _, p := range ready {
		s.dispatch(p.req, p.decision)
	}
}

// RequestSwitch decides what to do with a proposed switch to target and,
// depending on the decision, dispatches it immediately or schedules it for
// later. Admission is first gated by a per-reason rate limiter;
// a rejected request surfaces as action=cancelled, reason="rate_limited".
func (s *Scheduler) RequestSwitch(target model.TunnelDescriptor, reason model.SwitchReason, priority model.Priority, criticality int) (model.SwitchDecision, error) {
	if !s.cfg.Enabled {
		return model.SwitchDecision{}, model.ErrSchedulerDisabled
	}

	if _, ok := s.limiter.Allow(reason); !ok {
		d := model.SwitchDecision{Action: model.ActionCancelled, Reason: "rate_limited"}
		s.log.With(map[string]any{"tunnel": target.Name, "reason": reason}).Warn("scheduler: switch request rate limited")
		s.sink.Handle(model.Event{Kind: model.EventSwitchCancelled, Tunnel: &target, Reason: d.Reason})
		return d, model.ErrSwitchCancelled
	}

	now := s.clock.Now()
	criticality = model.ClampCriticality(criticality)

	d := decide(now, s.cfg, reason, priority, criticality, s.snapshotOps())

	req := model.SwitchRequest{
		ID:          s.idGen(),
		Target:      target,
		Reason:      reason,
		Priority:    priority,
		Criticality: criticality,
		RequestedAt: now,
		Cancellable: d.Action != model.ActionImmediate,
	}

	switch d.Action {
	case model.ActionImmediate:
		// An immediate decision displaces whatever interruptible work it
		// reported as affected before the switch goes out.
		for _, opID := range d.Affected {
			s.InterruptOperation(opID)
		}
		req.ScheduledAt = now
		s.dispatch(req, d)
	case model.ActionCancelled:
		s.sink.Handle(model.Event{Kind: model.EventSwitchCancelled, Tunnel: &target, SwitchID: req.ID, Reason: d.Reason})
		return d, model.ErrSwitchCancelled
	default: // delayed, postponed
		scheduled := now.Add(d.Delay)
		req.ScheduledAt = scheduled
		d.Scheduled = &scheduled
		s.enqueue(req, d)
		s.sink.Handle(model.Event{Kind: model.EventSwitchScheduled, Tunnel: &target, Switch: &req, SwitchID: req.ID, Reason: d.Reason})
	}

	return d, nil
}

func (s *Scheduler) enqueue(req model.SwitchRequest, d model.SwitchDecision) {
	_ = s.switchMu.RunWithLock(func() error {
		s.seq++
		s.pending = append(s.pending, pending{req: req, decision: d, seq: s.seq})
		s.sortPendingLocked()
		return nil
	})
}

// sortPendingLocked keeps the pending list in dispatch order: scheduledAt
// ascending, ties broken by insertion order. Must be called with switchMu
// held.
func (s *Scheduler) sortPendingLocked() {
	slices.SortFunc(s.pending, func(a, b pending) int {
		if a.req.ScheduledAt.Before(b.req.ScheduledAt) {
			return -1
		}
		if a.req.ScheduledAt.After(b.req.ScheduledAt) {
			return 1
		}
		return int(a.seq) - int(b.seq)
	})
}

func (s *Scheduler) dispatch(req model.SwitchRequest, d model.SwitchDecision) {
	s.sink.Handle(model.Event{Kind: model.EventSwitchDispatched, Tunnel: &req.Target, Switch: &req, SwitchID: req.ID, Reason: d.Reason})
}

// ReportDispatchFailure records that a dispatched switch ultimately
// failed in the Supervisor: the Scheduler emits switchFailed and does not
// re-queue; the caller may resubmit.
func (s *Scheduler) ReportDispatchFailure(req model.SwitchRequest, err error) {
	s.log.With(map[string]any{"switch_id": req.ID, "tunnel": req.Target.Name}).Error("scheduler: dispatched switch failed", err)
	s.sink.Handle(model.Event{Kind: model.EventSwitchFailed, Tunnel: &req.Target, Switch: &req, SwitchID: req.ID, Err: err})
}

// CancelSwitch removes a still-pending, cancellable switch request,
// reporting whether it did: false for an id that is unknown,
// already dispatched, or was admitted as non-cancellable.
func (s *Scheduler) CancelSwitch(id string) bool {
	var found *model.SwitchRequest
	_ = s.switchMu.RunWithLock(func() error {
		for i, p := range s.pending {
			if p.req.ID == id {
				if !p.req.Cancellable {
					return nil
				}
				req := p.req
				found = &req
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				return nil
			}
		}
		return nil
	})
	if found == nil {
		return false
	}
	s.sink.Handle(model.Event{Kind: model.EventSwitchCancelled, Tunnel: &found.Target, SwitchID: found.ID, Reason: "user_requested"})
	return true
}

// PendingCount reports the number of scheduled-but-not-yet-dispatched
// switch requests.
func (s *Scheduler) PendingCount() int {
	var n int
	_ = s.switchMu.RunWithLock(func() error {
		n = len(s.pending)
		return nil
	})
	return n
}

// RegisterOperation records an in-flight operation the Scheduler must weigh
// against future and pending switch decisions, allocating an id
// if the caller didn't supply one, and returns that id. Criticality is
// clamped to [0,100]. An operation with a known EstimatedDuration is
// auto-completed once it elapses, exactly like the caller calling
// CompleteOperation themselves; one with EstimatedDuration 0 is treated as
// instant and completes on the next timer cycle.
func (s *Scheduler) RegisterOperation(op model.ActiveOperation) string {
	if op.ID == "" {
		op.ID = s.idGen()
	}
	op.Criticality = model.ClampCriticality(op.Criticality)
	if op.StartedAt.IsZero() {
		op.StartedAt = s.clock.Now()
	}
	_ = s.opsMu.RunWithLock(func() error {
		s.active[op.ID] = op
		return nil
	})
	s.sink.Handle(model.Event{Kind: model.EventOperationStarted, Op: &op})

	id := op.ID
	duration := op.EstimatedDuration
	go func() {
		<-s.clock.After(duration)
		s.CompleteOperation(id)
	}()
	return id
}

// CompleteOperation marks op complete, invokes its OnComplete callback if
// set, and re-evaluates every pending switch: its removal from the active
// set may relax the constraints that delayed or postponed them. Idempotent
// on unknown ids.
func (s *Scheduler) CompleteOperation(id string) {
	op, removed := s.remove(id)
	if !removed {
		return
	}
	s.invokeCallback(op.ID, "on_complete", op.OnComplete)
	s.sink.Handle(model.Event{Kind: model.EventOperationCompleted, Op: &op})
	s.reevaluate()
}

// InterruptOperation forcibly ends op, invoking OnInterrupt instead of
// OnComplete, then re-evaluates pending switches exactly as
// CompleteOperation does. An operation that isn't interruptible is left
// alone.
func (s *Scheduler) InterruptOperation(id string) {
	var op model.ActiveOperation
	var removed bool
	_ = s.opsMu.RunWithLock(func() error {
		op, removed = s.active[id]
		if removed && !op.Interruptible {
			removed = false
			return nil
		}
		if removed {
			delete(s.active, id)
		}
		return nil
	})
	if !removed {
		return
	}
	s.invokeCallback(op.ID, "on_interrupt", op.OnInterrupt)
	s.sink.Handle(model.Event{Kind: model.EventOperationInterrupted, Op: &op})
	s.reevaluate()
}

// invokeCallback runs a registrant-supplied lifecycle callback, catching
// panics so user code can't abort a tick.
func (s *Scheduler) invokeCallback(opID, name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.With(map[string]any{"op_id": opID, "callback": name, "panic": r}).Error("scheduler: operation callback panicked", nil)
		}
	}()
	fn()
}

func (s *Scheduler) remove(id string) (model.ActiveOperation, bool) {
	var op model.ActiveOperation
	var ok bool
	_ = s.opsMu.RunWithLock(func() error {
		op, ok = s.active[id]
		if ok {
			delete(s.active, id)
		}
		return nil
	})
	return op, ok
}

// reevaluate recomputes the decision for every pending switch against the
// current active-operation set. A switch whose new decision is immediate
// has its scheduledAt pulled to now, so the next tick dispatches it; any
// other outcome leaves the entry untouched — scheduledAt only ever moves
// earlier, never later.
func (s *Scheduler) reevaluate() {
	now := s.clock.Now()
	ops := s.snapshotOps()

	_ = s.switchMu.RunWithLock(func() error {
		changed := false
		for i := range s.pending {
			p := &s.pending[i]
			d := decide(now, s.cfg, p.req.Reason, p.req.Priority, p.req.Criticality, ops)
			if d.Action != model.ActionImmediate {
				continue
			}
			p.req.ScheduledAt = now
			p.decision = d
			changed = true
		}
		if changed {
			s.sortPendingLocked()
		}
		return nil
	})
}

func (s *Scheduler) snapshotOps() []model.ActiveOperation {
	var out []model.ActiveOperation
	_ = s.opsMu.RunWithLock(func() error {
		out = make([]model.ActiveOperation, 0, len(s.active))
		for _, o := range s.active {
			out = append(out, o)
		}
		return nil
	})
	return out
}

// ActiveOperations returns a snapshot of the operations currently in
// flight.
func (s *Scheduler) ActiveOperations() []model.ActiveOperation {
	return s.snapshotOps()
}
