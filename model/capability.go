package model

import (
	"context"
	"time"
)

// TunnelDriver performs the actual tunnel control-plane invocation. It is
// an external collaborator: the core never spawns or
// terminates tunnel processes itself. Calls are serialized by the core,
// but implementations must be safe to call from any goroutine.
type TunnelDriver interface {
	Attach(ctx context.Context, t TunnelDescriptor) error
	Detach(ctx context.Context, t TunnelDescriptor) error
}

// HealthVerdict is the Prober's per-tunnel result.
type HealthVerdict struct {
	Healthy bool
	Reason  string
}

// Prober reports a boolean health verdict per tunnel, invoked periodically
// at config.Config.HealthCheckInterval.
type Prober interface {
	Verdict(ctx context.Context, t TunnelDescriptor) HealthVerdict
}

// Clock abstracts time so the Scheduler's tick, operation timers, and
// exponential backoff are testable and independent of wall-clock skew.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// EventKind enumerates the lifecycle events an EventSink observes.
type EventKind string

const (
	EventStarted              EventKind = "started"
	EventStopped              EventKind = "stopped"
	EventConnected            EventKind = "connected"
	EventDisconnected         EventKind = "disconnected"
	EventSwitched             EventKind = "switched"
	EventSwitchScheduled      EventKind = "delayedSwitchScheduled"
	EventSwitchCancelled      EventKind = "delayedSwitchCancelled"
	EventSwitchDispatched     EventKind = "delayedSwitchDispatched"
	EventSwitchFailed         EventKind = "switchFailed"
	EventOperationStarted     EventKind = "operationStarted"
	EventOperationCompleted   EventKind = "operationCompleted"
	EventOperationInterrupted EventKind = "operationInterrupted"
)

// Event is a single lifecycle notification delivered to EventSink
// subscribers. Only the fields relevant to Kind are populated.
type Event struct {
	Kind     EventKind
	Tunnel   *TunnelDescriptor
	Switch   *SwitchRequest
	SwitchID string
	Reason   string
	Err      error
	Op       *ActiveOperation
}

// EventSink is subscribed by consumers to observe lifecycle events
// Delivery is at-least-once and ordered with respect to each publisher.
type EventSink interface {
	Handle(Event)
}

// EventSinkFunc adapts a function to an EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Handle(e Event) { f(e) }
