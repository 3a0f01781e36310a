// Package model holds the coordination core's shared data model
// and the external collaborator interfaces it is built against.
// It has no dependency on any other package in this module, so registry,
// scheduler, buffer, supervisor, and facade can all import it without
// creating cycles.
package model

import "time"

// TunnelKind is opaque to the core and passed through to the TunnelDriver.
type TunnelKind string

const (
	KindOpen    TunnelKind = "open"
	KindKeyPair TunnelKind = "keypair"
	KindIKE     TunnelKind = "ike"
)

// Credentials is an opaque credential bundle passed to the driver.
type Credentials map[string]string

// TunnelDescriptor is a single entry in the TunnelRegistry.
// Mutated only under the registry's write lock.
type TunnelDescriptor struct {
	Name        string
	Priority    int // lower is preferred
	ConfigBlob  []byte
	Credentials Credentials
	Kind        TunnelKind
	Active      bool
}

// SwitchReason classifies why a SwitchRequest was raised.
type SwitchReason string

const (
	ReasonHealthFailed SwitchReason = "health-failed"
	ReasonUserRequest  SwitchReason = "user-request"
	ReasonLoadBalance  SwitchReason = "load-balance"
	ReasonMaintenance  SwitchReason = "maintenance"
	ReasonEmergency    SwitchReason = "emergency"
	ReasonOptimization SwitchReason = "optimization"
)

// Priority is the caller-supplied urgency of a SwitchRequest or
// BufferedRequest.
type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityCritical  Priority = "critical"
	PriorityEmergency Priority = "emergency"
)

// PriorityLevel maps a Priority to the fixed numeric scale used by the
// Scheduler's decision function.
func PriorityLevel(p Priority) int {
	switch p {
	case PriorityLow:
		return 10
	case PriorityNormal:
		return 30
	case PriorityHigh:
		return 60
	case PriorityCritical:
		return 80
	case PriorityEmergency:
		return 100
	default:
		return 0
	}
}

// ClampCriticality clamps a raw criticality value into [0, 100].
func ClampCriticality(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// SwitchAction is the Scheduler's decision verb.
type SwitchAction string

const (
	ActionImmediate SwitchAction = "immediate"
	ActionDelayed   SwitchAction = "delayed"
	ActionPostponed SwitchAction = "postponed"
	ActionCancelled SwitchAction = "cancelled"
)

// SwitchDecision is the Scheduler's pure output for a switch request.
type SwitchDecision struct {
	Action    SwitchAction
	Delay     time.Duration
	Reason    string
	Affected  []string
	Scheduled *time.Time
}

// SwitchRequest models a pending or dispatched switch.
type SwitchRequest struct {
	ID          string
	Target      TunnelDescriptor
	Reason      SwitchReason
	Priority    Priority
	Criticality int
	RequestedAt time.Time
	ScheduledAt time.Time
	Cancellable bool
}

// OperationKind is metadata describing an ActiveOperation, used only for
// policy; the core never interprets it beyond that.
type OperationKind string

const (
	OpHTTPRequest  OperationKind = "http-request"
	OpFileTransfer OperationKind = "file-transfer"
	OpStreaming    OperationKind = "streaming"
	OpAuth         OperationKind = "auth"
	OpHealthCheck  OperationKind = "health-check"
	OpConfigUpdate OperationKind = "config-update"
)

// ActiveOperation models ongoing work the Scheduler must weigh against a
// pending switch.
type ActiveOperation struct {
	ID                string
	Kind              OperationKind
	Criticality       int
	StartedAt         time.Time
	EstimatedDuration time.Duration // 0 means unknown/instant
	Interruptible     bool
	OnComplete        func()
	OnInterrupt       func()
}

// Remaining returns max(0, StartedAt+EstimatedDuration-now).
func (o ActiveOperation) Remaining(now time.Time) time.Duration {
	if o.EstimatedDuration <= 0 {
		return 0
	}
	deadline := o.StartedAt.Add(o.EstimatedDuration)
	if deadline.Before(now) {
		return 0
	}
	return deadline.Sub(now)
}

// BufferedRequest models a request held by the Request Buffer.
type BufferedRequest struct {
	ID         string
	Priority   Priority
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
}
