package scheduler

import (
	"time"

	"github.com/projectint/paliproxy-core/config"
	"github.com/projectint/paliproxy-core/model"
)

// decide maps a switch request onto the ten-rule decision table, rules
// evaluated top to bottom. It is a pure function of its inputs: no locks,
// no clock mutation, no side effects, so each rule can be unit tested
// directly without standing up a Scheduler.
func decide(
	now time.Time,
	thresholds config.DelayedSwitchConfig,
	reason model.SwitchReason,
	priority model.Priority,
	criticality int,
	ops []model.ActiveOperation,
) model.SwitchDecision {
	// A request's urgency is whichever is higher: its priority class on the
	// fixed numeric scale, or its caller-supplied criticality.
	p := model.PriorityLevel(priority)
	if c := model.ClampCriticality(criticality); c > p {
		p = c
	}

	var critical, high []model.ActiveOperation
	for _, o := range ops {
		if o.Criticality >= thresholds.Normal {
			critical = append(critical, o)
		}
		if o.Criticality >= thresholds.Immediate {
			high = append(high, o)
		}
	}

	clamp := func(d time.Duration) time.Duration {
		if d < 0 {
			return 0
		}
		if d > thresholds.MaxDelay {
			return thresholds.MaxDelay
		}
		return d
	}

	// Rule 1. The highest-criticality operations in flight are reported as
	// affected so the caller can interrupt what it may.
	if reason == model.ReasonEmergency || priority == model.PriorityEmergency || p >= thresholds.Immediate {
		return model.SwitchDecision{Action: model.ActionImmediate, Delay: 0, Reason: "emergency", Affected: ids(high)}
	}

	if len(high) > 0 {
		// Rule 2.
		if allInterruptible(high) && p >= thresholds.Fast {
			return model.SwitchDecision{Action: model.ActionImmediate, Delay: 0, Reason: "high_criticality_interruptible", Affected: ids(high)}
		}

		optimal := optimalTime(now, thresholds, high)
		delay := optimal.Sub(now)

		// Rule 3. optimalTime is the uncapped target completion time (plus
		// grace); only here do we compare it against the budget.
		if delay > thresholds.MaxDelay {
			return model.SwitchDecision{Action: model.ActionPostponed, Delay: thresholds.MaxDelay, Reason: "high_criticality_exceeds_max_delay"}
		}

		// Rule 4.
		return model.SwitchDecision{Action: model.ActionDelayed, Delay: clamp(delay), Reason: "high_criticality_pending"}
	}

	if len(critical) > 0 {
		avg := avgRemaining(now, critical)
		all := allInterruptible(critical)
		// "Mixed" is strictly some-but-not-all interruptible; a set with no
		// interruptible members falls through to rules 7-9 instead.
		mixed := !all && anyInterruptible(critical)

		switch {
		case all && p >= thresholds.Normal:
			// Rule 5.
			return model.SwitchDecision{Action: model.ActionDelayed, Delay: clamp(500 * time.Millisecond), Reason: "critical_interruptible"}
		case mixed && p >= thresholds.Normal:
			// Rule 6.
			return model.SwitchDecision{Action: model.ActionDelayed, Delay: clamp(minDuration(2000*time.Millisecond, avg/2)), Reason: "critical_mixed_interruptibility"}
		case p >= thresholds.Fast:
			// Rule 7.
			return model.SwitchDecision{Action: model.ActionDelayed, Delay: clamp(minDuration(5000*time.Millisecond, avg)), Reason: "critical_fast_priority"}
		case p >= thresholds.Normal:
			// Rule 8.
			return model.SwitchDecision{Action: model.ActionDelayed, Delay: clamp(minDuration(15000*time.Millisecond, 2*avg)), Reason: "critical_normal_priority"}
		default:
			// Rule 9.
			return model.SwitchDecision{Action: model.ActionDelayed, Delay: clamp(minDuration(30000*time.Millisecond, 3*avg)), Reason: "critical_low_priority"}
		}
	}

	// Rule 10.
	var baseline time.Duration
	switch priority {
	case model.PriorityHigh:
		baseline = 1000 * time.Millisecond
	case model.PriorityNormal:
		baseline = 2000 * time.Millisecond
	default:
		baseline = 5000 * time.Millisecond
	}
	return model.SwitchDecision{Action: model.ActionDelayed, Delay: clamp(baseline), Reason: "priority_baseline"}
}

// optimalTime is the target completion time for the highest-criticality
// operations in flight:
//
//	optimalTime = gracePeriod + max_{o in O_high'}(o.startedAt+o.estimatedDuration)
//
// where O_high' excludes operations whose deadline has already passed, or
// whose EstimatedDuration is 0 (unknown/instant). The result is
// deliberately uncapped by maxDelay: the caller compares it against the
// budget itself to choose between Rule 3 (postponed) and Rule 4 (delayed).
// When no operation in high qualifies, the completion time is unknown and
// the full budget (now+maxDelay) is used as the target.
func optimalTime(now time.Time, thresholds config.DelayedSwitchConfig, high []model.ActiveOperation) time.Time {
	var maxDeadline time.Time
	found := false
	for _, o := range high {
		if o.EstimatedDuration <= 0 {
			continue
		}
		deadline := o.StartedAt.Add(o.EstimatedDuration)
		if deadline.Before(now) {
			continue
		}
		if !found || deadline.After(maxDeadline) {
			maxDeadline = deadline
			found = true
		}
	}
	if !found {
		return now.Add(thresholds.MaxDelay)
	}
	return maxDeadline.Add(thresholds.GracePeriod)
}

// avgRemaining is the arithmetic mean of max(0, startedAt+estimatedDuration-now)
// across the given operations. Rules 5-9 apply it to the
// critical-criticality bucket that triggered them.
func avgRemaining(now time.Time, ops []model.ActiveOperation) time.Duration {
	if len(ops) == 0 {
		return 0
	}
	var total time.Duration
	for _, o := range ops {
		total += o.Remaining(now)
	}
	return total / time.Duration(len(ops))
}

func anyInterruptible(ops []model.ActiveOperation) bool {
	for _, o := range ops {
		if o.Interruptible {
			return true
		}
	}
	return false
}

func allInterruptible(ops []model.ActiveOperation) bool {
	for _, o := range ops {
		if !o.Interruptible {
			return false
		}
	}
	return true
}

func ids(ops []model.ActiveOperation) []string {
	if len(ops) == 0 {
		return nil
	}
	out := make([]string, len(ops))
	for i, o := range ops {
		out[i] = o.ID
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
