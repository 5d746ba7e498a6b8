// Package strictness judges a single stop's time-window compliance under a
// HARD or SOFT policy.
package strictness

import (
	"math"
	"time"

	"fleetops/internal/model"
)

const (
	ReasonHardViolation = "HARD_CONSTRAINT_VIOLATION"
	ReasonSoftViolation = "SOFT_CONSTRAINT_VIOLATION"
)

// Input is expressed in minutes on a common reference. When ToleranceMinutes is
// set the window is exact: WindowStart is the target and WindowEnd is ignored.
type Input struct {
	Mode             model.Strictness
	ArrivalMinutes   int
	WindowStart      int
	WindowEnd        int
	ToleranceMinutes *int
	PenaltyFactor    float64
}

type Result struct {
	Valid     bool    `json:"valid"`
	CanAssign bool    `json:"canAssign"`
	Penalty   float64 `json:"penalty,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Violated reports whether arrival falls outside the window.
func (in Input) Violated() bool {
	lo, hi := in.WindowStart, in.WindowEnd
	if in.ToleranceMinutes != nil {
		tol := *in.ToleranceMinutes
		if tol < 0 {
			tol = 0
		}
		lo, hi = in.WindowStart-tol, in.WindowStart+tol
	}
	return in.ArrivalMinutes < lo || in.ArrivalMinutes > hi
}

// Validate evaluates one arrival. Any mode other than SOFT is treated as HARD.
// SOFT penalties only count delay past the window start; early arrival is free.
func Validate(in Input) Result {
	if !in.Violated() {
		return Result{Valid: true, CanAssign: true}
	}
	if in.Mode != model.StrictnessSoft {
		return Result{Valid: false, CanAssign: false, Reason: ReasonHardViolation}
	}
	delay := math.Max(0, float64(in.ArrivalMinutes-in.WindowStart))
	factor := math.Max(0, in.PenaltyFactor)
	return Result{Valid: false, CanAssign: true, Penalty: delay * factor, Reason: ReasonSoftViolation}
}

// Effective returns the order override when present, else the policy default.
func Effective(override *model.Strictness, policyDefault model.Strictness) model.Strictness {
	if override != nil {
		return *override
	}
	return policyDefault
}

// IsOverridden reports whether an override is present and differs from the policy.
func IsOverridden(override *model.Strictness, policyDefault model.Strictness) bool {
	return override != nil && *override != policyDefault
}

// Window is a snapshot of a stop's time window in absolute time.
type Window struct {
	Kind             model.TimeWindowKind
	Start            *time.Time
	End              *time.Time
	ToleranceMinutes *int
	Strictness       model.Strictness
}

// Check evaluates arrival against w, using w.Start as the minute reference.
// ok is false when there is nothing to judge (no window or no arrival).
func Check(w Window, arrival *time.Time, penaltyFactor float64) (res Result, ok bool) {
	if arrival == nil || w.Start == nil {
		return Result{}, false
	}
	in := Input{
		Mode:           w.Strictness,
		ArrivalMinutes: minutesBetween(*w.Start, *arrival),
		PenaltyFactor:  penaltyFactor,
	}
	switch {
	case w.Kind == model.WindowExact:
		tol := 0
		if w.ToleranceMinutes != nil {
			tol = *w.ToleranceMinutes
		}
		in.ToleranceMinutes = &tol
	case w.End != nil:
		in.WindowEnd = minutesBetween(*w.Start, *w.End)
	default:
		return Result{}, false
	}
	return Validate(in), true
}

func minutesBetween(ref, t time.Time) int {
	return int(math.Floor(t.Sub(ref).Minutes()))
}
