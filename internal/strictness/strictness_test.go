package strictness

import (
	"testing"
	"time"

	"fleetops/internal/model"
)

func intp(v int) *int { return &v }

func TestValidateWithinWindowAlwaysAssignable(t *testing.T) {
	for _, mode := range []model.Strictness{model.StrictnessHard, model.StrictnessSoft} {
		r := Validate(Input{Mode: mode, ArrivalMinutes: 30, WindowStart: 0, WindowEnd: 60, PenaltyFactor: 2})
		if !r.Valid || !r.CanAssign || r.Penalty != 0 || r.Reason != "" {
			t.Fatalf("%s inside window: %+v", mode, r)
		}
	}
}

func TestHardViolationNeverAssignable(t *testing.T) {
	inputs := []Input{
		{ArrivalMinutes: 61, WindowStart: 0, WindowEnd: 60},
		{ArrivalMinutes: -1, WindowStart: 0, WindowEnd: 60},
		{ArrivalMinutes: 500, WindowStart: 0, WindowEnd: 60, PenaltyFactor: 0},
		{ArrivalMinutes: 16, WindowStart: 0, ToleranceMinutes: intp(15)},
		{ArrivalMinutes: -16, WindowStart: 0, ToleranceMinutes: intp(15)},
		{ArrivalMinutes: 1, WindowStart: 0, ToleranceMinutes: intp(0)},
	}
	for _, in := range inputs {
		in.Mode = model.StrictnessHard
		r := Validate(in)
		if r.CanAssign || r.Valid {
			t.Fatalf("hard violation assignable: %+v -> %+v", in, r)
		}
		if r.Reason != ReasonHardViolation {
			t.Fatalf("reason = %q", r.Reason)
		}
	}
}

func TestExactWindowTolerance(t *testing.T) {
	in := Input{Mode: model.StrictnessHard, WindowStart: 100, ToleranceMinutes: intp(10)}
	for _, arrival := range []int{90, 100, 110} {
		in.ArrivalMinutes = arrival
		if r := Validate(in); !r.Valid {
			t.Fatalf("arrival %d should be within tolerance", arrival)
		}
	}
}

func TestSoftPenaltyMonotone(t *testing.T) {
	base := Input{Mode: model.StrictnessSoft, WindowStart: 0, WindowEnd: 30}
	prev := -1.0
	for delay := 31; delay <= 120; delay += 7 {
		for _, factor := range []float64{0, 0.5, 1, 3} {
			in := base
			in.ArrivalMinutes = delay
			in.PenaltyFactor = factor
			r := Validate(in)
			if !r.CanAssign {
				t.Fatalf("soft violation must stay assignable")
			}
			if r.Reason != ReasonSoftViolation {
				t.Fatalf("reason = %q", r.Reason)
			}
			if factor == 1 {
				if r.Penalty < prev {
					t.Fatalf("penalty decreased at delay %d: %v < %v", delay, r.Penalty, prev)
				}
				prev = r.Penalty
			}
		}
	}
	lo := Validate(Input{Mode: model.StrictnessSoft, ArrivalMinutes: 90, WindowEnd: 60, PenaltyFactor: 1})
	hi := Validate(Input{Mode: model.StrictnessSoft, ArrivalMinutes: 90, WindowEnd: 60, PenaltyFactor: 2})
	if hi.Penalty < lo.Penalty {
		t.Fatalf("penalty should grow with factor: %v vs %v", lo.Penalty, hi.Penalty)
	}
}

func TestSoftEarlyArrivalIsFree(t *testing.T) {
	r := Validate(Input{Mode: model.StrictnessSoft, ArrivalMinutes: -20, WindowStart: 0, WindowEnd: 60, PenaltyFactor: 5})
	if r.Valid || !r.CanAssign {
		t.Fatalf("early arrival should be a soft violation: %+v", r)
	}
	if r.Penalty != 0 {
		t.Fatalf("early arrival penalty = %v", r.Penalty)
	}
}

func TestSoftNegativeFactorClamped(t *testing.T) {
	r := Validate(Input{Mode: model.StrictnessSoft, ArrivalMinutes: 90, WindowEnd: 60, PenaltyFactor: -3})
	if r.Penalty != 0 {
		t.Fatalf("negative factor produced penalty %v", r.Penalty)
	}
}

func TestEffectiveStrictness(t *testing.T) {
	soft, hard := model.StrictnessSoft, model.StrictnessHard
	if got := Effective(nil, hard); got != hard {
		t.Fatalf("nil override: got %s", got)
	}
	if got := Effective(&soft, hard); got != soft {
		t.Fatalf("override: got %s", got)
	}
	if IsOverridden(nil, hard) {
		t.Fatalf("nil override is not an override")
	}
	if IsOverridden(&hard, hard) {
		t.Fatalf("same value is not an override")
	}
	if !IsOverridden(&soft, hard) {
		t.Fatalf("differing value is an override")
	}
}

func TestCheckAbsoluteWindow(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	w := Window{Kind: model.WindowRange, Start: &start, End: &end, Strictness: model.StrictnessSoft}

	late := end.Add(30 * time.Minute)
	r, ok := Check(w, &late, 1)
	if !ok || r.Valid || r.Penalty != 90 {
		t.Fatalf("late soft arrival: ok=%v %+v", ok, r)
	}

	if _, ok := Check(w, nil, 1); ok {
		t.Fatalf("missing arrival should not be judged")
	}

	w.Kind = model.WindowExact
	w.ToleranceMinutes = intp(5)
	w.Strictness = model.StrictnessHard
	near := start.Add(4 * time.Minute)
	if r, _ := Check(w, &near, 1); !r.Valid {
		t.Fatalf("arrival within exact tolerance flagged: %+v", r)
	}
	far := start.Add(6 * time.Minute)
	if r, _ := Check(w, &far, 1); r.CanAssign {
		t.Fatalf("arrival outside exact tolerance under HARD assignable: %+v", r)
	}
}
