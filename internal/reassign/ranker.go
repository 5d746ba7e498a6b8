package reassign

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"fleetops/internal/model"
	"fleetops/internal/obs"
	"fleetops/internal/store"
)

type Strategy string

const (
	StrategySameFleet Strategy = "SAME_FLEET"
	StrategyAnyFleet  Strategy = "ANY_FLEET"
)

func (s Strategy) Valid() bool { return s == StrategySameFleet || s == StrategyAnyFleet }

type Option struct {
	Rank   int         `json:"rank"`
	Driver DriverBrief `json:"driver"`
	Impact Impact      `json:"impact"`
}

type DriverBrief struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	FleetID string             `json:"fleetId,omitempty"`
	Status  model.DriverStatus `json:"status"`
}

// RankOptions lists AVAILABLE replacement candidates for absentDriverID, best
// first: feasible ones, then fewer compromised windows, then better skill match.
// A non-positive limit falls back to the configured option limit.
func (c *Calculator) RankOptions(ctx context.Context, tenantID, absentDriverID string, strategy Strategy, jobID string, limit int) (out []Option, err error) {
	defer obs.Time(ctx, "reassign.rank", tenantID)(&err)
	if strategy == "" {
		strategy = StrategySameFleet
	}
	if !strategy.Valid() {
		return nil, model.Invalid(fmt.Sprintf("unknown strategy %q", strategy))
	}
	if limit <= 0 {
		limit = c.opts.OptionLimit
	}
	absent, err := c.store.GetDriver(ctx, tenantID, absentDriverID)
	if err != nil {
		return nil, fmt.Errorf("reassign: absent driver %s: %w", absentDriverID, err)
	}
	candidates, err := c.store.ListDrivers(ctx, tenantID, store.DriverFilter{Status: model.DriverAvailable})
	if err != nil {
		return nil, fmt.Errorf("reassign: list candidates: %w", err)
	}
	sc, err := c.loadScope(ctx, tenantID, absentDriverID, jobID)
	if err != nil {
		return nil, err
	}

	out = []Option{}
	for _, d := range candidates {
		if d.ID == absent.ID || d.Status != model.DriverAvailable {
			continue
		}
		if strategy == StrategySameFleet && d.FleetID != absent.FleetID {
			continue
		}
		im := c.newImpact(sc, absentDriverID, d.ID, jobID)
		if len(sc.stops) == 0 {
			im.warnf("driver %s has no stops to reassign", absentDriverID)
			im.IsValid = true
		} else {
			c.evaluate(sc, d, &im)
		}
		out = append(out, Option{Driver: DriverBrief{ID: d.ID, Name: d.Name, FleetID: d.FleetID, Status: d.Status}, Impact: im})
	}

	slices.SortStableFunc(out, compareOptions)
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out, nil
}

func compareOptions(a, b Option) int {
	if a.Impact.IsValid != b.Impact.IsValid {
		if a.Impact.IsValid {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.Impact.CompromisedWindows, b.Impact.CompromisedWindows); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Impact.SkillsMatch, a.Impact.SkillsMatch); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Impact.CapacityUtilization, b.Impact.CapacityUtilization); c != 0 {
		return c
	}
	return cmp.Compare(a.Driver.ID, b.Driver.ID)
}
