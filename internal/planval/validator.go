// Package planval judges a computed plan against the business rules and gates
// its confirmation.
package planval

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/obs"
	"fleetops/internal/store"
	"fleetops/internal/strictness"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Category string

const (
	CategoryEmptyPlan      Category = "EMPTY_PLAN"
	CategoryDriverCoverage Category = "DRIVER_COVERAGE"
	CategoryDriver         Category = "DRIVER"
	CategoryUnassigned     Category = "UNASSIGNED_ORDERS"
	CategoryTimeWindow     Category = "TIME_WINDOW"
	CategoryCapacity       Category = "CAPACITY"
	CategorySkills         Category = "SKILLS"
	CategoryConfiguration  Category = "CONFIGURATION"
)

type Issue struct {
	Severity Severity `json:"severity"`
	Category Category `json:"category"`
	Message  string   `json:"message"`
	RouteID  string   `json:"routeId,omitempty"`
	StopID   string   `json:"stopId,omitempty"`
}

type Summary struct {
	TotalRoutes         int `json:"totalRoutes"`
	RoutesWithDriver    int `json:"routesWithDriver"`
	RoutesWithoutDriver int `json:"routesWithoutDriver"`
	TotalStops          int `json:"totalStops"`
	UnassignedOrders    int `json:"unassignedOrders"`
	Errors              int `json:"errors"`
	Warnings            int `json:"warnings"`
	Infos               int `json:"infos"`
}

type Metrics struct {
	DriverAssignmentCoverage float64  `json:"driverAssignmentCoverage"`
	TimeWindowCompliance     float64  `json:"timeWindowCompliance"`
	AverageAssignmentQuality *float64 `json:"averageAssignmentQuality,omitempty"`
}

type Result struct {
	IsValid    bool    `json:"isValid"`
	CanConfirm bool    `json:"canConfirm"`
	Issues     []Issue `json:"issues"`
	Summary    Summary `json:"summary"`
	Metrics    Metrics `json:"metrics"`
}

// Store is what the validator reads besides the plan itself.
type Store interface {
	GetDriver(ctx context.Context, tenantID, driverID string) (model.Driver, error)
	GetVehicles(ctx context.Context, tenantID string, ids []string) ([]model.Vehicle, error)
}

type Options struct {
	PenaltyFactor   float64
	LicenseWarnDays int
	Now             func() time.Time
}

type Validator struct {
	store Store
	opts  Options
}

func NewValidator(s Store, opts Options) *Validator {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Validator{store: s, opts: opts}
}

type collector struct{ issues []Issue }

func (c *collector) add(sev Severity, cat Category, routeID, stopID, format string, args ...any) {
	c.issues = append(c.issues, Issue{Severity: sev, Category: cat, RouteID: routeID, StopID: stopID, Message: fmt.Sprintf(format, args...)})
}

// Validate checks plan against drivers, vehicles and windows. cfg is optional;
// when given, routes without a driver fall back to the configuration's
// vehicle-to-driver pairing.
func (v *Validator) Validate(ctx context.Context, tenantID string, plan model.JobResult, cfg *model.Configuration) (res Result, err error) {
	defer obs.Time(ctx, "planval.validate", tenantID)(&err)
	now := v.opts.Now()
	c := &collector{}
	res.Summary.TotalRoutes = len(plan.Routes)
	res.Summary.UnassignedOrders = len(plan.UnassignedOrderIDs)

	if len(plan.Routes) == 0 {
		c.add(SeverityError, CategoryEmptyPlan, "", "", "plan has no routes")
	}
	if cfg == nil {
		c.add(SeverityInfo, CategoryConfiguration, "", "", "no configuration supplied; driver pairing taken from routes only")
	}
	if n := len(plan.UnassignedOrderIDs); n > 0 {
		c.add(SeverityWarning, CategoryUnassigned, "", "", "%d order(s) could not be assigned to any route", n)
	}

	vehicles, err := v.loadVehicles(ctx, tenantID, plan)
	if err != nil {
		return Result{}, err
	}
	drivers := map[string]*model.Driver{}
	routesPerDriver := map[string][]string{}
	var checked, compliant int
	var qualitySum float64
	var qualityN int

	for _, rt := range plan.Routes {
		res.Summary.TotalStops += len(rt.Stops)
		if rt.AssignmentQuality != nil {
			qualitySum += *rt.AssignmentQuality
			qualityN++
		}

		driverID := rt.DriverID
		if driverID == "" && cfg != nil {
			driverID = cfg.DriverFor(rt.VehicleID)
		}
		var drv *model.Driver
		if driverID == "" {
			res.Summary.RoutesWithoutDriver++
			c.add(SeverityError, CategoryDriverCoverage, rt.ID, "", "route %s has no assigned driver", rt.ID)
		} else {
			res.Summary.RoutesWithDriver++
			routesPerDriver[driverID] = append(routesPerDriver[driverID], rt.ID)
			d, seen := drivers[driverID]
			if !seen {
				if d, err = v.loadDriver(ctx, tenantID, driverID); err != nil {
					return Result{}, err
				}
				drivers[driverID] = d
				v.checkDriver(c, rt.ID, driverID, d, now)
			}
			drv = d
		}

		v.checkCapacity(c, rt, vehicles)
		if drv != nil {
			checkSkills(c, rt, *drv, now)
		}
		for _, s := range rt.Stops {
			w := strictness.Window{Kind: s.WindowKind, Start: s.WindowStart, End: s.WindowEnd, ToleranceMinutes: s.ToleranceMinutes, Strictness: s.Strictness}
			r, ok := strictness.Check(w, s.ArrivalAt, v.opts.PenaltyFactor)
			if !ok {
				continue
			}
			checked++
			switch {
			case r.Valid:
				compliant++
			case !r.CanAssign:
				c.add(SeverityError, CategoryTimeWindow, rt.ID, s.StopID, "stop %s misses its HARD time window", stopLabel(s))
			default:
				c.add(SeverityWarning, CategoryTimeWindow, rt.ID, s.StopID, "stop %s misses its SOFT time window (penalty %.1f)", stopLabel(s), r.Penalty)
			}
		}
	}

	for _, id := range slices.Sorted(maps.Keys(routesPerDriver)) {
		if routes := routesPerDriver[id]; len(routes) > 1 {
			slices.Sort(routes)
			c.add(SeverityWarning, CategoryDriverCoverage, "", "", "driver %s is assigned to %d routes: %s", id, len(routes), strings.Join(routes, ", "))
		}
	}

	res.Issues = c.issues
	if res.Issues == nil {
		res.Issues = []Issue{}
	}
	for _, is := range res.Issues {
		switch is.Severity {
		case SeverityError:
			res.Summary.Errors++
		case SeverityWarning:
			res.Summary.Warnings++
		default:
			res.Summary.Infos++
		}
	}
	res.CanConfirm = res.Summary.Errors == 0
	res.IsValid = res.CanConfirm && res.Summary.Warnings == 0

	if res.Summary.TotalRoutes > 0 {
		res.Metrics.DriverAssignmentCoverage = percent(res.Summary.RoutesWithDriver, res.Summary.TotalRoutes)
	}
	res.Metrics.TimeWindowCompliance = percent(compliant, checked)
	if qualityN > 0 {
		avg := round1(qualitySum / float64(qualityN))
		res.Metrics.AverageAssignmentQuality = &avg
	}

	switch {
	case !res.CanConfirm:
		metrics.PlanValidations.WithLabelValues("errors").Inc()
	case !res.IsValid:
		metrics.PlanValidations.WithLabelValues("warnings").Inc()
	default:
		metrics.PlanValidations.WithLabelValues("valid").Inc()
	}
	return res, nil
}

func (v *Validator) loadVehicles(ctx context.Context, tenantID string, plan model.JobResult) (map[string]model.Vehicle, error) {
	ids := make([]string, 0, len(plan.Routes))
	for _, rt := range plan.Routes {
		if rt.VehicleID != "" {
			ids = append(ids, rt.VehicleID)
		}
	}
	out := map[string]model.Vehicle{}
	if len(ids) == 0 {
		return out, nil
	}
	vs, err := v.store.GetVehicles(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("planval: load vehicles: %w", err)
	}
	for _, veh := range vs {
		out[veh.ID] = veh
	}
	return out, nil
}

// loadDriver returns nil for a driver that does not exist.
func (v *Validator) loadDriver(ctx context.Context, tenantID, id string) (*model.Driver, error) {
	d, err := v.store.GetDriver(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("planval: load driver %s: %w", id, err)
	}
	return &d, nil
}

func (v *Validator) checkDriver(c *collector, routeID, id string, d *model.Driver, now time.Time) {
	if d == nil {
		c.add(SeverityError, CategoryDriver, routeID, "", "driver %s does not exist", id)
		return
	}
	if d.Status == model.DriverAbsent || d.Status == model.DriverUnavailable {
		c.add(SeverityError, CategoryDriver, routeID, "", "driver %s is %s", id, d.Status)
	}
	if d.LicenseExpiresAt == nil {
		return
	}
	exp := *d.LicenseExpiresAt
	switch {
	case exp.Before(now):
		c.add(SeverityError, CategoryDriver, routeID, "", "driver %s license expired on %s", id, exp.Format(time.DateOnly))
	case exp.Before(now.AddDate(0, 0, v.opts.LicenseWarnDays)):
		c.add(SeverityWarning, CategoryDriver, routeID, "", "driver %s license expires on %s", id, exp.Format(time.DateOnly))
	}
}

func (v *Validator) checkCapacity(c *collector, rt model.Route, vehicles map[string]model.Vehicle) {
	var w, vol float64
	for _, s := range rt.Stops {
		w += s.WeightKg
		vol += s.VolumeM3
	}
	veh, ok := vehicles[rt.VehicleID]
	if !ok {
		c.add(SeverityError, CategoryCapacity, rt.ID, "", "route %s uses unknown vehicle %q", rt.ID, rt.VehicleID)
		return
	}
	if w > veh.CapacityWeightKg {
		c.add(SeverityError, CategoryCapacity, rt.ID, "", "route %s carries %.1f kg, vehicle %s holds %.1f kg", rt.ID, w, veh.ID, veh.CapacityWeightKg)
	}
	if vol > veh.CapacityVolumeM3 {
		c.add(SeverityError, CategoryCapacity, rt.ID, "", "route %s carries %.2f m3, vehicle %s holds %.2f m3", rt.ID, vol, veh.ID, veh.CapacityVolumeM3)
	}
}

func checkSkills(c *collector, rt model.Route, d model.Driver, now time.Time) {
	valid := d.ValidSkills(now)
	missing := map[string]bool{}
	for _, s := range rt.Stops {
		for _, sk := range s.RequiredSkills {
			if !valid[sk] {
				missing[sk] = true
			}
		}
	}
	if len(missing) == 0 {
		return
	}
	codes := make([]string, 0, len(missing))
	for sk := range missing {
		codes = append(codes, sk)
	}
	slices.Sort(codes)
	c.add(SeverityWarning, CategorySkills, rt.ID, "", "driver %s lacks skills %s on route %s", d.ID, strings.Join(codes, ", "), rt.ID)
}

func stopLabel(s model.RouteStop) string {
	if s.StopID != "" {
		return s.StopID
	}
	return "for order " + s.OrderID
}

// percent is 100 when there is nothing to measure.
func percent(n, total int) float64 {
	if total == 0 {
		return 100
	}
	return round1(float64(n) / float64(total) * 100)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
