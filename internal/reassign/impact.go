// Package reassign evaluates, ranks and applies the hand-over of an absent
// driver's stops to replacement drivers.
package reassign

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/obs"
	"fleetops/internal/store"
	"fleetops/internal/strictness"
)

// Store is the slice of persistence the reassignment engine uses.
type Store interface {
	GetDriver(ctx context.Context, tenantID, driverID string) (model.Driver, error)
	ListDrivers(ctx context.Context, tenantID string, f store.DriverFilter) ([]model.Driver, error)
	UpdateDriverStatusIf(ctx context.Context, tenantID, driverID string, from, to model.DriverStatus) (bool, error)
	ListStopsByDriver(ctx context.Context, tenantID, driverID, jobID string) ([]model.Stop, error)
	GetOrders(ctx context.Context, tenantID string, ids []string) ([]model.Order, error)
	GetVehicles(ctx context.Context, tenantID string, ids []string) ([]model.Vehicle, error)
	ReassignStops(ctx context.Context, tenantID string, r store.StopReassignment) (store.ReassignOutcome, error)
	InsertReassignmentRecords(ctx context.Context, tenantID string, recs []model.ReassignmentRecord) error
}

type Options struct {
	// ServiceMinutesPerStop and DistanceKmPerStop drive the flat cost estimate.
	ServiceMinutesPerStop int
	DistanceKmPerStop     float64
	PenaltyFactor         float64
	LicenseWarnDays       int
	OptionLimit           int
	Now                   func() time.Time
}

func DefaultOptions() Options {
	return Options{ServiceMinutesPerStop: 15, DistanceKmPerStop: 5, PenaltyFactor: 1, LicenseWarnDays: 30, OptionLimit: 5}
}

// RouteScope is one route's share of the absent driver's work.
type RouteScope struct {
	JobID        string   `json:"jobId"`
	RouteID      string   `json:"routeId"`
	VehicleID    string   `json:"vehicleId,omitempty"`
	StopIDs      []string `json:"stopIds"`
	PendingStops int      `json:"pendingStops"`
}

type Impact struct {
	AbsentDriverID    string       `json:"absentDriverId"`
	CandidateDriverID string       `json:"candidateDriverId"`
	JobID             string       `json:"jobId,omitempty"`
	IsValid           bool         `json:"isValid"`
	StopsCount        int          `json:"stopsCount"`
	PendingStops      int          `json:"pendingStops"`
	Routes            []RouteScope `json:"routes"`

	RequiredSkills []string `json:"requiredSkills"`
	MissingSkills  []string `json:"missingSkills"`
	SkillsMatch    float64  `json:"skillsMatch"`

	WeightUtilization   float64 `json:"weightUtilization"`
	VolumeUtilization   float64 `json:"volumeUtilization"`
	CapacityUtilization float64 `json:"capacityUtilization"`

	// Flat per-stop heuristic, not a routed estimate.
	AdditionalTimeMinutes int     `json:"additionalTimeMinutes"`
	AdditionalDistanceKm  float64 `json:"additionalDistanceKm"`
	Approximate           bool    `json:"approximate"`

	CompromisedWindows int     `json:"compromisedWindows"`
	TimeWindowPenalty  float64 `json:"timeWindowPenalty"`

	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (im *Impact) errorf(format string, args ...any) { im.Errors = append(im.Errors, fmt.Sprintf(format, args...)) }
func (im *Impact) warnf(format string, args ...any) { im.Warnings = append(im.Warnings, fmt.Sprintf(format, args...)) }

// Calculator computes impacts and ranks replacement options. It only reads.
type Calculator struct {
	store Store
	opts  Options
}

func NewCalculator(s Store, opts Options) *Calculator {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Calculator{store: s, opts: opts}
}

// scope is the absent driver's work loaded once and shared across candidates.
type scope struct {
	stops    []model.Stop
	pending  []model.Stop
	orders   map[string]model.Order
	vehicles map[string]model.Vehicle
	routes   []RouteScope
}

func (c *Calculator) loadScope(ctx context.Context, tenantID, absentDriverID, jobID string) (*scope, error) {
	stops, err := c.store.ListStopsByDriver(ctx, tenantID, absentDriverID, jobID)
	if err != nil {
		return nil, fmt.Errorf("reassign: load stops: %w", err)
	}
	sc := &scope{stops: stops, orders: map[string]model.Order{}, vehicles: map[string]model.Vehicle{}}
	if len(stops) == 0 {
		return sc, nil
	}
	byRoute := map[[2]string]*RouteScope{}
	var orderIDs, vehicleIDs []string
	for _, s := range stops {
		k := [2]string{s.JobID, s.RouteID}
		rs, ok := byRoute[k]
		if !ok {
			rs = &RouteScope{JobID: s.JobID, RouteID: s.RouteID, VehicleID: s.VehicleID}
			byRoute[k] = rs
		}
		rs.StopIDs = append(rs.StopIDs, s.ID)
		if !s.Active() {
			continue
		}
		rs.PendingStops++
		sc.pending = append(sc.pending, s)
		orderIDs = append(orderIDs, s.OrderID)
		if s.VehicleID != "" {
			vehicleIDs = append(vehicleIDs, s.VehicleID)
		}
	}
	for _, rs := range byRoute {
		sc.routes = append(sc.routes, *rs)
	}
	sort.Slice(sc.routes, func(i, j int) bool {
		if sc.routes[i].JobID != sc.routes[j].JobID {
			return sc.routes[i].JobID < sc.routes[j].JobID
		}
		return sc.routes[i].RouteID < sc.routes[j].RouteID
	})
	if len(orderIDs) > 0 {
		orders, err := c.store.GetOrders(ctx, tenantID, orderIDs)
		if err != nil {
			return nil, fmt.Errorf("reassign: load orders: %w", err)
		}
		for _, o := range orders {
			sc.orders[o.ID] = o
		}
	}
	if len(vehicleIDs) > 0 {
		vehicles, err := c.store.GetVehicles(ctx, tenantID, vehicleIDs)
		if err != nil {
			return nil, fmt.Errorf("reassign: load vehicles: %w", err)
		}
		for _, v := range vehicles {
			sc.vehicles[v.ID] = v
		}
	}
	return sc, nil
}

// CalculateImpact evaluates handing absentDriverID's stops (optionally one job's)
// to candidateDriverID. Business-rule failures land in Errors/Warnings; only
// storage failures are returned as errors.
func (c *Calculator) CalculateImpact(ctx context.Context, tenantID, absentDriverID, candidateDriverID, jobID string) (im Impact, err error) {
	defer obs.Time(ctx, "reassign.impact", tenantID)(&err)
	sc, err := c.loadScope(ctx, tenantID, absentDriverID, jobID)
	if err != nil {
		return Impact{}, err
	}
	im = c.newImpact(sc, absentDriverID, candidateDriverID, jobID)
	if len(sc.stops) == 0 {
		im.warnf("driver %s has no stops to reassign", absentDriverID)
		im.IsValid = true
		metrics.ImpactCalculations.WithLabelValues("empty").Inc()
		return im, nil
	}
	cand, err := c.store.GetDriver(ctx, tenantID, candidateDriverID)
	if errors.Is(err, store.ErrNotFound) {
		im.errorf("candidate driver %s not found", candidateDriverID)
		im.IsValid = false
		metrics.ImpactCalculations.WithLabelValues("invalid").Inc()
		return im, nil
	}
	if err != nil {
		return Impact{}, fmt.Errorf("reassign: load candidate: %w", err)
	}
	c.evaluate(sc, cand, &im)
	return im, nil
}

func (c *Calculator) newImpact(sc *scope, absentDriverID, candidateDriverID, jobID string) Impact {
	pending := len(sc.pending)
	return Impact{
		AbsentDriverID:        absentDriverID,
		CandidateDriverID:     candidateDriverID,
		JobID:                 jobID,
		StopsCount:            len(sc.stops),
		PendingStops:          pending,
		Routes:                sc.routes,
		RequiredSkills:        []string{},
		MissingSkills:         []string{},
		SkillsMatch:           100,
		AdditionalTimeMinutes: pending * c.opts.ServiceMinutesPerStop,
		AdditionalDistanceKm:  float64(pending) * c.opts.DistanceKmPerStop,
		Approximate:           true,
		Errors:                []string{},
		Warnings:              []string{},
	}
}

func (c *Calculator) evaluate(sc *scope, cand model.Driver, im *Impact) {
	now := c.opts.Now()

	if cand.LicenseExpiresAt != nil {
		exp := *cand.LicenseExpiresAt
		switch {
		case exp.Before(now):
			im.errorf("driver license expired on %s", exp.Format(time.DateOnly))
		case exp.Before(now.AddDate(0, 0, c.opts.LicenseWarnDays)):
			days := int(math.Ceil(exp.Sub(now).Hours() / 24))
			im.warnf("driver license expires in %d days (%s)", days, exp.Format(time.DateOnly))
		}
	}

	if cand.Status != model.DriverAvailable && cand.Status != model.DriverCompleted {
		im.warnf("driver is currently %s", cand.Status)
	}

	c.evaluateSkills(sc, cand, now, im)
	c.evaluateCapacity(sc, im)
	c.evaluateWindows(sc, now, im)

	im.IsValid = len(im.Errors) == 0
	if im.IsValid {
		metrics.ImpactCalculations.WithLabelValues("valid").Inc()
	} else {
		metrics.ImpactCalculations.WithLabelValues("invalid").Inc()
	}
}

func (c *Calculator) evaluateSkills(sc *scope, cand model.Driver, now time.Time, im *Impact) {
	required := map[string]bool{}
	for _, s := range sc.pending {
		o, ok := sc.orders[s.OrderID]
		if !ok {
			continue
		}
		for _, sk := range o.RequiredSkills {
			required[sk] = true
		}
	}
	valid := cand.ValidSkills(now)
	for sk := range required {
		im.RequiredSkills = append(im.RequiredSkills, sk)
		if !valid[sk] {
			im.MissingSkills = append(im.MissingSkills, sk)
		}
	}
	slices.Sort(im.RequiredSkills)
	slices.Sort(im.MissingSkills)
	if n := len(im.RequiredSkills); n > 0 {
		im.SkillsMatch = round1(float64(n-len(im.MissingSkills)) / float64(n) * 100)
	}
	if len(im.MissingSkills) > 0 {
		im.warnf("driver lacks required skills: %s", strings.Join(im.MissingSkills, ", "))
	}
	for _, sk := range cand.Skills {
		if sk.Expired(now) {
			im.warnf("driver skill %s expired on %s", sk.Code, sk.ExpiresAt.Format(time.DateOnly))
		}
	}
}

func (c *Calculator) evaluateCapacity(sc *scope, im *Impact) {
	var needW, needV float64
	for _, s := range sc.pending {
		if o, ok := sc.orders[s.OrderID]; ok {
			needW += o.WeightKg
			needV += o.VolumeM3
		}
	}
	var capW, capV float64
	for _, v := range sc.vehicles {
		capW += v.CapacityWeightKg
		capV += v.CapacityVolumeM3
	}
	im.WeightUtilization = utilization(needW, capW)
	im.VolumeUtilization = utilization(needV, capV)
	im.CapacityUtilization = math.Max(im.WeightUtilization, im.VolumeUtilization)
	switch {
	case (needW > 0 && capW == 0) || (needV > 0 && capV == 0):
		im.errorf("no vehicle capacity available for %.1f kg / %.2f m3", needW, needV)
	case im.CapacityUtilization > 100:
		im.errorf("capacity exceeded: %.1f%% utilization", im.CapacityUtilization)
	}
}

func (c *Calculator) evaluateWindows(sc *scope, now time.Time, im *Impact) {
	for _, s := range sc.pending {
		w := stopWindow(s)
		if res, ok := strictness.Check(w, s.EstimatedArrival, c.opts.PenaltyFactor); ok {
			im.TimeWindowPenalty += res.Penalty
		}
		deadline := windowDeadline(s)
		if deadline == nil {
			continue
		}
		if (s.EstimatedArrival != nil && s.EstimatedArrival.After(*deadline)) ||
			(s.EstimatedArrival == nil && now.After(*deadline)) {
			im.CompromisedWindows++
		}
	}
	if im.CompromisedWindows > 0 {
		im.warnf("%d stop(s) can no longer meet their time window", im.CompromisedWindows)
	}
}

func stopWindow(s model.Stop) strictness.Window {
	return strictness.Window{Kind: s.WindowKind, Start: s.WindowStart, End: s.WindowEnd, ToleranceMinutes: s.ToleranceMinutes, Strictness: s.Strictness}
}

// windowDeadline is the latest acceptable arrival for s, or nil when unbounded.
func windowDeadline(s model.Stop) *time.Time {
	if s.WindowKind == model.WindowExact && s.WindowStart != nil {
		tol := 0
		if s.ToleranceMinutes != nil {
			tol = *s.ToleranceMinutes
		}
		d := s.WindowStart.Add(time.Duration(tol) * time.Minute)
		return &d
	}
	return s.WindowEnd
}

func utilization(need, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return round1(need / capacity * 100)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
