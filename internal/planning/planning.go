// Package planning runs the solver for a configuration and persists the job it
// produces.
package planning

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetops/internal/batch"
	"fleetops/internal/events"
	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/obs"
	"fleetops/internal/opt"
	"fleetops/internal/store"
	"fleetops/internal/strictness"
)

type Store interface {
	batch.StopInserter
	GetConfiguration(ctx context.Context, tenantID, configID string) (model.Configuration, error)
	TransitionConfiguration(ctx context.Context, tenantID, configID string, from, to model.ConfigStatus, actorID string) (model.Configuration, error)
	GetOrders(ctx context.Context, tenantID string, ids []string) ([]model.Order, error)
	GetVehicles(ctx context.Context, tenantID string, ids []string) ([]model.Vehicle, error)
	GetTimeWindowPolicies(ctx context.Context, tenantID string, ids []string) (map[string]model.TimeWindowPolicy, error)
	UpdateOrderStatus(ctx context.Context, tenantID, orderID string, status model.OrderStatus) error
	SaveJob(ctx context.Context, tenantID string, j model.Job) error
	DeleteStopsByJob(ctx context.Context, tenantID, jobID string) (int, error)
}

type Service struct {
	store  Store
	solver opt.Solver
	audit  events.AuditSink
	Batch  batch.Config
	Solver opt.Options
	now    func() time.Time
}

func NewService(s Store, solver opt.Solver, audit events.AuditSink) *Service {
	return &Service{store: s, solver: solver, audit: audit, now: func() time.Time { return time.Now().UTC() }}
}

// Optimize computes a new job for configID. The configuration is held in
// OPTIMIZING for the duration of the solver run and always returns to
// CONFIGURED. A solver failure yields a FAILED job, not an error.
func (s *Service) Optimize(ctx context.Context, tenantID, configID, actorID string) (job model.Job, err error) {
	defer obs.Time(ctx, "planning.optimize", tenantID)(&err)
	cfg, err := s.store.GetConfiguration(ctx, tenantID, configID)
	if err != nil {
		return model.Job{}, fmt.Errorf("planning: configuration %s: %w", configID, err)
	}
	switch cfg.Status {
	case model.ConfigOptimizing:
		return model.Job{}, fmt.Errorf("planning: configuration %s: optimization in progress: %w", cfg.ID, store.ErrConflict)
	case model.ConfigConfirmed:
		return model.Job{}, fmt.Errorf("planning: configuration %s is confirmed: %w", cfg.ID, store.ErrConflict)
	case model.ConfigConfigured:
	default:
		return model.Job{}, model.Invalid(fmt.Sprintf("configuration %s is %s; finish configuring it first", cfg.ID, cfg.Status))
	}
	if len(cfg.OrderIDs) == 0 || len(cfg.VehicleIDs) == 0 {
		return model.Job{}, model.Invalid("configuration needs at least one order and one vehicle")
	}

	if _, err := s.store.TransitionConfiguration(ctx, tenantID, cfg.ID, model.ConfigConfigured, model.ConfigOptimizing, actorID); err != nil {
		return model.Job{}, fmt.Errorf("planning: lock %s: %w", cfg.ID, err)
	}
	defer func() {
		if _, rerr := s.store.TransitionConfiguration(context.WithoutCancel(ctx), tenantID, cfg.ID, model.ConfigOptimizing, model.ConfigConfigured, actorID); rerr != nil {
			log.Printf("planning: release configuration tenant=%s config=%s err=%v", tenantID, cfg.ID, rerr)
		}
	}()

	orders, windows, err := s.loadOrders(ctx, tenantID, cfg.OrderIDs)
	if err != nil {
		return model.Job{}, err
	}
	vehicles, err := s.store.GetVehicles(ctx, tenantID, cfg.VehicleIDs)
	if err != nil {
		return model.Job{}, fmt.Errorf("planning: load vehicles: %w", err)
	}

	job = model.Job{ID: uuid.NewString(), TenantID: tenantID, ConfigurationID: cfg.ID, Status: model.JobRunning, CreatedAt: s.now()}
	if err := s.store.SaveJob(ctx, tenantID, job); err != nil {
		return model.Job{}, fmt.Errorf("planning: save job: %w", err)
	}

	so := s.Solver
	so.Depot, so.Objective, so.PlanStart = cfg.Depot, cfg.Objective, planStart(cfg.PlanDate, s.now())
	began := time.Now()
	plan, serr := s.solver.Optimize(ctx, orders, vehicles, so)
	if serr != nil {
		metrics.SolverDuration.WithLabelValues("failed").Observe(time.Since(began).Seconds())
		return s.fail(ctx, tenantID, job, fmt.Sprintf("solver: %v", serr))
	}
	metrics.SolverDuration.WithLabelValues("ok").Observe(time.Since(began).Seconds())

	byID := make(map[string]model.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}
	result, stops, berr := buildResult(job, cfg, plan, byID, windows)
	if berr != nil {
		return s.fail(ctx, tenantID, job, berr.Error())
	}
	res, err := batch.LoadStops(ctx, s.store, tenantID, stops, s.Batch)
	if err != nil {
		bg := context.WithoutCancel(ctx)
		s.discardStops(bg, tenantID, job.ID)
		if _, ferr := s.fail(bg, tenantID, job, "write stops: "+err.Error()); ferr != nil {
			log.Printf("planning: %v", ferr)
		}
		return model.Job{}, fmt.Errorf("planning: write stops: %w", err)
	}
	if len(res.Errors) > 0 {
		s.discardStops(ctx, tenantID, job.ID)
		msgs := make([]string, 0, len(res.Errors))
		for _, ce := range res.Errors {
			msgs = append(msgs, fmt.Sprintf("chunk %d: %s", ce.Batch, ce.Error))
		}
		return s.fail(ctx, tenantID, job, "write stops: "+strings.Join(msgs, "; "))
	}

	done := s.now()
	job.Status, job.Result, job.CompletedAt = model.JobCompleted, result, &done
	if err := s.store.SaveJob(ctx, tenantID, job); err != nil {
		return model.Job{}, fmt.Errorf("planning: save job: %w", err)
	}
	for _, st := range stops {
		if o := byID[st.OrderID]; o.Status == model.OrderPending {
			if err := s.store.UpdateOrderStatus(ctx, tenantID, o.ID, model.OrderAssigned); err != nil {
				log.Printf("planning: mark order assigned tenant=%s order=%s err=%v", tenantID, o.ID, err)
			}
		}
	}
	events.Audit(ctx, s.audit, tenantID, events.AuditEntry{
		EntityType: "configuration",
		EntityID:   cfg.ID,
		Action:     "optimized",
		ActorID:    actorID,
		Changes: map[string]any{
			"jobId":      job.ID,
			"routes":     len(result.Routes),
			"unassigned": len(result.UnassignedOrderIDs),
		},
	})
	return job, nil
}

// discardStops removes the stops already written for a job that did not complete,
// so no driver keeps owning work from a failed plan.
func (s *Service) discardStops(ctx context.Context, tenantID, jobID string) {
	n, err := s.store.DeleteStopsByJob(ctx, tenantID, jobID)
	if err != nil {
		log.Printf("planning: discard stops tenant=%s job=%s err=%v", tenantID, jobID, err)
		return
	}
	if n > 0 {
		log.Printf("planning: discarded stops tenant=%s job=%s count=%d", tenantID, jobID, n)
	}
}

func (s *Service) fail(ctx context.Context, tenantID string, job model.Job, reason string) (model.Job, error) {
	done := s.now()
	job.Status, job.Error, job.CompletedAt = model.JobFailed, reason, &done
	if err := s.store.SaveJob(ctx, tenantID, job); err != nil {
		return model.Job{}, fmt.Errorf("planning: save failed job: %w", err)
	}
	log.Printf("planning: job failed tenant=%s job=%s reason=%s", tenantID, job.ID, reason)
	return job, nil
}

// loadOrders returns the orders with the effective window rule of each, keyed by order id.
// The strictness override of each returned order is set to the effective
// strictness so the solver sees which windows are hard.
func (s *Service) loadOrders(ctx context.Context, tenantID string, ids []string) ([]model.Order, map[string]strictness.Window, error) {
	orders, err := s.store.GetOrders(ctx, tenantID, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("planning: load orders: %w", err)
	}
	var policyIDs []string
	for _, o := range orders {
		if o.TimeWindowPolicyID != "" {
			policyIDs = append(policyIDs, o.TimeWindowPolicyID)
		}
	}
	policies := map[string]model.TimeWindowPolicy{}
	if len(policyIDs) > 0 {
		if policies, err = s.store.GetTimeWindowPolicies(ctx, tenantID, policyIDs); err != nil {
			return nil, nil, fmt.Errorf("planning: load policies: %w", err)
		}
	}
	windows := make(map[string]strictness.Window, len(orders))
	for i, o := range orders {
		w := strictness.Window{Kind: model.WindowRange, Start: o.WindowStart, End: o.WindowEnd, Strictness: model.StrictnessHard}
		if p, ok := policies[o.TimeWindowPolicyID]; ok {
			w.Kind = p.Kind
			w.Strictness = p.Strictness
			if p.Kind == model.WindowExact {
				tol := p.ToleranceMinutes
				w.ToleranceMinutes = &tol
			}
		}
		w.Strictness = strictness.Effective(o.StrictnessOverride, w.Strictness)
		eff := w.Strictness
		orders[i].StrictnessOverride = &eff
		windows[o.ID] = w
	}
	return orders, windows, nil
}

// buildResult turns the solver's plan into the job result and its stops. A plan
// that names an order it was not given, or plans one order twice, is rejected.
func buildResult(job model.Job, cfg model.Configuration, plan opt.Plan, orders map[string]model.Order, windows map[string]strictness.Window) (model.JobResult, []model.Stop, error) {
	res := model.JobResult{
		SchemaVersion:      model.JobResultSchemaVersion,
		Routes:             make([]model.Route, 0, len(plan.Routes)),
		UnassignedOrderIDs: plan.UnassignedOrderIDs,
		Metrics: model.JobMetrics{
			TotalDistanceM:   plan.TotalDistanceM,
			TotalDurationSec: plan.TotalDurationSec,
			Cost:             float64(plan.TotalDistanceM) / 1000,
		},
	}
	var stops []model.Stop
	planned := make(map[string]bool, len(orders))
	for _, pr := range plan.Routes {
		rt := model.Route{
			ID:                uuid.NewString(),
			VehicleID:         pr.VehicleID,
			DriverID:          cfg.DriverFor(pr.VehicleID),
			DistanceM:         pr.DistanceM,
			DurationSec:       pr.DurationSec,
			AssignmentQuality: pr.Quality,
			Stops:             make([]model.RouteStop, 0, len(pr.Stops)),
		}
		for _, ps := range pr.Stops {
			o, ok := orders[ps.OrderID]
			if !ok {
				return model.JobResult{}, nil, fmt.Errorf("solver planned unknown order %q", ps.OrderID)
			}
			if planned[o.ID] {
				return model.JobResult{}, nil, fmt.Errorf("solver planned order %s twice", o.ID)
			}
			planned[o.ID] = true
			w := windows[o.ID]
			arr := ps.ArrivalAt
			rs := model.RouteStop{
				StopID:           uuid.NewString(),
				OrderID:          o.ID,
				Sequence:         ps.Sequence,
				ArrivalAt:        &arr,
				WindowKind:       w.Kind,
				WindowStart:      w.Start,
				WindowEnd:        w.End,
				ToleranceMinutes: w.ToleranceMinutes,
				Strictness:       w.Strictness,
				WeightKg:         o.WeightKg,
				VolumeM3:         o.VolumeM3,
				RequiredSkills:   o.RequiredSkills,
			}
			rt.Stops = append(rt.Stops, rs)
			stops = append(stops, model.Stop{
				ID:               rs.StopID,
				JobID:            job.ID,
				RouteID:          rt.ID,
				OrderID:          o.ID,
				VehicleID:        rt.VehicleID,
				DriverID:         rt.DriverID,
				Sequence:         rs.Sequence,
				Status:           model.StopPending,
				WindowKind:       rs.WindowKind,
				WindowStart:      rs.WindowStart,
				WindowEnd:        rs.WindowEnd,
				ToleranceMinutes: rs.ToleranceMinutes,
				Strictness:       rs.Strictness,
				EstimatedArrival: rs.ArrivalAt,
			})
		}
		res.Routes = append(res.Routes, rt)
	}
	return res, stops, nil
}

// planStart is midnight UTC of the plan date, or fallback when the date does not parse.
func planStart(date string, fallback time.Time) time.Time {
	if d, err := time.Parse(time.DateOnly, date); err == nil {
		return d
	}
	return fallback
}
