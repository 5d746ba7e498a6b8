// Package planmetrics computes per-plan KPIs and compares them with the
// previous comparable plan. Snapshots are append-only.
package planmetrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"fleetops/internal/model"
	"fleetops/internal/obs"
	"fleetops/internal/planval"
	"fleetops/internal/store"
)

type Store interface {
	GetJob(ctx context.Context, tenantID, jobID string) (model.Job, error)
	ListJobs(ctx context.Context, tenantID string, f store.JobFilter) ([]model.Job, error)
	GetConfiguration(ctx context.Context, tenantID, configID string) (model.Configuration, error)
	AppendPlanMetrics(ctx context.Context, tenantID string, m model.PlanMetrics) (model.PlanMetrics, error)
	GetPlanMetricsForJob(ctx context.Context, tenantID, jobID string) (model.PlanMetrics, error)
	ListPlanMetrics(ctx context.Context, tenantID, configID string, limit int) ([]model.PlanMetrics, error)
}

// Calculate derives the KPI set for job from its plan and its validation.
func Calculate(job model.Job, v planval.Result) model.PlanMetricsData {
	res := job.Result
	d := model.PlanMetricsData{
		TotalRoutes:              len(res.Routes),
		UnassignedOrders:         len(res.UnassignedOrderIDs),
		DriverAssignmentCoverage: v.Metrics.DriverAssignmentCoverage,
		TimeWindowCompliance:     v.Metrics.TimeWindowCompliance,
		AverageAssignmentQuality: v.Metrics.AverageAssignmentQuality,
		ErrorCount:               v.Summary.Errors,
		WarningCount:             v.Summary.Warnings,
	}
	orders := map[string]bool{}
	var dist, dur int
	for _, rt := range res.Routes {
		d.TotalStops += len(rt.Stops)
		dist += rt.DistanceM
		dur += rt.DurationSec
		for _, s := range rt.Stops {
			orders[s.OrderID] = true
		}
	}
	d.AssignedOrders = len(orders)
	d.TotalDistanceM, d.TotalDurationSec = res.Metrics.TotalDistanceM, res.Metrics.TotalDurationSec
	if d.TotalDistanceM == 0 {
		d.TotalDistanceM = dist
	}
	if d.TotalDurationSec == 0 {
		d.TotalDurationSec = dur
	}
	if d.TotalRoutes > 0 {
		d.AvgStopsPerRoute = math.Round(float64(d.TotalStops)/float64(d.TotalRoutes)*10) / 10
	}
	return d
}

// PercentChange is the relative change from old to cur, rounded half up
// (-2.5 gives -2). A zero baseline yields 0 when cur is also zero and 100 otherwise.
func PercentChange(old, cur float64) int {
	if old == 0 {
		if cur == 0 {
			return 0
		}
		return 100
	}
	return int(math.Floor((cur-old)*100/old + 0.5))
}

func Compare(cur, prev model.PlanMetricsData) model.MetricsComparison {
	return model.MetricsComparison{
		DistanceDeltaPct:   PercentChange(float64(prev.TotalDistanceM), float64(cur.TotalDistanceM)),
		DurationDeltaPct:   PercentChange(float64(prev.TotalDurationSec), float64(cur.TotalDurationSec)),
		ComplianceDeltaPct: PercentChange(prev.TimeWindowCompliance, cur.TimeWindowCompliance),
	}
}

type Engine struct {
	store     Store
	validator *planval.Validator
	now       func() time.Time
}

// NewEngine wires the store and the validator used to rebuild metrics for a
// previous job that was never snapshotted.
func NewEngine(s Store, v *planval.Validator) *Engine {
	return &Engine{store: s, validator: v, now: func() time.Time { return time.Now().UTC() }}
}

// FindPreviousComparable returns the newest COMPLETED job created strictly
// before jobID, restricted to configID when it is non-empty. "" means none.
func (e *Engine) FindPreviousComparable(ctx context.Context, tenantID, jobID, configID string) (string, error) {
	job, err := e.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return "", fmt.Errorf("planmetrics: job %s: %w", jobID, err)
	}
	return e.previousOf(ctx, tenantID, job, configID)
}

func (e *Engine) previousOf(ctx context.Context, tenantID string, job model.Job, configID string) (string, error) {
	before := job.CreatedAt
	jobs, err := e.store.ListJobs(ctx, tenantID, store.JobFilter{
		Status:          model.JobCompleted,
		ConfigurationID: configID,
		CreatedBefore:   &before,
		Limit:           1,
	})
	if err != nil {
		return "", fmt.Errorf("planmetrics: previous jobs: %w", err)
	}
	if len(jobs) == 0 {
		return "", nil
	}
	return jobs[0].ID, nil
}

// Record appends a snapshot for job, compared against the previous comparable
// job of the same configuration.
func (e *Engine) Record(ctx context.Context, tenantID string, job model.Job, v planval.Result) (pm model.PlanMetrics, err error) {
	defer obs.Time(ctx, "planmetrics.record", tenantID)(&err)
	pm, err = e.build(ctx, tenantID, job, v)
	if err != nil {
		return model.PlanMetrics{}, err
	}
	return e.store.AppendPlanMetrics(ctx, tenantID, pm)
}

func (e *Engine) build(ctx context.Context, tenantID string, job model.Job, v planval.Result) (model.PlanMetrics, error) {
	pm := model.PlanMetrics{
		TenantID:        tenantID,
		JobID:           job.ID,
		ConfigurationID: job.ConfigurationID,
		Data:            Calculate(job, v),
		CreatedAt:       e.now(),
	}
	prevID, err := e.previousOf(ctx, tenantID, job, job.ConfigurationID)
	if err != nil || prevID == "" {
		return pm, err
	}
	pm.PreviousJobID = prevID
	prev, ok, err := e.metricsOf(ctx, tenantID, prevID)
	if err != nil {
		return model.PlanMetrics{}, err
	}
	if ok {
		cmp := Compare(pm.Data, prev)
		pm.Comparison = &cmp
	}
	return pm, nil
}

// metricsOf prefers the stored snapshot and falls back to validating the job again.
func (e *Engine) metricsOf(ctx context.Context, tenantID, jobID string) (model.PlanMetricsData, bool, error) {
	snap, err := e.store.GetPlanMetricsForJob(ctx, tenantID, jobID)
	if err == nil {
		return snap.Data, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.PlanMetricsData{}, false, fmt.Errorf("planmetrics: snapshot for %s: %w", jobID, err)
	}
	if e.validator == nil {
		return model.PlanMetricsData{}, false, nil
	}
	job, err := e.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return model.PlanMetricsData{}, false, fmt.Errorf("planmetrics: job %s: %w", jobID, err)
	}
	v, err := e.validate(ctx, tenantID, job)
	if err != nil {
		return model.PlanMetricsData{}, false, err
	}
	return Calculate(job, v), true, nil
}

func (e *Engine) validate(ctx context.Context, tenantID string, job model.Job) (planval.Result, error) {
	var cfg *model.Configuration
	if job.ConfigurationID != "" {
		c, err := e.store.GetConfiguration(ctx, tenantID, job.ConfigurationID)
		switch {
		case err == nil:
			cfg = &c
		case !errors.Is(err, store.ErrNotFound):
			return planval.Result{}, fmt.Errorf("planmetrics: configuration %s: %w", job.ConfigurationID, err)
		}
	}
	return e.validator.Validate(ctx, tenantID, job.Result, cfg)
}

// ForJob returns the latest stored snapshot for jobID. A job that was never
// confirmed gets a live computation that is not persisted.
func (e *Engine) ForJob(ctx context.Context, tenantID, jobID string) (model.PlanMetrics, error) {
	snap, err := e.store.GetPlanMetricsForJob(ctx, tenantID, jobID)
	if err == nil || !errors.Is(err, store.ErrNotFound) || e.validator == nil {
		return snap, err
	}
	job, err := e.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return model.PlanMetrics{}, fmt.Errorf("planmetrics: job %s: %w", jobID, err)
	}
	if job.Status != model.JobCompleted {
		return model.PlanMetrics{}, model.Invalid(fmt.Sprintf("job %s is %s; metrics need a COMPLETED job", job.ID, job.Status))
	}
	v, err := e.validate(ctx, tenantID, job)
	if err != nil {
		return model.PlanMetrics{}, err
	}
	return e.build(ctx, tenantID, job, v)
}

// History lists snapshots newest first, optionally for one configuration.
func (e *Engine) History(ctx context.Context, tenantID, configID string, limit int) ([]model.PlanMetrics, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.store.ListPlanMetrics(ctx, tenantID, configID, limit)
}
