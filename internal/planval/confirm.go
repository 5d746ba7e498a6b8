package planval

import (
	"context"
	"errors"
	"fmt"
	"log"

	"fleetops/internal/events"
	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/obs"
	"fleetops/internal/store"
)

type Outcome string

const (
	OutcomeBlocked          Outcome = "BLOCKED"
	OutcomeRequiresOverride Outcome = "REQUIRES_OVERRIDE"
	OutcomeConfirmed        Outcome = "CONFIRMED"
)

type ConfirmRequest struct {
	ConfigurationID  string `json:"configurationId" validate:"required"`
	JobID            string `json:"jobId" validate:"required"`
	OverrideWarnings bool   `json:"overrideWarnings"`
	ActorID          string `json:"actorId,omitempty"`
}

type ConfirmResult struct {
	Outcome       Outcome             `json:"outcome"`
	Configuration model.Configuration `json:"configuration"`
	Validation    Result              `json:"validation"`
	Metrics       *model.PlanMetrics  `json:"metrics,omitempty"`
}

type ConfirmStore interface {
	Store
	GetConfiguration(ctx context.Context, tenantID, configID string) (model.Configuration, error)
	GetJob(ctx context.Context, tenantID, jobID string) (model.Job, error)
	TransitionConfiguration(ctx context.Context, tenantID, configID string, from, to model.ConfigStatus, actorID string) (model.Configuration, error)
}

// MetricsRecorder snapshots a confirmed plan.
type MetricsRecorder interface {
	Record(ctx context.Context, tenantID string, job model.Job, v Result) (model.PlanMetrics, error)
}

type Confirmer struct {
	store     ConfirmStore
	validator *Validator
	metrics   MetricsRecorder
	audit     events.AuditSink
}

func NewConfirmer(s ConfirmStore, v *Validator, m MetricsRecorder, audit events.AuditSink) *Confirmer {
	return &Confirmer{store: s, validator: v, metrics: m, audit: audit}
}

// Confirm validates the job computed for a configuration and, when nothing
// blocks it, moves the configuration to CONFIRMED. BLOCKED and
// REQUIRES_OVERRIDE come back as outcomes with the configuration untouched;
// OverrideWarnings never lifts an ERROR.
func (c *Confirmer) Confirm(ctx context.Context, tenantID string, req ConfirmRequest) (res ConfirmResult, err error) {
	defer obs.Time(ctx, "planval.confirm", tenantID)(&err)
	defer func() {
		switch {
		case err == nil:
			metrics.PlanConfirmations.WithLabelValues(string(res.Outcome)).Inc()
		case errors.Is(err, store.ErrConflict):
			metrics.PlanConfirmations.WithLabelValues("conflict").Inc()
		}
	}()
	if err := model.Validate(req); err != nil {
		return ConfirmResult{}, err
	}
	cfg, err := c.store.GetConfiguration(ctx, tenantID, req.ConfigurationID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("planval: configuration %s: %w", req.ConfigurationID, err)
	}
	switch cfg.Status {
	case model.ConfigConfirmed:
		return ConfirmResult{}, fmt.Errorf("planval: configuration %s already confirmed: %w", cfg.ID, store.ErrConflict)
	case model.ConfigOptimizing:
		return ConfirmResult{}, fmt.Errorf("planval: configuration %s: optimization in progress: %w", cfg.ID, store.ErrConflict)
	case model.ConfigConfigured:
	default:
		return ConfirmResult{}, model.Invalid(fmt.Sprintf("configuration %s is %s; only CONFIGURED plans can be confirmed", cfg.ID, cfg.Status))
	}

	job, err := c.store.GetJob(ctx, tenantID, req.JobID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("planval: job %s: %w", req.JobID, err)
	}
	if job.ConfigurationID != cfg.ID {
		return ConfirmResult{}, model.Invalid(fmt.Sprintf("job %s was not computed for configuration %s", job.ID, cfg.ID))
	}
	if job.Status != model.JobCompleted {
		return ConfirmResult{}, model.Invalid(fmt.Sprintf("job %s is %s; only COMPLETED jobs can be confirmed", job.ID, job.Status))
	}

	v, err := c.validator.Validate(ctx, tenantID, job.Result, &cfg)
	if err != nil {
		return ConfirmResult{}, err
	}
	res = ConfirmResult{Configuration: cfg, Validation: v}
	switch {
	case !v.CanConfirm:
		res.Outcome = OutcomeBlocked
		return res, nil
	case v.Summary.Warnings > 0 && !req.OverrideWarnings:
		res.Outcome = OutcomeRequiresOverride
		return res, nil
	}

	confirmed, err := c.store.TransitionConfiguration(ctx, tenantID, cfg.ID, model.ConfigConfigured, model.ConfigConfirmed, req.ActorID)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("planval: confirm %s: %w", cfg.ID, err)
	}
	res.Outcome = OutcomeConfirmed
	res.Configuration = confirmed

	if c.metrics != nil {
		pm, err := c.metrics.Record(ctx, tenantID, job, v)
		if err != nil {
			// The confirmation is committed; the snapshot can be rebuilt from the job.
			log.Printf("plan metrics failed tenant=%s job=%s err=%v", tenantID, job.ID, err)
		} else {
			res.Metrics = &pm
		}
	}
	events.Audit(ctx, c.audit, tenantID, events.AuditEntry{
		EntityType: "configuration",
		EntityID:   cfg.ID,
		Action:     "confirmed",
		ActorID:    req.ActorID,
		Changes: map[string]any{
			"jobId":            job.ID,
			"overrideWarnings": req.OverrideWarnings,
			"warnings":         v.Summary.Warnings,
			"from":             model.ConfigConfigured,
			"to":               model.ConfigConfirmed,
		},
	})
	return res, nil
}
