package reassign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetops/internal/events"
	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/obs"
	"fleetops/internal/store"
)

type Move struct {
	RouteID    string   `json:"routeId"`
	VehicleID  string   `json:"vehicleId,omitempty"`
	ToDriverID string   `json:"toDriverId" validate:"required"`
	StopIDs    []string `json:"stopIds" validate:"required,min=1,dive,required"`
	// ExpectedVersions pins stop versions the caller saw; a mismatch rejects the move.
	ExpectedVersions map[string]int `json:"expectedVersions,omitempty"`
}

type Request struct {
	AbsentDriverID string `json:"absentDriverId" validate:"required"`
	Moves          []Move `json:"moves" validate:"required,min=1,dive"`
	Reason         string `json:"reason,omitempty" validate:"max=500"`
	ActorID        string `json:"actorId,omitempty"`
	JobID          string `json:"jobId,omitempty"`
}

type MoveResult struct {
	Index      int      `json:"index"`
	RouteID    string   `json:"routeId,omitempty"`
	ToDriverID string   `json:"toDriverId"`
	Requested  int      `json:"requested"`
	Reassigned int      `json:"reassigned"`
	StopIDs    []string `json:"stopIds"`
	Error      string   `json:"error,omitempty"`
}

// Result reports what Execute applied. Success means no move failed or hit a
// version conflict; a move that found only some of its stops still owned by the
// absent driver counts as successful and is reported in Warnings.
type Result struct {
	Success          bool         `json:"success"`
	ReassignedStops  int          `json:"reassignedStops"`
	ReassignedRoutes int          `json:"reassignedRoutes"`
	Moves            []MoveResult `json:"moves"`
	Errors           []string     `json:"errors"`
	Warnings         []string     `json:"warnings"`
}

// Executor applies reassignment moves. Each move is atomic in the store; the
// request as a whole is not.
type Executor struct {
	store Store
	audit events.AuditSink
	now   func() time.Time
}

func NewExecutor(s Store, audit events.AuditSink) *Executor {
	return &Executor{store: s, audit: audit, now: func() time.Time { return time.Now().UTC() }}
}

func validateRequest(req Request) error {
	if err := model.Validate(req); err != nil {
		return err
	}
	var problems []string
	for i, m := range req.Moves {
		if m.ToDriverID == req.AbsentDriverID {
			problems = append(problems, fmt.Sprintf("moves[%d]: replacement must differ from the absent driver", i))
		}
	}
	if len(problems) > 0 {
		return model.Invalid(problems...)
	}
	return nil
}

// Execute applies req.Moves in order. Stops that are not owned by the absent
// driver in this tenant (and job, when given) are skipped without being touched.
// Failed moves are reported in the result and do not stop later moves; only
// storage failures abort, after recording the moves that already landed.
func (e *Executor) Execute(ctx context.Context, tenantID string, req Request) (res Result, err error) {
	defer obs.Time(ctx, "reassign.execute", tenantID)(&err)
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	if _, err := e.store.GetDriver(ctx, tenantID, req.AbsentDriverID); err != nil {
		return Result{}, fmt.Errorf("reassign: absent driver %s: %w", req.AbsentDriverID, err)
	}
	replacements := []string{}
	seen := map[string]bool{}
	for _, m := range req.Moves {
		if seen[m.ToDriverID] {
			continue
		}
		seen[m.ToDriverID] = true
		if _, err := e.store.GetDriver(ctx, tenantID, m.ToDriverID); err != nil {
			return Result{}, fmt.Errorf("reassign: replacement driver %s: %w", m.ToDriverID, err)
		}
		replacements = append(replacements, m.ToDriverID)
	}

	res = Result{Moves: []MoveResult{}, Errors: []string{}, Warnings: []string{}}
	var records []model.ReassignmentRecord
	var abort error
	for i, m := range req.Moves {
		mr := MoveResult{Index: i, RouteID: m.RouteID, ToDriverID: m.ToDriverID, Requested: len(m.StopIDs), StopIDs: []string{}}
		out, err := e.store.ReassignStops(ctx, tenantID, store.StopReassignment{
			JobID:            req.JobID,
			RouteID:          m.RouteID,
			FromDriverID:     req.AbsentDriverID,
			ToDriverID:       m.ToDriverID,
			VehicleID:        m.VehicleID,
			StopIDs:          m.StopIDs,
			ExpectedVersions: m.ExpectedVersions,
		})
		if errors.Is(err, store.ErrConflict) {
			mr.Error = err.Error()
			res.Errors = append(res.Errors, fmt.Sprintf("move %d (route %s -> %s): %v", i, m.RouteID, m.ToDriverID, err))
			res.Moves = append(res.Moves, mr)
			metrics.ReassignmentMoves.WithLabelValues("conflict").Inc()
			continue
		}
		if err != nil {
			abort = fmt.Errorf("reassign: move %d: %w", i, err)
			break
		}
		mr.StopIDs, mr.Reassigned = out.StopIDs, len(out.StopIDs)
		res.Moves = append(res.Moves, mr)
		res.ReassignedStops += mr.Reassigned
		if out.RouteUpdated {
			res.ReassignedRoutes++
		}
		switch {
		case mr.Reassigned == 0:
			res.Warnings = append(res.Warnings, fmt.Sprintf("move %d: none of %d stops are still owned by %s", i, mr.Requested, req.AbsentDriverID))
			metrics.ReassignmentMoves.WithLabelValues("skipped").Inc()
			continue
		case mr.Reassigned < mr.Requested:
			res.Warnings = append(res.Warnings, fmt.Sprintf("move %d: %d of %d stops reassigned; the rest are not owned by %s", i, mr.Reassigned, mr.Requested, req.AbsentDriverID))
			metrics.ReassignmentMoves.WithLabelValues("partial").Inc()
		default:
			metrics.ReassignmentMoves.WithLabelValues("applied").Inc()
		}
		metrics.ReassignedStops.Add(float64(mr.Reassigned))
		records = append(records, model.ReassignmentRecord{
			TenantID:            tenantID,
			JobID:               req.JobID,
			RouteID:             m.RouteID,
			VehicleID:           m.VehicleID,
			AbsentDriverID:      req.AbsentDriverID,
			ReplacementDriverID: m.ToDriverID,
			StopIDs:             out.StopIDs,
			Reason:              req.Reason,
			ActorID:             req.ActorID,
			CreatedAt:           e.now(),
		})
	}

	if len(records) > 0 {
		if err := e.store.InsertReassignmentRecords(ctx, tenantID, records); err != nil {
			return res, errors.Join(abort, fmt.Errorf("reassign: write records: %w", err))
		}
	}
	if abort != nil {
		return res, abort
	}

	if err := e.settleDrivers(ctx, tenantID, req.AbsentDriverID, replacements, &res); err != nil {
		return res, err
	}
	res.Success = len(res.Errors) == 0

	events.Audit(ctx, e.audit, tenantID, events.AuditEntry{
		EntityType: "driver",
		EntityID:   req.AbsentDriverID,
		Action:     "stops_reassigned",
		ActorID:    req.ActorID,
		Changes: map[string]any{
			"reason":           req.Reason,
			"jobId":            req.JobID,
			"moves":            res.Moves,
			"reassignedStops":  res.ReassignedStops,
			"reassignedRoutes": res.ReassignedRoutes,
			"success":          res.Success,
		},
	})
	return res, nil
}

// settleDrivers updates occupancy after the moves: an ABSENT driver left with no
// active work becomes UNAVAILABLE, and an AVAILABLE replacement that now owns an
// in-progress stop becomes IN_ROUTE. Other statuses are left alone.
func (e *Executor) settleDrivers(ctx context.Context, tenantID, absentID string, replacements []string, res *Result) error {
	left, err := e.store.ListStopsByDriver(ctx, tenantID, absentID, "")
	if err != nil {
		return fmt.Errorf("reassign: recount absent stops: %w", err)
	}
	active := 0
	for _, s := range left {
		if s.Active() {
			active++
		}
	}
	if active == 0 {
		if _, err := e.store.UpdateDriverStatusIf(ctx, tenantID, absentID, model.DriverAbsent, model.DriverUnavailable); err != nil {
			return fmt.Errorf("reassign: settle absent driver: %w", err)
		}
	} else {
		res.Warnings = append(res.Warnings, fmt.Sprintf("driver %s still owns %d active stops", absentID, active))
	}

	for _, id := range replacements {
		stops, err := e.store.ListStopsByDriver(ctx, tenantID, id, "")
		if err != nil {
			return fmt.Errorf("reassign: load replacement stops: %w", err)
		}
		for _, s := range stops {
			if s.Status != model.StopInProgress {
				continue
			}
			if _, err := e.store.UpdateDriverStatusIf(ctx, tenantID, id, model.DriverAvailable, model.DriverInRoute); err != nil {
				return fmt.Errorf("reassign: settle replacement %s: %w", id, err)
			}
			break
		}
	}
	return nil
}
