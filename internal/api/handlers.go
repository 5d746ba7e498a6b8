package api

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/google/uuid"

    "fleetops/internal/auth"
    "fleetops/internal/batch"
    "fleetops/internal/buildinfo"
    "fleetops/internal/integrations/csvorders"
    "fleetops/internal/model"
    "fleetops/internal/planval"
    "fleetops/internal/reassign"
    "fleetops/internal/store"
)

// splitID returns the id and the optional action following prefix, e.g.
// "/v1/jobs/j1/validate" -> ("j1", "validate").
func splitID(path, prefix string) (id, action string, ok bool) {
    rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
    if rest == "" || !strings.HasPrefix(path, prefix) { return "", "", false }
    id, action, _ = strings.Cut(rest, "/")
    return id, action, id != ""
}

func queryInt(r *http.Request, key string, fallback int) int {
    if v := r.URL.Query().Get(key); v != "" {
        if n, err := strconv.Atoi(v); err == nil { return n }
    }
    return fallback
}

func methodNotAllowed(w http.ResponseWriter) { w.WriteHeader(http.StatusMethodNotAllowed) }

// OrdersHandler handles GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { methodNotAllowed(w); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    q := r.URL.Query()
    items, next, err := s.Store.ListOrders(r.Context(), p.Tenant, model.OrderStatus(q.Get("status")), q.Get("cursor"), queryInt(r, "limit", 100))
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// OrdersImportHandler handles POST /v1/orders/import with a JSON or CSV body.
func (s *Server) OrdersImportHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { methodNotAllowed(w); return }
    p, ok := s.require(w, r, auth.RolePlanner, auth.RoleDispatcher)
    if !ok { return }
    var orders []model.Order
    if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
        parsed, err := csvorders.New(http.MaxBytesReader(w, r.Body, maxBody)).FetchOrders(r.Context())
        if err != nil { writeError(w, r, err); return }
        orders = parsed
    } else {
        var req struct {
            Orders []model.Order `json:"orders"`
        }
        if err := decodeJSON(r, &req); err != nil { writeError(w, r, err); return }
        orders = req.Orders
    }
    if len(orders) == 0 { writeError(w, r, model.Invalid("no orders in request")); return }
    res, err := batch.LoadOrders(r.Context(), s.Store, p.Tenant, orders, s.Batch)
    if err != nil { writeError(w, r, err); return }
    status := http.StatusOK
    if len(res.Errors) > 0 { status = http.StatusMultiStatus }
    writeJSON(w, status, res)
}

// PoliciesHandler handles POST /v1/time-window-policies
func (s *Server) PoliciesHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { methodNotAllowed(w); return }
    p, ok := s.require(w, r, auth.RolePlanner)
    if !ok { return }
    var tp model.TimeWindowPolicy
    if err := decodeJSON(r, &tp); err != nil { writeError(w, r, err); return }
    if tp.Kind != model.WindowRange && tp.Kind != model.WindowExact { writeError(w, r, model.Invalid("kind must be RANGE or EXACT")); return }
    if !tp.Strictness.Valid() { writeError(w, r, model.Invalid("strictness must be HARD or SOFT")); return }
    if tp.ToleranceMinutes < 0 || tp.PenaltyFactor < 0 { writeError(w, r, model.Invalid("toleranceMinutes and penaltyFactor must be >= 0")); return }
    if tp.ID == "" { tp.ID = uuid.NewString() }
    if err := s.Store.SaveTimeWindowPolicy(r.Context(), p.Tenant, tp); err != nil { writeError(w, r, err); return }
    tp.TenantID = p.Tenant
    writeJSON(w, http.StatusCreated, tp)
}

// VehiclesHandler handles POST /v1/vehicles and GET /v1/vehicles?ids=a,b
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
    p, ok := s.principal(w, r)
    if !ok { return }
    switch r.Method {
    case http.MethodPost:
        if !p.Can(auth.RolePlanner) { writeProblem(w, http.StatusForbidden, "Forbidden", "planner or admin required", r.URL.Path); return }
        var v model.Vehicle
        if err := decodeJSON(r, &v); err != nil { writeError(w, r, err); return }
        if v.CapacityWeightKg < 0 || v.CapacityVolumeM3 < 0 { writeError(w, r, model.Invalid("capacities must be >= 0")); return }
        if v.ID == "" { v.ID = uuid.NewString() }
        if err := s.Store.SaveVehicle(r.Context(), p.Tenant, v); err != nil { writeError(w, r, err); return }
        v.TenantID = p.Tenant
        writeJSON(w, http.StatusCreated, v)
    case http.MethodGet:
        ids := strings.Split(r.URL.Query().Get("ids"), ",")
        items, err := s.Store.GetVehicles(r.Context(), p.Tenant, ids)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        methodNotAllowed(w)
    }
}

// DriversIndexHandler handles POST/GET /v1/drivers
func (s *Server) DriversIndexHandler(w http.ResponseWriter, r *http.Request) {
    p, ok := s.principal(w, r)
    if !ok { return }
    switch r.Method {
    case http.MethodPost:
        if !p.Can(auth.RoleDispatcher) { writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var d model.Driver
        if err := decodeJSON(r, &d); err != nil { writeError(w, r, err); return }
        if d.Status == "" { d.Status = model.DriverAvailable }
        if !d.Status.Valid() { writeError(w, r, model.Invalid(fmt.Sprintf("unknown driver status %q", d.Status))); return }
        if d.ID == "" { d.ID = uuid.NewString() }
        if err := s.Store.SaveDriver(r.Context(), p.Tenant, d); err != nil { writeError(w, r, err); return }
        d.TenantID = p.Tenant
        writeJSON(w, http.StatusCreated, d)
    case http.MethodGet:
        q := r.URL.Query()
        items, err := s.Store.ListDrivers(r.Context(), p.Tenant, store.DriverFilter{Status: model.DriverStatus(q.Get("status")), FleetID: q.Get("fleetId")})
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        methodNotAllowed(w)
    }
}

// ConfigurationsHandler handles POST /v1/configurations
func (s *Server) ConfigurationsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { methodNotAllowed(w); return }
    p, ok := s.require(w, r, auth.RolePlanner)
    if !ok { return }
    var c model.Configuration
    if err := decodeJSON(r, &c); err != nil { writeError(w, r, err); return }
    if c.Status == "" { c.Status = model.ConfigDraft }
    if c.Status != model.ConfigDraft && c.Status != model.ConfigConfigured {
        writeError(w, r, model.Invalid("a new configuration starts DRAFT or CONFIGURED"))
        return
    }
    if c.PlanDate != "" {
        if _, err := time.Parse(time.DateOnly, c.PlanDate); err != nil { writeError(w, r, model.Invalid("planDate must be YYYY-MM-DD")); return }
    }
    if c.ID == "" { c.ID = uuid.NewString() }
    c.ConfirmedAt, c.ConfirmedBy = nil, ""
    if err := s.Store.SaveConfiguration(r.Context(), p.Tenant, c); err != nil { writeError(w, r, err); return }
    saved, err := s.Store.GetConfiguration(r.Context(), p.Tenant, c.ID)
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusCreated, saved)
}

// ConfigurationByIDHandler handles GET /v1/configurations/{id},
// PATCH /v1/configurations/{id}/status, POST /v1/configurations/{id}/optimize
// and POST /v1/configurations/{id}/confirm
func (s *Server) ConfigurationByIDHandler(w http.ResponseWriter, r *http.Request) {
    id, action, ok := splitID(r.URL.Path, "/v1/configurations/")
    if !ok { writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path); return }
    switch {
    case action == "" && r.Method == http.MethodGet:
        p, ok := s.principal(w, r)
        if !ok { return }
        c, err := s.Store.GetConfiguration(r.Context(), p.Tenant, id)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, c)
    case action == "status" && r.Method == http.MethodPatch:
        p, ok := s.require(w, r, auth.RolePlanner)
        if !ok { return }
        var body struct {
            Status model.ConfigStatus `json:"status"`
        }
        if err := decodeJSON(r, &body); err != nil { writeError(w, r, err); return }
        // OPTIMIZING and CONFIRMED are only reached through optimize and confirm.
        if body.Status != model.ConfigDraft && body.Status != model.ConfigConfigured {
            writeError(w, r, model.Invalid("status can only be set to DRAFT or CONFIGURED"))
            return
        }
        cur, err := s.Store.GetConfiguration(r.Context(), p.Tenant, id)
        if err != nil { writeError(w, r, err); return }
        if !cur.Status.CanTransition(body.Status) {
            writeError(w, r, model.Invalid(fmt.Sprintf("configuration cannot move from %s to %s", cur.Status, body.Status)))
            return
        }
        c, err := s.Store.TransitionConfiguration(r.Context(), p.Tenant, id, cur.Status, body.Status, p.ActorID)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, c)
    case action == "optimize" && r.Method == http.MethodPost:
        p, ok := s.require(w, r, auth.RolePlanner, auth.RoleDispatcher)
        if !ok { return }
        job, err := s.Planner.Optimize(r.Context(), p.Tenant, id, p.ActorID)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, job)
    case action == "confirm" && r.Method == http.MethodPost:
        p, ok := s.require(w, r, auth.RolePlanner, auth.RoleDispatcher)
        if !ok { return }
        var body struct {
            JobID            string `json:"jobId"`
            OverrideWarnings bool   `json:"overrideWarnings"`
        }
        if err := decodeJSON(r, &body); err != nil { writeError(w, r, err); return }
        res, err := s.Confirmer.Confirm(r.Context(), p.Tenant, planval.ConfirmRequest{
            ConfigurationID: id, JobID: body.JobID, OverrideWarnings: body.OverrideWarnings, ActorID: p.ActorID,
        })
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, res)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

// JobByIDHandler handles GET /v1/jobs/{id}, GET /v1/jobs/{id}/stops,
// POST /v1/jobs/{id}/validate and GET /v1/jobs/{id}/metrics
func (s *Server) JobByIDHandler(w http.ResponseWriter, r *http.Request) {
    id, action, ok := splitID(r.URL.Path, "/v1/jobs/")
    if !ok { writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path); return }
    p, ok := s.principal(w, r)
    if !ok { return }
    ctx := r.Context()
    switch {
    case action == "" && r.Method == http.MethodGet:
        job, err := s.Store.GetJob(ctx, p.Tenant, id)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, job)
    case action == "stops" && r.Method == http.MethodGet:
        items, err := s.Store.ListStopsByJob(ctx, p.Tenant, id)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    case action == "validate" && r.Method == http.MethodPost:
        job, err := s.Store.GetJob(ctx, p.Tenant, id)
        if err != nil { writeError(w, r, err); return }
        cfg, err := s.jobConfiguration(ctx, p.Tenant, job)
        if err != nil { writeError(w, r, err); return }
        res, err := s.Validator.Validate(ctx, p.Tenant, job.Result, cfg)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, res)
    case action == "metrics" && r.Method == http.MethodGet:
        pm, err := s.PlanMx.ForJob(ctx, p.Tenant, id)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, pm)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

// jobConfiguration returns the job's configuration, or nil when it has none.
func (s *Server) jobConfiguration(ctx context.Context, tenant string, job model.Job) (*model.Configuration, error) {
    if job.ConfigurationID == "" { return nil, nil }
    c, err := s.Store.GetConfiguration(ctx, tenant, job.ConfigurationID)
    if errors.Is(err, store.ErrNotFound) { return nil, nil }
    if err != nil { return nil, err }
    return &c, nil
}

// DriverByIDHandler handles GET /v1/drivers/{id}, PATCH /v1/drivers/{id}/status,
// GET /v1/drivers/{id}/reassignment-options, GET /v1/drivers/{id}/reassignment-impact,
// POST /v1/drivers/{id}/reassign and GET /v1/drivers/{id}/reassignments
func (s *Server) DriverByIDHandler(w http.ResponseWriter, r *http.Request) {
    id, action, ok := splitID(r.URL.Path, "/v1/drivers/")
    if !ok { writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path); return }
    ctx := r.Context()
    q := r.URL.Query()
    switch {
    case action == "" && r.Method == http.MethodGet:
        p, ok := s.principal(w, r)
        if !ok { return }
        d, err := s.Store.GetDriver(ctx, p.Tenant, id)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, d)
    case action == "status" && r.Method == http.MethodPatch:
        p, ok := s.require(w, r, auth.RoleDispatcher)
        if !ok { return }
        var body struct {
            Status model.DriverStatus `json:"status"`
        }
        if err := decodeJSON(r, &body); err != nil { writeError(w, r, err); return }
        if !body.Status.Valid() { writeError(w, r, model.Invalid(fmt.Sprintf("unknown driver status %q", body.Status))); return }
        d, err := s.Store.GetDriver(ctx, p.Tenant, id)
        if err != nil { writeError(w, r, err); return }
        changed, err := s.Store.UpdateDriverStatusIf(ctx, p.Tenant, id, d.Status, body.Status)
        if err != nil { writeError(w, r, err); return }
        if !changed { writeError(w, r, fmt.Errorf("driver %s changed concurrently: %w", id, store.ErrConflict)); return }
        d.Status = body.Status
        writeJSON(w, http.StatusOK, d)
    case action == "reassignment-options" && r.Method == http.MethodGet:
        p, ok := s.require(w, r, auth.RoleDispatcher)
        if !ok { return }
        strategy := reassign.Strategy(strings.ToUpper(q.Get("strategy")))
        if strategy == "" { strategy = reassign.StrategySameFleet }
        opts, err := s.Impact.RankOptions(ctx, p.Tenant, id, strategy, q.Get("jobId"), queryInt(r, "limit", 0))
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": opts})
    case action == "reassignment-impact" && r.Method == http.MethodGet:
        p, ok := s.require(w, r, auth.RoleDispatcher)
        if !ok { return }
        cand := q.Get("candidateId")
        if cand == "" { writeError(w, r, model.Invalid("candidateId is required")); return }
        im, err := s.Impact.CalculateImpact(ctx, p.Tenant, id, cand, q.Get("jobId"))
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, im)
    case action == "reassign" && r.Method == http.MethodPost:
        p, ok := s.require(w, r, auth.RoleDispatcher)
        if !ok { return }
        var req reassign.Request
        if err := decodeJSON(r, &req); err != nil { writeError(w, r, err); return }
        if req.AbsentDriverID != "" && req.AbsentDriverID != id {
            writeError(w, r, model.Invalid("absentDriverId does not match the path"))
            return
        }
        req.AbsentDriverID = id
        req.ActorID = p.ActorID
        res, err := s.Executor.Execute(ctx, p.Tenant, req)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, res)
    case action == "reassignments" && r.Method == http.MethodGet:
        p, ok := s.principal(w, r)
        if !ok { return }
        items, err := s.Store.ListReassignmentRecords(ctx, p.Tenant, id, queryInt(r, "limit", 50))
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

// StopByIDHandler handles GET /v1/stops/{id} and PATCH /v1/stops/{id}/status
func (s *Server) StopByIDHandler(w http.ResponseWriter, r *http.Request) {
    id, action, ok := splitID(r.URL.Path, "/v1/stops/")
    if !ok { writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path); return }
    switch {
    case action == "" && r.Method == http.MethodGet:
        p, ok := s.principal(w, r)
        if !ok { return }
        st, err := s.Store.GetStop(r.Context(), p.Tenant, id)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, st)
    case action == "status" && r.Method == http.MethodPatch:
        p, ok := s.require(w, r, auth.RoleDriver, auth.RoleDispatcher)
        if !ok { return }
        var body struct {
            Status model.StopStatus `json:"status"`
            Note   string           `json:"note"`
        }
        if err := decodeJSON(r, &body); err != nil { writeError(w, r, err); return }
        st, err := s.Tracking.UpdateStopStatus(r.Context(), p.Tenant, id, body.Status, body.Note, p.ActorID)
        if err != nil { writeError(w, r, err); return }
        writeJSON(w, http.StatusOK, st)
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
    }
}

// PlanMetricsHandler handles GET /v1/admin/plan-metrics?configurationId=&limit=
func (s *Server) PlanMetricsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/plan-metrics" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p, ok := s.require(w, r, auth.RolePlanner)
    if !ok { return }
    items, err := s.PlanMx.History(r.Context(), p.Tenant, r.URL.Query().Get("configurationId"), queryInt(r, "limit", 0))
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// RecentAlertsHandler handles GET /v1/admin/alerts
func (s *Server) RecentAlertsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { methodNotAllowed(w); return }
    p, ok := s.require(w, r, auth.RoleDispatcher)
    if !ok { return }
    if s.Recent == nil {
        writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
        return
    }
    items, err := s.Recent.Recent(r.Context(), p.Tenant, queryInt(r, "limit", 50))
    if err != nil { writeError(w, r, err); return }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
    defer cancel()
    if pg, ok := s.Store.(pinger); ok {
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", "database: "+err.Error(), r.URL.Path); return }
    }
    if s.Recent != nil {
        if err := s.Recent.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", "redis: "+err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, buildinfo.Info())
}
