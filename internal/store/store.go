package store

import (
    "context"
    "errors"
    "time"

    "fleetops/internal/model"
)

// Store is the tenant-scoped persistence interface used by the engine and the API server.
// Every call carries the tenant explicitly.
type Store interface {
    // Orders
    InsertOrders(ctx context.Context, tenantID string, orders []model.Order) (inserted int, err error)
    GetOrders(ctx context.Context, tenantID string, ids []string) ([]model.Order, error)
    ListOrders(ctx context.Context, tenantID string, status model.OrderStatus, cursor string, limit int) (items []model.Order, nextCursor string, err error)
    UpdateOrderStatus(ctx context.Context, tenantID, orderID string, status model.OrderStatus) error

    // Time-window policies
    SaveTimeWindowPolicy(ctx context.Context, tenantID string, p model.TimeWindowPolicy) error
    GetTimeWindowPolicies(ctx context.Context, tenantID string, ids []string) (map[string]model.TimeWindowPolicy, error)

    // Fleet
    SaveVehicle(ctx context.Context, tenantID string, v model.Vehicle) error
    GetVehicles(ctx context.Context, tenantID string, ids []string) ([]model.Vehicle, error)
    SaveDriver(ctx context.Context, tenantID string, d model.Driver) error
    GetDriver(ctx context.Context, tenantID, driverID string) (model.Driver, error)
    ListDrivers(ctx context.Context, tenantID string, f DriverFilter) ([]model.Driver, error)
    UpdateDriverStatusIf(ctx context.Context, tenantID, driverID string, from, to model.DriverStatus) (bool, error)

    // Stops
    InsertStops(ctx context.Context, tenantID string, stops []model.Stop) (inserted int, err error)
    GetStop(ctx context.Context, tenantID, stopID string) (model.Stop, error)
    ListStopsByDriver(ctx context.Context, tenantID, driverID, jobID string) ([]model.Stop, error)
    ListStopsByJob(ctx context.Context, tenantID, jobID string) ([]model.Stop, error)
    DeleteStopsByJob(ctx context.Context, tenantID, jobID string) (deleted int, err error)
    UpdateStopStatus(ctx context.Context, tenantID, stopID string, from, to model.StopStatus) (model.Stop, error)
    ReassignStops(ctx context.Context, tenantID string, r StopReassignment) (ReassignOutcome, error)

    // Jobs & configurations
    SaveJob(ctx context.Context, tenantID string, j model.Job) error
    GetJob(ctx context.Context, tenantID, jobID string) (model.Job, error)
    ListJobs(ctx context.Context, tenantID string, f JobFilter) ([]model.Job, error)
    SaveConfiguration(ctx context.Context, tenantID string, c model.Configuration) error
    GetConfiguration(ctx context.Context, tenantID, configID string) (model.Configuration, error)
    TransitionConfiguration(ctx context.Context, tenantID, configID string, from, to model.ConfigStatus, actorID string) (model.Configuration, error)

    // Reassignment trail
    InsertReassignmentRecords(ctx context.Context, tenantID string, recs []model.ReassignmentRecord) error
    ListReassignmentRecords(ctx context.Context, tenantID, driverID string, limit int) ([]model.ReassignmentRecord, error)

    // Plan metrics (append-only)
    AppendPlanMetrics(ctx context.Context, tenantID string, m model.PlanMetrics) (model.PlanMetrics, error)
    GetPlanMetricsForJob(ctx context.Context, tenantID, jobID string) (model.PlanMetrics, error)
    ListPlanMetrics(ctx context.Context, tenantID, configID string, limit int) ([]model.PlanMetrics, error)
}

// DriverFilter narrows ListDrivers. Zero fields match everything.
type DriverFilter struct {
    Status  model.DriverStatus
    FleetID string
}

// JobFilter narrows ListJobs. Results are ordered by creation time, newest first.
type JobFilter struct {
    Status          model.JobStatus
    ConfigurationID string
    CreatedBefore   *time.Time
    Limit           int
}

// StopReassignment moves the listed stops from one driver to another. Only stops
// still owned by FromDriverID are touched; the rest are skipped. When
// ExpectedVersions names a stop whose version has moved on, the whole move is
// rejected with ErrConflict and nothing is written.
type StopReassignment struct {
    JobID            string
    RouteID          string
    FromDriverID     string
    ToDriverID       string
    VehicleID        string
    StopIDs          []string
    ExpectedVersions map[string]int
}

type ReassignOutcome struct {
    StopIDs      []string
    RouteUpdated bool
}

var (
    ErrNotFound = errors.New("not found")
    ErrConflict = errors.New("conflict")
)

func dedupe(ids []string) []string {
    seen := make(map[string]bool, len(ids))
    out := make([]string, 0, len(ids))
    for _, id := range ids {
        if id == "" || seen[id] { continue }
        seen[id] = true
        out = append(out, id)
    }
    return out
}
