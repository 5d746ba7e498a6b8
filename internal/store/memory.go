package store

import (
    "cmp"
    "context"
    "fmt"
    "slices"
    "sync"
    "time"

    "github.com/google/uuid"

    "fleetops/internal/model"
)

type tkey struct{ tenant, id string }

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu       sync.Mutex
    now      func() time.Time
    orders   map[tkey]model.Order
    orderIDs map[string][]string // tenant -> order ids in insertion order
    policies map[tkey]model.TimeWindowPolicy
    vehicles map[tkey]model.Vehicle
    drivers  map[tkey]model.Driver
    stops    map[tkey]model.Stop
    jobs     map[tkey]model.Job
    configs  map[tkey]model.Configuration
    records  map[string][]model.ReassignmentRecord // tenant -> records
    planMx   map[string][]model.PlanMetrics        // tenant -> snapshots, append-only
}

func NewMemory() *Memory {
    return &Memory{
        now:      func() time.Time { return time.Now().UTC() },
        orders:   map[tkey]model.Order{},
        orderIDs: map[string][]string{},
        policies: map[tkey]model.TimeWindowPolicy{},
        vehicles: map[tkey]model.Vehicle{},
        drivers:  map[tkey]model.Driver{},
        stops:    map[tkey]model.Stop{},
        jobs:     map[tkey]model.Job{},
        configs:  map[tkey]model.Configuration{},
        records:  map[string][]model.ReassignmentRecord{},
        planMx:   map[string][]model.PlanMetrics{},
    }
}

// InsertOrders stores the chunk all-or-nothing: one malformed or duplicate order
// rejects every order in the call.
func (m *Memory) InsertOrders(ctx context.Context, tenantID string, orders []model.Order) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    batch := make([]model.Order, 0, len(orders))
    seen := map[string]bool{}
    for i, o := range orders {
        if err := model.Validate(o); err != nil {
            return 0, fmt.Errorf("order %d: %w", i, err)
        }
        if o.ID == "" { o.ID = uuid.NewString() }
        if _, dup := m.orders[tkey{tenantID, o.ID}]; dup || seen[o.ID] {
            return 0, fmt.Errorf("order %s: %w", o.ID, ErrConflict)
        }
        seen[o.ID] = true
        o.TenantID = tenantID
        if o.Status == "" { o.Status = model.OrderPending }
        if o.CreatedAt.IsZero() { o.CreatedAt = m.now() }
        batch = append(batch, o)
    }
    for _, o := range batch {
        m.orders[tkey{tenantID, o.ID}] = o
        m.orderIDs[tenantID] = append(m.orderIDs[tenantID], o.ID)
    }
    return len(batch), nil
}

func (m *Memory) GetOrders(ctx context.Context, tenantID string, ids []string) ([]model.Order, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Order, 0, len(ids))
    for _, id := range dedupe(ids) {
        if o, ok := m.orders[tkey{tenantID, id}]; ok { out = append(out, o) }
    }
    return out, nil
}

func (m *Memory) ListOrders(ctx context.Context, tenantID string, status model.OrderStatus, cursor string, limit int) ([]model.Order, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.orderIDs[tenantID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []model.Order{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        o := m.orders[tkey{tenantID, ids[i]}]
        if status == "" || o.Status == status { out = append(out, o) }
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) UpdateOrderStatus(ctx context.Context, tenantID, orderID string, status model.OrderStatus) error {
    m.mu.Lock(); defer m.mu.Unlock()
    k := tkey{tenantID, orderID}
    o, ok := m.orders[k]
    if !ok { return ErrNotFound }
    o.Status = status
    m.orders[k] = o
    return nil
}

func (m *Memory) SaveTimeWindowPolicy(ctx context.Context, tenantID string, p model.TimeWindowPolicy) error {
    m.mu.Lock(); defer m.mu.Unlock()
    p.TenantID = tenantID
    m.policies[tkey{tenantID, p.ID}] = p
    return nil
}

func (m *Memory) GetTimeWindowPolicies(ctx context.Context, tenantID string, ids []string) (map[string]model.TimeWindowPolicy, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := map[string]model.TimeWindowPolicy{}
    for _, id := range dedupe(ids) {
        if p, ok := m.policies[tkey{tenantID, id}]; ok { out[id] = p }
    }
    return out, nil
}

func (m *Memory) SaveVehicle(ctx context.Context, tenantID string, v model.Vehicle) error {
    m.mu.Lock(); defer m.mu.Unlock()
    v.TenantID = tenantID
    m.vehicles[tkey{tenantID, v.ID}] = v
    return nil
}

func (m *Memory) GetVehicles(ctx context.Context, tenantID string, ids []string) ([]model.Vehicle, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]model.Vehicle, 0, len(ids))
    for _, id := range dedupe(ids) {
        if v, ok := m.vehicles[tkey{tenantID, id}]; ok { out = append(out, v) }
    }
    return out, nil
}

func (m *Memory) SaveDriver(ctx context.Context, tenantID string, d model.Driver) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d.TenantID = tenantID
    d.Skills = slices.Clone(d.Skills)
    m.drivers[tkey{tenantID, d.ID}] = d
    return nil
}

func (m *Memory) GetDriver(ctx context.Context, tenantID, driverID string) (model.Driver, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.drivers[tkey{tenantID, driverID}]
    if !ok { return model.Driver{}, ErrNotFound }
    return d, nil
}

func (m *Memory) ListDrivers(ctx context.Context, tenantID string, f DriverFilter) ([]model.Driver, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Driver{}
    for k, d := range m.drivers {
        if k.tenant != tenantID { continue }
        if f.Status != "" && d.Status != f.Status { continue }
        if f.FleetID != "" && d.FleetID != f.FleetID { continue }
        out = append(out, d)
    }
    slices.SortFunc(out, func(a, b model.Driver) int { return cmp.Compare(a.ID, b.ID) })
    return out, nil
}

func (m *Memory) UpdateDriverStatusIf(ctx context.Context, tenantID, driverID string, from, to model.DriverStatus) (bool, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    k := tkey{tenantID, driverID}
    d, ok := m.drivers[k]
    if !ok { return false, ErrNotFound }
    if d.Status != from { return false, nil }
    d.Status = to
    m.drivers[k] = d
    return true, nil
}

func (m *Memory) InsertStops(ctx context.Context, tenantID string, stops []model.Stop) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    batch := make([]model.Stop, 0, len(stops))
    seen := map[string]bool{}
    for i, s := range stops {
        if s.OrderID == "" || s.JobID == "" {
            return 0, fmt.Errorf("stop %d: %w", i, model.Invalid("orderId and jobId are required"))
        }
        if s.ID == "" { s.ID = uuid.NewString() }
        if _, dup := m.stops[tkey{tenantID, s.ID}]; dup || seen[s.ID] {
            return 0, fmt.Errorf("stop %s: %w", s.ID, ErrConflict)
        }
        seen[s.ID] = true
        s.TenantID = tenantID
        if s.Status == "" { s.Status = model.StopPending }
        if s.Version == 0 { s.Version = 1 }
        s.UpdatedAt = m.now()
        batch = append(batch, s)
    }
    for _, s := range batch { m.stops[tkey{tenantID, s.ID}] = s }
    return len(batch), nil
}

func (m *Memory) GetStop(ctx context.Context, tenantID, stopID string) (model.Stop, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s, ok := m.stops[tkey{tenantID, stopID}]
    if !ok { return model.Stop{}, ErrNotFound }
    return s, nil
}

func (m *Memory) ListStopsByDriver(ctx context.Context, tenantID, driverID, jobID string) ([]model.Stop, error) {
    return m.listStops(tenantID, func(s model.Stop) bool {
        return s.DriverID == driverID && (jobID == "" || s.JobID == jobID)
    }), nil
}

func (m *Memory) ListStopsByJob(ctx context.Context, tenantID, jobID string) ([]model.Stop, error) {
    return m.listStops(tenantID, func(s model.Stop) bool { return s.JobID == jobID }), nil
}

func (m *Memory) DeleteStopsByJob(ctx context.Context, tenantID, jobID string) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    n := 0
    for k, s := range m.stops {
        if k.tenant == tenantID && s.JobID == jobID { delete(m.stops, k); n++ }
    }
    return n, nil
}

func (m *Memory) listStops(tenantID string, keep func(model.Stop) bool) []model.Stop {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Stop{}
    for k, s := range m.stops {
        if k.tenant == tenantID && keep(s) { out = append(out, s) }
    }
    sortStops(out)
    return out
}

func (m *Memory) UpdateStopStatus(ctx context.Context, tenantID, stopID string, from, to model.StopStatus) (model.Stop, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    k := tkey{tenantID, stopID}
    s, ok := m.stops[k]
    if !ok { return model.Stop{}, ErrNotFound }
    if s.Status != from { return s, ErrConflict }
    s.Status = to
    s.Version++
    s.UpdatedAt = m.now()
    m.stops[k] = s
    return s, nil
}

// ReassignStops validates every candidate stop before writing any of them, so a
// version conflict leaves the move entirely unapplied.
func (m *Memory) ReassignStops(ctx context.Context, tenantID string, r StopReassignment) (ReassignOutcome, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    owned := []model.Stop{}
    for _, id := range dedupe(r.StopIDs) {
        s, ok := m.stops[tkey{tenantID, id}]
        if !ok || s.DriverID != r.FromDriverID { continue }
        if r.JobID != "" && s.JobID != r.JobID { continue }
        if want, ok := r.ExpectedVersions[id]; ok && want != s.Version {
            return ReassignOutcome{}, fmt.Errorf("stop %s at version %d, expected %d: %w", id, s.Version, want, ErrConflict)
        }
        owned = append(owned, s)
    }
    out := ReassignOutcome{StopIDs: make([]string, 0, len(owned))}
    now := m.now()
    type jobRoute struct{ job, route string }
    routes := map[jobRoute]bool{}
    for _, s := range owned {
        s.DriverID = r.ToDriverID
        if r.VehicleID != "" { s.VehicleID = r.VehicleID }
        s.Version++
        s.UpdatedAt = now
        m.stops[tkey{tenantID, s.ID}] = s
        out.StopIDs = append(out.StopIDs, s.ID)
        routeID := r.RouteID
        if routeID == "" { routeID = s.RouteID }
        routes[jobRoute{s.JobID, routeID}] = true
    }
    for jr := range routes {
        jk := tkey{tenantID, jr.job}
        j, ok := m.jobs[jk]
        if !ok { continue }
        res := j.Result.Clone()
        if res.ReassignRoute(jr.route, r.FromDriverID, r.ToDriverID, r.VehicleID) {
            j.Result = res
            m.jobs[jk] = j
            out.RouteUpdated = true
        }
    }
    return out, nil
}

func (m *Memory) SaveJob(ctx context.Context, tenantID string, j model.Job) error {
    m.mu.Lock(); defer m.mu.Unlock()
    j.TenantID = tenantID
    if j.CreatedAt.IsZero() { j.CreatedAt = m.now() }
    j.Result = j.Result.Clone()
    m.jobs[tkey{tenantID, j.ID}] = j
    return nil
}

func (m *Memory) GetJob(ctx context.Context, tenantID, jobID string) (model.Job, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    j, ok := m.jobs[tkey{tenantID, jobID}]
    if !ok { return model.Job{}, ErrNotFound }
    j.Result = j.Result.Clone()
    return j, nil
}

func (m *Memory) ListJobs(ctx context.Context, tenantID string, f JobFilter) ([]model.Job, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.Job{}
    for k, j := range m.jobs {
        if k.tenant != tenantID { continue }
        if f.Status != "" && j.Status != f.Status { continue }
        if f.ConfigurationID != "" && j.ConfigurationID != f.ConfigurationID { continue }
        if f.CreatedBefore != nil && !j.CreatedAt.Before(*f.CreatedBefore) { continue }
        j.Result = j.Result.Clone()
        out = append(out, j)
    }
    slices.SortFunc(out, func(a, b model.Job) int {
        if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 { return c }
        return cmp.Compare(b.ID, a.ID)
    })
    if f.Limit > 0 && len(out) > f.Limit { out = out[:f.Limit] }
    return out, nil
}

func (m *Memory) SaveConfiguration(ctx context.Context, tenantID string, c model.Configuration) error {
    m.mu.Lock(); defer m.mu.Unlock()
    c.TenantID = tenantID
    now := m.now()
    if c.CreatedAt.IsZero() { c.CreatedAt = now }
    c.UpdatedAt = now
    m.configs[tkey{tenantID, c.ID}] = c
    return nil
}

func (m *Memory) GetConfiguration(ctx context.Context, tenantID, configID string) (model.Configuration, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    c, ok := m.configs[tkey{tenantID, configID}]
    if !ok { return model.Configuration{}, ErrNotFound }
    return c, nil
}

func (m *Memory) TransitionConfiguration(ctx context.Context, tenantID, configID string, from, to model.ConfigStatus, actorID string) (model.Configuration, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    k := tkey{tenantID, configID}
    c, ok := m.configs[k]
    if !ok { return model.Configuration{}, ErrNotFound }
    if c.Status != from { return c, ErrConflict }
    now := m.now()
    c.Status = to
    c.UpdatedAt = now
    if to == model.ConfigConfirmed {
        c.ConfirmedAt = &now
        c.ConfirmedBy = actorID
    }
    m.configs[k] = c
    return c, nil
}

func (m *Memory) InsertReassignmentRecords(ctx context.Context, tenantID string, recs []model.ReassignmentRecord) error {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, r := range recs {
        if r.ID == "" { r.ID = uuid.NewString() }
        r.TenantID = tenantID
        if r.CreatedAt.IsZero() { r.CreatedAt = m.now() }
        r.StopIDs = slices.Clone(r.StopIDs)
        m.records[tenantID] = append(m.records[tenantID], r)
    }
    return nil
}

// ListReassignmentRecords returns the newest records first. driverID matches
// either side of the reassignment; empty matches all.
func (m *Memory) ListReassignmentRecords(ctx context.Context, tenantID, driverID string, limit int) ([]model.ReassignmentRecord, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    all := m.records[tenantID]
    out := []model.ReassignmentRecord{}
    for i := len(all) - 1; i >= 0; i-- {
        r := all[i]
        if driverID != "" && r.AbsentDriverID != driverID && r.ReplacementDriverID != driverID { continue }
        out = append(out, r)
        if limit > 0 && len(out) == limit { break }
    }
    return out, nil
}

func (m *Memory) AppendPlanMetrics(ctx context.Context, tenantID string, pm model.PlanMetrics) (model.PlanMetrics, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    pm.ID = uuid.NewString()
    pm.TenantID = tenantID
    if pm.CreatedAt.IsZero() { pm.CreatedAt = m.now() }
    m.planMx[tenantID] = append(m.planMx[tenantID], pm)
    return pm, nil
}

// GetPlanMetricsForJob returns the most recent snapshot for jobID.
func (m *Memory) GetPlanMetricsForJob(ctx context.Context, tenantID, jobID string) (model.PlanMetrics, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    items := m.planMx[tenantID]
    for i := len(items) - 1; i >= 0; i-- {
        if items[i].JobID == jobID { return items[i], nil }
    }
    return model.PlanMetrics{}, ErrNotFound
}

func (m *Memory) ListPlanMetrics(ctx context.Context, tenantID, configID string, limit int) ([]model.PlanMetrics, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    items := m.planMx[tenantID]
    out := []model.PlanMetrics{}
    for i := len(items) - 1; i >= 0; i-- {
        if configID != "" && items[i].ConfigurationID != configID { continue }
        out = append(out, items[i])
        if limit > 0 && len(out) == limit { break }
    }
    return out, nil
}

func sortStops(stops []model.Stop) {
    slices.SortFunc(stops, func(a, b model.Stop) int {
        if c := cmp.Compare(a.JobID, b.JobID); c != 0 { return c }
        if c := cmp.Compare(a.RouteID, b.RouteID); c != 0 { return c }
        if a.Sequence != b.Sequence { return a.Sequence - b.Sequence }
        return cmp.Compare(a.ID, b.ID)
    })
}
