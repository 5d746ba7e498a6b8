package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5/pgtype"
    _ "github.com/jackc/pgx/v5/stdlib"

    "fleetops/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// MigrateDir applies every *.sql file in dir in lexical order. Files are expected
// to be idempotent.
func (p *Postgres) MigrateDir(dir string) error {
    files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
    if err != nil { return err }
    sort.Strings(files)
    for _, f := range files {
        b, err := os.ReadFile(f)
        if err != nil { return err }
        if _, err := p.db.Exec(string(b)); err != nil {
            return fmt.Errorf("migrate %s: %w", filepath.Base(f), err)
        }
    }
    return nil
}

type rowScanner interface{ Scan(dest ...any) error }

// textArray adapts a TEXT[] column for database/sql scanning.
func textArray(dst *[]string) sql.Scanner { return pgtype.NewMap().SQLScanner(dst) }

// placeholders renders "($1,$2,...),($n+1,...)" for a multi-row insert.
func placeholders(rows, cols int) string {
    var b strings.Builder
    n := 1
    for r := 0; r < rows; r++ {
        if r > 0 { b.WriteByte(',') }
        b.WriteByte('(')
        for c := 0; c < cols; c++ {
            if c > 0 { b.WriteByte(',') }
            fmt.Fprintf(&b, "$%d", n)
            n++
        }
        b.WriteByte(')')
    }
    return b.String()
}

// InsertOrders writes the chunk as one statement; any bad row fails all of them.
func (p *Postgres) InsertOrders(ctx context.Context, tenantID string, orders []model.Order) (int, error) {
    if len(orders) == 0 { return 0, nil }
    const cols = 17
    args := make([]any, 0, len(orders)*cols)
    now := time.Now().UTC()
    for i, o := range orders {
        if err := model.Validate(o); err != nil {
            return 0, fmt.Errorf("order %d: %w", i, err)
        }
        if o.ID == "" { o.ID = uuid.NewString() }
        if o.Status == "" { o.Status = model.OrderPending }
        if o.CreatedAt.IsZero() { o.CreatedAt = now }
        var override any
        if o.StrictnessOverride != nil { override = string(*o.StrictnessOverride) }
        args = append(args, tenantID, o.ID, nullIfEmpty(o.ExternalRef), o.Priority, nullIfEmpty(o.Address),
            o.Location.Lat, o.Location.Lng, o.WeightKg, o.VolumeM3, o.ServiceMinutes, stringArray(o.RequiredSkills),
            nullIfEmpty(o.TimeWindowPolicyID), override, o.WindowStart, o.WindowEnd, string(o.Status), o.CreatedAt)
    }
    q := `INSERT INTO orders (tenant_id, id, external_ref, priority, address, lat, lng, weight_kg, volume_m3, service_minutes,
        required_skills, time_window_policy_id, strictness_override, window_start, window_end, status, created_at) VALUES ` + placeholders(len(orders), cols)
    res, err := p.db.ExecContext(ctx, q, args...)
    if err != nil { return 0, err }
    n, _ := res.RowsAffected()
    return int(n), nil
}

const orderColumns = `id, external_ref, priority, address, lat, lng, weight_kg, volume_m3, service_minutes, required_skills,
    time_window_policy_id, strictness_override, window_start, window_end, status, created_at`

func scanOrder(row rowScanner, tenantID string) (model.Order, error) {
    var o model.Order
    var ext, addr, policy sql.NullString
    if err := row.Scan(&o.ID, &ext, &o.Priority, &addr, &o.Location.Lat, &o.Location.Lng, &o.WeightKg, &o.VolumeM3,
        &o.ServiceMinutes, textArray(&o.RequiredSkills), &policy, &o.StrictnessOverride, &o.WindowStart, &o.WindowEnd,
        &o.Status, &o.CreatedAt); err != nil {
        return o, err
    }
    o.TenantID = tenantID
    o.ExternalRef, o.Address, o.TimeWindowPolicyID = ext.String, addr.String, policy.String
    return o, nil
}

func (p *Postgres) GetOrders(ctx context.Context, tenantID string, ids []string) ([]model.Order, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE tenant_id=$1 AND id = ANY($2) ORDER BY id`, tenantID, dedupe(ids))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Order{}
    for rows.Next() {
        o, err := scanOrder(rows, tenantID)
        if err != nil { return nil, err }
        out = append(out, o)
    }
    return out, rows.Err()
}

func (p *Postgres) ListOrders(ctx context.Context, tenantID string, status model.OrderStatus, cursor string, limit int) ([]model.Order, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    // Cursor is the last id returned.
    q := `SELECT ` + orderColumns + ` FROM orders WHERE tenant_id=$1`
    args := []any{tenantID}
    if status != "" {
        args = append(args, string(status))
        q += fmt.Sprintf(" AND status=$%d", len(args))
    }
    if cursor != "" {
        args = append(args, cursor)
        q += fmt.Sprintf(" AND id > $%d", len(args))
    }
    args = append(args, limit)
    q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Order{}
    var last string
    for rows.Next() {
        o, err := scanOrder(rows, tenantID)
        if err != nil { return nil, "", err }
        out = append(out, o)
        last = o.ID
    }
    if err := rows.Err(); err != nil { return nil, "", err }
    var next string
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) UpdateOrderStatus(ctx context.Context, tenantID, orderID string, status model.OrderStatus) error {
    res, err := p.db.ExecContext(ctx, `UPDATE orders SET status=$3 WHERE tenant_id=$1 AND id=$2`, tenantID, orderID, string(status))
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) SaveTimeWindowPolicy(ctx context.Context, tenantID string, tp model.TimeWindowPolicy) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO time_window_policies (tenant_id, id, name, kind, strictness, tolerance_minutes, penalty_factor)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (tenant_id, id) DO UPDATE SET name=EXCLUDED.name, kind=EXCLUDED.kind, strictness=EXCLUDED.strictness,
            tolerance_minutes=EXCLUDED.tolerance_minutes, penalty_factor=EXCLUDED.penalty_factor`,
        tenantID, tp.ID, tp.Name, string(tp.Kind), string(tp.Strictness), tp.ToleranceMinutes, tp.PenaltyFactor)
    return err
}

func (p *Postgres) GetTimeWindowPolicies(ctx context.Context, tenantID string, ids []string) (map[string]model.TimeWindowPolicy, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id, name, kind, strictness, tolerance_minutes, penalty_factor
        FROM time_window_policies WHERE tenant_id=$1 AND id = ANY($2)`, tenantID, dedupe(ids))
    if err != nil { return nil, err }
    defer rows.Close()
    out := map[string]model.TimeWindowPolicy{}
    for rows.Next() {
        tp := model.TimeWindowPolicy{TenantID: tenantID}
        if err := rows.Scan(&tp.ID, &tp.Name, &tp.Kind, &tp.Strictness, &tp.ToleranceMinutes, &tp.PenaltyFactor); err != nil {
            return nil, err
        }
        out[tp.ID] = tp
    }
    return out, rows.Err()
}

func (p *Postgres) SaveVehicle(ctx context.Context, tenantID string, v model.Vehicle) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO vehicles (tenant_id, id, plate, fleet_id, capacity_weight_kg, capacity_volume_m3, skills, home_lat, home_lng)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (tenant_id, id) DO UPDATE SET plate=EXCLUDED.plate, fleet_id=EXCLUDED.fleet_id,
            capacity_weight_kg=EXCLUDED.capacity_weight_kg, capacity_volume_m3=EXCLUDED.capacity_volume_m3,
            skills=EXCLUDED.skills, home_lat=EXCLUDED.home_lat, home_lng=EXCLUDED.home_lng`,
        tenantID, v.ID, nullIfEmpty(v.Plate), nullIfEmpty(v.FleetID), v.CapacityWeightKg, v.CapacityVolumeM3,
        stringArray(v.Skills), v.Home.Lat, v.Home.Lng)
    return err
}

func (p *Postgres) GetVehicles(ctx context.Context, tenantID string, ids []string) ([]model.Vehicle, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id, plate, fleet_id, capacity_weight_kg, capacity_volume_m3, skills, home_lat, home_lng
        FROM vehicles WHERE tenant_id=$1 AND id = ANY($2) ORDER BY id`, tenantID, dedupe(ids))
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Vehicle{}
    for rows.Next() {
        v := model.Vehicle{TenantID: tenantID}
        var plate, fleet sql.NullString
        if err := rows.Scan(&v.ID, &plate, &fleet, &v.CapacityWeightKg, &v.CapacityVolumeM3, textArray(&v.Skills), &v.Home.Lat, &v.Home.Lng); err != nil {
            return nil, err
        }
        v.Plate, v.FleetID = plate.String, fleet.String
        out = append(out, v)
    }
    return out, rows.Err()
}

// SaveDriver upserts the driver and replaces its skill rows.
func (p *Postgres) SaveDriver(ctx context.Context, tenantID string, d model.Driver) error {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback() }()
    _, err = tx.ExecContext(ctx, `INSERT INTO drivers (tenant_id, id, name, fleet_id, license_expires_at, status) VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (tenant_id, id) DO UPDATE SET name=EXCLUDED.name, fleet_id=EXCLUDED.fleet_id,
            license_expires_at=EXCLUDED.license_expires_at, status=EXCLUDED.status`,
        tenantID, d.ID, d.Name, nullIfEmpty(d.FleetID), d.LicenseExpiresAt, string(d.Status))
    if err != nil { return err }
    if _, err := tx.ExecContext(ctx, `DELETE FROM driver_skills WHERE tenant_id=$1 AND driver_id=$2`, tenantID, d.ID); err != nil {
        return err
    }
    for _, s := range d.Skills {
        if _, err := tx.ExecContext(ctx, `INSERT INTO driver_skills (tenant_id, driver_id, code, obtained_at, expires_at) VALUES ($1,$2,$3,$4,$5)`,
            tenantID, d.ID, s.Code, s.ObtainedAt, s.ExpiresAt); err != nil {
            return err
        }
    }
    return tx.Commit()
}

const driverColumns = `id, name, fleet_id, license_expires_at, status`

func scanDriver(row rowScanner, tenantID string) (model.Driver, error) {
    d := model.Driver{TenantID: tenantID}
    var fleet sql.NullString
    if err := row.Scan(&d.ID, &d.Name, &fleet, &d.LicenseExpiresAt, &d.Status); err != nil {
        return d, err
    }
    d.FleetID = fleet.String
    return d, nil
}

func (p *Postgres) GetDriver(ctx context.Context, tenantID, driverID string) (model.Driver, error) {
    d, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE tenant_id=$1 AND id=$2`, tenantID, driverID), tenantID)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return d, ErrNotFound }
        return d, err
    }
    ds := []model.Driver{d}
    if err := p.loadSkills(ctx, tenantID, ds); err != nil { return d, err }
    return ds[0], nil
}

func (p *Postgres) ListDrivers(ctx context.Context, tenantID string, f DriverFilter) ([]model.Driver, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers
        WHERE tenant_id=$1 AND ($2 = '' OR status=$2) AND ($3 = '' OR fleet_id=$3) ORDER BY id`,
        tenantID, string(f.Status), f.FleetID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Driver{}
    for rows.Next() {
        d, err := scanDriver(rows, tenantID)
        if err != nil { return nil, err }
        out = append(out, d)
    }
    if err := rows.Err(); err != nil { return nil, err }
    return out, p.loadSkills(ctx, tenantID, out)
}

func (p *Postgres) loadSkills(ctx context.Context, tenantID string, ds []model.Driver) error {
    if len(ds) == 0 { return nil }
    idx := make(map[string]int, len(ds))
    ids := make([]string, len(ds))
    for i, d := range ds { idx[d.ID] = i; ids[i] = d.ID }
    rows, err := p.db.QueryContext(ctx, `SELECT driver_id, code, obtained_at, expires_at FROM driver_skills
        WHERE tenant_id=$1 AND driver_id = ANY($2) ORDER BY driver_id, code`, tenantID, ids)
    if err != nil { return err }
    defer rows.Close()
    for rows.Next() {
        var driverID string
        var s model.DriverSkill
        if err := rows.Scan(&driverID, &s.Code, &s.ObtainedAt, &s.ExpiresAt); err != nil { return err }
        i := idx[driverID]
        ds[i].Skills = append(ds[i].Skills, s)
    }
    return rows.Err()
}

func (p *Postgres) UpdateDriverStatusIf(ctx context.Context, tenantID, driverID string, from, to model.DriverStatus) (bool, error) {
    res, err := p.db.ExecContext(ctx, `UPDATE drivers SET status=$4 WHERE tenant_id=$1 AND id=$2 AND status=$3`,
        tenantID, driverID, string(from), string(to))
    if err != nil { return false, err }
    n, _ := res.RowsAffected()
    if n > 0 { return true, nil }
    var exists bool
    if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM drivers WHERE tenant_id=$1 AND id=$2)`, tenantID, driverID).Scan(&exists); err != nil {
        return false, err
    }
    if !exists { return false, ErrNotFound }
    return false, nil
}

func (p *Postgres) InsertStops(ctx context.Context, tenantID string, stops []model.Stop) (int, error) {
    if len(stops) == 0 { return 0, nil }
    const cols = 16
    args := make([]any, 0, len(stops)*cols)
    for i, s := range stops {
        if s.OrderID == "" || s.JobID == "" {
            return 0, fmt.Errorf("stop %d: %w", i, model.Invalid("orderId and jobId are required"))
        }
        if s.ID == "" { s.ID = uuid.NewString() }
        if s.Status == "" { s.Status = model.StopPending }
        if s.Version == 0 { s.Version = 1 }
        args = append(args, tenantID, s.ID, s.JobID, s.RouteID, s.OrderID, nullIfEmpty(s.VehicleID), nullIfEmpty(s.DriverID),
            s.Sequence, string(s.Status), nullIfEmpty(string(s.WindowKind)), s.WindowStart, s.WindowEnd, s.ToleranceMinutes,
            nullIfEmpty(string(s.Strictness)), s.EstimatedArrival, s.Version)
    }
    q := `INSERT INTO stops (tenant_id, id, job_id, route_id, order_id, vehicle_id, driver_id, sequence, status,
        window_kind, window_start, window_end, tolerance_minutes, strictness, estimated_arrival, version) VALUES ` + placeholders(len(stops), cols)
    res, err := p.db.ExecContext(ctx, q, args...)
    if err != nil { return 0, err }
    n, _ := res.RowsAffected()
    return int(n), nil
}

const stopColumns = `id, job_id, route_id, order_id, vehicle_id, driver_id, sequence, status, window_kind, window_start,
    window_end, tolerance_minutes, strictness, estimated_arrival, version, updated_at`

func scanStop(row rowScanner, tenantID string) (model.Stop, error) {
    s := model.Stop{TenantID: tenantID}
    var vehicle, driver, kind, strict sql.NullString
    if err := row.Scan(&s.ID, &s.JobID, &s.RouteID, &s.OrderID, &vehicle, &driver, &s.Sequence, &s.Status, &kind,
        &s.WindowStart, &s.WindowEnd, &s.ToleranceMinutes, &strict, &s.EstimatedArrival, &s.Version, &s.UpdatedAt); err != nil {
        return s, err
    }
    s.VehicleID, s.DriverID = vehicle.String, driver.String
    s.WindowKind, s.Strictness = model.TimeWindowKind(kind.String), model.Strictness(strict.String)
    return s, nil
}

func (p *Postgres) queryStops(ctx context.Context, tenantID, where string, args ...any) ([]model.Stop, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT `+stopColumns+` FROM stops WHERE tenant_id=$1 AND `+where+
        ` ORDER BY job_id, route_id, sequence, id`, append([]any{tenantID}, args...)...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Stop{}
    for rows.Next() {
        s, err := scanStop(rows, tenantID)
        if err != nil { return nil, err }
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) GetStop(ctx context.Context, tenantID, stopID string) (model.Stop, error) {
    s, err := scanStop(p.db.QueryRowContext(ctx, `SELECT `+stopColumns+` FROM stops WHERE tenant_id=$1 AND id=$2`, tenantID, stopID), tenantID)
    if errors.Is(err, sql.ErrNoRows) { return s, ErrNotFound }
    return s, err
}

func (p *Postgres) ListStopsByDriver(ctx context.Context, tenantID, driverID, jobID string) ([]model.Stop, error) {
    return p.queryStops(ctx, tenantID, `driver_id=$2 AND ($3 = '' OR job_id=$3)`, driverID, jobID)
}

func (p *Postgres) ListStopsByJob(ctx context.Context, tenantID, jobID string) ([]model.Stop, error) {
    return p.queryStops(ctx, tenantID, `job_id=$2`, jobID)
}

func (p *Postgres) DeleteStopsByJob(ctx context.Context, tenantID, jobID string) (int, error) {
    res, err := p.db.ExecContext(ctx, `DELETE FROM stops WHERE tenant_id=$1 AND job_id=$2`, tenantID, jobID)
    if err != nil { return 0, err }
    n, err := res.RowsAffected()
    return int(n), err
}

func (p *Postgres) UpdateStopStatus(ctx context.Context, tenantID, stopID string, from, to model.StopStatus) (model.Stop, error) {
    s, err := scanStop(p.db.QueryRowContext(ctx, `UPDATE stops SET status=$4, version=version+1, updated_at=now()
        WHERE tenant_id=$1 AND id=$2 AND status=$3 RETURNING `+stopColumns, tenantID, stopID, string(from), string(to)), tenantID)
    if err == nil { return s, nil }
    if !errors.Is(err, sql.ErrNoRows) { return s, err }
    cur, gerr := p.GetStop(ctx, tenantID, stopID)
    if gerr != nil { return cur, gerr }
    return cur, ErrConflict
}

// ReassignStops runs one move in a single transaction. Owned rows are locked,
// version-checked, then updated together; the route in the job result follows.
func (p *Postgres) ReassignStops(ctx context.Context, tenantID string, r StopReassignment) (ReassignOutcome, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return ReassignOutcome{}, err }
    defer func(){ _ = tx.Rollback() }()

    rows, err := tx.QueryContext(ctx, `SELECT id, job_id, route_id, version FROM stops
        WHERE tenant_id=$1 AND id = ANY($2) AND driver_id=$3 AND ($4 = '' OR job_id=$4)
        ORDER BY id FOR UPDATE`, tenantID, dedupe(r.StopIDs), r.FromDriverID, r.JobID)
    if err != nil { return ReassignOutcome{}, err }
    type jobRoute struct{ job, route string }
    routes := map[jobRoute]bool{}
    ids := []string{}
    for rows.Next() {
        var id, jobID, routeID string
        var version int
        if err := rows.Scan(&id, &jobID, &routeID, &version); err != nil { rows.Close(); return ReassignOutcome{}, err }
        if want, ok := r.ExpectedVersions[id]; ok && want != version {
            rows.Close()
            return ReassignOutcome{}, fmt.Errorf("stop %s at version %d, expected %d: %w", id, version, want, ErrConflict)
        }
        if r.RouteID != "" { routeID = r.RouteID }
        routes[jobRoute{jobID, routeID}] = true
        ids = append(ids, id)
    }
    rows.Close()
    if err := rows.Err(); err != nil { return ReassignOutcome{}, err }
    out := ReassignOutcome{StopIDs: ids}
    if len(ids) == 0 { return out, nil }

    res, err := tx.ExecContext(ctx, `UPDATE stops SET driver_id=$4, vehicle_id=COALESCE(NULLIF($5,''), vehicle_id),
        version=version+1, updated_at=now() WHERE tenant_id=$1 AND id = ANY($2) AND driver_id=$3`,
        tenantID, ids, r.FromDriverID, r.ToDriverID, r.VehicleID)
    if err != nil { return ReassignOutcome{}, err }
    if n, _ := res.RowsAffected(); int(n) != len(ids) {
        return ReassignOutcome{}, fmt.Errorf("reassign: %d of %d rows updated: %w", n, len(ids), ErrConflict)
    }

    for jr := range routes {
        var raw []byte
        err := tx.QueryRowContext(ctx, `SELECT result FROM jobs WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, jr.job).Scan(&raw)
        if errors.Is(err, sql.ErrNoRows) { continue }
        if err != nil { return ReassignOutcome{}, err }
        var result model.JobResult
        if err := json.Unmarshal(raw, &result); err != nil { return ReassignOutcome{}, fmt.Errorf("decode job %s result: %w", jr.job, err) }
        if !result.ReassignRoute(jr.route, r.FromDriverID, r.ToDriverID, r.VehicleID) { continue }
        b, err := json.Marshal(result)
        if err != nil { return ReassignOutcome{}, err }
        if _, err := tx.ExecContext(ctx, `UPDATE jobs SET result=$3 WHERE tenant_id=$1 AND id=$2`, tenantID, jr.job, string(b)); err != nil {
            return ReassignOutcome{}, err
        }
        out.RouteUpdated = true
    }
    if err := tx.Commit(); err != nil { return ReassignOutcome{}, err }
    return out, nil
}

func (p *Postgres) SaveJob(ctx context.Context, tenantID string, j model.Job) error {
    if j.Result.SchemaVersion == 0 { j.Result.SchemaVersion = model.JobResultSchemaVersion }
    b, err := json.Marshal(j.Result)
    if err != nil { return err }
    if j.CreatedAt.IsZero() { j.CreatedAt = time.Now().UTC() }
    _, err = p.db.ExecContext(ctx, `INSERT INTO jobs (tenant_id, id, configuration_id, status, result, error, created_at, completed_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (tenant_id, id) DO UPDATE SET status=EXCLUDED.status, result=EXCLUDED.result,
            error=EXCLUDED.error, completed_at=EXCLUDED.completed_at`,
        tenantID, j.ID, nullIfEmpty(j.ConfigurationID), string(j.Status), string(b), nullIfEmpty(j.Error), j.CreatedAt, j.CompletedAt)
    return err
}

const jobColumns = `id, configuration_id, status, result, error, created_at, completed_at`

func scanJob(row rowScanner, tenantID string) (model.Job, error) {
    j := model.Job{TenantID: tenantID}
    var cfg, msg sql.NullString
    var raw []byte
    if err := row.Scan(&j.ID, &cfg, &j.Status, &raw, &msg, &j.CreatedAt, &j.CompletedAt); err != nil {
        return j, err
    }
    j.ConfigurationID, j.Error = cfg.String, msg.String
    if len(raw) > 0 {
        if err := json.Unmarshal(raw, &j.Result); err != nil { return j, fmt.Errorf("decode job %s result: %w", j.ID, err) }
    }
    return j, nil
}

func (p *Postgres) GetJob(ctx context.Context, tenantID, jobID string) (model.Job, error) {
    j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE tenant_id=$1 AND id=$2`, tenantID, jobID), tenantID)
    if errors.Is(err, sql.ErrNoRows) { return j, ErrNotFound }
    return j, err
}

func (p *Postgres) ListJobs(ctx context.Context, tenantID string, f JobFilter) ([]model.Job, error) {
    q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id=$1`
    args := []any{tenantID}
    if f.Status != "" {
        args = append(args, string(f.Status))
        q += fmt.Sprintf(" AND status=$%d", len(args))
    }
    if f.ConfigurationID != "" {
        args = append(args, f.ConfigurationID)
        q += fmt.Sprintf(" AND configuration_id=$%d", len(args))
    }
    if f.CreatedBefore != nil {
        args = append(args, *f.CreatedBefore)
        q += fmt.Sprintf(" AND created_at < $%d", len(args))
    }
    q += " ORDER BY created_at DESC, id DESC"
    if f.Limit > 0 {
        args = append(args, f.Limit)
        q += fmt.Sprintf(" LIMIT $%d", len(args))
    }
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Job{}
    for rows.Next() {
        j, err := scanJob(rows, tenantID)
        if err != nil { return nil, err }
        out = append(out, j)
    }
    return out, rows.Err()
}

func (p *Postgres) SaveConfiguration(ctx context.Context, tenantID string, c model.Configuration) error {
    assignments, err := json.Marshal(c.Assignments)
    if err != nil { return err }
    var depot any
    if c.Depot != nil {
        b, err := json.Marshal(c.Depot)
        if err != nil { return err }
        depot = string(b)
    }
    _, err = p.db.ExecContext(ctx, `INSERT INTO configurations (tenant_id, id, name, status, plan_date, depot, objective, order_ids, vehicle_ids, assignments, confirmed_at, confirmed_by)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (tenant_id, id) DO UPDATE SET name=EXCLUDED.name, status=EXCLUDED.status, plan_date=EXCLUDED.plan_date,
            depot=EXCLUDED.depot, objective=EXCLUDED.objective, order_ids=EXCLUDED.order_ids, vehicle_ids=EXCLUDED.vehicle_ids,
            assignments=EXCLUDED.assignments, updated_at=now()`,
        tenantID, c.ID, c.Name, string(c.Status), c.PlanDate, depot, nullIfEmpty(c.Objective), stringArray(c.OrderIDs),
        stringArray(c.VehicleIDs), string(assignments), c.ConfirmedAt, nullIfEmpty(c.ConfirmedBy))
    return err
}

const configColumns = `id, name, status, plan_date, depot, objective, order_ids, vehicle_ids, assignments, confirmed_at, confirmed_by, created_at, updated_at`

func scanConfiguration(row rowScanner, tenantID string) (model.Configuration, error) {
    c := model.Configuration{TenantID: tenantID}
    var depot, assignments []byte
    var objective, confirmedBy sql.NullString
    if err := row.Scan(&c.ID, &c.Name, &c.Status, &c.PlanDate, &depot, &objective, textArray(&c.OrderIDs), textArray(&c.VehicleIDs),
        &assignments, &c.ConfirmedAt, &confirmedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
        return c, err
    }
    c.Objective, c.ConfirmedBy = objective.String, confirmedBy.String
    if len(depot) > 0 {
        c.Depot = &model.GeoPoint{}
        if err := json.Unmarshal(depot, c.Depot); err != nil { return c, err }
    }
    if len(assignments) > 0 {
        if err := json.Unmarshal(assignments, &c.Assignments); err != nil { return c, err }
    }
    return c, nil
}

func (p *Postgres) GetConfiguration(ctx context.Context, tenantID, configID string) (model.Configuration, error) {
    c, err := scanConfiguration(p.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM configurations WHERE tenant_id=$1 AND id=$2`, tenantID, configID), tenantID)
    if errors.Is(err, sql.ErrNoRows) { return c, ErrNotFound }
    return c, err
}

// TransitionConfiguration is a compare-and-set on status.
func (p *Postgres) TransitionConfiguration(ctx context.Context, tenantID, configID string, from, to model.ConfigStatus, actorID string) (model.Configuration, error) {
    confirming := to == model.ConfigConfirmed
    c, err := scanConfiguration(p.db.QueryRowContext(ctx, `UPDATE configurations SET status=$4, updated_at=now(),
            confirmed_at = CASE WHEN $5 THEN now() ELSE confirmed_at END,
            confirmed_by = CASE WHEN $5 THEN $6 ELSE confirmed_by END
        WHERE tenant_id=$1 AND id=$2 AND status=$3 RETURNING `+configColumns,
        tenantID, configID, string(from), string(to), confirming, nullIfEmpty(actorID)), tenantID)
    if err == nil { return c, nil }
    if !errors.Is(err, sql.ErrNoRows) { return c, err }
    cur, gerr := p.GetConfiguration(ctx, tenantID, configID)
    if gerr != nil { return cur, gerr }
    return cur, ErrConflict
}

func (p *Postgres) InsertReassignmentRecords(ctx context.Context, tenantID string, recs []model.ReassignmentRecord) error {
    if len(recs) == 0 { return nil }
    const cols = 11
    args := make([]any, 0, len(recs)*cols)
    now := time.Now().UTC()
    for _, r := range recs {
        if r.ID == "" { r.ID = uuid.NewString() }
        if r.CreatedAt.IsZero() { r.CreatedAt = now }
        args = append(args, tenantID, r.ID, nullIfEmpty(r.JobID), nullIfEmpty(r.RouteID), nullIfEmpty(r.VehicleID),
            r.AbsentDriverID, r.ReplacementDriverID, stringArray(r.StopIDs), nullIfEmpty(r.Reason), nullIfEmpty(r.ActorID), r.CreatedAt)
    }
    _, err := p.db.ExecContext(ctx, `INSERT INTO reassignment_records (tenant_id, id, job_id, route_id, vehicle_id, absent_driver_id,
        replacement_driver_id, stop_ids, reason, actor_id, created_at) VALUES `+placeholders(len(recs), cols), args...)
    return err
}

func (p *Postgres) ListReassignmentRecords(ctx context.Context, tenantID, driverID string, limit int) ([]model.ReassignmentRecord, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT id, job_id, route_id, vehicle_id, absent_driver_id, replacement_driver_id, stop_ids, reason, actor_id, created_at
        FROM reassignment_records WHERE tenant_id=$1 AND ($2 = '' OR absent_driver_id=$2 OR replacement_driver_id=$2)
        ORDER BY created_at DESC, id DESC LIMIT $3`, tenantID, driverID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.ReassignmentRecord{}
    for rows.Next() {
        r := model.ReassignmentRecord{TenantID: tenantID}
        var job, route, vehicle, reason, actor sql.NullString
        if err := rows.Scan(&r.ID, &job, &route, &vehicle, &r.AbsentDriverID, &r.ReplacementDriverID, textArray(&r.StopIDs),
            &reason, &actor, &r.CreatedAt); err != nil {
            return nil, err
        }
        r.JobID, r.RouteID, r.VehicleID, r.Reason, r.ActorID = job.String, route.String, vehicle.String, reason.String, actor.String
        out = append(out, r)
    }
    return out, rows.Err()
}

func (p *Postgres) AppendPlanMetrics(ctx context.Context, tenantID string, pm model.PlanMetrics) (model.PlanMetrics, error) {
    pm.ID = uuid.NewString()
    pm.TenantID = tenantID
    if pm.CreatedAt.IsZero() { pm.CreatedAt = time.Now().UTC() }
    data, err := json.Marshal(pm.Data)
    if err != nil { return pm, err }
    var cmp any
    if pm.Comparison != nil {
        b, err := json.Marshal(pm.Comparison)
        if err != nil { return pm, err }
        cmp = string(b)
    }
    _, err = p.db.ExecContext(ctx, `INSERT INTO plan_metrics (tenant_id, id, job_id, configuration_id, previous_job_id, data, comparison, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
        tenantID, pm.ID, pm.JobID, nullIfEmpty(pm.ConfigurationID), nullIfEmpty(pm.PreviousJobID), string(data), cmp, pm.CreatedAt)
    return pm, err
}

const planMetricsColumns = `id, job_id, configuration_id, previous_job_id, data, comparison, created_at`

func scanPlanMetrics(row rowScanner, tenantID string) (model.PlanMetrics, error) {
    pm := model.PlanMetrics{TenantID: tenantID}
    var cfg, prev sql.NullString
    var data, cmp []byte
    if err := row.Scan(&pm.ID, &pm.JobID, &cfg, &prev, &data, &cmp, &pm.CreatedAt); err != nil {
        return pm, err
    }
    pm.ConfigurationID, pm.PreviousJobID = cfg.String, prev.String
    if err := json.Unmarshal(data, &pm.Data); err != nil { return pm, err }
    if len(cmp) > 0 {
        pm.Comparison = &model.MetricsComparison{}
        if err := json.Unmarshal(cmp, pm.Comparison); err != nil { return pm, err }
    }
    return pm, nil
}

func (p *Postgres) GetPlanMetricsForJob(ctx context.Context, tenantID, jobID string) (model.PlanMetrics, error) {
    pm, err := scanPlanMetrics(p.db.QueryRowContext(ctx, `SELECT `+planMetricsColumns+` FROM plan_metrics
        WHERE tenant_id=$1 AND job_id=$2 ORDER BY created_at DESC LIMIT 1`, tenantID, jobID), tenantID)
    if errors.Is(err, sql.ErrNoRows) { return pm, ErrNotFound }
    return pm, err
}

func (p *Postgres) ListPlanMetrics(ctx context.Context, tenantID, configID string, limit int) ([]model.PlanMetrics, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT `+planMetricsColumns+` FROM plan_metrics
        WHERE tenant_id=$1 AND ($2 = '' OR configuration_id=$2) ORDER BY created_at DESC, id DESC LIMIT $3`, tenantID, configID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.PlanMetrics{}
    for rows.Next() {
        pm, err := scanPlanMetrics(rows, tenantID)
        if err != nil { return nil, err }
        out = append(out, pm)
    }
    return out, rows.Err()
}

// Helpers
func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

// stringArray keeps NOT NULL TEXT[] columns non-null.
func stringArray(v []string) []string {
    if v == nil { return []string{} }
    return v
}
