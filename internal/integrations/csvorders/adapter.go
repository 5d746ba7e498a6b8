// Package csvorders reads orders from a CSV export with a header row.
//
// Recognised columns (any order, case-insensitive): external_ref, lat, lng,
// weight_kg, volume_m3, service_minutes, priority, required_skills
// (semicolon separated), window_start, window_end (RFC 3339), strictness,
// time_window_policy_id, status. Unknown columns are ignored.
package csvorders

import (
    "context"
    "encoding/csv"
    "errors"
    "fmt"
    "io"
    "strconv"
    "strings"
    "time"

    "fleetops/internal/integrations"
    "fleetops/internal/model"
)

type Adapter struct {
    r io.Reader
}

func New(r io.Reader) *Adapter { return &Adapter{r: r} }

func (a *Adapter) Name() string { return "csv" }

// FetchOrders parses every row. A malformed row fails the whole read with its
// line number so the file can be fixed and resubmitted.
func (a *Adapter) FetchOrders(ctx context.Context) ([]model.Order, error) {
    cr := csv.NewReader(a.r)
    cr.TrimLeadingSpace = true
    header, err := cr.Read()
    if err != nil {
        if errors.Is(err, io.EOF) { return nil, model.Invalid("csv: empty file") }
        return nil, fmt.Errorf("csv: header: %w", err)
    }
    col := map[string]int{}
    for i, h := range header { col[strings.ToLower(strings.TrimSpace(h))] = i }
    if _, ok := col["lat"]; !ok { return nil, model.Invalid("csv: lat column is required") }
    if _, ok := col["lng"]; !ok { return nil, model.Invalid("csv: lng column is required") }

    var out []model.Order
    for line := 2; ; line++ {
        if err := ctx.Err(); err != nil { return nil, err }
        rec, err := cr.Read()
        if errors.Is(err, io.EOF) { return out, nil }
        if err != nil { return nil, fmt.Errorf("csv: line %d: %w", line, err) }
        o, err := parseRow(rec, col)
        if err != nil { return nil, model.Invalid(fmt.Sprintf("csv: line %d: %v", line, err)) }
        out = append(out, o)
    }
}

func parseRow(rec []string, col map[string]int) (model.Order, error) {
    get := func(name string) string {
        if i, ok := col[name]; ok && i < len(rec) { return strings.TrimSpace(rec[i]) }
        return ""
    }
    var o model.Order
    var err error
    o.ExternalRef = get("external_ref")
    if o.Location.Lat, err = strconv.ParseFloat(get("lat"), 64); err != nil { return o, fmt.Errorf("lat: %w", err) }
    if o.Location.Lng, err = strconv.ParseFloat(get("lng"), 64); err != nil { return o, fmt.Errorf("lng: %w", err) }
    if o.WeightKg, err = optFloat(get("weight_kg")); err != nil { return o, fmt.Errorf("weight_kg: %w", err) }
    if o.VolumeM3, err = optFloat(get("volume_m3")); err != nil { return o, fmt.Errorf("volume_m3: %w", err) }
    if o.ServiceMinutes, err = optInt(get("service_minutes")); err != nil { return o, fmt.Errorf("service_minutes: %w", err) }
    if o.Priority, err = optInt(get("priority")); err != nil { return o, fmt.Errorf("priority: %w", err) }
    if v := get("required_skills"); v != "" {
        for _, s := range strings.Split(v, ";") {
            if s = strings.TrimSpace(s); s != "" { o.RequiredSkills = append(o.RequiredSkills, s) }
        }
    }
    if o.WindowStart, err = optTime(get("window_start")); err != nil { return o, fmt.Errorf("window_start: %w", err) }
    if o.WindowEnd, err = optTime(get("window_end")); err != nil { return o, fmt.Errorf("window_end: %w", err) }
    if v := get("strictness"); v != "" {
        s := model.Strictness(strings.ToUpper(v))
        if !s.Valid() { return o, fmt.Errorf("strictness %q", v) }
        o.StrictnessOverride = &s
    }
    o.TimeWindowPolicyID = get("time_window_policy_id")
    if v := get("status"); v != "" {
        st, ok := integrations.MapStatus(v)
        if !ok { return o, fmt.Errorf("status %q", v) }
        o.Status = st
    }
    return o, nil
}

func optFloat(v string) (float64, error) {
    if v == "" { return 0, nil }
    return strconv.ParseFloat(v, 64)
}

func optInt(v string) (int, error) {
    if v == "" { return 0, nil }
    return strconv.Atoi(v)
}

func optTime(v string) (*time.Time, error) {
    if v == "" { return nil, nil }
    t, err := time.Parse(time.RFC3339, v)
    if err != nil { return nil, err }
    t = t.UTC()
    return &t, nil
}
