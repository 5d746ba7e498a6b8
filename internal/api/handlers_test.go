package api

import (
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"

    "fleetops/internal/auth"
    "fleetops/internal/batch"
    "fleetops/internal/config"
    "fleetops/internal/events"
    "fleetops/internal/model"
    "fleetops/internal/planval"
    "fleetops/internal/reassign"
    "fleetops/internal/store"
)

const tenant = "t_test"

func newTestServer(t *testing.T) (*Server, http.Handler, *events.Recorder) {
    t.Helper()
    rec := events.NewRecorder()
    s := NewServerWith(config.Defaults(), store.NewMemory(), events.Fanout{Alerts: []events.AlertSink{rec}, Audits: []events.AuditSink{rec}})
    return s, s.Routes(), rec
}

// call sends one request as role (admin when empty) and returns the recorder.
func call(t *testing.T, h http.Handler, method, path, role, body string) *httptest.ResponseRecorder {
    t.Helper()
    req := httptest.NewRequest(method, path, strings.NewReader(body))
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", tenant)
    req.Header.Set("X-Actor-Id", "tester")
    if role != "" { req.Header.Set("X-Role", role) }
    rr := httptest.NewRecorder()
    h.ServeHTTP(rr, req)
    return rr
}

func mustStatus(t *testing.T, rr *httptest.ResponseRecorder, want int, what string) {
    t.Helper()
    if rr.Code != want { t.Fatalf("%s: got %d want %d: %s", what, rr.Code, want, rr.Body.String()) }
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
    t.Helper()
    if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil { t.Fatalf("decode %s: %v", rr.Body.String(), err) }
}

func TestHealthReadyVersion(t *testing.T) {
    _, h, _ := newTestServer(t)
    mustStatus(t, call(t, h, http.MethodGet, "/healthz", "", ""), 200, "health")
    mustStatus(t, call(t, h, http.MethodGet, "/readyz", "", ""), 200, "ready")
    rr := call(t, h, http.MethodGet, "/version", "", "")
    mustStatus(t, rr, 200, "version")
    var info map[string]string
    decode(t, rr, &info)
    if info["service"] != "fleetops" { t.Fatalf("version info: %v", info) }
}

// seedFleet creates one vehicle, two cold-chain drivers in the same fleet and
// two imported orders, and returns the order ids.
func seedFleet(t *testing.T, h http.Handler) []string {
    t.Helper()
    mustStatus(t, call(t, h, http.MethodPost, "/v1/vehicles", "", `{"id":"v1","capacityWeightKg":100,"capacityVolumeM3":10}`), 201, "vehicle")
    for _, id := range []string{"d1", "d2"} {
        body := `{"id":"` + id + `","name":"` + id + `","fleetId":"north","skills":[{"code":"cold","obtainedAt":"2025-01-01T00:00:00Z"}]}`
        mustStatus(t, call(t, h, http.MethodPost, "/v1/drivers", "", body), 201, "driver "+id)
    }

    req := httptest.NewRequest(http.MethodPost, "/v1/orders/import", strings.NewReader("external_ref,lat,lng,weight_kg,required_skills\nA,0,0.01,10,cold\nB,0,0.02,10,\n"))
    req.Header.Set("Content-Type", "text/csv")
    req.Header.Set("X-Tenant-Id", tenant)
    rr := httptest.NewRecorder()
    h.ServeHTTP(rr, req)
    mustStatus(t, rr, 200, "import")
    var res batch.Result
    decode(t, rr, &res)
    if res.Inserted != 2 { t.Fatalf("import: %+v", res) }

    rr = call(t, h, http.MethodGet, "/v1/orders?status=PENDING", "", "")
    mustStatus(t, rr, 200, "list orders")
    var list struct{ Items []model.Order `json:"items"` }
    decode(t, rr, &list)
    ids := []string{}
    for _, o := range list.Items { ids = append(ids, o.ID) }
    if len(ids) != 2 { t.Fatalf("orders: %+v", list.Items) }
    return ids
}

func TestPlanConfirmAndReassignFlow(t *testing.T) {
    _, h, rec := newTestServer(t)
    orderIDs := seedFleet(t, h)

    cfg := `{"id":"c1","status":"CONFIGURED","planDate":"2026-03-10","depot":{"lat":0,"lng":0},` +
        `"orderIds":["` + strings.Join(orderIDs, `","`) + `"],"vehicleIds":["v1"],"assignments":[{"vehicleId":"v1","driverId":"d1"}]}`
    mustStatus(t, call(t, h, http.MethodPost, "/v1/configurations", "", cfg), 201, "configuration")

    rr := call(t, h, http.MethodPost, "/v1/configurations/c1/optimize", "", "")
    mustStatus(t, rr, 200, "optimize")
    var job model.Job
    decode(t, rr, &job)
    if job.Status != model.JobCompleted || len(job.Result.Routes) != 1 || job.Result.Routes[0].DriverID != "d1" {
        t.Fatalf("job: %+v", job)
    }

    rr = call(t, h, http.MethodPost, "/v1/jobs/"+job.ID+"/validate", "", "")
    mustStatus(t, rr, 200, "validate")
    var v planval.Result
    decode(t, rr, &v)
    if !v.IsValid || !v.CanConfirm { t.Fatalf("validation: %+v", v) }

    rr = call(t, h, http.MethodPost, "/v1/configurations/c1/confirm", "", `{"jobId":"`+job.ID+`"}`)
    mustStatus(t, rr, 200, "confirm")
    var cr planval.ConfirmResult
    decode(t, rr, &cr)
    if cr.Outcome != planval.OutcomeConfirmed || cr.Configuration.Status != model.ConfigConfirmed || cr.Metrics == nil {
        t.Fatalf("confirm: %+v", cr)
    }
    mustStatus(t, call(t, h, http.MethodPost, "/v1/configurations/c1/optimize", "", ""), 409, "optimize confirmed")

    rr = call(t, h, http.MethodGet, "/v1/jobs/"+job.ID+"/metrics", "", "")
    mustStatus(t, rr, 200, "job metrics")
    var pm model.PlanMetrics
    decode(t, rr, &pm)
    if pm.Data.TotalStops != 2 || pm.Data.TimeWindowCompliance != 100 { t.Fatalf("metrics: %+v", pm) }
    rr = call(t, h, http.MethodGet, "/v1/admin/plan-metrics?configurationId=c1", "", "")
    mustStatus(t, rr, 200, "history")
    var hist struct{ Items []model.PlanMetrics `json:"items"` }
    decode(t, rr, &hist)
    if len(hist.Items) != 1 { t.Fatalf("history: %+v", hist.Items) }

    // d1 calls in sick; d2 takes the route.
    mustStatus(t, call(t, h, http.MethodPatch, "/v1/drivers/d1/status", auth.RoleDispatcher, `{"status":"ABSENT"}`), 200, "mark absent")
    rr = call(t, h, http.MethodGet, "/v1/drivers/d1/reassignment-options?jobId="+job.ID, auth.RoleDispatcher, "")
    mustStatus(t, rr, 200, "options")
    var opts struct{ Items []reassign.Option `json:"items"` }
    decode(t, rr, &opts)
    if len(opts.Items) != 1 || opts.Items[0].Driver.ID != "d2" || !opts.Items[0].Impact.IsValid {
        t.Fatalf("options: %+v", opts.Items)
    }
    rr = call(t, h, http.MethodGet, "/v1/drivers/d1/reassignment-impact?candidateId=d2", auth.RoleDispatcher, "")
    mustStatus(t, rr, 200, "impact")
    var im reassign.Impact
    decode(t, rr, &im)
    if im.StopsCount != 2 { t.Fatalf("impact: %+v", im) }

    route := job.Result.Routes[0]
    stopIDs := []string{}
    for _, s := range route.Stops { stopIDs = append(stopIDs, s.StopID) }
    body := `{"jobId":"` + job.ID + `","reason":"sick","moves":[{"routeId":"` + route.ID + `","toDriverId":"d2","stopIds":["` + strings.Join(stopIDs, `","`) + `"]}]}`
    rr = call(t, h, http.MethodPost, "/v1/drivers/d1/reassign", auth.RoleDispatcher, body)
    mustStatus(t, rr, 200, "reassign")
    var rres reassign.Result
    decode(t, rr, &rres)
    if !rres.Success || rres.ReassignedStops != 2 { t.Fatalf("reassign: %+v", rres) }

    rr = call(t, h, http.MethodGet, "/v1/drivers/d1", "", "")
    var d1 model.Driver
    decode(t, rr, &d1)
    if d1.Status != model.DriverUnavailable { t.Fatalf("absent driver should be released, got %s", d1.Status) }

    // Field updates on the moved stop.
    stop := "/v1/stops/" + stopIDs[0] + "/status"
    mustStatus(t, call(t, h, http.MethodPatch, stop, auth.RoleDriver, `{"status":"IN_PROGRESS"}`), 200, "start stop")
    mustStatus(t, call(t, h, http.MethodPatch, stop, auth.RoleDriver, `{"status":"FAILED","note":"closed"}`), 200, "fail stop")
    mustStatus(t, call(t, h, http.MethodPatch, stop, auth.RoleDriver, `{"status":"COMPLETED"}`), 400, "terminal stop")
    if alerts := rec.Alerts(); len(alerts) != 1 || alerts[0].Severity != events.SeverityHigh {
        t.Fatalf("alerts: %+v", alerts)
    }
}

func TestErrorMapping(t *testing.T) {
    _, h, _ := newTestServer(t)
    mustStatus(t, call(t, h, http.MethodPost, "/v1/configurations", "", `{"id":"draft"}`), 201, "draft config")

    cases := []struct {
        name, method, path, role, body string
        want                           int
    }{
        {"unknown configuration", http.MethodPost, "/v1/configurations/nope/optimize", "", "", 404},
        {"draft cannot optimize", http.MethodPost, "/v1/configurations/draft/optimize", "", "", 400},
        {"confirm needs job", http.MethodPost, "/v1/configurations/draft/confirm", "", `{}`, 400},
        {"unknown field", http.MethodPost, "/v1/vehicles", "", `{"wheels":4}`, 400},
        {"driver cannot reassign", http.MethodPost, "/v1/drivers/d1/reassign", auth.RoleDriver, `{}`, 403},
        {"empty reassign", http.MethodPost, "/v1/drivers/d1/reassign", auth.RoleDispatcher, `{"moves":[]}`, 400},
        {"bad strategy", http.MethodGet, "/v1/drivers/d1/reassignment-options?strategy=nearest", "", "", 400},
        {"impact needs candidate", http.MethodGet, "/v1/drivers/d1/reassignment-impact", "", "", 400},
        {"unknown stop", http.MethodPatch, "/v1/stops/nope/status", "", `{"status":"IN_PROGRESS"}`, 404},
        {"engine-owned status", http.MethodPatch, "/v1/configurations/draft/status", "", `{"status":"CONFIRMED"}`, 400},
        {"unknown action", http.MethodGet, "/v1/jobs/j1/everything", "", "", 404},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            rr := call(t, h, tc.method, tc.path, tc.role, tc.body)
            mustStatus(t, rr, tc.want, tc.name)
            if ct := rr.Header().Get("Content-Type"); tc.want != 405 && ct != "application/json" {
                t.Fatalf("problem body not JSON: %q", ct)
            }
        })
    }
}

func TestHMACAuthRejectsHeaders(t *testing.T) {
    cfg := config.Defaults()
    cfg.Auth = config.Auth{Mode: "hmac", HMACSecret: "s3cret"}
    s := NewServerWith(cfg, store.NewMemory(), events.Fanout{})
    h := s.Routes()
    mustStatus(t, call(t, h, http.MethodGet, "/v1/orders", "", ""), 401, "no token")

    tok, err := s.Auth.Sign(auth.Principal{Tenant: tenant, Role: auth.RolePlanner, ActorID: "u1"})
    if err != nil { t.Fatalf("Sign: %v", err) }
    req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
    req.Header.Set("Authorization", "Bearer "+tok)
    rr := httptest.NewRecorder()
    h.ServeHTTP(rr, req)
    mustStatus(t, rr, 200, "with token")
}

func TestInstrumentSetsRequestID(t *testing.T) {
    _, h, _ := newTestServer(t)
    rr := httptest.NewRecorder()
    Instrument(h).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
    mustStatus(t, rr, 200, "health")
    if rr.Header().Get("X-Request-Id") == "" { t.Fatalf("missing request id") }

    req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
    req.Header.Set("X-Request-Id", "abc")
    rr = httptest.NewRecorder()
    Instrument(h).ServeHTTP(rr, req)
    if got := rr.Header().Get("X-Request-Id"); got != "abc" { t.Fatalf("request id not propagated: %q", got) }
}
