// Package api exposes the planning and reassignment engines over HTTP.
package api

import (
    "context"
    "log"
    "net/http"
    "strings"

    "golang.org/x/time/rate"

    "fleetops/internal/auth"
    "fleetops/internal/batch"
    "fleetops/internal/config"
    "fleetops/internal/events"
    "fleetops/internal/opt"
    "fleetops/internal/planmetrics"
    "fleetops/internal/planning"
    "fleetops/internal/planval"
    "fleetops/internal/reassign"
    "fleetops/internal/store"
    "fleetops/internal/tracking"
    "fleetops/internal/webhooks"
)

type Server struct {
    Config    config.Config
    Store     store.Store
    Auth      *auth.Verifier
    Events    events.Fanout
    Recent    *events.RedisAlerts
    Batch     batch.Config
    Impact    *reassign.Calculator
    Executor  *reassign.Executor
    Planner   *planning.Service
    Validator *planval.Validator
    Confirmer *planval.Confirmer
    PlanMx    *planmetrics.Engine
    Tracking  *tracking.Service

    closers []func()
}

// NewServer connects the configured backends. Without DATABASE_URL the
// in-memory store is used; Redis, AMQP and the alert webhook are optional.
func NewServer(cfg config.Config) (*Server, error) {
    var st store.Store
    var closers []func()
    if strings.TrimSpace(cfg.Server.DBURL) == "" {
        st = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(cfg.Server.DBURL)
        if err != nil { return nil, err }
        if cfg.Server.DBMigrate {
            if err := sp.MigrateDir(cfg.Server.Migrations); err != nil {
                _ = sp.Close()
                return nil, err
            }
        }
        closers = append(closers, func() { _ = sp.Close() })
        st = sp
    }

    fan := events.Fanout{Alerts: []events.AlertSink{events.Log{}}, Audits: []events.AuditSink{events.Log{}}}
    var recent *events.RedisAlerts
    if cfg.Events.RedisURL != "" {
        ra, err := events.NewRedisAlerts(cfg.Events.RedisURL, cfg.Events.AlertChannel)
        if err != nil {
            log.Printf("redis alerts disabled: %v", err)
        } else {
            recent = ra
            fan.Alerts = append(fan.Alerts, ra)
            closers = append(closers, func() { _ = ra.Close() })
        }
    }
    if cfg.Events.AMQPURL != "" {
        aa, err := events.DialAudit(cfg.Events.AMQPURL, cfg.Events.AuditExchange)
        if err != nil {
            log.Printf("amqp audit disabled: %v", err)
        } else {
            fan.Audits = append(fan.Audits, aa)
            closers = append(closers, aa.Close)
        }
    }
    if cfg.Events.WebhookURL != "" {
        n := webhooks.NewNotifier(cfg.Events.WebhookURL, cfg.Events.WebhookSecret, cfg.Events.WebhookTries)
        n.Start()
        fan.Alerts = append(fan.Alerts, n)
        closers = append(closers, n.Close)
    }

    s := NewServerWith(cfg, st, fan)
    s.Recent = recent
    s.closers = closers
    return s, nil
}

// NewServerWith wires every engine over st and sink.
func NewServerWith(cfg config.Config, st store.Store, sink events.Fanout) *Server {
    bc := batch.Config{BatchSize: cfg.Batch.Size, Timeout: cfg.Batch.Timeout()}
    if cfg.Batch.ChunksPerSec > 0 {
        bc.Limiter = rate.NewLimiter(rate.Limit(cfg.Batch.ChunksPerSec), 1)
    }
    ro := reassign.Options{
        ServiceMinutesPerStop: cfg.Engine.ServiceMinutesPerStop,
        DistanceKmPerStop:     cfg.Engine.DistanceKmPerStop,
        PenaltyFactor:         cfg.Engine.PenaltyFactor,
        LicenseWarnDays:       cfg.Engine.LicenseWarnDays,
        OptionLimit:           cfg.Engine.OptionLimit,
    }
    v := planval.NewValidator(st, planval.Options{PenaltyFactor: cfg.Engine.PenaltyFactor, LicenseWarnDays: cfg.Engine.LicenseWarnDays})
    pm := planmetrics.NewEngine(st, v)
    planner := planning.NewService(st, opt.Greedy{SpeedKph: cfg.Solver.SpeedKph, ServiceSec: cfg.Solver.ServiceSec}, sink)
    planner.Batch = bc
    return &Server{
        Config:    cfg,
        Store:     st,
        Auth:      auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret),
        Events:    sink,
        Batch:     bc,
        Impact:    reassign.NewCalculator(st, ro),
        Executor:  reassign.NewExecutor(st, sink),
        Planner:   planner,
        Validator: v,
        Confirmer: planval.NewConfirmer(st, v, pm, sink),
        PlanMx:    pm,
        Tracking:  tracking.NewService(st, sink),
    }
}

// Close releases backend connections in reverse order of opening.
func (s *Server) Close() {
    for i := len(s.closers) - 1; i >= 0; i-- { s.closers[i]() }
}

// principal resolves the caller; on failure the problem response is already written.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
    p, err := s.Auth.FromRequest(r)
    if err != nil {
        writeError(w, r, err)
        return auth.Principal{}, false
    }
    return p, true
}

// require is principal plus a role check.
func (s *Server) require(w http.ResponseWriter, r *http.Request, roles ...string) (auth.Principal, bool) {
    p, ok := s.principal(w, r)
    if !ok { return p, false }
    if !p.Can(roles...) {
        writeProblem(w, http.StatusForbidden, "Forbidden", strings.Join(roles, " or ")+" or admin required", r.URL.Path)
        return p, false
    }
    return p, true
}

// Routes registers every handler on a new mux.
func (s *Server) Routes() *http.ServeMux {
    mux := http.NewServeMux()

    // Orders, fleet and configuration set-up
    mux.HandleFunc("/v1/orders", s.OrdersHandler)
    mux.HandleFunc("/v1/orders/import", s.OrdersImportHandler)
    mux.HandleFunc("/v1/time-window-policies", s.PoliciesHandler)
    mux.HandleFunc("/v1/vehicles", s.VehiclesHandler)
    mux.HandleFunc("/v1/drivers", s.DriversIndexHandler)
    mux.HandleFunc("/v1/configurations", s.ConfigurationsHandler)

    // Planning and confirmation
    mux.HandleFunc("/v1/configurations/", s.ConfigurationByIDHandler) // /optimize, /confirm
    mux.HandleFunc("/v1/jobs/", s.JobByIDHandler)                     // /validate, /metrics

    // Reassignment
    mux.HandleFunc("/v1/drivers/", s.DriverByIDHandler) // /reassignment-options, /reassignment-impact, /reassign, /reassignments

    // Field updates
    mux.HandleFunc("/v1/stops/", s.StopByIDHandler)

    // Admin
    mux.HandleFunc("/v1/admin/plan-metrics", s.PlanMetricsHandler)
    mux.HandleFunc("/v1/admin/alerts", s.RecentAlertsHandler)
    mux.HandleFunc("/v1/admin/debug", s.DebugJSON)

    // Health
    mux.HandleFunc("/healthz", s.HealthHandler)
    mux.HandleFunc("/readyz", s.ReadyHandler)
    mux.HandleFunc("/version", s.VersionHandler)
    return mux
}

type pinger interface{ Ping(ctx context.Context) error }
