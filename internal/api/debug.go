package api

import (
    "net/http"
    "time"

    "fleetops/internal/auth"
    "fleetops/internal/buildinfo"
)

// DebugJSON handles GET /v1/admin/debug. Secrets and URLs are reported only as present/absent.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    if _, ok := s.require(w, r, auth.RoleAdmin); !ok { return }
    c := s.Config
    writeJSON(w, http.StatusOK, map[string]any{
        "build": buildinfo.Info(),
        "time":  time.Now().UTC().Format(time.RFC3339),
        "config": map[string]any{
            "port":            c.Server.Port,
            "authMode":        c.Auth.Mode,
            "engine":          c.Engine,
            "batch":           c.Batch,
            "solver":          c.Solver,
            "hasDatabaseUrl":  c.Server.DBURL != "",
            "hasRedisUrl":     c.Events.RedisURL != "",
            "hasAmqpUrl":      c.Events.AMQPURL != "",
            "hasAlertWebhook": c.Events.WebhookURL != "",
        },
    })
}
