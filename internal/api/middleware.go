package api

import (
    "log"
    "net/http"
    "strconv"
    "time"

    "github.com/google/uuid"

    "fleetops/internal/metrics"
    "fleetops/internal/obs"
)

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

// Instrument assigns a request id, logs one line per request and records
// request metrics labelled by the matched mux pattern.
func Instrument(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        id := r.Header.Get("X-Request-Id")
        if id == "" { id = uuid.NewString() }
        w.Header().Set("X-Request-Id", id)
        r = r.WithContext(obs.WithRequestID(r.Context(), id))
        rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
        next.ServeHTTP(rec, r)
        dur := time.Since(start)
        path := r.Pattern
        if path == "" { path = "unmatched" }
        code := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())
        log.Printf("req_id=%s %s %s %s status=%d dur=%v", id, r.RemoteAddr, r.Method, r.URL.Path, rec.status, dur)
    })
}
