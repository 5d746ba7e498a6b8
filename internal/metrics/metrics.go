package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // ImpactCalculations counts impact evaluations by result (valid|invalid|empty)
    ImpactCalculations = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "impact_calculations_total", Help: "Reassignment impact calculations by result."},
        []string{"result"},
    )
    // ReassignmentMoves counts executor moves by outcome (applied|partial|conflict|skipped)
    ReassignmentMoves = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "reassignment_moves_total", Help: "Reassignment moves by outcome."},
        []string{"outcome"},
    )
    ReassignedStops = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "reassigned_stops_total", Help: "Stops moved to a replacement driver."},
    )
    // PlanValidations counts validator runs by outcome (valid|warnings|errors)
    PlanValidations = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "plan_validations_total", Help: "Plan validations by outcome."},
        []string{"outcome"},
    )
    // PlanConfirmations counts confirm attempts by outcome (CONFIRMED|BLOCKED|REQUIRES_OVERRIDE|conflict)
    PlanConfirmations = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "plan_confirmations_total", Help: "Plan confirmation attempts by outcome."},
        []string{"outcome"},
    )
    // BatchChunks counts loader chunks by status (ok|failed|timeout)
    BatchChunks = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "batch_chunks_total", Help: "Batch loader chunks by status."},
        []string{"status"},
    )
    BatchRecordsInserted = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "batch_records_inserted_total", Help: "Records inserted by the batch loader."},
    )
    // StopTransitions counts stop status changes by target status
    StopTransitions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "stop_transitions_total", Help: "Stop status transitions by target status."},
        []string{"to"},
    )
    // AlertDeliveries counts webhook alert deliveries by result (delivered|failed|dropped)
    AlertDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "alert_webhook_deliveries_total", Help: "Alert webhook deliveries by result."},
        []string{"result"},
    )
    // SolverDuration tracks solver wall time in seconds
    SolverDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "solver_duration_seconds", Help: "Solver run duration in seconds.", Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60}},
        []string{"status"},
    )
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(ImpactCalculations)
        Registry.MustRegister(ReassignmentMoves)
        Registry.MustRegister(ReassignedStops)
        Registry.MustRegister(PlanValidations)
        Registry.MustRegister(PlanConfirmations)
        Registry.MustRegister(BatchChunks)
        Registry.MustRegister(BatchRecordsInserted)
        Registry.MustRegister(StopTransitions)
        Registry.MustRegister(SolverDuration)
        Registry.MustRegister(AlertDeliveries)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
