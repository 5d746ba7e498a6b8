// Package webhooks delivers alerts to an operator-configured HTTP endpoint.
package webhooks

import (
    "bytes"
    "context"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net/http"
    "sync"
    "time"

    "fleetops/internal/events"
    "fleetops/internal/metrics"
)

var ErrQueueFull = errors.New("webhooks: queue full")

type delivery struct {
    tenantID string
    alertID  string
    body     []byte
}

// Notifier is an events.AlertSink. CreateAlert only enqueues; a background
// worker posts each alert with retries and exponential backoff.
type Notifier struct {
    URL         string
    Secret      string
    HTTP        *http.Client
    MaxAttempts int
    Backoff     time.Duration

    queue chan delivery
    stop  chan struct{}
    wg    sync.WaitGroup
}

func NewNotifier(url, secret string, maxAttempts int) *Notifier {
    if maxAttempts <= 0 { maxAttempts = 5 }
    return &Notifier{
        URL: url, Secret: secret, MaxAttempts: maxAttempts, Backoff: time.Second,
        HTTP:  &http.Client{Timeout: 5 * time.Second},
        queue: make(chan delivery, 256),
        stop:  make(chan struct{}),
    }
}

func (n *Notifier) CreateAlert(ctx context.Context, tenantID string, a events.Alert) error {
    a.TenantID = tenantID
    body, err := json.Marshal(a)
    if err != nil { return fmt.Errorf("webhooks: encode alert: %w", err) }
    select {
    case n.queue <- delivery{tenantID: tenantID, alertID: a.ID, body: body}:
        return nil
    default:
        metrics.AlertDeliveries.WithLabelValues("dropped").Inc()
        return ErrQueueFull
    }
}

func (n *Notifier) Start() {
    n.wg.Add(1)
    go func() {
        defer n.wg.Done()
        for {
            select {
            case <-n.stop:
                n.drain()
                return
            case d := <-n.queue:
                n.process(d)
            }
        }
    }()
}

// Close stops the worker after it has tried everything already queued.
func (n *Notifier) Close() {
    close(n.stop)
    n.wg.Wait()
}

func (n *Notifier) drain() {
    for {
        select {
        case d := <-n.queue:
            n.process(d)
        default:
            return
        }
    }
}

func (n *Notifier) process(d delivery) {
    for attempt := 0; attempt < n.MaxAttempts; attempt++ {
        if attempt > 0 {
            select {
            case <-time.After(nextBackoff(attempt-1, n.Backoff)):
            case <-n.stop:
                // shutting down: one last try without waiting
            }
        }
        code, err := n.post(d)
        if err == nil && code >= 200 && code < 300 {
            metrics.AlertDeliveries.WithLabelValues("delivered").Inc()
            return
        }
        log.Printf("webhooks: delivery attempt=%d tenant=%s alert=%s code=%d err=%v", attempt+1, d.tenantID, d.alertID, code, err)
    }
    metrics.AlertDeliveries.WithLabelValues("failed").Inc()
}

func (n *Notifier) post(d delivery) (int, error) {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(d.body))
    if err != nil { return 0, err }
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Event-Type", "alert.created")
    req.Header.Set("X-Tenant-Id", d.tenantID)
    if n.Secret != "" { req.Header.Set("X-Signature", SignHMAC(n.Secret, d.body)) }
    resp, err := n.HTTP.Do(req)
    if err != nil { return 0, err }
    _ = resp.Body.Close()
    return resp.StatusCode, nil
}

func nextBackoff(attempts int, base time.Duration) time.Duration {
    if attempts < 0 { attempts = 0 }
    if attempts > 10 { attempts = 10 }
    d := base * time.Duration(1<<attempts)
    if d > time.Hour { d = time.Hour }
    return d
}

// SignHMAC returns lowercase hex of HMAC-SHA256 over body.
func SignHMAC(secret string, body []byte) string {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a signature produced by SignHMAC. Receivers use it.
func VerifyHMAC(secret string, body []byte, provided string) bool {
    b, err := hex.DecodeString(provided)
    if err != nil { return false }
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    return hmac.Equal(mac.Sum(nil), b)
}
