// Package events carries the alert and audit collaborators the engine reports to.
package events

import (
	"context"
	"log"
	"sync"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type Alert struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

type AuditEntry struct {
	TenantID   string         `json:"tenantId"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Action     string         `json:"action"`
	ActorID    string         `json:"actorId,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	At         time.Time      `json:"at"`
}

type AlertSink interface {
	CreateAlert(ctx context.Context, tenantID string, a Alert) error
}

type AuditSink interface {
	RecordAudit(ctx context.Context, tenantID string, e AuditEntry) error
}

// Recorder keeps everything in memory. It backs the default server wiring and tests.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	audits []AuditEntry
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) CreateAlert(ctx context.Context, tenantID string, a Alert) error {
	r.mu.Lock(); defer r.mu.Unlock()
	a.TenantID = tenantID
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *Recorder) RecordAudit(ctx context.Context, tenantID string, e AuditEntry) error {
	r.mu.Lock(); defer r.mu.Unlock()
	e.TenantID = tenantID
	r.audits = append(r.audits, e)
	return nil
}

func (r *Recorder) Alerts() []Alert {
	r.mu.Lock(); defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func (r *Recorder) Audits() []AuditEntry {
	r.mu.Lock(); defer r.mu.Unlock()
	return append([]AuditEntry(nil), r.audits...)
}

// Log writes alerts and audit entries to the standard logger.
type Log struct{}

func (Log) CreateAlert(ctx context.Context, tenantID string, a Alert) error {
	log.Printf("alert tenant=%s type=%s severity=%s entity=%s/%s title=%q", tenantID, a.Type, a.Severity, a.EntityType, a.EntityID, a.Title)
	return nil
}

func (Log) RecordAudit(ctx context.Context, tenantID string, e AuditEntry) error {
	log.Printf("audit tenant=%s entity=%s/%s action=%s actor=%s", tenantID, e.EntityType, e.EntityID, e.Action, e.ActorID)
	return nil
}

// Fanout forwards to every sink and returns the first error after trying all of them.
type Fanout struct {
	Alerts []AlertSink
	Audits []AuditSink
}

func (f Fanout) CreateAlert(ctx context.Context, tenantID string, a Alert) error {
	var first error
	for _, s := range f.Alerts {
		if err := s.CreateAlert(ctx, tenantID, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) RecordAudit(ctx context.Context, tenantID string, e AuditEntry) error {
	var first error
	for _, s := range f.Audits {
		if err := s.RecordAudit(ctx, tenantID, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Audit records e and only logs a failure; audit storage never fails the caller's operation.
func Audit(ctx context.Context, sink AuditSink, tenantID string, e AuditEntry) {
	if sink == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := sink.RecordAudit(ctx, tenantID, e); err != nil {
		log.Printf("audit failed tenant=%s entity=%s/%s action=%s err=%v", tenantID, e.EntityType, e.EntityID, e.Action, err)
	}
}
