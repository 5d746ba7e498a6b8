// Package tracking applies field status updates to planned stops.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"fleetops/internal/events"
	"fleetops/internal/metrics"
	"fleetops/internal/model"
	"fleetops/internal/obs"
	"fleetops/internal/store"
)

type Store interface {
	GetStop(ctx context.Context, tenantID, stopID string) (model.Stop, error)
	UpdateStopStatus(ctx context.Context, tenantID, stopID string, from, to model.StopStatus) (model.Stop, error)
	UpdateOrderStatus(ctx context.Context, tenantID, orderID string, status model.OrderStatus) error
}

type Sink interface {
	events.AlertSink
	events.AuditSink
}

type Service struct {
	store Store
	sink  Sink
	now   func() time.Time
}

func NewService(s Store, sink Sink) *Service {
	return &Service{store: s, sink: sink, now: func() time.Time { return time.Now().UTC() }}
}

var alertSeverity = map[model.StopStatus]events.Severity{
	model.StopFailed:  events.SeverityHigh,
	model.StopSkipped: events.SeverityMedium,
}

// UpdateStopStatus moves stopID to `to`. The update only lands if the stop is
// still in the status it was read in; a concurrent change yields ErrConflict.
func (s *Service) UpdateStopStatus(ctx context.Context, tenantID, stopID string, to model.StopStatus, note, actorID string) (stop model.Stop, err error) {
	defer obs.Time(ctx, "tracking.update_stop", tenantID)(&err)
	if !to.Valid() {
		return model.Stop{}, model.Invalid(fmt.Sprintf("unknown stop status %q", to))
	}
	cur, err := s.store.GetStop(ctx, tenantID, stopID)
	if err != nil {
		return model.Stop{}, fmt.Errorf("tracking: stop %s: %w", stopID, err)
	}
	if !cur.Status.CanTransition(to) {
		return model.Stop{}, model.Invalid(fmt.Sprintf("stop %s cannot move from %s to %s", stopID, cur.Status, to))
	}
	stop, err = s.store.UpdateStopStatus(ctx, tenantID, stopID, cur.Status, to)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return model.Stop{}, fmt.Errorf("tracking: stop %s changed concurrently: %w", stopID, err)
		}
		return model.Stop{}, fmt.Errorf("tracking: update stop %s: %w", stopID, err)
	}
	metrics.StopTransitions.WithLabelValues(string(to)).Inc()

	if next, ok := model.OrderStatusForStop(to); ok {
		if err := s.store.UpdateOrderStatus(ctx, tenantID, stop.OrderID, next); err != nil {
			log.Printf("tracking: order sync tenant=%s order=%s status=%s err=%v", tenantID, stop.OrderID, next, err)
		}
	}
	if sev, ok := alertSeverity[to]; ok && s.sink != nil {
		a := events.Alert{
			ID:          uuid.NewString(),
			Type:        "STOP_" + string(to),
			Severity:    sev,
			EntityType:  "stop",
			EntityID:    stop.ID,
			Title:       fmt.Sprintf("Stop %s %s", stop.ID, to),
			Description: note,
			Metadata:    map[string]any{"orderId": stop.OrderID, "routeId": stop.RouteID, "driverId": stop.DriverID},
			CreatedAt:   s.now(),
		}
		if err := s.sink.CreateAlert(ctx, tenantID, a); err != nil {
			log.Printf("tracking: alert failed tenant=%s stop=%s err=%v", tenantID, stop.ID, err)
		}
	}
	changes := map[string]any{"from": cur.Status, "to": to}
	if note != "" {
		changes["note"] = note
	}
	events.Audit(ctx, s.sink, tenantID, events.AuditEntry{
		EntityType: "stop",
		EntityID:   stop.ID,
		Action:     "status_changed",
		ActorID:    actorID,
		Changes:    changes,
		At:         s.now(),
	})
	return stop, nil
}
