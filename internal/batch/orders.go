package batch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fleetops/internal/model"
	"fleetops/internal/obs"
)

type OrderInserter interface {
	InsertOrders(ctx context.Context, tenantID string, orders []model.Order) (int, error)
}

type StopInserter interface {
	InsertStops(ctx context.Context, tenantID string, stops []model.Stop) (int, error)
}

// LoadOrders imports orders for tenantID. Missing ids are generated and new
// orders start PENDING.
func LoadOrders(ctx context.Context, ins OrderInserter, tenantID string, orders []model.Order, cfg Config) (res Result, err error) {
	defer obs.Time(ctx, "batch.load_orders", tenantID)(&err)
	now := time.Now().UTC()
	prepared := make([]model.Order, len(orders))
	for i, o := range orders {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		if o.Status == "" {
			o.Status = model.OrderPending
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		o.TenantID = tenantID
		prepared[i] = o
	}
	return Insert(ctx, prepared, cfg, func(ctx context.Context, chunk []model.Order) (int, error) {
		return ins.InsertOrders(ctx, tenantID, chunk)
	})
}

// LoadStops writes planned stops for tenantID.
func LoadStops(ctx context.Context, ins StopInserter, tenantID string, stops []model.Stop, cfg Config) (Result, error) {
	return Insert(ctx, stops, cfg, func(ctx context.Context, chunk []model.Stop) (int, error) {
		return ins.InsertStops(ctx, tenantID, chunk)
	})
}
