// Package integrations holds the contracts for external order sources.
package integrations

import (
    "context"
    "strings"

    "fleetops/internal/model"
)

// OrderSource yields orders from an external system, ready for batch import.
type OrderSource interface {
    Name() string
    FetchOrders(ctx context.Context) ([]model.Order, error)
}

// MapStatus translates a carrier status code into an order status. ok is false
// for codes with no internal meaning.
func MapStatus(code string) (model.OrderStatus, bool) {
    switch strings.ToUpper(strings.TrimSpace(code)) {
    case "NEW", "CREATED", "PENDING":
        return model.OrderPending, true
    case "DELIVERED", "POD":
        return model.OrderDelivered, true
    case "CANCELLED", "CANCELED", "VOID":
        return model.OrderCancelled, true
    }
    return "", false
}
