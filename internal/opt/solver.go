// Package opt holds the routing solver the planner treats as a black box.
package opt

import (
	"context"
	"time"

	"fleetops/internal/model"
)

const (
	ObjectiveDistance = "min_distance"
	ObjectiveDuration = "min_duration"
)

type Options struct {
	Depot     *model.GeoPoint
	Objective string
	// PlanStart anchors arrival times; order windows are measured from it.
	PlanStart  time.Time
	SpeedKph   float64
	ServiceSec int
}

type PlannedStop struct {
	OrderID   string
	Sequence  int
	ArrivalAt time.Time
}

type PlannedRoute struct {
	VehicleID   string
	Stops       []PlannedStop
	DistanceM   int
	DurationSec int
	// Quality is the share of stops reached inside their window, 0-100.
	Quality *float64
}

type Plan struct {
	Routes             []PlannedRoute
	UnassignedOrderIDs []string
	TotalDistanceM     int
	TotalDurationSec   int
}

// Solver turns orders and vehicles into routes. It may leave orders unassigned.
type Solver interface {
	Optimize(ctx context.Context, orders []model.Order, vehicles []model.Vehicle, opts Options) (Plan, error)
}
