package model

import "time"

// Core domain types shared by the store and the planning engine.

type GeoPoint struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// TimeWindowPolicy is the tenant-level rule an order's window is judged by.
type TimeWindowPolicy struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenantId"`
	Name             string         `json:"name"`
	Kind             TimeWindowKind `json:"kind"`
	Strictness       Strictness     `json:"strictness"`
	ToleranceMinutes int            `json:"toleranceMinutes,omitempty"`
	PenaltyFactor    float64        `json:"penaltyFactor,omitempty"`
}

type Order struct {
	ID                 string      `json:"id"`
	TenantID           string      `json:"tenantId"`
	ExternalRef        string      `json:"externalRef,omitempty"`
	Priority           int         `json:"priority"`
	Address            string      `json:"address,omitempty"`
	Location           GeoPoint    `json:"location"`
	WeightKg           float64     `json:"weightKg" validate:"gte=0"`
	VolumeM3           float64     `json:"volumeM3" validate:"gte=0"`
	ServiceMinutes     int         `json:"serviceMinutes,omitempty" validate:"gte=0"`
	RequiredSkills     []string    `json:"requiredSkills,omitempty"`
	TimeWindowPolicyID string      `json:"timeWindowPolicyId,omitempty"`
	StrictnessOverride *Strictness `json:"strictnessOverride,omitempty" validate:"omitempty,oneof=HARD SOFT"`
	WindowStart        *time.Time  `json:"windowStart,omitempty"`
	WindowEnd          *time.Time  `json:"windowEnd,omitempty"`
	Status             OrderStatus `json:"status"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// Vehicle is immutable for the lifetime of a plan revision.
type Vehicle struct {
	ID               string   `json:"id"`
	TenantID         string   `json:"tenantId"`
	Plate            string   `json:"plate,omitempty"`
	FleetID          string   `json:"fleetId,omitempty"`
	CapacityWeightKg float64  `json:"capacityWeightKg"`
	CapacityVolumeM3 float64  `json:"capacityVolumeM3"`
	Skills           []string `json:"skills,omitempty"`
	Home             GeoPoint `json:"home"`
}

type DriverSkill struct {
	Code       string     `json:"code"`
	ObtainedAt time.Time  `json:"obtainedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the skill is past its expiry at now.
func (s DriverSkill) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

type Driver struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenantId"`
	Name             string        `json:"name"`
	FleetID          string        `json:"fleetId,omitempty"`
	Skills           []DriverSkill `json:"skills,omitempty"`
	LicenseExpiresAt *time.Time    `json:"licenseExpiresAt,omitempty"`
	Status           DriverStatus  `json:"status"`
}

// ValidSkills returns the codes of the skills that have not expired at now.
func (d Driver) ValidSkills(now time.Time) map[string]bool {
	out := make(map[string]bool, len(d.Skills))
	for _, s := range d.Skills {
		if !s.Expired(now) {
			out[s.Code] = true
		}
	}
	return out
}

// Stop is one order's visit inside one route of one job. The time window is a
// snapshot taken when the job was planned.
type Stop struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenantId"`
	JobID            string         `json:"jobId"`
	RouteID          string         `json:"routeId"`
	OrderID          string         `json:"orderId"`
	VehicleID        string         `json:"vehicleId,omitempty"`
	DriverID         string         `json:"driverId,omitempty"`
	Sequence         int            `json:"sequence"`
	Status           StopStatus     `json:"status"`
	WindowKind       TimeWindowKind `json:"windowKind,omitempty"`
	WindowStart      *time.Time     `json:"windowStart,omitempty"`
	WindowEnd        *time.Time     `json:"windowEnd,omitempty"`
	ToleranceMinutes *int           `json:"toleranceMinutes,omitempty"`
	Strictness       Strictness     `json:"strictness,omitempty"`
	EstimatedArrival *time.Time     `json:"estimatedArrival,omitempty"`
	Version          int            `json:"version"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Active reports whether the stop still has work left on it.
func (s Stop) Active() bool {
	return s.Status == StopPending || s.Status == StopInProgress
}

// JobResultSchemaVersion is bumped whenever the Route/RouteStop layout changes.
const JobResultSchemaVersion = 1

type RouteStop struct {
	StopID           string         `json:"stopId"`
	OrderID          string         `json:"orderId"`
	Sequence         int            `json:"sequence"`
	ArrivalAt        *time.Time     `json:"arrivalAt,omitempty"`
	WindowKind       TimeWindowKind `json:"windowKind,omitempty"`
	WindowStart      *time.Time     `json:"windowStart,omitempty"`
	WindowEnd        *time.Time     `json:"windowEnd,omitempty"`
	ToleranceMinutes *int           `json:"toleranceMinutes,omitempty"`
	Strictness       Strictness     `json:"strictness,omitempty"`
	WeightKg         float64        `json:"weightKg"`
	VolumeM3         float64        `json:"volumeM3"`
	RequiredSkills   []string       `json:"requiredSkills,omitempty"`
}

type Route struct {
	ID                string      `json:"id"`
	VehicleID         string      `json:"vehicleId"`
	DriverID          string      `json:"driverId,omitempty"`
	Stops             []RouteStop `json:"stops"`
	DistanceM         int         `json:"distanceM"`
	DurationSec       int         `json:"durationSec"`
	AssignmentQuality *float64    `json:"assignmentQuality,omitempty"`
}

type JobMetrics struct {
	TotalDistanceM   int     `json:"totalDistanceM"`
	TotalDurationSec int     `json:"totalDurationSec"`
	Cost             float64 `json:"cost"`
}

// JobResult is the typed plan produced by one solver run.
type JobResult struct {
	SchemaVersion      int        `json:"schemaVersion"`
	Routes             []Route    `json:"routes"`
	UnassignedOrderIDs []string   `json:"unassignedOrderIds,omitempty"`
	Metrics            JobMetrics `json:"metrics"`
}

// ReassignRoute hands routeID to toDriver when fromDriver currently runs it.
// vehicleID, when non-empty, replaces the route's vehicle as well.
func (r *JobResult) ReassignRoute(routeID, fromDriver, toDriver, vehicleID string) bool {
	for i := range r.Routes {
		rt := &r.Routes[i]
		if rt.ID != routeID || rt.DriverID != fromDriver {
			continue
		}
		rt.DriverID = toDriver
		if vehicleID != "" {
			rt.VehicleID = vehicleID
		}
		return true
	}
	return false
}

// Clone returns a deep copy safe to mutate.
func (r JobResult) Clone() JobResult {
	out := r
	out.UnassignedOrderIDs = append([]string(nil), r.UnassignedOrderIDs...)
	out.Routes = make([]Route, len(r.Routes))
	for i, rt := range r.Routes {
		rt.Stops = append([]RouteStop(nil), rt.Stops...)
		out.Routes[i] = rt
	}
	return out
}

type Job struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenantId"`
	ConfigurationID string     `json:"configurationId,omitempty"`
	Status          JobStatus  `json:"status"`
	Result          JobResult  `json:"result"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// VehicleDriver pairs a vehicle with the driver that will run its route.
type VehicleDriver struct {
	VehicleID string `json:"vehicleId"`
	DriverID  string `json:"driverId"`
}

// Configuration is the planning input a job is computed against.
type Configuration struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	Name        string          `json:"name"`
	Status      ConfigStatus    `json:"status"`
	PlanDate    string          `json:"planDate"`
	Depot       *GeoPoint       `json:"depot,omitempty"`
	Objective   string          `json:"objective,omitempty"`
	OrderIDs    []string        `json:"orderIds,omitempty"`
	VehicleIDs  []string        `json:"vehicleIds,omitempty"`
	Assignments []VehicleDriver `json:"assignments,omitempty"`
	ConfirmedAt *time.Time      `json:"confirmedAt,omitempty"`
	ConfirmedBy string          `json:"confirmedBy,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// DriverFor returns the driver paired with vehicleID, or "".
func (c Configuration) DriverFor(vehicleID string) string {
	for _, a := range c.Assignments {
		if a.VehicleID == vehicleID {
			return a.DriverID
		}
	}
	return ""
}

// ReassignmentRecord is the immutable trail of one applied move.
type ReassignmentRecord struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenantId"`
	JobID               string    `json:"jobId,omitempty"`
	RouteID             string    `json:"routeId,omitempty"`
	VehicleID           string    `json:"vehicleId,omitempty"`
	AbsentDriverID      string    `json:"absentDriverId"`
	ReplacementDriverID string    `json:"replacementDriverId"`
	StopIDs             []string  `json:"stopIds"`
	Reason              string    `json:"reason,omitempty"`
	ActorID             string    `json:"actorId,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
}

type PlanMetricsData struct {
	TotalRoutes              int      `json:"totalRoutes"`
	TotalStops               int      `json:"totalStops"`
	AssignedOrders           int      `json:"assignedOrders"`
	UnassignedOrders         int      `json:"unassignedOrders"`
	TotalDistanceM           int      `json:"totalDistanceM"`
	TotalDurationSec         int      `json:"totalDurationSec"`
	AvgStopsPerRoute         float64  `json:"avgStopsPerRoute"`
	DriverAssignmentCoverage float64  `json:"driverAssignmentCoverage"`
	TimeWindowCompliance     float64  `json:"timeWindowCompliance"`
	AverageAssignmentQuality *float64 `json:"averageAssignmentQuality,omitempty"`
	ErrorCount               int      `json:"errorCount"`
	WarningCount             int      `json:"warningCount"`
}

type MetricsComparison struct {
	DistanceDeltaPct   int `json:"distanceDeltaPct"`
	DurationDeltaPct   int `json:"durationDeltaPct"`
	ComplianceDeltaPct int `json:"complianceDeltaPct"`
}

// PlanMetrics is an append-only snapshot for one job.
type PlanMetrics struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenantId"`
	JobID           string             `json:"jobId"`
	ConfigurationID string             `json:"configurationId,omitempty"`
	PreviousJobID   string             `json:"previousJobId,omitempty"`
	Data            PlanMetricsData    `json:"data"`
	Comparison      *MetricsComparison `json:"comparison,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
}
