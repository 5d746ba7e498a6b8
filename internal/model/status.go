package model

type Strictness string

const (
	StrictnessHard Strictness = "HARD"
	StrictnessSoft Strictness = "SOFT"
)

type TimeWindowKind string

const (
	WindowRange TimeWindowKind = "RANGE"
	WindowExact TimeWindowKind = "EXACT"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderAssigned  OrderStatus = "ASSIGNED"
	OrderInTransit OrderStatus = "IN_TRANSIT"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderFailed    OrderStatus = "FAILED"
	OrderCancelled OrderStatus = "CANCELLED"
)

type DriverStatus string

const (
	DriverAvailable   DriverStatus = "AVAILABLE"
	DriverAssigned    DriverStatus = "ASSIGNED"
	DriverInRoute     DriverStatus = "IN_ROUTE"
	DriverOnPause     DriverStatus = "ON_PAUSE"
	DriverCompleted   DriverStatus = "COMPLETED"
	DriverUnavailable DriverStatus = "UNAVAILABLE"
	DriverAbsent      DriverStatus = "ABSENT"
)

type StopStatus string

const (
	StopPending    StopStatus = "PENDING"
	StopInProgress StopStatus = "IN_PROGRESS"
	StopCompleted  StopStatus = "COMPLETED"
	StopFailed     StopStatus = "FAILED"
	StopSkipped    StopStatus = "SKIPPED"
)

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

type ConfigStatus string

const (
	ConfigDraft      ConfigStatus = "DRAFT"
	ConfigConfigured ConfigStatus = "CONFIGURED"
	ConfigOptimizing ConfigStatus = "OPTIMIZING"
	ConfigConfirmed  ConfigStatus = "CONFIRMED"
)

var stopTransitions = map[StopStatus][]StopStatus{
	StopPending:    {StopInProgress, StopSkipped, StopFailed},
	StopInProgress: {StopCompleted, StopFailed, StopSkipped},
	StopCompleted:  nil,
	StopFailed:     nil,
	StopSkipped:    nil,
}

var configTransitions = map[ConfigStatus][]ConfigStatus{
	ConfigDraft:      {ConfigConfigured},
	ConfigConfigured: {ConfigOptimizing, ConfigConfirmed, ConfigDraft},
	ConfigOptimizing: {ConfigConfigured},
	ConfigConfirmed:  nil,
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:   {JobRunning, JobCancelled},
	JobRunning:   {JobCompleted, JobFailed, JobCancelled},
	JobCompleted: nil,
	JobFailed:    nil,
	JobCancelled: nil,
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known stop status.
func (s StopStatus) Valid() bool { _, ok := stopTransitions[s]; return ok }

// Terminal reports whether no transition leaves s.
func (s StopStatus) Terminal() bool { return s.Valid() && len(stopTransitions[s]) == 0 }

// CanTransition reports whether a stop may move from s to to.
func (s StopStatus) CanTransition(to StopStatus) bool {
	return contains(stopTransitions[s], to)
}

func (c ConfigStatus) Valid() bool { _, ok := configTransitions[c]; return ok }

// CanTransition reports whether a configuration may move from c to to.
// CONFIRMED is terminal.
func (c ConfigStatus) CanTransition(to ConfigStatus) bool {
	return contains(configTransitions[c], to)
}

func (j JobStatus) Valid() bool { _, ok := jobTransitions[j]; return ok }

func (j JobStatus) CanTransition(to JobStatus) bool {
	return contains(jobTransitions[j], to)
}

func (s Strictness) Valid() bool { return s == StrictnessHard || s == StrictnessSoft }

func (d DriverStatus) Valid() bool {
	switch d {
	case DriverAvailable, DriverAssigned, DriverInRoute, DriverOnPause, DriverCompleted, DriverUnavailable, DriverAbsent:
		return true
	}
	return false
}

// OrderStatusForStop maps a stop status change onto the owning order, if the
// order should follow it.
func OrderStatusForStop(s StopStatus) (OrderStatus, bool) {
	switch s {
	case StopInProgress:
		return OrderInTransit, true
	case StopCompleted:
		return OrderDelivered, true
	case StopFailed:
		return OrderFailed, true
	}
	return "", false
}
