package planval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetops/internal/events"
	"fleetops/internal/model"
	"fleetops/internal/store"
)

const tenant = "t1"

var now = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

func at(h, m int) *time.Time {
	t := time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
	return &t
}

func seed(t *testing.T) (*store.Memory, *Validator) {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveVehicle(ctx, tenant, model.Vehicle{ID: "v1", CapacityWeightKg: 100, CapacityVolumeM3: 10}))
	require.NoError(t, m.SaveVehicle(ctx, tenant, model.Vehicle{ID: "v2", CapacityWeightKg: 50, CapacityVolumeM3: 5}))
	require.NoError(t, m.SaveDriver(ctx, tenant, model.Driver{ID: "d1", Status: model.DriverAssigned, Skills: []model.DriverSkill{{Code: "cold"}}}))
	require.NoError(t, m.SaveDriver(ctx, tenant, model.Driver{ID: "d2", Status: model.DriverAssigned}))
	require.NoError(t, m.SaveDriver(ctx, tenant, model.Driver{ID: "gone", Status: model.DriverAbsent}))
	v := NewValidator(m, Options{PenaltyFactor: 1, LicenseWarnDays: 30, Now: func() time.Time { return now }})
	return m, v
}

func onTimeStop(id string, weight float64) model.RouteStop {
	return model.RouteStop{
		StopID: id, OrderID: "o-" + id, WeightKg: weight,
		WindowKind: model.WindowRange, WindowStart: at(9, 0), WindowEnd: at(11, 0), Strictness: model.StrictnessHard,
		ArrivalAt: at(9, 30),
	}
}

func cleanPlan() model.JobResult {
	q1, q2 := 80.0, 90.0
	return model.JobResult{
		SchemaVersion: model.JobResultSchemaVersion,
		Routes: []model.Route{
			{ID: "r1", VehicleID: "v1", DriverID: "d1", Stops: []model.RouteStop{onTimeStop("a", 40), onTimeStop("b", 40)}, AssignmentQuality: &q1},
			{ID: "r2", VehicleID: "v2", DriverID: "d2", Stops: []model.RouteStop{onTimeStop("c", 10)}, AssignmentQuality: &q2},
		},
	}
}

func TestValidateCleanPlan(t *testing.T) {
	_, v := seed(t)
	res, err := v.Validate(context.Background(), tenant, cleanPlan(), &model.Configuration{ID: "c1"})
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.True(t, res.CanConfirm)
	assert.Empty(t, res.Issues)
	assert.Equal(t, 2, res.Summary.RoutesWithDriver)
	assert.Equal(t, 3, res.Summary.TotalStops)
	assert.Equal(t, 100.0, res.Metrics.DriverAssignmentCoverage)
	assert.Equal(t, 100.0, res.Metrics.TimeWindowCompliance)
	require.NotNil(t, res.Metrics.AverageAssignmentQuality)
	assert.Equal(t, 85.0, *res.Metrics.AverageAssignmentQuality)
}

func TestValidateFlagsEveryProblem(t *testing.T) {
	_, v := seed(t)
	plan := cleanPlan()
	plan.Routes[0].Stops[0].ArrivalAt = at(11, 30) // HARD miss
	plan.Routes[0].Stops[1].Strictness = model.StrictnessSoft
	plan.Routes[0].Stops[1].ArrivalAt = at(12, 0) // SOFT miss
	plan.Routes[1].DriverID = ""
	plan.Routes[1].Stops[0].WeightKg = 70
	plan.Routes = append(plan.Routes, model.Route{ID: "r3", VehicleID: "v1", DriverID: "gone"})
	plan.UnassignedOrderIDs = []string{"o9"}

	res, err := v.Validate(context.Background(), tenant, plan, nil)
	require.NoError(t, err)
	assert.False(t, res.CanConfirm)
	assert.False(t, res.IsValid)

	byCat := map[Category][]Severity{}
	for _, is := range res.Issues {
		byCat[is.Category] = append(byCat[is.Category], is.Severity)
	}
	assert.ElementsMatch(t, []Severity{SeverityError, SeverityWarning}, byCat[CategoryTimeWindow])
	assert.Equal(t, []Severity{SeverityError}, byCat[CategoryDriverCoverage])
	assert.Equal(t, []Severity{SeverityError}, byCat[CategoryCapacity])
	assert.Equal(t, []Severity{SeverityError}, byCat[CategoryDriver])
	assert.Equal(t, []Severity{SeverityWarning}, byCat[CategoryUnassigned])
	assert.Equal(t, []Severity{SeverityInfo}, byCat[CategoryConfiguration])

	assert.Equal(t, 1, res.Summary.RoutesWithoutDriver)
	assert.Equal(t, 66.7, res.Metrics.DriverAssignmentCoverage)
	assert.Equal(t, 33.3, res.Metrics.TimeWindowCompliance)
}

func TestValidateUsesConfigurationPairing(t *testing.T) {
	_, v := seed(t)
	plan := cleanPlan()
	plan.Routes[1].DriverID = ""
	cfg := &model.Configuration{ID: "c1", Assignments: []model.VehicleDriver{{VehicleID: "v2", DriverID: "d2"}}}

	res, err := v.Validate(context.Background(), tenant, plan, cfg)
	require.NoError(t, err)
	assert.True(t, res.IsValid, "issues: %+v", res.Issues)
}

func TestValidateSkillMismatchIsWarning(t *testing.T) {
	_, v := seed(t)
	plan := cleanPlan()
	plan.Routes[1].Stops[0].RequiredSkills = []string{"cold"}

	res, err := v.Validate(context.Background(), tenant, plan, &model.Configuration{})
	require.NoError(t, err)
	assert.True(t, res.CanConfirm)
	assert.False(t, res.IsValid)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, CategorySkills, res.Issues[0].Category)
}

func TestValidateEmptyPlan(t *testing.T) {
	_, v := seed(t)
	res, err := v.Validate(context.Background(), tenant, model.JobResult{}, &model.Configuration{})
	require.NoError(t, err)
	assert.False(t, res.CanConfirm)
	assert.Equal(t, 0.0, res.Metrics.DriverAssignmentCoverage)
}

type fakeRecorder struct{ calls int }

func (f *fakeRecorder) Record(ctx context.Context, tenantID string, job model.Job, v Result) (model.PlanMetrics, error) {
	f.calls++
	return model.PlanMetrics{ID: "pm1", JobID: job.ID}, nil
}

func confirmFixture(t *testing.T, plan model.JobResult) (*store.Memory, *Confirmer, *fakeRecorder, *events.Recorder) {
	t.Helper()
	m, v := seed(t)
	ctx := context.Background()
	require.NoError(t, m.SaveConfiguration(ctx, tenant, model.Configuration{ID: "c1", Status: model.ConfigConfigured}))
	require.NoError(t, m.SaveJob(ctx, tenant, model.Job{ID: "j1", ConfigurationID: "c1", Status: model.JobCompleted, Result: plan}))
	fr, audit := &fakeRecorder{}, events.NewRecorder()
	return m, NewConfirmer(m, v, fr, audit), fr, audit
}

func twoWarningPlan() model.JobResult {
	plan := cleanPlan()
	plan.Routes[0].Stops[1].Strictness = model.StrictnessSoft
	plan.Routes[0].Stops[1].ArrivalAt = at(12, 0)
	plan.UnassignedOrderIDs = []string{"o9"}
	return plan
}

func TestConfirmRequiresOverrideForWarnings(t *testing.T) {
	m, c, fr, _ := confirmFixture(t, twoWarningPlan())
	ctx := context.Background()

	res, err := c.Confirm(ctx, tenant, ConfirmRequest{ConfigurationID: "c1", JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequiresOverride, res.Outcome)
	assert.Equal(t, 0, res.Validation.Summary.Errors)
	assert.Equal(t, 2, res.Validation.Summary.Warnings)
	cfg, _ := m.GetConfiguration(ctx, tenant, "c1")
	assert.Equal(t, model.ConfigConfigured, cfg.Status)
	assert.Zero(t, fr.calls)
}

func TestConfirmWithOverrideThenReconfirmConflicts(t *testing.T) {
	m, c, fr, audit := confirmFixture(t, twoWarningPlan())
	ctx := context.Background()

	res, err := c.Confirm(ctx, tenant, ConfirmRequest{ConfigurationID: "c1", JobID: "j1", OverrideWarnings: true, ActorID: "boss"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	require.NotNil(t, res.Metrics)
	assert.Equal(t, 1, fr.calls)
	cfg, _ := m.GetConfiguration(ctx, tenant, "c1")
	assert.Equal(t, model.ConfigConfirmed, cfg.Status)
	assert.Equal(t, "boss", cfg.ConfirmedBy)
	require.Len(t, audit.Audits(), 1)

	_, err = c.Confirm(ctx, tenant, ConfirmRequest{ConfigurationID: "c1", JobID: "j1", OverrideWarnings: true})
	require.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 1, fr.calls)
}

func TestConfirmErrorBlocksEvenWithOverride(t *testing.T) {
	plan := cleanPlan()
	plan.Routes[1].DriverID = ""
	m, c, _, _ := confirmFixture(t, plan)
	ctx := context.Background()

	res, err := c.Confirm(ctx, tenant, ConfirmRequest{ConfigurationID: "c1", JobID: "j1", OverrideWarnings: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, res.Outcome)
	assert.False(t, res.Validation.CanConfirm)
	cfg, _ := m.GetConfiguration(ctx, tenant, "c1")
	assert.Equal(t, model.ConfigConfigured, cfg.Status)
}

func TestConfirmRejectsWrongState(t *testing.T) {
	m, c, _, _ := confirmFixture(t, cleanPlan())
	ctx := context.Background()
	require.NoError(t, m.SaveJob(ctx, tenant, model.Job{ID: "other", ConfigurationID: "c2", Status: model.JobCompleted}))
	require.NoError(t, m.SaveJob(ctx, tenant, model.Job{ID: "running", ConfigurationID: "c1", Status: model.JobRunning}))

	_, err := c.Confirm(ctx, tenant, ConfirmRequest{ConfigurationID: "c1", JobID: "other"})
	require.ErrorIs(t, err, model.ErrInvalid)
	_, err = c.Confirm(ctx, tenant, ConfirmRequest{ConfigurationID: "c1", JobID: "running"})
	require.ErrorIs(t, err, model.ErrInvalid)
	_, err = c.Confirm(ctx, tenant, ConfirmRequest{ConfigurationID: "c1"})
	require.ErrorIs(t, err, model.ErrInvalid)
	_, err = c.Confirm(ctx, tenant, ConfirmRequest{ConfigurationID: "nope", JobID: "j1"})
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.TransitionConfiguration(ctx, tenant, "c1", model.ConfigConfigured, model.ConfigOptimizing, "")
	require.NoError(t, err)
	_, err = c.Confirm(ctx, tenant, ConfirmRequest{ConfigurationID: "c1", JobID: "j1"})
	require.ErrorIs(t, err, store.ErrConflict)
}
