package reassign

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetops/internal/model"
	"fleetops/internal/store"
)

const tenant = "t1"

var fixedNow = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// fixture seeds one absent driver owning three pending stops on route r1 of job j1.
type fixture struct {
	ctx   context.Context
	store *store.Memory
	calc  *Calculator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveVehicle(ctx, tenant, model.Vehicle{ID: "v1", CapacityWeightKg: 100, CapacityVolumeM3: 10}))
	require.NoError(t, m.SaveDriver(ctx, tenant, model.Driver{ID: "absent", Name: "Absent", FleetID: "north", Status: model.DriverAbsent}))
	orders := []model.Order{
		{ID: "o1", WeightKg: 10, VolumeM3: 1, RequiredSkills: []string{"hazmat"}},
		{ID: "o2", WeightKg: 20, VolumeM3: 1},
		{ID: "o3", WeightKg: 30, VolumeM3: 2, RequiredSkills: []string{"cold"}},
	}
	_, err := m.InsertOrders(ctx, tenant, orders)
	require.NoError(t, err)
	var stops []model.Stop
	for i, o := range orders {
		stops = append(stops, model.Stop{
			ID: "s" + o.ID[1:], JobID: "j1", RouteID: "r1", OrderID: o.ID, VehicleID: "v1",
			DriverID: "absent", Sequence: i + 1,
		})
	}
	_, err = m.InsertStops(ctx, tenant, stops)
	require.NoError(t, err)
	require.NoError(t, m.SaveJob(ctx, tenant, model.Job{
		ID: "j1", Status: model.JobCompleted,
		Result: model.JobResult{SchemaVersion: model.JobResultSchemaVersion, Routes: []model.Route{{ID: "r1", VehicleID: "v1", DriverID: "absent"}}},
	}))

	opts := DefaultOptions()
	opts.Now = func() time.Time { return fixedNow }
	return &fixture{ctx: ctx, store: m, calc: NewCalculator(m, opts)}
}

func (f *fixture) driver(t *testing.T, d model.Driver) {
	t.Helper()
	if d.Status == "" {
		d.Status = model.DriverAvailable
	}
	require.NoError(t, f.store.SaveDriver(f.ctx, tenant, d))
}

func skills(codes ...string) []model.DriverSkill {
	out := make([]model.DriverSkill, 0, len(codes))
	for _, c := range codes {
		out = append(out, model.DriverSkill{Code: c, ObtainedAt: fixedNow.AddDate(-1, 0, 0)})
	}
	return out
}

func TestImpactExpiredLicenseIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.driver(t, model.Driver{ID: "cand", Skills: skills("hazmat", "cold"), LicenseExpiresAt: ptr(fixedNow.AddDate(0, 0, -2))})

	im, err := f.calc.CalculateImpact(f.ctx, tenant, "absent", "cand", "")
	require.NoError(t, err)
	require.False(t, im.IsValid)
	require.Equal(t, 3, im.StopsCount)
	require.NotEmpty(t, im.Errors)
	require.Contains(t, im.Errors[0], "license expired")
}

func TestImpactFullMatch(t *testing.T) {
	f := newFixture(t)
	f.driver(t, model.Driver{ID: "cand", Skills: skills("hazmat", "cold"), LicenseExpiresAt: ptr(fixedNow.AddDate(1, 0, 0))})

	im, err := f.calc.CalculateImpact(f.ctx, tenant, "absent", "cand", "j1")
	require.NoError(t, err)
	require.True(t, im.IsValid)
	require.Empty(t, im.Errors)
	require.Empty(t, im.Warnings)
	require.Equal(t, 100.0, im.SkillsMatch)
	require.Equal(t, []string{"cold", "hazmat"}, im.RequiredSkills)
	require.Equal(t, 60.0, im.WeightUtilization)
	require.Equal(t, 60.0, im.CapacityUtilization)
	require.Equal(t, 45, im.AdditionalTimeMinutes)
	require.Equal(t, 15.0, im.AdditionalDistanceKm)
	require.True(t, im.Approximate)
	require.Len(t, im.Routes, 1)
	require.Equal(t, 3, im.Routes[0].PendingStops)
}

func TestImpactWarningsDoNotInvalidate(t *testing.T) {
	f := newFixture(t)
	expired := model.DriverSkill{Code: "cold", ObtainedAt: fixedNow.AddDate(-2, 0, 0), ExpiresAt: ptr(fixedNow.AddDate(0, -1, 0))}
	f.driver(t, model.Driver{
		ID: "cand", Status: model.DriverOnPause,
		Skills:           []model.DriverSkill{{Code: "hazmat", ObtainedAt: fixedNow}, expired},
		LicenseExpiresAt: ptr(fixedNow.AddDate(0, 0, 10)),
	})

	im, err := f.calc.CalculateImpact(f.ctx, tenant, "absent", "cand", "")
	require.NoError(t, err)
	require.True(t, im.IsValid, "errors: %v", im.Errors)
	require.Equal(t, 50.0, im.SkillsMatch)
	require.Equal(t, []string{"cold"}, im.MissingSkills)
	// license soon, status, missing skill, expired skill
	require.Len(t, im.Warnings, 4)
}

func TestImpactCapacityOverrunIsError(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.InsertOrders(f.ctx, tenant, []model.Order{{ID: "heavy", WeightKg: 80}})
	require.NoError(t, err)
	_, err = f.store.InsertStops(f.ctx, tenant, []model.Stop{{ID: "s4", JobID: "j1", RouteID: "r1", OrderID: "heavy", VehicleID: "v1", DriverID: "absent"}})
	require.NoError(t, err)
	f.driver(t, model.Driver{ID: "cand", Skills: skills("hazmat", "cold")})

	im, err := f.calc.CalculateImpact(f.ctx, tenant, "absent", "cand", "")
	require.NoError(t, err)
	require.False(t, im.IsValid)
	require.Equal(t, 140.0, im.CapacityUtilization)
}

func TestImpactCompromisedWindows(t *testing.T) {
	f := newFixture(t)
	late := model.Stop{
		ID: "s4", JobID: "j1", RouteID: "r1", OrderID: "o2", VehicleID: "v1", DriverID: "absent",
		WindowKind: model.WindowRange, WindowStart: ptr(fixedNow.Add(-3 * time.Hour)), WindowEnd: ptr(fixedNow.Add(-time.Hour)),
		Strictness: model.StrictnessSoft,
	}
	onTime := late
	onTime.ID, onTime.WindowEnd = "s5", ptr(fixedNow.Add(time.Hour))
	_, err := f.store.InsertStops(f.ctx, tenant, []model.Stop{late, onTime})
	require.NoError(t, err)
	f.driver(t, model.Driver{ID: "cand", Skills: skills("hazmat", "cold")})

	im, err := f.calc.CalculateImpact(f.ctx, tenant, "absent", "cand", "")
	require.NoError(t, err)
	require.Equal(t, 1, im.CompromisedWindows)
	require.True(t, im.IsValid)
}

func TestImpactNoStopsIsTriviallyValid(t *testing.T) {
	f := newFixture(t)
	im, err := f.calc.CalculateImpact(f.ctx, tenant, "nobody", "ghost", "")
	require.NoError(t, err)
	require.True(t, im.IsValid)
	require.Empty(t, im.Errors)
	require.Len(t, im.Warnings, 1)
}

func TestImpactMissingCandidateIsReportedNotReturned(t *testing.T) {
	f := newFixture(t)
	im, err := f.calc.CalculateImpact(f.ctx, tenant, "absent", "ghost", "")
	require.NoError(t, err)
	require.False(t, im.IsValid)
	require.Len(t, im.Errors, 1)
}

func TestRankOptions(t *testing.T) {
	f := newFixture(t)
	f.driver(t, model.Driver{ID: "a-expired", FleetID: "north", Skills: skills("hazmat", "cold"), LicenseExpiresAt: ptr(fixedNow.AddDate(0, 0, -1))})
	f.driver(t, model.Driver{ID: "b-partial", FleetID: "north", Skills: skills("hazmat")})
	f.driver(t, model.Driver{ID: "c-full", FleetID: "north", Skills: skills("hazmat", "cold")})
	f.driver(t, model.Driver{ID: "d-south", FleetID: "south", Skills: skills("hazmat", "cold")})
	f.driver(t, model.Driver{ID: "e-busy", FleetID: "north", Status: model.DriverInRoute, Skills: skills("hazmat", "cold")})

	opts, err := f.calc.RankOptions(f.ctx, tenant, "absent", StrategySameFleet, "", 10)
	require.NoError(t, err)
	ids := []string{}
	for _, o := range opts {
		ids = append(ids, o.Driver.ID)
	}
	require.Equal(t, []string{"c-full", "b-partial", "a-expired"}, ids)
	require.Equal(t, 1, opts[0].Rank)
	require.False(t, opts[2].Impact.IsValid)

	opts, err = f.calc.RankOptions(f.ctx, tenant, "absent", StrategyAnyFleet, "", 2)
	require.NoError(t, err)
	require.Len(t, opts, 2)
	require.Equal(t, "c-full", opts[0].Driver.ID)
	require.Equal(t, "d-south", opts[1].Driver.ID)
}

func TestRankOptionsRejectsUnknownStrategy(t *testing.T) {
	f := newFixture(t)
	_, err := f.calc.RankOptions(f.ctx, tenant, "absent", Strategy("NEAREST"), "", 0)
	require.ErrorIs(t, err, model.ErrInvalid)

	_, err = f.calc.RankOptions(f.ctx, tenant, "ghost", StrategyAnyFleet, "", 0)
	require.ErrorIs(t, err, store.ErrNotFound)
}
