package planning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetops/internal/events"
	"fleetops/internal/model"
	"fleetops/internal/opt"
	"fleetops/internal/store"
)

const tenant = "t1"

type solverFunc func(ctx context.Context, orders []model.Order, vehicles []model.Vehicle, opts opt.Options) (opt.Plan, error)

func (f solverFunc) Optimize(ctx context.Context, orders []model.Order, vehicles []model.Vehicle, opts opt.Options) (opt.Plan, error) {
	return f(ctx, orders, vehicles, opts)
}

func seed(t *testing.T, status model.ConfigStatus) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.SaveTimeWindowPolicy(ctx, tenant, model.TimeWindowPolicy{ID: "p-exact", Kind: model.WindowExact, Strictness: model.StrictnessSoft, ToleranceMinutes: 15}))
	target := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	_, err := m.InsertOrders(ctx, tenant, []model.Order{
		{ID: "o1", Location: model.GeoPoint{Lat: 0, Lng: 0.01}, WeightKg: 10},
		{ID: "o2", Location: model.GeoPoint{Lat: 0, Lng: 0.02}, WeightKg: 10},
		{ID: "o3", Location: model.GeoPoint{Lat: 0, Lng: 0.03}, WeightKg: 10, TimeWindowPolicyID: "p-exact", WindowStart: &target},
	})
	require.NoError(t, err)
	require.NoError(t, m.SaveVehicle(ctx, tenant, model.Vehicle{ID: "v1", CapacityWeightKg: 100}))
	require.NoError(t, m.SaveVehicle(ctx, tenant, model.Vehicle{ID: "v2", CapacityWeightKg: 100}))
	require.NoError(t, m.SaveConfiguration(ctx, tenant, model.Configuration{
		ID: "c1", Status: status, PlanDate: "2026-03-10", Depot: &model.GeoPoint{},
		OrderIDs: []string{"o1", "o2", "o3"}, VehicleIDs: []string{"v1", "v2"},
		Assignments: []model.VehicleDriver{{VehicleID: "v1", DriverID: "d1"}, {VehicleID: "v2", DriverID: "d2"}},
	}))
	return m
}

func TestOptimizeProducesCompletedJob(t *testing.T) {
	ctx := context.Background()
	m := seed(t, model.ConfigConfigured)
	rec := events.NewRecorder()
	svc := NewService(m, opt.Greedy{}, rec)

	job, err := svc.Optimize(ctx, tenant, "c1", "planner")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, model.JobResultSchemaVersion, job.Result.SchemaVersion)
	assert.Empty(t, job.Result.UnassignedOrderIDs)

	stored, err := m.GetJob(ctx, tenant, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, stored.Status)

	stops, err := m.ListStopsByJob(ctx, tenant, job.ID)
	require.NoError(t, err)
	require.Len(t, stops, 3)
	for _, st := range stops {
		assert.NotEmpty(t, st.RouteID)
		want := map[string]string{"v1": "d1", "v2": "d2"}[st.VehicleID]
		assert.Equal(t, want, st.DriverID, "stop %s", st.ID)
		if st.OrderID == "o3" {
			assert.Equal(t, model.WindowExact, st.WindowKind)
			assert.Equal(t, model.StrictnessSoft, st.Strictness)
			require.NotNil(t, st.ToleranceMinutes)
			assert.Equal(t, 15, *st.ToleranceMinutes)
		} else {
			assert.Equal(t, model.StrictnessHard, st.Strictness)
		}
	}

	orders, err := m.GetOrders(ctx, tenant, []string{"o1", "o2", "o3"})
	require.NoError(t, err)
	for _, o := range orders {
		assert.Equal(t, model.OrderAssigned, o.Status, o.ID)
	}

	cfg, _ := m.GetConfiguration(ctx, tenant, "c1")
	assert.Equal(t, model.ConfigConfigured, cfg.Status)

	audits := rec.Audits()
	require.Len(t, audits, 1)
	assert.Equal(t, "optimized", audits[0].Action)
}

func TestOptimizeHoldsConfigurationWhileSolving(t *testing.T) {
	ctx := context.Background()
	m := seed(t, model.ConfigConfigured)
	var during model.ConfigStatus
	solver := solverFunc(func(ctx context.Context, orders []model.Order, vehicles []model.Vehicle, opts opt.Options) (opt.Plan, error) {
		c, _ := m.GetConfiguration(ctx, tenant, "c1")
		during = c.Status
		require.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), opts.PlanStart)
		return opt.Plan{UnassignedOrderIDs: []string{"o1", "o2", "o3"}}, nil
	})
	svc := NewService(m, solver, nil)

	job, err := svc.Optimize(ctx, tenant, "c1", "")
	require.NoError(t, err)
	assert.Equal(t, model.ConfigOptimizing, during)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Len(t, job.Result.UnassignedOrderIDs, 3)

	// A second run while the first holds the lock is rejected.
	require.NoError(t, m.SaveConfiguration(ctx, tenant, model.Configuration{ID: "busy", Status: model.ConfigOptimizing, OrderIDs: []string{"o1"}, VehicleIDs: []string{"v1"}}))
	_, err = svc.Optimize(ctx, tenant, "busy", "")
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestOptimizeSolverFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	m := seed(t, model.ConfigConfigured)
	solver := solverFunc(func(context.Context, []model.Order, []model.Vehicle, opt.Options) (opt.Plan, error) {
		return opt.Plan{}, errors.New("boom")
	})
	job, err := NewService(m, solver, nil).Optimize(ctx, tenant, "c1", "")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "boom")

	stored, _ := m.GetJob(ctx, tenant, job.ID)
	assert.Equal(t, model.JobFailed, stored.Status)
	cfg, _ := m.GetConfiguration(ctx, tenant, "c1")
	assert.Equal(t, model.ConfigConfigured, cfg.Status)
	orders, _ := m.GetOrders(ctx, tenant, []string{"o1"})
	assert.Equal(t, model.OrderPending, orders[0].Status)
}

func TestOptimizeRejectsBadConfigurations(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		status model.ConfigStatus
		id     string
		want   error
	}{
		{"draft", model.ConfigDraft, "c1", model.ErrInvalid},
		{"confirmed", model.ConfigConfirmed, "c1", store.ErrConflict},
		{"optimizing", model.ConfigOptimizing, "c1", store.ErrConflict},
		{"missing", model.ConfigConfigured, "nope", store.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := seed(t, tc.status)
			_, err := NewService(m, opt.Greedy{}, nil).Optimize(ctx, tenant, tc.id, "")
			require.ErrorIs(t, err, tc.want)
			jobs, _ := m.ListJobs(ctx, tenant, store.JobFilter{})
			assert.Empty(t, jobs)
		})
	}

	t.Run("no orders", func(t *testing.T) {
		m := seed(t, model.ConfigConfigured)
		require.NoError(t, m.SaveConfiguration(ctx, tenant, model.Configuration{ID: "empty", Status: model.ConfigConfigured, VehicleIDs: []string{"v1"}}))
		_, err := NewService(m, opt.Greedy{}, nil).Optimize(ctx, tenant, "empty", "")
		require.ErrorIs(t, err, model.ErrInvalid)
	})
}

// flakyStops fails the nth InsertStops call.
type flakyStops struct {
	*store.Memory
	failOn int
	calls  int
}

func (f *flakyStops) InsertStops(ctx context.Context, tenantID string, stops []model.Stop) (int, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, errors.New("disk full")
	}
	return f.Memory.InsertStops(ctx, tenantID, stops)
}

func TestOptimizeStopWriteFailureLeavesNoStops(t *testing.T) {
	ctx := context.Background()
	m := seed(t, model.ConfigConfigured)
	fs := &flakyStops{Memory: m, failOn: 2}
	svc := NewService(fs, opt.Greedy{}, nil)
	svc.Batch.BatchSize = 1

	job, err := svc.Optimize(ctx, tenant, "c1", "")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.Error, "disk full")
	assert.GreaterOrEqual(t, fs.calls, 2)

	stops, err := m.ListStopsByJob(ctx, tenant, job.ID)
	require.NoError(t, err)
	assert.Empty(t, stops)
	for _, d := range []string{"d1", "d2"} {
		owned, err := m.ListStopsByDriver(ctx, tenant, d, "")
		require.NoError(t, err)
		assert.Empty(t, owned, "driver %s", d)
	}
	orders, _ := m.GetOrders(ctx, tenant, []string{"o1", "o2", "o3"})
	for _, o := range orders {
		assert.Equal(t, model.OrderPending, o.Status, o.ID)
	}
	cfg, _ := m.GetConfiguration(ctx, tenant, "c1")
	assert.Equal(t, model.ConfigConfigured, cfg.Status)
}

func TestOptimizeRejectsPlansNamingForeignOrders(t *testing.T) {
	cases := []struct {
		name  string
		stops []opt.PlannedStop
		want  string
	}{
		{"unknown order", []opt.PlannedStop{{OrderID: "o1", Sequence: 1}, {OrderID: "zz", Sequence: 2}}, `unknown order "zz"`},
		{"order planned twice", []opt.PlannedStop{{OrderID: "o1", Sequence: 1}, {OrderID: "o1", Sequence: 2}}, "o1 twice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			m := seed(t, model.ConfigConfigured)
			solver := solverFunc(func(context.Context, []model.Order, []model.Vehicle, opt.Options) (opt.Plan, error) {
				return opt.Plan{Routes: []opt.PlannedRoute{{VehicleID: "v1", Stops: tc.stops}}}, nil
			})

			job, err := NewService(m, solver, nil).Optimize(ctx, tenant, "c1", "")
			require.NoError(t, err)
			require.Equal(t, model.JobFailed, job.Status)
			assert.Contains(t, job.Error, tc.want)

			stops, _ := m.ListStopsByJob(ctx, tenant, job.ID)
			assert.Empty(t, stops)
			orders, _ := m.GetOrders(ctx, tenant, []string{"o1"})
			assert.Equal(t, model.OrderPending, orders[0].Status)
		})
	}
}
