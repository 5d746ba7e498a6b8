package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"fleetops/internal/model"
	"fleetops/internal/store"
)

func TestInsertMalformedChunkOnlyFailsThatChunk(t *testing.T) {
	records := make([]int, 10)
	for i := range records {
		records[i] = i
	}
	records[5] = -1 // malformed, lands in chunk 1

	var progress []Progress
	res, err := Insert(context.Background(), records, Config{BatchSize: 4, OnProgress: func(p Progress) { progress = append(progress, p) }},
		func(ctx context.Context, chunk []int) (int, error) {
			for _, r := range chunk {
				if r < 0 {
					return 0, errors.New("bad record")
				}
			}
			return len(chunk), nil
		})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Processed)
	assert.Equal(t, 6, res.Inserted)
	assert.Equal(t, []ChunkError{{Batch: 1, Error: "bad record"}}, res.Errors)
	require.Len(t, progress, 3)
	assert.Equal(t, Progress{Batch: 2, Batches: 3, Processed: 10, Inserted: 6, Total: 10}, progress[2])
}

func TestInsertTimeoutStopsBetweenChunks(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	calls := 0
	res, err := Insert(context.Background(), make([]int, 9), Config{BatchSize: 3, Timeout: time.Minute, Now: now},
		func(ctx context.Context, chunk []int) (int, error) {
			calls++
			clock = clock.Add(45 * time.Second)
			return len(chunk), nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 6, res.Inserted)
	assert.True(t, res.TimedOut)
	assert.Equal(t, []ChunkError{{Batch: 2, Error: TimeoutError}}, res.Errors)
}

func TestInsertEmptyInput(t *testing.T) {
	res, err := Insert(context.Background(), []int(nil), Config{}, func(ctx context.Context, chunk []int) (int, error) {
		t.Fatal("insert called for empty input")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Empty(t, res.Errors)
}

func TestInsertStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	_, err := Insert(ctx, make([]int, 4), Config{BatchSize: 2, Limiter: lim}, func(ctx context.Context, chunk []int) (int, error) {
		return len(chunk), nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadOrdersThroughMemoryStore(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	orders := []model.Order{
		{ExternalRef: "a", Location: model.GeoPoint{Lat: 1, Lng: 1}},
		{ExternalRef: "b", Location: model.GeoPoint{Lat: 1, Lng: 1}},
		{ExternalRef: "c", Location: model.GeoPoint{Lat: 95, Lng: 1}},
		{ExternalRef: "d", Location: model.GeoPoint{Lat: 1, Lng: 1}},
	}
	res, err := LoadOrders(ctx, m, "t1", orders, Config{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Batch)

	stored, _, err := m.ListOrders(ctx, "t1", model.OrderPending, "", 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.NotEmpty(t, stored[0].ID)
}
