// Package batch loads large record sets in fixed-size chunks. Each chunk is one
// insert statement; a failed chunk is reported and the next one still runs.
package batch

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	"fleetops/internal/metrics"
)

const (
	DefaultBatchSize = 500
	DefaultTimeout   = 5 * time.Minute
)

// TimeoutError is the ChunkError text for the chunk the deadline stopped.
const TimeoutError = "timeout"

type Progress struct {
	Batch     int `json:"batch"`
	Batches   int `json:"batches"`
	Processed int `json:"processed"`
	Inserted  int `json:"inserted"`
	Total     int `json:"total"`
}

type Config struct {
	BatchSize  int
	Timeout    time.Duration
	OnProgress func(Progress)
	// Limiter paces chunks; nil runs them back to back.
	Limiter *rate.Limiter
	Now     func() time.Time
}

type ChunkError struct {
	Batch int    `json:"batch"`
	Error string `json:"error"`
}

type Result struct {
	Processed int          `json:"processed"`
	Inserted  int          `json:"inserted"`
	Errors    []ChunkError `json:"errors"`
	TimedOut  bool         `json:"timedOut"`
}

// InsertFunc writes one chunk in a single statement and reports how many rows landed.
type InsertFunc[T any] func(ctx context.Context, chunk []T) (int, error)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Insert feeds records to insert chunk by chunk. The wall-clock budget is
// checked between chunks; once spent, the next chunk is recorded as a timeout
// and nothing further runs. Chunks already written stay written. Only a
// cancelled context is returned as an error.
func Insert[T any](ctx context.Context, records []T, cfg Config, insert InsertFunc[T]) (Result, error) {
	cfg = cfg.withDefaults()
	res := Result{Errors: []ChunkError{}}
	total := len(records)
	batches := (total + cfg.BatchSize - 1) / cfg.BatchSize
	start := cfg.Now()

	for b := 0; b < batches; b++ {
		if cfg.Now().Sub(start) > cfg.Timeout {
			res.Errors = append(res.Errors, ChunkError{Batch: b, Error: TimeoutError})
			res.TimedOut = true
			metrics.BatchChunks.WithLabelValues("timeout").Inc()
			log.Printf("batch timeout after %d/%d chunks processed=%d", b, batches, res.Processed)
			break
		}
		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		lo := b * cfg.BatchSize
		hi := min(lo+cfg.BatchSize, total)
		chunk := records[lo:hi]

		n, err := insert(ctx, chunk)
		res.Processed += len(chunk)
		if err != nil {
			res.Errors = append(res.Errors, ChunkError{Batch: b, Error: err.Error()})
			metrics.BatchChunks.WithLabelValues("failed").Inc()
			log.Printf("batch chunk=%d size=%d err=%v", b, len(chunk), err)
		} else {
			res.Inserted += n
			metrics.BatchChunks.WithLabelValues("ok").Inc()
			metrics.BatchRecordsInserted.Add(float64(n))
		}
		if cfg.OnProgress != nil {
			cfg.OnProgress(Progress{Batch: b, Batches: batches, Processed: res.Processed, Inserted: res.Inserted, Total: total})
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}
	return res, nil
}
