package obs

import (
	"context"
	"log"
	"time"
)

type ctxKey string

const RequestIDKey ctxKey = "req_id"

// WithRequestID stores id for later timing lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// Time logs one line per engine operation when the returned func runs.
func Time(ctx context.Context, name, tenantID string) func(errp *error) {
	start := time.Now()

	reqID, _ := ctx.Value(RequestIDKey).(string)

	return func(errp *error) {
		dur := time.Since(start)

		if errp != nil && *errp != nil {
			log.Printf("req_id=%s op=%s tenant=%s dur=%dms err=%v", reqID, name, tenantID, dur.Milliseconds(), *errp)
			return
		}
		log.Printf("req_id=%s op=%s tenant=%s dur=%dms", reqID, name, tenantID, dur.Milliseconds())
	}
}
