package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisAlerts publishes alerts on a per-tenant channel and keeps a capped list
// of the most recent ones for dashboards that connect late.
type RedisAlerts struct {
	rdb    *redis.Client
	prefix string
	keep   int64
}

func NewRedisAlerts(url, prefix string) (*RedisAlerts, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisAlertsClient(redis.NewClient(opt), prefix), nil
}

func NewRedisAlertsClient(rdb *redis.Client, prefix string) *RedisAlerts {
	if prefix == "" {
		prefix = "alerts"
	}
	return &RedisAlerts{rdb: rdb, prefix: prefix, keep: 200}
}

func (r *RedisAlerts) channel(tenantID string) string { return r.prefix + ":" + tenantID }
func (r *RedisAlerts) recentKey(tenantID string) string { return r.prefix + ":" + tenantID + ":recent" }

func (r *RedisAlerts) CreateAlert(ctx context.Context, tenantID string, a Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.TenantID = tenantID
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, r.recentKey(tenantID), data)
		p.LTrim(ctx, r.recentKey(tenantID), 0, r.keep-1)
		p.Publish(ctx, r.channel(tenantID), data)
		return nil
	})
	return err
}

// Recent returns up to n alerts, newest first.
func (r *RedisAlerts) Recent(ctx context.Context, tenantID string, n int) ([]Alert, error) {
	if n <= 0 {
		n = 20
	}
	raw, err := r.rdb.LRange(ctx, r.recentKey(tenantID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Alert, 0, len(raw))
	for _, s := range raw {
		var a Alert
		if err := json.Unmarshal([]byte(s), &a); err == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *RedisAlerts) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *RedisAlerts) Close() error { return r.rdb.Close() }
