package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"admission-core/dispatch/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore persists admission telemetry to Redis, for a fleet of
// dispatchers that want shared visibility into queueing and timeout
// rates per endpoint without each process keeping its own counters.
//
// Grounded directly on the teacher's infra.RedisStatsStore
// (ratelimit/infra/stats_redis.go): same pipelined HIncrBy-per-bucket
// shape and functional-option configuration, adapted from
// allowed/denied rate-limit counters to admission lifecycle events.
type RedisStatsStore struct {
	rdb *redis.Client

	prefix string
	ttl    time.Duration
	bucket string // "minute" (default) or "none"
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func NewRedisStatsStore(rdb *redis.Client, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "admission:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	totalKey := s.prefix + ":total"
	endpointKey := s.prefix + ":endpoint:" + ev.Endpoint.String()

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, ev.Event, 1)
	pipe.HIncrBy(ctx, endpointKey, ev.Class.String()+":"+ev.Event, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, endpointKey, s.ttl)
	}

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, ev.Event, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
