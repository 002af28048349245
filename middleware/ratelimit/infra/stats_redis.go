package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore persiste contadores agregados de admissão no Redis, para
// que a superfície administrativa enxergue o cluster inteiro.
type RedisStatsStore struct {
	rdb *redis.Client

	prefix string
	// ttl aplica apenas em chaves de série temporal / por dimensão.
	// total é cumulativo e não expira.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
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
		prefix: "rl:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record implementa domain.StatsStore. Best-effort: o chamador ignora erro.
func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	totalKey := s.prefix + ":total"

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, field, 1)
	if ev.Reason == domain.ReasonBypassed {
		pipe.HIncrBy(ctx, totalKey, "bypassed", 1)
	}
	if ev.Degraded {
		pipe.HIncrBy(ctx, totalKey, "degraded", 1)
	}

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if !ev.Allowed {
		// negações por dimensão (cardinalidade limitada: 4 tipos)
		pipe.HIncrBy(ctx, s.prefix+":denied_by_type", string(ev.Key.Type), 1)
	}

	_, err := pipe.Exec(ctx)
	return err
}
