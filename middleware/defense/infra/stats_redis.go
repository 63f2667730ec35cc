package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"defense-gateway/middleware/defense/domain"
)

// RedisStatsStore grava contadores de decisão em hashes do Redis.
//
// Somente estatísticas: nenhum estado de bloqueio ou banimento passa por aqui.
//
// Layout (prefixo padrão "defense:stats"):
//
//	<prefix>:total                 allowed|denied
//	<prefix>:reason                allow|emergency|banned|rate_limited|locked
//	<prefix>:minute:200601021504   allowed|denied|<reason>   (com TTL)
//	<prefix>:route                 "METHOD path:allowed|denied"
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl aplica apenas aos buckets por minuto; total e reason são cumulativos.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackRoutes bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackRoutes(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackRoutes = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "defense:stats",
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

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}
	reason := string(ev.Reason)
	if reason == "" {
		reason = string(domain.ReasonAllow)
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)
	pipe.HIncrBy(ctx, s.prefix+":reason", reason, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if !ev.Allowed {
			pipe.HIncrBy(ctx, bucketKey, reason, 1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if s.trackRoutes {
		route := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path))
		if route != "" {
			pipe.HIncrBy(ctx, s.prefix+":route", route+":"+field, 1)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis stats: %w", err)
	}
	return nil
}

// Totals lê os contadores cumulativos (usado pelo CLI e pelos testes).
func (s *RedisStatsStore) Totals(ctx context.Context) (Counters, map[string]int64, error) {
	var c Counters
	total, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return c, nil, fmt.Errorf("redis stats total: %w", err)
	}
	c.Allowed, _ = strconv.ParseInt(total["allowed"], 10, 64)
	c.Denied, _ = strconv.ParseInt(total["denied"], 10, 64)

	raw, err := s.rdb.HGetAll(ctx, s.prefix+":reason").Result()
	if err != nil {
		return c, nil, fmt.Errorf("redis stats reason: %w", err)
	}
	reasons := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, _ := strconv.ParseInt(v, 10, 64)
		reasons[k] = n
	}
	return c, reasons, nil
}
