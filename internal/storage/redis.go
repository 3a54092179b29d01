package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"notifyhub/pkg/logx"
)

// slideWindowScript prunes, counts and conditionally records in one round trip.
// KEYS[1]=window key, ARGV: now_ms, window_ms, limit, member.
var slideWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, count + 1}
end
return {0, count}
`)

// deleteIfValueScript is a compare-and-delete.
var deleteIfValueScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// deleteIfOwnerDeadScript deletes KEYS[1] while it holds ARGV[1] and the
// owner's liveness key KEYS[2] is absent.
var deleteIfOwnerDeadScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a Store on a shared redis server.
type Redis struct {
	client redis.UniversalClient
	prefix string
	log    logx.Logger
	owned  bool
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	st := NewRedis(client, cfg.KeyPrefix, log)
	st.owned = true
	return st, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of client;
// Close does not close it.
func NewRedis(client redis.UniversalClient, prefix string, log logx.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, log: log.With(logx.String("comp", "storage.redis"))}
}

// Client exposes the underlying connection for pub/sub.
func (r *Redis) Client() redis.UniversalClient { return r.client }

func (r *Redis) k(key string) string { return r.prefix + key }

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.k(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range entries {
			p.Set(ctx, r.k(e.Key), e.Value, e.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set batch (%d keys): %w", len(entries), err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.k(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.k(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *Redis) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfValueScript.Run(ctx, r.client, []string{r.k(key)}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) DeleteIfOwnerDead(ctx context.Context, key, owner, ownerKey string) (bool, error) {
	n, err := deleteIfOwnerDeadScript.Run(ctx, r.client, []string{r.k(key), r.k(ownerKey)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete stale %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, escapeGlob(r.k(prefix))+"*", 500).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return out, nil
}

func (r *Redis) SlideWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	res, err := slideWindowScript.Run(ctx, r.client, []string{r.k(key)},
		now.UnixMilli(), window.Milliseconds(), limit, fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis sliding window %s: %w", key, err)
	}
	if len(res) != 2 {
		return Window{}, fmt.Errorf("redis sliding window %s: unexpected reply %v", key, res)
	}
	return Window{Allowed: res[0] == 1, Count: int(res[1])}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
