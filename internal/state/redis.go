package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/routergw/router/internal/routererr"
)

// RedisStore is the TCP-connected key/value Store backend. ModelState is
// stored as a JSON string at router:state:{name}; request records live in a
// sorted set at router:requests:{name} scored by millisecond timestamp
// (separately from the embedded, always-empty-on-the-wire stats.requests,
// per spec §4.2); rate-limit buckets are integer keys with a TTL equal to
// the window. Grounded on
// Tributary-ai-services-tas-agent-builder/services/impl/cache_service_impl.go's
// redis.Client usage (Get/Set/Scan with a Redis-or-memory fallback shape).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials a Redis-compatible TCP key/value store at addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *RedisStore) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return routererr.NewStorageError("redis ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetState(ctx context.Context, name string) (*ModelState, error) {
	data, err := s.client.Get(ctx, stateKey(name)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, routererr.NewStorageError("redis get state", err)
	}
	var m ModelState
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, routererr.NewStorageError("redis decode state", err)
	}
	return &m, nil
}

// SetState writes m's embedded Requests as an empty slice — per spec §4.2,
// the sorted set is the source of truth for request records in this
// backend, not the embedded field.
func (s *RedisStore) SetState(ctx context.Context, name string, m *ModelState) error {
	cp := m.Clone()
	cp.Requests = nil
	data, err := json.Marshal(cp)
	if err != nil {
		return routererr.NewStorageError("redis encode state", err)
	}
	if err := s.client.Set(ctx, stateKey(name), data, 0).Err(); err != nil {
		return routererr.NewStorageError("redis set state", err)
	}
	return nil
}

func (s *RedisStore) ResetState(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, requestsKey(name)).Err(); err != nil {
		return routererr.NewStorageError("redis reset requests", err)
	}
	return s.SetState(ctx, name, NewModelState())
}

func (s *RedisStore) RecordRequest(ctx context.Context, name string, rec RequestRecord, windowSecs int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return routererr.NewStorageError("redis encode request record", err)
	}
	score := float64(rec.Timestamp.UnixMilli())
	key := requestsKey(name)
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: data}).Err(); err != nil {
		return routererr.NewStorageError("redis record request", err)
	}

	windowStart := time.Now().Add(-time.Duration(windowSecs) * time.Second)
	recs, err := s.GetRequests(ctx, name, windowStart)
	if err != nil {
		return err
	}

	m, err := s.GetState(ctx, name)
	if err != nil {
		return err
	}
	if m == nil {
		m = NewModelState()
	}
	m.Requests = recs
	m.LifetimeTotalReq++
	m.RecomputeStats(windowStart)
	return s.SetState(ctx, name, m)
}

// GetRequests trims members scored below windowStart (removing them from
// the sorted set) and returns the survivors, satisfying the monotonic
// trimming invariant in spec §4.2.
func (s *RedisStore) GetRequests(ctx context.Context, name string, windowStart time.Time) ([]RequestRecord, error) {
	key := requestsKey(name)
	cutoff := fmt.Sprintf("%d", windowStart.UnixMilli())
	if err := s.client.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Err(); err != nil {
		return nil, routererr.NewStorageError("redis trim requests", err)
	}
	members, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, routererr.NewStorageError("redis get requests", err)
	}
	out := make([]RequestRecord, 0, len(members))
	for _, raw := range members {
		var r RequestRecord
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) GetModelNames(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, stateKeyPrefix+"*").Result()
	if err != nil {
		return nil, routererr.NewStorageError("redis list model names", err)
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k[len(stateKeyPrefix):])
	}
	return names, nil
}

func (s *RedisStore) GetFallbacksUsed(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, fallbacksUsedKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, routererr.NewStorageError("redis get fallbacks used", err)
	}
	return v, nil
}

func (s *RedisStore) RecordFallbackUsage(ctx context.Context) error {
	if err := s.client.Incr(ctx, fallbacksUsedKey).Err(); err != nil {
		return routererr.NewStorageError("redis record fallback usage", err)
	}
	return nil
}

// CheckRateLimit increments router:ratelimit:{key} and sets a TTL of
// windowSecs on the first increment of a fresh window, per spec §4.5.
func (s *RedisStore) CheckRateLimit(ctx context.Context, key string, limit int64, windowSecs int64) (bool, error) {
	k := rateLimitKey(key)
	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return false, routererr.NewStorageError("redis rate limit incr", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, k, time.Duration(windowSecs)*time.Second).Err(); err != nil {
			return false, routererr.NewStorageError("redis rate limit expire", err)
		}
	}
	return count <= limit, nil
}
