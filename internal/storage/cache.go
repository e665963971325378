package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	ltmcerrors "ltmc/internal/errors"
)

// compareAndSwapScript atomically replaces key's value with newValue only
// if its current value equals oldValue (or the key is absent and oldValue
// is empty), refreshing the TTL. Used for the session-head cache update in
// the thought engine: concurrent thought creates on the same session must not
// race each other's "last step" pointer.
const compareAndSwapScript = `
local current = redis.call("GET", KEYS[1])
if current == false then current = "" end
if current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`

// RedisCacheStore is an optional cache that degrades to miss-on-read and
// drop-on-write rather than propagating a hard error, using a Lua script
// for atomic compare-and-swap semantics on session heads.
type RedisCacheStore struct {
	client *redis.Client
	cas    *redis.Script
}

// NewRedisCacheStore dials a Redis instance at addr.
func NewRedisCacheStore(addr, password string, db int) (*RedisCacheStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, ltmcerrors.NewDegraded("storage.cache", "NewRedisCacheStore", "redis unreachable: "+err.Error())
	}

	return &RedisCacheStore{client: client, cas: redis.NewScript(compareAndSwapScript)}, nil
}

// Get reads key, reporting (value, found, error). A miss is not an error;
// only a transport failure is, degraded-mode contract —
// callers translate a transport error into a cache-miss themselves so a
// dead cache never blocks a read path.
func (r *RedisCacheStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, ltmcerrors.NewDegraded("storage.cache", "Get", "redis get failed: "+err.Error())
	}
	return val, true, nil
}

// SetEx writes key=value with a TTL.
func (r *RedisCacheStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return ltmcerrors.NewDegraded("storage.cache", "SetEx", "redis set failed: "+err.Error())
	}
	return nil
}

// CompareAndSwap atomically replaces key's value if it currently equals
// oldValue (oldValue == "" matches an absent key), returning whether the
// swap happened.
func (r *RedisCacheStore) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	res, err := r.cas.Run(ctx, r.client, []string{key}, oldValue, newValue, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, ltmcerrors.NewDegraded("storage.cache", "CompareAndSwap", "redis script failed: "+err.Error())
	}
	return res == 1, nil
}

// Del removes key.
func (r *RedisCacheStore) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return ltmcerrors.NewDegraded("storage.cache", "Del", "redis del failed: "+err.Error())
	}
	return nil
}

// Incr atomically increments key (exposed through the cache tool's incr
// action).
func (r *RedisCacheStore) Incr(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, ltmcerrors.NewDegraded("storage.cache", "Incr", "redis incr failed: "+err.Error())
	}
	return val, nil
}

// Scan returns all keys matching prefix* (used by cache.flush / cache.stats
// in the dispatcher's cache tool).
func (r *RedisCacheStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, ltmcerrors.NewDegraded("storage.cache", "Scan", "redis scan failed: "+err.Error())
	}
	return keys, nil
}

// HealthCheck pings Redis.
func (r *RedisCacheStore) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return ltmcerrors.NewDegraded("storage.cache", "HealthCheck", "redis unreachable: "+err.Error())
	}
	return nil
}

// Close closes the underlying connection pool.
func (r *RedisCacheStore) Close() error { return r.client.Close() }
