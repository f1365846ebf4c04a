// Package stateindex mirrors namespace lifecycle annotations into two Redis
// sorted sets for fast range scans, and caches challenge definitions, tags,
// and port mappings on top of the relational catalog.
package stateindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acmcyber/instancer/internal/telemetry"
)

const (
	expirationKey = "expiration"
	bootTimeKey   = "boot_time"
	lastResyncKey = "last_resync"

	defaultCacheTTL = time.Hour
)

// Index wraps the Redis client used for the expiration/boot_time sorted
// sets and the read-through caches.
type Index struct {
	rdb      *redis.Client
	cacheTTL time.Duration
}

// New creates an Index. cacheTTL is applied to the chall/chall_tags/all_challs
// cache entries (default 3600s if zero is passed).
func New(rdb *redis.Client, cacheTTL time.Duration) *Index {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Index{rdb: rdb, cacheTTL: cacheTTL}
}

// SetExpiration upserts namespace's score in the expiration sorted set.
func (i *Index) SetExpiration(ctx context.Context, namespace string, unixSeconds int64) error {
	return i.zAdd(ctx, expirationKey, namespace, unixSeconds)
}

// SetBootTime upserts namespace's score in the boot_time sorted set.
func (i *Index) SetBootTime(ctx context.Context, namespace string, unixSeconds int64) error {
	return i.zAdd(ctx, bootTimeKey, namespace, unixSeconds)
}

// Expiration returns the current expiration score for namespace, and
// whether an entry exists at all.
func (i *Index) Expiration(ctx context.Context, namespace string) (int64, bool, error) {
	return i.zScore(ctx, expirationKey, namespace)
}

// BootTime returns the current boot_time score for namespace, and whether
// an entry exists at all.
func (i *Index) BootTime(ctx context.Context, namespace string) (int64, bool, error) {
	return i.zScore(ctx, bootTimeKey, namespace)
}

// RemoveNamespace removes namespace from both sorted sets and its cached
// port-mapping snapshot.
func (i *Index) RemoveNamespace(ctx context.Context, namespace string) error {
	if err := i.RemoveExpiration(ctx, namespace); err != nil {
		return err
	}
	if err := i.RemoveBootTime(ctx, namespace); err != nil {
		return err
	}
	if err := i.rdb.Del(ctx, portsKey(namespace)).Err(); err != nil {
		return fmt.Errorf("removing port-mapping cache for %q: %w", namespace, err)
	}
	return nil
}

// RemoveExpiration removes namespace from the expiration sorted set only.
// Used by the reaper's resync drift correction, which corrects each index
// independently of the other.
func (i *Index) RemoveExpiration(ctx context.Context, namespace string) error {
	if err := i.rdb.ZRem(ctx, expirationKey, namespace).Err(); err != nil {
		return fmt.Errorf("removing %q from expiration index: %w", namespace, err)
	}
	return nil
}

// RemoveBootTime removes namespace from the boot_time sorted set only.
func (i *Index) RemoveBootTime(ctx context.Context, namespace string) error {
	if err := i.rdb.ZRem(ctx, bootTimeKey, namespace).Err(); err != nil {
		return fmt.Errorf("removing %q from boot_time index: %w", namespace, err)
	}
	return nil
}

// ExpiredBefore returns namespaces whose expiration score is <= cutoff.
func (i *Index) ExpiredBefore(ctx context.Context, cutoff int64) ([]string, error) {
	return i.zRangeByScore(ctx, expirationKey, "-inf", fmt.Sprintf("%d", cutoff))
}

// AllExpirations returns every (namespace, score) pair in the expiration set.
func (i *Index) AllExpirations(ctx context.Context) (map[string]int64, error) {
	return i.zAll(ctx, expirationKey)
}

// AllBootTimes returns every (namespace, score) pair in the boot_time set.
func (i *Index) AllBootTimes(ctx context.Context) (map[string]int64, error) {
	return i.zAll(ctx, bootTimeKey)
}

func (i *Index) zAdd(ctx context.Context, key, member string, score int64) error {
	err := i.rdb.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: member}).Err()
	if err != nil {
		return fmt.Errorf("updating %s index for %q: %w", key, member, err)
	}
	return nil
}

func (i *Index) zScore(ctx context.Context, key, member string) (int64, bool, error) {
	score, err := i.rdb.ZScore(ctx, key, member).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading %s score for %q: %w", key, member, err)
	}
	return int64(score), true, nil
}

func (i *Index) zRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	members, err := i.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("ranging %s: %w", key, err)
	}
	return members, nil
}

func (i *Index) zAll(ctx context.Context, key string) (map[string]int64, error) {
	zs, err := i.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", key, err)
	}
	out := make(map[string]int64, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out[member] = int64(z.Score)
	}
	return out, nil
}

// --- Caches ---

func challKey(id string) string     { return "chall:" + id }
func challTagsKey(id string) string { return "chall_tags:" + id }
func portsKey(namespace string) string { return "ports:" + namespace }

const allChallsKey = "all_challs"

// CacheChallenge stores a JSON-encoded challenge definition with the
// configured cache TTL.
func (i *Index) CacheChallenge(ctx context.Context, id string, v any) error {
	return i.cacheSet(ctx, challKey(id), v, i.cacheTTL)
}

// GetCachedChallenge decodes a cached challenge definition into dst. Returns
// (false, nil) on cache miss.
func (i *Index) GetCachedChallenge(ctx context.Context, id string, dst any) (bool, error) {
	return i.cacheGet(ctx, challKey(id), dst)
}

// CacheTags stores a JSON-encoded tag list with the configured cache TTL.
func (i *Index) CacheTags(ctx context.Context, id string, v any) error {
	return i.cacheSet(ctx, challTagsKey(id), v, i.cacheTTL)
}

// GetCachedTags decodes a cached tag list into dst. Returns (false, nil) on
// cache miss.
func (i *Index) GetCachedTags(ctx context.Context, id string, dst any) (bool, error) {
	return i.cacheGet(ctx, challTagsKey(id), dst)
}

// CacheAllChallengeIDs stores the full list of challenge IDs.
func (i *Index) CacheAllChallengeIDs(ctx context.Context, ids []string) error {
	return i.cacheSet(ctx, allChallsKey, ids, i.cacheTTL)
}

// GetCachedAllChallengeIDs returns the cached challenge ID list, if present.
func (i *Index) GetCachedAllChallengeIDs(ctx context.Context) ([]string, bool, error) {
	var ids []string
	ok, err := i.cacheGet(ctx, allChallsKey, &ids)
	return ids, ok, err
}

// CachePortMappings stores the port-mapping snapshot for namespace with a
// TTL equal to expiresAt-now. The snapshot is only written when the mapping
// is non-empty and the TTL is still positive.
func (i *Index) CachePortMappings(ctx context.Context, namespace string, mappings map[string]any, expiresAt time.Time) error {
	if len(mappings) == 0 {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return i.cacheSet(ctx, portsKey(namespace), mappings, ttl)
}

// GetCachedPortMappings decodes the cached port-mapping snapshot for
// namespace into dst. Returns (false, nil) on cache miss.
func (i *Index) GetCachedPortMappings(ctx context.Context, namespace string, dst any) (bool, error) {
	return i.cacheGet(ctx, portsKey(namespace), dst)
}

// InvalidateChallenge deletes every cache entry touched by a catalog
// mutation on id: the definition, its tags, the all-ids list, and any
// cached port mappings for its namespaces.
func (i *Index) InvalidateChallenge(ctx context.Context, id string) error {
	pattern := portsKey("ci-"+id) + "*"
	portKeys, err := i.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return fmt.Errorf("listing port cache keys for %q: %w", id, err)
	}

	keys := append([]string{challKey(id), challTagsKey(id), allChallsKey}, portKeys...)
	if err := i.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidating caches for %q: %w", id, err)
	}
	return nil
}

func (i *Index) cacheSet(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value for %q: %w", key, err)
	}
	if err := i.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("writing cache key %q: %w", key, err)
	}
	return nil
}

func (i *Index) cacheGet(ctx context.Context, key string, dst any) (bool, error) {
	data, err := i.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			telemetry.CatalogCacheTotal.WithLabelValues("miss").Inc()
			return false, nil
		}
		return false, fmt.Errorf("reading cache key %q: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decoding cache key %q: %w", key, err)
	}
	telemetry.CatalogCacheTotal.WithLabelValues("hit").Inc()
	return true, nil
}

// MarkResync records the last_resync timestamp.
func (i *Index) MarkResync(ctx context.Context, unixSeconds int64) error {
	if err := i.rdb.Set(ctx, lastResyncKey, unixSeconds, 0).Err(); err != nil {
		return fmt.Errorf("recording last_resync: %w", err)
	}
	return nil
}

// LastResync returns the recorded last_resync timestamp, or 0 if never set.
func (i *Index) LastResync(ctx context.Context) (int64, error) {
	v, err := i.rdb.Get(ctx, lastResyncKey).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("reading last_resync: %w", err)
	}
	return v, nil
}
