package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

const redisKeyPrefix = "policy:"

// RedisStore keeps policies as Redis hashes under policy:<fingerprint>.
// Expiry is checked client-side against fetched_date so the backends share
// one freshness rule; sweep deletes what has lapsed.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
	}
}

// Ping tests the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	vals, err := s.client.HGetAll(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	if len(vals) == 0 {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	e, err := entryFromHash(key, vals)
	if err != nil {
		return nil, false, fmt.Errorf("decoding cache entry %s: %w", key, err)
	}
	if e.Expired(time.Now()) {
		metrics.CacheLookupsTotal.WithLabelValues("stale").Inc()
		return nil, false, nil
	}

	now := time.Now()
	pipe := s.client.Pipeline()
	hits := pipe.HIncrBy(ctx, redisKeyPrefix+key, "hits", 1)
	pipe.HSet(ctx, redisKeyPrefix+key, "last_hit", now.UTC().Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		util.Warnf("cache hit counter update failed for %s: %v", key, err)
	} else {
		e.Hits = hits.Val()
		e.LastHit = now
	}

	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return e, true, nil
}

func (s *RedisStore) Put(ctx context.Context, e *Entry) error {
	if e.Key == "" {
		return fmt.Errorf("cache: entry has empty key")
	}
	fetched := e.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	fields := map[string]interface{}{
		"as_number":    strconv.FormatInt(e.ASNumber, 10),
		"resource":     e.Resource,
		"prefixes":     strings.Join(e.Prefixes, "\n"),
		"prefix_count": strconv.Itoa(e.PrefixCount),
		"raw_output":   e.RawOutput,
		"ttl_hours":    strconv.Itoa(e.TTLHours),
		"fetched_date": fetched.UTC().Format(time.RFC3339Nano),
		"hits":         "0",
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, redisKeyPrefix+e.Key)
	pipe.HSet(ctx, redisKeyPrefix+e.Key, fields)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing cache entry %s: %w", e.Key, err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("invalidating cache entry %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Sweep(ctx context.Context) (int64, error) {
	keys, err := s.scanKeys(ctx, redisKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("sweeping cache: %w", err)
	}
	now := time.Now()
	var removed int64
	for _, rk := range keys {
		vals, err := s.client.HGetAll(ctx, rk).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		e, err := entryFromHash(strings.TrimPrefix(rk, redisKeyPrefix), vals)
		if err != nil {
			continue
		}
		if e.Expired(now) {
			if err := s.client.Del(ctx, rk).Err(); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	keys, err := s.scanKeys(ctx, redisKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("reading cache stats: %w", err)
	}
	now := time.Now()
	st := &Stats{}
	for _, rk := range keys {
		vals, err := s.client.HGetAll(ctx, rk).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		e, err := entryFromHash(strings.TrimPrefix(rk, redisKeyPrefix), vals)
		if err != nil {
			continue
		}
		st.Entries++
		st.TotalHits += e.Hits
		if e.Expired(now) {
			st.Expired++
		}
		if st.Oldest.IsZero() || e.FetchedAt.Before(st.Oldest) {
			st.Oldest = e.FetchedAt
		}
		if e.FetchedAt.After(st.Newest) {
			st.Newest = e.FetchedAt
		}
	}
	return st, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// scanKeys walks matching keys with cursor-based SCAN instead of the
// blocking KEYS command.
func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func entryFromHash(key string, vals map[string]string) (*Entry, error) {
	e := &Entry{Key: key, Resource: vals["resource"], RawOutput: vals["raw_output"]}
	var err error
	if v := vals["as_number"]; v != "" {
		if e.ASNumber, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("bad as_number %q: %w", v, err)
		}
	}
	if v := vals["prefixes"]; v != "" {
		e.Prefixes = strings.Split(v, "\n")
	}
	if v := vals["prefix_count"]; v != "" {
		if e.PrefixCount, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("bad prefix_count %q: %w", v, err)
		}
	}
	if v := vals["ttl_hours"]; v != "" {
		if e.TTLHours, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("bad ttl_hours %q: %w", v, err)
		}
	}
	if v := vals["fetched_date"]; v != "" {
		if e.FetchedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("bad fetched_date %q: %w", v, err)
		}
	}
	if v := vals["hits"]; v != "" {
		if e.Hits, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("bad hits %q: %w", v, err)
		}
	}
	if v := vals["last_hit"]; v != "" {
		if e.LastHit, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return nil, fmt.Errorf("bad last_hit %q: %w", v, err)
		}
	}
	return e, nil
}
