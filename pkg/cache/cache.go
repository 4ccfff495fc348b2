// Package cache stores generated prefix-list policies keyed by canonical
// resource fingerprints. Entries carry a TTL; stale entries read as misses
// but stay on disk until a sweep removes them, so operators can inspect
// what the last successful generation produced.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otto-bgp/otto-bgp/pkg/config"
)

// Entry is one cached bgpq4 result. The policy text is opaque to the
// cache; it is never parsed or normalized here.
type Entry struct {
	Key         string
	ASNumber    int64  // 0 for AS-SET entries
	Resource    string // AS-SET name, empty for plain AS entries
	Prefixes    []string
	PrefixCount int
	RawOutput   string
	TTLHours    int
	FetchedAt   time.Time
	Hits        int64
	LastHit     time.Time
}

// Expired reports whether the entry has outlived its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.FetchedAt.Add(time.Duration(e.TTLHours) * time.Hour))
}

// Stats summarizes cache occupancy for the stats command.
type Stats struct {
	Entries   int64     `json:"entries"`
	Expired   int64     `json:"expired"`
	TotalHits int64     `json:"total_hits"`
	Oldest    time.Time `json:"oldest_fetch,omitempty"`
	Newest    time.Time `json:"newest_fetch,omitempty"`
}

// Store is the policy cache. Writes are last-writer-wins per key; reads
// of stale entries miss without deleting.
type Store interface {
	// Get returns the entry for key when present and fresh. The second
	// return is false on miss and on stale entries. A hit bumps the hit
	// counter best-effort; counter failures never fail the read.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Put stores or replaces the entry under e.Key.
	Put(ctx context.Context, e *Entry) error

	// Invalidate removes a single key. Removing an absent key is not an error.
	Invalidate(ctx context.Context, key string) error

	// Sweep deletes every expired entry and returns how many were removed.
	Sweep(ctx context.Context) (int64, error)

	// Stats reports entry counts and hit totals.
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// FingerprintAS returns the canonical cache key for a plain AS number.
// The policy name defaults to "default" so the same AS generated under
// distinct policy names occupies separate slots.
func FingerprintAS(asn int64, policyName string) string {
	return fmt.Sprintf("AS%d:%s", asn, canonicalName(policyName))
}

// FingerprintSet returns the canonical cache key for an AS-SET. Set names
// are uppercased so "as-telia" and "AS-TELIA" share one slot.
func FingerprintSet(set, policyName string) string {
	return strings.ToUpper(strings.TrimSpace(set)) + ":" + canonicalName(policyName)
}

func canonicalName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "default"
	}
	return name
}

// Open selects the cache backend from configuration: Redis when an address
// is configured, otherwise the relational policy_cache table on pool.
func Open(cfg config.CacheConfig, pool *pgxpool.Pool) (Store, error) {
	if cfg.RedisAddr != "" {
		return NewRedisStore(cfg.RedisAddr, cfg.RedisDB), nil
	}
	if pool == nil {
		return nil, fmt.Errorf("cache: no redis address configured and no database pool available")
	}
	return NewPostgresStore(pool), nil
}
