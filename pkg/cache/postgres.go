package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// PostgresStore keeps policies in the policy_cache table. Upserts make
// concurrent writers last-writer-wins per key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var (
		e          Entry
		asNumber   *int64
		resource   *string
		prefixText *string
		lastHit    *time.Time
	)
	row := s.pool.QueryRow(ctx, `
		SELECT cache_key, as_number, resource, prefixes, prefix_count,
		       raw_output, ttl_hours, fetched_date, hits, last_hit
		FROM policy_cache WHERE cache_key = $1`, key)
	err := row.Scan(&e.Key, &asNumber, &resource, &prefixText, &e.PrefixCount,
		&e.RawOutput, &e.TTLHours, &e.FetchedAt, &e.Hits, &lastHit)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cache entry %s: %w", key, err)
	}
	if asNumber != nil {
		e.ASNumber = *asNumber
	}
	if resource != nil {
		e.Resource = *resource
	}
	if prefixText != nil && *prefixText != "" {
		e.Prefixes = strings.Split(*prefixText, "\n")
	}
	if lastHit != nil {
		e.LastHit = *lastHit
	}

	if e.Expired(time.Now()) {
		metrics.CacheLookupsTotal.WithLabelValues("stale").Inc()
		return nil, false, nil
	}

	// Hit accounting is best-effort; a failed counter update never
	// turns a hit into an error.
	now := time.Now()
	if _, err := s.pool.Exec(ctx,
		`UPDATE policy_cache SET hits = hits + 1, last_hit = $2 WHERE cache_key = $1`,
		key, now); err != nil {
		util.Warnf("cache hit counter update failed for %s: %v", key, err)
	} else {
		e.Hits++
		e.LastHit = now
	}

	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return &e, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, e *Entry) error {
	if e.Key == "" {
		return fmt.Errorf("cache: entry has empty key")
	}
	fetched := e.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now()
	}
	var asNumber *int64
	if e.ASNumber != 0 {
		asNumber = &e.ASNumber
	}
	var resource *string
	if e.Resource != "" {
		resource = &e.Resource
	}
	prefixText := strings.Join(e.Prefixes, "\n")

	op := func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO policy_cache
			    (cache_key, as_number, resource, prefixes, prefix_count,
			     raw_output, ttl_hours, fetched_date, hits, last_hit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NULL)
			ON CONFLICT (cache_key) DO UPDATE SET
			    as_number    = EXCLUDED.as_number,
			    resource     = EXCLUDED.resource,
			    prefixes     = EXCLUDED.prefixes,
			    prefix_count = EXCLUDED.prefix_count,
			    raw_output   = EXCLUDED.raw_output,
			    ttl_hours    = EXCLUDED.ttl_hours,
			    fetched_date = EXCLUDED.fetched_date`,
			e.Key, asNumber, resource, prefixText, e.PrefixCount,
			e.RawOutput, e.TTLHours, fetched)
		if err != nil && !transientPG(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("writing cache entry %s: %w", e.Key, err)
	}
	return nil
}

func (s *PostgresStore) Invalidate(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM policy_cache WHERE cache_key = $1`, key); err != nil {
		return fmt.Errorf("invalidating cache entry %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM policy_cache
		WHERE fetched_date + make_interval(hours => ttl_hours) < now()`)
	if err != nil {
		return 0, fmt.Errorf("sweeping cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var (
		st     Stats
		oldest *time.Time
		newest *time.Time
	)
	row := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE fetched_date + make_interval(hours => ttl_hours) < now()),
		       COALESCE(sum(hits), 0),
		       min(fetched_date),
		       max(fetched_date)
		FROM policy_cache`)
	if err := row.Scan(&st.Entries, &st.Expired, &st.TotalHits, &oldest, &newest); err != nil {
		return nil, fmt.Errorf("reading cache stats: %w", err)
	}
	if oldest != nil {
		st.Oldest = *oldest
	}
	if newest != nil {
		st.Newest = *newest
	}
	return &st, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// transientPG reports lock conflicts worth retrying: serialization
// failure, deadlock, and lock-not-available.
func transientPG(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}
