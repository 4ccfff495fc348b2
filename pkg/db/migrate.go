package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// migrations are applied in order under an advisory lock. Append only;
// never edit an applied entry.
var migrations = []struct {
	version int
	name    string
	sql     string
}{
	{1, "policy_cache", `
CREATE TABLE IF NOT EXISTS policy_cache (
    cache_key    TEXT PRIMARY KEY,
    as_number    BIGINT,
    resource     TEXT,
    prefixes     TEXT,
    prefix_count INT NOT NULL DEFAULT 0,
    raw_output   TEXT NOT NULL,
    ttl_hours    INT NOT NULL,
    fetched_date TIMESTAMPTZ NOT NULL,
    hits         BIGINT NOT NULL DEFAULT 0,
    last_hit     TIMESTAMPTZ
);`},

	{2, "discovery", `
CREATE TABLE IF NOT EXISTS routers (
    hostname       TEXT PRIMARY KEY,
    address        TEXT NOT NULL,
    role           TEXT,
    region         TEXT,
    platform       TEXT,
    last_confirmed TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bgp_groups (
    router_hostname TEXT NOT NULL REFERENCES routers(hostname) ON DELETE CASCADE,
    group_name      TEXT NOT NULL,
    last_confirmed  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (router_hostname, group_name)
);

CREATE TABLE IF NOT EXISTS router_as_mappings (
    router_hostname TEXT NOT NULL REFERENCES routers(hostname) ON DELETE CASCADE,
    as_number       BIGINT NOT NULL CHECK (as_number >= 0 AND as_number <= 4294967295),
    bgp_group       TEXT NOT NULL,
    last_confirmed  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (router_hostname, as_number, bgp_group)
);

CREATE INDEX IF NOT EXISTS idx_mappings_as ON router_as_mappings(as_number);`},

	{3, "rpki_overrides", `
CREATE TABLE IF NOT EXISTS rpki_overrides (
    as_number     BIGINT PRIMARY KEY CHECK (as_number >= 0 AND as_number <= 4294967295),
    rpki_enabled  BOOLEAN NOT NULL,
    reason        TEXT,
    modified_date TIMESTAMPTZ NOT NULL,
    modified_by   TEXT
);

CREATE TABLE IF NOT EXISTS rpki_override_history (
    id         BIGSERIAL PRIMARY KEY,
    as_number  BIGINT NOT NULL,
    action     TEXT NOT NULL CHECK (action IN ('enable', 'disable')),
    reason     TEXT,
    timestamp  TIMESTAMPTZ NOT NULL DEFAULT now(),
    "user"     TEXT,
    ip_address TEXT
);

CREATE INDEX IF NOT EXISTS idx_override_history_as ON rpki_override_history(as_number);`},

	{4, "rollout", `
CREATE TABLE IF NOT EXISTS rollout_runs (
    run_id       TEXT PRIMARY KEY,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    status       TEXT NOT NULL
        CHECK (status IN ('planning', 'active', 'paused', 'completed', 'failed', 'aborted')),
    initiated_by TEXT
);

CREATE TABLE IF NOT EXISTS rollout_stages (
    stage_id           TEXT PRIMARY KEY,
    run_id             TEXT NOT NULL REFERENCES rollout_runs(run_id) ON DELETE CASCADE,
    sequencing         INT NOT NULL,
    name               TEXT NOT NULL,
    guardrail_snapshot JSONB,
    UNIQUE (run_id, sequencing)
);

CREATE TABLE IF NOT EXISTS rollout_targets (
    target_id   TEXT PRIMARY KEY,
    stage_id    TEXT NOT NULL REFERENCES rollout_stages(stage_id) ON DELETE CASCADE,
    hostname    TEXT NOT NULL,
    policy_hash TEXT NOT NULL,
    state       TEXT NOT NULL
        CHECK (state IN ('pending', 'in_progress', 'completed', 'failed', 'skipped')),
    last_error  TEXT,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_targets_stage_state ON rollout_targets(stage_id, state);

CREATE TABLE IF NOT EXISTS rollout_events (
    event_id   BIGSERIAL PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES rollout_runs(run_id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    payload    JSONB,
    timestamp  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_run ON rollout_events(run_id, event_id);`},
}

// advisory lock id: "ottobgp" packed into an int64.
const migrationLockID int64 = 0x6f74746f626770

// Migrate applies pending schema migrations. Concurrent invocations (several
// CLI processes against one database) serialize on a Postgres advisory lock.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := conn.Query(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("querying applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scanning migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating migration rows: %w", err)
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("applying migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
		util.Infof("applied schema migration %d (%s)", m.version, m.name)
	}

	return nil
}
