package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otto-bgp/otto-bgp/pkg/model"
)

// Store persists router inventory, BGP groups, and router-AS mappings.
// Rows are upserted with a fresh last_confirmed on every re-discovery and
// never deleted implicitly; snapshot diffs make disappearances visible.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a connection pool. Schema comes from db.Migrate.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RouterRecord is one row of the routers table.
type RouterRecord struct {
	Hostname      string    `json:"hostname"`
	Address       string    `json:"address"`
	Role          string    `json:"role,omitempty"`
	Region        string    `json:"region,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	LastConfirmed time.Time `json:"last_confirmed"`
}

// UpsertProfile writes a discovered profile: the router row, one row per
// BGP group, and one mapping row per (group, AS) pair. Discovered AS
// numbers outside any group are stored with an empty group name so the
// by-AS read paths still find them. The whole profile commits atomically.
func (s *Store) UpsertProfile(ctx context.Context, p *model.RouterProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if !p.Metadata.CollectedAt.IsZero() {
		now = p.Metadata.CollectedAt.UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning discovery upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
INSERT INTO routers (hostname, address, role, region, platform, last_confirmed)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (hostname) DO UPDATE SET
    address        = EXCLUDED.address,
    role           = EXCLUDED.role,
    region         = EXCLUDED.region,
    platform       = EXCLUDED.platform,
    last_confirmed = EXCLUDED.last_confirmed`,
		p.Hostname, p.Address, p.Metadata.Role, p.Metadata.Region, p.Metadata.Platform, now,
	); err != nil {
		return fmt.Errorf("upserting router %s: %w", p.Hostname, err)
	}

	grouped := make(map[int64]bool)
	for _, group := range p.GroupNames() {
		if _, err := tx.Exec(ctx, `
INSERT INTO bgp_groups (router_hostname, group_name, last_confirmed)
VALUES ($1, $2, $3)
ON CONFLICT (router_hostname, group_name) DO UPDATE SET last_confirmed = EXCLUDED.last_confirmed`,
			p.Hostname, group, now,
		); err != nil {
			return fmt.Errorf("upserting group %s on %s: %w", group, p.Hostname, err)
		}
		for _, as := range p.BGPGroups[group] {
			grouped[as] = true
			if err := upsertMapping(ctx, tx, p.Hostname, as, group, now); err != nil {
				return err
			}
		}
	}
	for _, as := range p.ASNumbers {
		if grouped[as] {
			continue
		}
		if err := upsertMapping(ctx, tx, p.Hostname, as, "", now); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing discovery upsert for %s: %w", p.Hostname, err)
	}
	return nil
}

func upsertMapping(ctx context.Context, tx pgx.Tx, hostname string, as int64, group string, confirmed time.Time) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO router_as_mappings (router_hostname, as_number, bgp_group, last_confirmed)
VALUES ($1, $2, $3, $4)
ON CONFLICT (router_hostname, as_number, bgp_group) DO UPDATE SET last_confirmed = EXCLUDED.last_confirmed`,
		hostname, as, group, confirmed,
	); err != nil {
		return fmt.Errorf("upserting mapping %s/AS%d/%s: %w", hostname, as, group, err)
	}
	return nil
}

// RoutersForAS returns the hostnames announcing an AS, sorted.
func (s *Store) RoutersForAS(ctx context.Context, as int64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT router_hostname FROM router_as_mappings WHERE as_number = $1 ORDER BY router_hostname`,
		as,
	)
	if err != nil {
		return nil, fmt.Errorf("querying routers for AS%d: %w", as, err)
	}
	return scanStrings(rows)
}

// ASForRouter returns every AS discovered on a router, sorted, including
// ungrouped ones.
func (s *Store) ASForRouter(ctx context.Context, hostname string) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT as_number FROM router_as_mappings WHERE router_hostname = $1 ORDER BY as_number`,
		hostname,
	)
	if err != nil {
		return nil, fmt.Errorf("querying AS numbers for %s: %w", hostname, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var as int64
		if err := rows.Scan(&as); err != nil {
			return nil, fmt.Errorf("scanning AS number: %w", err)
		}
		out = append(out, as)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating AS numbers: %w", err)
	}
	return out, nil
}

// GroupsForRouter returns the BGP group names configured on a router.
func (s *Store) GroupsForRouter(ctx context.Context, hostname string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT group_name FROM bgp_groups WHERE router_hostname = $1 ORDER BY group_name`,
		hostname,
	)
	if err != nil {
		return nil, fmt.Errorf("querying groups for %s: %w", hostname, err)
	}
	return scanStrings(rows)
}

// AllGroups returns every named group across the fleet with its distinct
// AS numbers, sorted.
func (s *Store) AllGroups(ctx context.Context) (map[string][]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT bgp_group, as_number FROM router_as_mappings WHERE bgp_group <> '' ORDER BY bgp_group, as_number`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string][]int64)
	for rows.Next() {
		var group string
		var as int64
		if err := rows.Scan(&group, &as); err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		groups[group] = append(groups[group], as)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group rows: %w", err)
	}
	return groups, nil
}

// Routers returns the full router inventory, sorted by hostname.
func (s *Store) Routers(ctx context.Context) ([]RouterRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT hostname, address, COALESCE(role, ''), COALESCE(region, ''), COALESCE(platform, ''), last_confirmed
  FROM routers ORDER BY hostname`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying routers: %w", err)
	}
	defer rows.Close()

	var out []RouterRecord
	for rows.Next() {
		var r RouterRecord
		if err := rows.Scan(&r.Hostname, &r.Address, &r.Role, &r.Region, &r.Platform, &r.LastConfirmed); err != nil {
			return nil, fmt.Errorf("scanning router row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating router rows: %w", err)
	}
	return out, nil
}

// Mappings returns every (router, group, AS) triple, sorted. This is the
// unit of snapshot and diff.
func (s *Store) Mappings(ctx context.Context) ([]Mapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT router_hostname, bgp_group, as_number FROM router_as_mappings ORDER BY router_hostname, bgp_group, as_number`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying mappings: %w", err)
	}
	defer rows.Close()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.Hostname, &m.Group, &m.ASNumber); err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mappings: %w", err)
	}
	return out, nil
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}
