// Package override manages per-AS RPKI validation overrides. Operators
// disable validation for an AS during incidents such as registry outages
// or stale ROA data; every flip is recorded in an append-only history.
package override

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

const (
	maxReasonLen = 500
	maxActorLen  = 100
	maxSourceLen = 45

	// Disabled-set entries are cached this long; writers invalidate
	// eagerly so the window only applies to other processes.
	cacheTTL  = time.Minute
	cacheSize = 4096
)

// Override is the live state for one AS.
type Override struct {
	ASNumber     int64     `json:"as_number"`
	RPKIEnabled  bool      `json:"rpki_enabled"`
	Reason       string    `json:"reason,omitempty"`
	ModifiedDate time.Time `json:"modified_date"`
	ModifiedBy   string    `json:"modified_by,omitempty"`
}

// HistoryEntry is one recorded flip.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	ASNumber  int64     `json:"as_number"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user,omitempty"`
	SourceIP  string    `json:"source_ip,omitempty"`
}

// Request carries the operator context for an enable/disable.
type Request struct {
	ASNumber int64
	Reason   string
	Actor    string
	SourceIP string
}

func (r Request) validate() error {
	v := &util.ValidationBuilder{}
	v.Add(util.ASInRange(r.ASNumber), fmt.Sprintf("AS%d out of range", r.ASNumber))
	v.Add(len(r.Reason) <= maxReasonLen, fmt.Sprintf("reason exceeds %d characters", maxReasonLen))
	v.Add(len(r.Actor) <= maxActorLen, fmt.Sprintf("actor exceeds %d characters", maxActorLen))
	v.Add(len(r.SourceIP) <= maxSourceLen, fmt.Sprintf("source address exceeds %d characters", maxSourceLen))
	return v.Build()
}

// Store persists overrides and serves the disabled-set lookups the
// validator makes on its hot path.
type Store struct {
	pool  *pgxpool.Pool
	cache *expirable.LRU[int64, bool]
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:  pool,
		cache: expirable.NewLRU[int64, bool](cacheSize, nil, cacheTTL),
	}
}

// Disable turns RPKI validation off for an AS: upsert of the live row
// plus a history append, in one transaction.
func (s *Store) Disable(ctx context.Context, req Request) error {
	return s.flip(ctx, req, false)
}

// Enable turns RPKI validation back on.
func (s *Store) Enable(ctx context.Context, req Request) error {
	return s.flip(ctx, req, true)
}

func (s *Store) flip(ctx context.Context, req Request, enabled bool) error {
	if err := req.validate(); err != nil {
		return err
	}
	action := "disable"
	if enabled {
		action = "enable"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning override transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO rpki_overrides (as_number, rpki_enabled, reason, modified_date, modified_by)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (as_number) DO UPDATE SET
		    rpki_enabled  = EXCLUDED.rpki_enabled,
		    reason        = EXCLUDED.reason,
		    modified_date = EXCLUDED.modified_date,
		    modified_by   = EXCLUDED.modified_by`,
		req.ASNumber, enabled, req.Reason, req.Actor); err != nil {
		return fmt.Errorf("upserting override for AS%d: %w", req.ASNumber, err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO rpki_override_history (as_number, action, reason, "user", ip_address)
		VALUES ($1, $2, $3, $4, $5)`,
		req.ASNumber, action, req.Reason, req.Actor, req.SourceIP); err != nil {
		return fmt.Errorf("recording override history for AS%d: %w", req.ASNumber, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing override for AS%d: %w", req.ASNumber, err)
	}

	s.cache.Remove(req.ASNumber)
	util.WithAS(req.ASNumber).Infof("rpki override: %s by %s: %s", action, req.Actor, req.Reason)
	return nil
}

// Disabled reports whether validation is overridden off for asn. Results
// are cached for up to a minute; same-process writes invalidate.
func (s *Store) Disabled(ctx context.Context, asn int64) (bool, error) {
	if v, ok := s.cache.Get(asn); ok {
		return v, nil
	}
	var enabled bool
	err := s.pool.QueryRow(ctx,
		`SELECT rpki_enabled FROM rpki_overrides WHERE as_number = $1`, asn).Scan(&enabled)
	disabled := false
	switch {
	case err == nil:
		disabled = !enabled
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return false, fmt.Errorf("reading override for AS%d: %w", asn, err)
	}
	s.cache.Add(asn, disabled)
	return disabled, nil
}

// List returns all override rows, disabled first, then by AS.
func (s *Store) List(ctx context.Context) ([]Override, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT as_number, rpki_enabled, COALESCE(reason, ''), modified_date, COALESCE(modified_by, '')
		FROM rpki_overrides
		ORDER BY rpki_enabled, as_number`)
	if err != nil {
		return nil, fmt.Errorf("listing overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.ASNumber, &o.RPKIEnabled, &o.Reason, &o.ModifiedDate, &o.ModifiedBy); err != nil {
			return nil, fmt.Errorf("scanning override row: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// History returns the most recent flips for an AS, newest first.
func (s *Store) History(ctx context.Context, asn int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, as_number, action, COALESCE(reason, ''), timestamp,
		       COALESCE("user", ''), COALESCE(ip_address, '')
		FROM rpki_override_history
		WHERE as_number = $1
		ORDER BY id DESC
		LIMIT $2`, asn, limit)
	if err != nil {
		return nil, fmt.Errorf("reading override history for AS%d: %w", asn, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.ASNumber, &h.Action, &h.Reason, &h.Timestamp, &h.User, &h.SourceIP); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
