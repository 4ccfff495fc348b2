package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Store persists rollout state. Every mutation runs inside a single
// transaction; readers see either the state before a transition or the
// state after it, never a half-applied one.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a connection pool. The rollout schema is created by
// db.Migrate before any store method is called.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CreateRun persists a planned run with its stages and targets, activates
// it, and records the run_planned event, all in one transaction. A run is
// therefore never observable in planning state.
func (s *Store) CreateRun(ctx context.Context, run Run, stages []Stage, targets []Target, planned map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning plan transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO rollout_runs (run_id, created_at, status, initiated_by) VALUES ($1, $2, $3, $4)`,
		run.ID, run.CreatedAt, string(RunPlanning), run.InitiatedBy,
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}
	for _, st := range stages {
		var snapshot []byte
		if len(st.GuardrailSnapshot) > 0 {
			snapshot = []byte(st.GuardrailSnapshot)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO rollout_stages (stage_id, run_id, sequencing, name, guardrail_snapshot) VALUES ($1, $2, $3, $4, $5)`,
			st.ID, st.RunID, st.Sequencing, st.Name, snapshot,
		); err != nil {
			return fmt.Errorf("inserting stage %d (%s): %w", st.Sequencing, st.Name, err)
		}
	}
	for _, t := range targets {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rollout_targets (target_id, stage_id, hostname, policy_hash, state) VALUES ($1, $2, $3, $4, $5)`,
			t.ID, t.StageID, t.Hostname, t.PolicyHash, string(TargetPending),
		); err != nil {
			return fmt.Errorf("inserting target %s: %w", t.Hostname, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE rollout_runs SET status = $2 WHERE run_id = $1`,
		run.ID, string(RunActive),
	); err != nil {
		return fmt.Errorf("activating run %s: %w", run.ID, err)
	}
	if err := appendEvent(ctx, tx, run.ID, EventRunPlanned, planned); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing plan for run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a single run.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, created_at, status, COALESCE(initiated_by, '') FROM rollout_runs WHERE run_id = $1`,
		runID,
	).Scan(&r.ID, &r.CreatedAt, &status, &r.InitiatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, util.WrapError(util.KindValidation, "rollout.run", runID, util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	r.Status = RunStatus(status)
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, created_at, status, COALESCE(initiated_by, '') FROM rollout_runs ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		if err := rows.Scan(&r.ID, &r.CreatedAt, &status, &r.InitiatedBy); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Status = RunStatus(status)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// ListStages returns a run's stages ordered by sequencing.
func (s *Store) ListStages(ctx context.Context, runID string) ([]Stage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stage_id, run_id, sequencing, name, COALESCE(guardrail_snapshot::text, '')
		   FROM rollout_stages WHERE run_id = $1 ORDER BY sequencing`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stages for run %s: %w", runID, err)
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var st Stage
		var snapshot string
		if err := rows.Scan(&st.ID, &st.RunID, &st.Sequencing, &st.Name, &snapshot); err != nil {
			return nil, fmt.Errorf("scanning stage: %w", err)
		}
		if snapshot != "" {
			st.GuardrailSnapshot = json.RawMessage(snapshot)
		}
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stages: %w", err)
	}
	return stages, nil
}

// StageTargets returns every target of a stage.
func (s *Store) StageTargets(ctx context.Context, stageID string) ([]Target, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT target_id, stage_id, hostname, policy_hash, state, COALESCE(last_error, ''), updated_at
		   FROM rollout_targets WHERE stage_id = $1 ORDER BY hostname`,
		stageID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing targets for stage %s: %w", stageID, err)
	}
	return scanTargets(rows)
}

// TargetStateCounts tallies a stage's targets by state.
func (s *Store) TargetStateCounts(ctx context.Context, stageID string) (map[TargetState]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, count(*) FROM rollout_targets WHERE stage_id = $1 GROUP BY state`,
		stageID,
	)
	if err != nil {
		return nil, fmt.Errorf("counting targets for stage %s: %w", stageID, err)
	}
	defer rows.Close()

	counts := make(map[TargetState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning target counts: %w", err)
		}
		counts[TargetState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating target counts: %w", err)
	}
	return counts, nil
}

// FindTarget resolves a target by hostname within a run. Strategies
// partition devices, so a hostname maps to at most one target per run.
func (s *Store) FindTarget(ctx context.Context, runID, hostname string) (*Target, error) {
	var t Target
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT t.target_id, t.stage_id, t.hostname, t.policy_hash, t.state, COALESCE(t.last_error, ''), t.updated_at
		   FROM rollout_targets t
		   JOIN rollout_stages st ON st.stage_id = t.stage_id
		  WHERE st.run_id = $1 AND t.hostname = $2`,
		runID, hostname,
	).Scan(&t.ID, &t.StageID, &t.Hostname, &t.PolicyHash, &state, &t.LastError, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, util.WrapError(util.KindValidation, "rollout.target", hostname, util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving target %s in run %s: %w", hostname, runID, err)
	}
	t.State = TargetState(state)
	return &t, nil
}

// ClaimPending flips up to limit pending targets of a stage to
// in_progress and returns them. SKIP LOCKED keeps two dispatchers from
// dispensing the same router.
func (s *Store) ClaimPending(ctx context.Context, stageID string, limit int) ([]Target, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE rollout_targets SET state = $3, updated_at = now()
 WHERE target_id IN (
        SELECT target_id FROM rollout_targets
         WHERE stage_id = $1 AND state = $2
         ORDER BY hostname
         LIMIT $4
           FOR UPDATE SKIP LOCKED)
RETURNING target_id, stage_id, hostname, policy_hash, state, COALESCE(last_error, ''), updated_at`,
		stageID, string(TargetPending), string(TargetInProgress), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming targets for stage %s: %w", stageID, err)
	}
	targets, err := scanTargets(rows)
	if err != nil {
		return nil, err
	}
	for range targets {
		metrics.RolloutTransitionsTotal.WithLabelValues(string(TargetInProgress)).Inc()
	}
	return targets, nil
}

// TransitionTarget moves a target to a terminal state, recording the
// matching event in the same transaction. Repeating a transition the
// target already made leaves the row untouched and records target_noop,
// so terminal-event counts always equal terminal-target counts. Moving
// between two different terminal states is rejected.
func (s *Store) TransitionTarget(ctx context.Context, targetID string, to TargetState, reason string) (Target, error) {
	if !to.Terminal() {
		return Target{}, util.NewPipelineError(util.KindValidation, "rollout.transition", targetID,
			fmt.Sprintf("%s is not a terminal state", to))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Target{}, fmt.Errorf("beginning target transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var t Target
	var state, runID string
	err = tx.QueryRow(ctx, `
SELECT t.target_id, t.stage_id, t.hostname, t.policy_hash, t.state, COALESCE(t.last_error, ''), t.updated_at, st.run_id
  FROM rollout_targets t
  JOIN rollout_stages st ON st.stage_id = t.stage_id
 WHERE t.target_id = $1
   FOR UPDATE OF t`,
		targetID,
	).Scan(&t.ID, &t.StageID, &t.Hostname, &t.PolicyHash, &state, &t.LastError, &t.UpdatedAt, &runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Target{}, util.WrapError(util.KindValidation, "rollout.transition", targetID, util.ErrNotFound)
	}
	if err != nil {
		return Target{}, fmt.Errorf("locking target %s: %w", targetID, err)
	}
	t.State = TargetState(state)

	event := eventForState(to)
	payload := map[string]any{"target_id": t.ID, "hostname": t.Hostname}
	if reason != "" {
		payload["reason"] = reason
	}

	switch {
	case t.State == to:
		event = EventTargetNoop
		payload["state"] = string(t.State)
	case t.State.Terminal():
		return Target{}, util.NewPipelineError(util.KindValidation, "rollout.transition", t.Hostname,
			fmt.Sprintf("target already %s, cannot mark %s", t.State, to))
	default:
		if _, err := tx.Exec(ctx,
			`UPDATE rollout_targets SET state = $2, last_error = NULLIF($3, ''), updated_at = now() WHERE target_id = $1`,
			targetID, string(to), reason,
		); err != nil {
			return Target{}, fmt.Errorf("updating target %s: %w", t.Hostname, err)
		}
		t.State = to
		t.LastError = reason
		metrics.RolloutTransitionsTotal.WithLabelValues(string(to)).Inc()
	}

	if err := appendEvent(ctx, tx, runID, event, payload); err != nil {
		return Target{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Target{}, fmt.Errorf("committing target transition: %w", err)
	}
	return t, nil
}

// UpdateRunStatus moves a run between lifecycle states after verifying
// the current status is in the allowed set, and appends the event in the
// same transaction.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, from []RunStatus, to RunStatus, event string, payload map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning status transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM rollout_runs WHERE run_id = $1 FOR UPDATE`, runID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return util.WrapError(util.KindValidation, "rollout.status", runID, util.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("locking run %s: %w", runID, err)
	}

	allowed := false
	for _, f := range from {
		if RunStatus(cur) == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return util.NewPipelineError(util.KindValidation, "rollout.status", runID,
			fmt.Sprintf("run is %s, cannot move to %s", cur, to))
	}

	if _, err := tx.Exec(ctx, `UPDATE rollout_runs SET status = $2 WHERE run_id = $1`, runID, string(to)); err != nil {
		return fmt.Errorf("updating run %s status: %w", runID, err)
	}
	if err := appendEvent(ctx, tx, runID, event, payload); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing status transition: %w", err)
	}
	return nil
}

// AppendRunEvent records an event outside any other transition.
func (s *Store) AppendRunEvent(ctx context.Context, runID, event string, payload map[string]any) error {
	return appendEvent(ctx, s.pool, runID, event, payload)
}

// Events returns the audit trail for a run in append order. A limit of
// zero returns everything.
func (s *Store) Events(ctx context.Context, runID string, limit int) ([]Event, error) {
	q := `SELECT event_id, run_id, event_type, COALESCE(payload::text, ''), timestamp
	        FROM rollout_events WHERE run_id = $1 ORDER BY event_id`
	args := []any{runID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// StageDetail pairs a stage with its targets for status reporting.
type StageDetail struct {
	Stage   Stage    `json:"stage"`
	Targets []Target `json:"targets"`
}

// Counts tallies the stage's targets by state.
func (d StageDetail) Counts() map[TargetState]int {
	counts := make(map[TargetState]int, len(d.Targets))
	for _, t := range d.Targets {
		counts[t.State]++
	}
	return counts
}

// RunDetail is the full run view used by the status command and the API.
type RunDetail struct {
	Run    Run           `json:"run"`
	Stages []StageDetail `json:"stages"`
}

// LoadRunDetail assembles the run, its stages, and their targets.
func (s *Store) LoadRunDetail(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	stages, err := s.ListStages(ctx, runID)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: *run, Stages: make([]StageDetail, 0, len(stages))}
	for _, st := range stages {
		targets, err := s.StageTargets(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		detail.Stages = append(detail.Stages, StageDetail{Stage: st, Targets: targets})
	}
	return detail, nil
}

func eventForState(state TargetState) string {
	switch state {
	case TargetCompleted:
		return EventTargetCompleted
	case TargetFailed:
		return EventTargetFailed
	case TargetSkipped:
		return EventTargetSkipped
	default:
		return EventTargetNoop
	}
}

func appendEvent(ctx context.Context, db execer, runID, event string, payload map[string]any) error {
	var body []byte
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", event, err)
		}
		body = b
	}
	if _, err := db.Exec(ctx,
		`INSERT INTO rollout_events (run_id, event_type, payload) VALUES ($1, $2, $3)`,
		runID, event, body,
	); err != nil {
		return fmt.Errorf("recording %s event: %w", event, err)
	}
	return nil
}

func scanTargets(rows pgx.Rows) ([]Target, error) {
	defer rows.Close()
	var targets []Target
	for rows.Next() {
		var t Target
		var state string
		if err := rows.Scan(&t.ID, &t.StageID, &t.Hostname, &t.PolicyHash, &state, &t.LastError, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning rollout target: %w", err)
		}
		t.State = TargetState(state)
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rollout targets: %w", err)
	}
	return targets, nil
}
