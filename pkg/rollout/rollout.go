// Package rollout coordinates staged policy application across a router
// fleet. A run is planned from a strategy, persisted to Postgres, and
// driven batch by batch; every state mutation happens inside a database
// transaction so a restarted process can hydrate a run and pick up where
// the previous one stopped.
package rollout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a rollout run.
type RunStatus string

const (
	RunPlanning  RunStatus = "planning"
	RunActive    RunStatus = "active"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the run accepts no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

// TargetState is the per-router progress state within a stage.
type TargetState string

const (
	TargetPending    TargetState = "pending"
	TargetInProgress TargetState = "in_progress"
	TargetCompleted  TargetState = "completed"
	TargetFailed     TargetState = "failed"
	TargetSkipped    TargetState = "skipped"
)

// Terminal reports whether the target reached a final state.
func (s TargetState) Terminal() bool {
	return s == TargetCompleted || s == TargetFailed || s == TargetSkipped
}

// Event types appended to the per-run audit trail. Exactly one
// target_completed/target_failed/target_skipped event exists per target
// in terminal state; a repeated transition records target_noop instead.
const (
	EventRunPlanned      = "run_planned"
	EventRunHydrated     = "run_hydrated"
	EventRunPaused       = "run_paused"
	EventRunResumed      = "run_resumed"
	EventRunAborted      = "run_aborted"
	EventRunFailed       = "run_failed"
	EventRunCompleted    = "run_completed"
	EventStageCompleted  = "stage_completed"
	EventTargetCompleted = "target_completed"
	EventTargetFailed    = "target_failed"
	EventTargetSkipped   = "target_skipped"
	EventTargetNoop      = "target_noop"
)

// Run is one rollout execution across the fleet.
type Run struct {
	ID          string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Status      RunStatus `json:"status"`
	InitiatedBy string    `json:"initiated_by,omitempty"`
}

// Stage is an ordered group of targets within a run. Sequencing is
// contiguous from zero; the guardrail snapshot freezes the engine
// configuration that vetted the change.
type Stage struct {
	ID                string          `json:"stage_id"`
	RunID             string          `json:"run_id"`
	Sequencing        int             `json:"sequencing"`
	Name              string          `json:"name"`
	GuardrailSnapshot json.RawMessage `json:"guardrail_snapshot,omitempty"`
}

// Target is one router within a stage.
type Target struct {
	ID         string      `json:"target_id"`
	StageID    string      `json:"stage_id"`
	Hostname   string      `json:"hostname"`
	PolicyHash string      `json:"policy_hash"`
	State      TargetState `json:"state"`
	LastError  string      `json:"last_error,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Event is one entry in the append-only run audit trail. Payloads are
// opaque to the coordinator beyond being valid JSON.
type Event struct {
	ID        int64           `json:"event_id"`
	RunID     string          `json:"run_id"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PolicyHash fingerprints policy content so drift between planning and
// apply is detectable. Sixteen hex digits are enough for change
// detection; this is not a security boundary.
func PolicyHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
