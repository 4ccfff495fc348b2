package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Coordinator drives one rollout run. Durable state lives in the store;
// the stage cursor held here is a cache rebuilt by Hydrate, so a fresh
// process can take over a run at any point.
type Coordinator struct {
	store       *Store
	concurrency int
	initiatedBy string

	mu       sync.Mutex
	runID    string
	stages   []Stage
	stageIdx int
}

// NewCoordinator builds a coordinator bound to a store. The configured
// default concurrency applies when NextBatch is called without one.
func NewCoordinator(store *Store, cfg config.RolloutConfig) *Coordinator {
	concurrency := cfg.DefaultConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Coordinator{store: store, concurrency: concurrency, initiatedBy: cfg.InitiatedBy}
}

// PlanRun stages devices per the strategy and persists the run. Policies
// map hostname to the policy text each target will receive; the hash of
// that text is pinned on the target so drift between planning and apply
// is detectable. The run is active once PlanRun returns.
func (c *Coordinator) PlanRun(ctx context.Context, strategy Strategy, devices []model.Device, policies map[string]string, snapshot json.RawMessage) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strategy == nil {
		return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", "", "a strategy is required")
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d.Hostname == "" {
			return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", d.Address,
				"device without hostname cannot be staged")
		}
		if seen[d.Hostname] {
			return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", d.Hostname,
				"duplicate hostname in device set")
		}
		seen[d.Hostname] = true
		if _, ok := policies[d.Hostname]; !ok {
			return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", d.Hostname,
				"no policy payload for device")
		}
	}

	planned, err := strategy.Plan(devices)
	if err != nil {
		return nil, err
	}

	run := Run{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Status:      RunActive,
		InitiatedBy: c.initiatedBy,
	}
	stages := make([]Stage, 0, len(planned))
	var targets []Target
	for i, ps := range planned {
		st := Stage{
			ID:                uuid.NewString(),
			RunID:             run.ID,
			Sequencing:        i,
			Name:              ps.Name,
			GuardrailSnapshot: snapshot,
		}
		stages = append(stages, st)
		for _, host := range ps.Hostnames {
			targets = append(targets, Target{
				ID:         uuid.NewString(),
				StageID:    st.ID,
				Hostname:   host,
				PolicyHash: PolicyHash(policies[host]),
				State:      TargetPending,
			})
		}
	}

	plannedPayload := map[string]any{
		"strategy": strategy.Name(),
		"stages":   len(stages),
		"targets":  len(targets),
	}
	if err := c.store.CreateRun(ctx, run, stages, targets, plannedPayload); err != nil {
		return nil, err
	}

	c.runID = run.ID
	c.stages = stages
	c.stageIdx = 0
	util.WithRun(run.ID).Infof("rollout planned: strategy=%s stages=%d targets=%d",
		strategy.Name(), len(stages), len(targets))
	return &run, nil
}

// Hydrate rebuilds the coordinator position for an existing run by
// scanning stages in order and stopping at the first one holding a
// non-terminal target. A run whose targets are all terminal hydrates
// past the last stage.
func (c *Coordinator) Hydrate(ctx context.Context, runID string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	stages, err := c.store.ListStages(ctx, runID)
	if err != nil {
		return nil, err
	}
	idx := len(stages)
	for i, st := range stages {
		counts, err := c.store.TargetStateCounts(ctx, st.ID)
		if err != nil {
			return nil, err
		}
		if counts[TargetPending] > 0 || counts[TargetInProgress] > 0 {
			idx = i
			break
		}
	}

	c.runID = runID
	c.stages = stages
	c.stageIdx = idx

	if err := c.store.AppendRunEvent(ctx, runID, EventRunHydrated, map[string]any{
		"stage_index": idx,
		"stages":      len(stages),
	}); err != nil {
		return nil, err
	}
	util.WithRun(runID).Infof("hydrated at stage %d/%d (status %s)", idx, len(stages), run.Status)
	return run, nil
}

// NextBatch dispenses up to n pending targets from the current stage,
// marking them in_progress. When the stage has no pending and no
// in-progress targets it advances, records stage_completed, and claims
// from the next stage; past the last stage it completes the run. An
// empty batch with a nil error means either the run finished or the
// current stage is still draining; Position distinguishes the two.
func (c *Coordinator) NextBatch(ctx context.Context, n int) ([]Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runID == "" {
		return nil, util.NewPipelineError(util.KindValidation, "rollout.next", "", "no run planned or hydrated")
	}
	if n <= 0 {
		n = c.concurrency
	}

	run, err := c.store.GetRun(ctx, c.runID)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case RunPaused:
		util.WithRun(c.runID).Infof("run is paused; nothing dispensed")
		return nil, nil
	case RunCompleted:
		return nil, nil
	case RunAborted, RunFailed:
		return nil, util.NewPipelineError(util.KindValidation, "rollout.next", c.runID,
			fmt.Sprintf("run is %s; no further batches", run.Status))
	}

	for c.stageIdx < len(c.stages) {
		stage := c.stages[c.stageIdx]
		batch, err := c.store.ClaimPending(ctx, stage.ID, n)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			util.WithRun(c.runID).Infof("stage %q dispensed %d target(s)", stage.Name, len(batch))
			return batch, nil
		}
		counts, err := c.store.TargetStateCounts(ctx, stage.ID)
		if err != nil {
			return nil, err
		}
		if counts[TargetInProgress] > 0 {
			// Stage still draining; the caller polls again after completions.
			return nil, nil
		}
		if err := c.store.AppendRunEvent(ctx, c.runID, EventStageCompleted, map[string]any{
			"stage_id":   stage.ID,
			"name":       stage.Name,
			"sequencing": stage.Sequencing,
		}); err != nil {
			return nil, err
		}
		util.WithRun(c.runID).Infof("stage %q completed", stage.Name)
		c.stageIdx++
	}

	if err := c.store.UpdateRunStatus(ctx, c.runID, []RunStatus{RunActive}, RunCompleted, EventRunCompleted, nil); err != nil {
		return nil, err
	}
	util.WithRun(c.runID).Infof("run completed")
	return nil, nil
}

// CompleteTarget records a successful apply on the target router.
func (c *Coordinator) CompleteTarget(ctx context.Context, targetID string) error {
	_, err := c.store.TransitionTarget(ctx, targetID, TargetCompleted, "")
	return err
}

// FailTarget records a failed apply; the reason lands on the target row
// and in the audit trail.
func (c *Coordinator) FailTarget(ctx context.Context, targetID, reason string) error {
	_, err := c.store.TransitionTarget(ctx, targetID, TargetFailed, reason)
	return err
}

// SkipTarget removes a target from the run without failing it.
func (c *Coordinator) SkipTarget(ctx context.Context, targetID, reason string) error {
	_, err := c.store.TransitionTarget(ctx, targetID, TargetSkipped, reason)
	return err
}

// Pause stops dispensing batches. In-flight targets keep running and
// their completions are still recorded.
func (c *Coordinator) Pause(ctx context.Context) error {
	runID, err := c.currentRun()
	if err != nil {
		return err
	}
	return c.store.UpdateRunStatus(ctx, runID, []RunStatus{RunActive}, RunPaused, EventRunPaused, nil)
}

// Resume reopens a paused run for dispensing.
func (c *Coordinator) Resume(ctx context.Context) error {
	runID, err := c.currentRun()
	if err != nil {
		return err
	}
	return c.store.UpdateRunStatus(ctx, runID, []RunStatus{RunPaused}, RunActive, EventRunResumed, nil)
}

// Abort ends the run. Further NextBatch calls are rejected; targets
// already in flight may still report their outcome, which is persisted.
func (c *Coordinator) Abort(ctx context.Context, reason string) error {
	runID, err := c.currentRun()
	if err != nil {
		return err
	}
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	return c.store.UpdateRunStatus(ctx, runID,
		[]RunStatus{RunActive, RunPaused}, RunAborted, EventRunAborted, payload)
}

// FailRun marks the run failed after a fatal coordinator-level error.
func (c *Coordinator) FailRun(ctx context.Context, reason string) error {
	runID, err := c.currentRun()
	if err != nil {
		return err
	}
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	return c.store.UpdateRunStatus(ctx, runID,
		[]RunStatus{RunActive, RunPaused}, RunFailed, EventRunFailed, payload)
}

// Position reports the stage cursor and total stage count. Callers use
// it to tell a drained run from one still waiting on in-flight targets
// after NextBatch returns an empty batch.
func (c *Coordinator) Position() (stage, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stageIdx, len(c.stages)
}

// RunID returns the bound run identifier, empty before PlanRun or
// Hydrate.
func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

func (c *Coordinator) currentRun() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runID == "" {
		return "", util.NewPipelineError(util.KindValidation, "rollout.run", "", "no run planned or hydrated")
	}
	return c.runID, nil
}
