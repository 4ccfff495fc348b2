//go:build integration

package rollout_test

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/otto-bgp/otto-bgp/internal/testutil"
	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/rollout"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

func eventTypes(events []rollout.Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestBlastRolloutLifecycle(t *testing.T) {
	pool := testutil.Pool(t)
	ctx := testutil.Context(t)
	store := rollout.NewStore(pool)
	coord := rollout.NewCoordinator(store, config.RolloutConfig{DefaultConcurrency: 2, InitiatedBy: "ops"})

	devices := []model.Device{
		{Address: "1.1.1.1", Hostname: "r1"},
		{Address: "1.1.1.2", Hostname: "r2"},
	}
	policies := map[string]string{"r1": "P1", "r2": "P2"}

	run, err := coord.PlanRun(ctx, rollout.Blast{}, devices, policies, nil)
	testutil.Must(t, run, err)
	if run.Status != rollout.RunActive {
		t.Fatalf("planned run status = %s, want %s", run.Status, rollout.RunActive)
	}
	if run.InitiatedBy != "ops" {
		t.Fatalf("InitiatedBy = %q, want ops", run.InitiatedBy)
	}

	stages, err := store.ListStages(ctx, run.ID)
	testutil.Must(t, stages, err)
	if len(stages) != 1 || stages[0].Sequencing != 0 || stages[0].Name != "fleet" {
		t.Fatalf("stages = %+v, want single fleet stage at sequencing 0", stages)
	}
	targets, err := store.StageTargets(ctx, stages[0].ID)
	testutil.Must(t, targets, err)
	if len(targets) != 2 {
		t.Fatalf("target count = %d, want 2", len(targets))
	}
	for _, tgt := range targets {
		if tgt.State != rollout.TargetPending {
			t.Fatalf("target %s state = %s, want pending", tgt.Hostname, tgt.State)
		}
		if want := rollout.PolicyHash(policies[tgt.Hostname]); tgt.PolicyHash != want {
			t.Fatalf("target %s hash = %q, want %q", tgt.Hostname, tgt.PolicyHash, want)
		}
	}

	batch, err := coord.NextBatch(ctx, 2)
	testutil.Must(t, batch, err)
	if len(batch) != 2 {
		t.Fatalf("first batch dispensed %d targets, want 2", len(batch))
	}
	for _, tgt := range batch {
		if tgt.State != rollout.TargetInProgress {
			t.Fatalf("claimed target %s state = %s, want in_progress", tgt.Hostname, tgt.State)
		}
		if err := coord.CompleteTarget(ctx, tgt.ID); err != nil {
			t.Fatalf("CompleteTarget(%s): %v", tgt.Hostname, err)
		}
	}

	second, err := coord.NextBatch(ctx, 2)
	testutil.Must(t, second, err)
	if len(second) != 0 {
		t.Fatalf("second batch dispensed %d targets, want none", len(second))
	}
	final, err := store.GetRun(ctx, run.ID)
	testutil.Must(t, final, err)
	if final.Status != rollout.RunCompleted {
		t.Fatalf("final run status = %s, want completed", final.Status)
	}
	if stage, total := coord.Position(); stage != 1 || total != 1 {
		t.Fatalf("Position = %d/%d, want 1/1", stage, total)
	}

	events, err := store.Events(ctx, run.ID, 0)
	testutil.Must(t, events, err)
	want := []string{
		rollout.EventRunPlanned,
		rollout.EventTargetCompleted,
		rollout.EventTargetCompleted,
		rollout.EventStageCompleted,
		rollout.EventRunCompleted,
	}
	if got := eventTypes(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("event trail = %v, want %v", got, want)
	}
}

func TestCanaryRolloutWithFailure(t *testing.T) {
	pool := testutil.Pool(t)
	ctx := testutil.Context(t)
	store := rollout.NewStore(pool)
	coord := rollout.NewCoordinator(store, config.RolloutConfig{DefaultConcurrency: 2})

	devices := []model.Device{
		{Address: "1.1.1.1", Hostname: "r1"},
		{Address: "1.1.1.2", Hostname: "r2"},
	}
	policies := map[string]string{"r1": "P1", "r2": "P2"}

	run, err := coord.PlanRun(ctx, rollout.Canary{Host: "r1"}, devices, policies, nil)
	testutil.Must(t, run, err)

	first, err := coord.NextBatch(ctx, 0)
	testutil.Must(t, first, err)
	if len(first) != 1 || first[0].Hostname != "r1" {
		t.Fatalf("canary batch = %+v, want [r1]", first)
	}
	if err := coord.FailTarget(ctx, first[0].ID, "ConnectTimeout"); err != nil {
		t.Fatalf("FailTarget: %v", err)
	}
	mid, err := store.GetRun(ctx, run.ID)
	testutil.Must(t, mid, err)
	if mid.Status != rollout.RunActive {
		t.Fatalf("run status after canary failure = %s, want active", mid.Status)
	}

	second, err := coord.NextBatch(ctx, 0)
	testutil.Must(t, second, err)
	if len(second) != 1 || second[0].Hostname != "r2" {
		t.Fatalf("fleet batch = %+v, want [r2]", second)
	}
	if err := coord.CompleteTarget(ctx, second[0].ID); err != nil {
		t.Fatalf("CompleteTarget: %v", err)
	}

	final, err := coord.NextBatch(ctx, 0)
	testutil.Must(t, final, err)
	if len(final) != 0 {
		t.Fatalf("final batch dispensed %d targets, want none", len(final))
	}
	done, err := store.GetRun(ctx, run.ID)
	testutil.Must(t, done, err)
	if done.Status != rollout.RunCompleted {
		t.Fatalf("final run status = %s, want completed", done.Status)
	}

	failed, err := store.FindTarget(ctx, run.ID, "r1")
	testutil.Must(t, failed, err)
	if failed.State != rollout.TargetFailed || failed.LastError != "ConnectTimeout" {
		t.Fatalf("failed target = %+v, want failed with ConnectTimeout", failed)
	}

	events, err := store.Events(ctx, run.ID, 0)
	testutil.Must(t, events, err)
	want := []string{
		rollout.EventRunPlanned,
		rollout.EventTargetFailed,
		rollout.EventStageCompleted,
		rollout.EventTargetCompleted,
		rollout.EventStageCompleted,
		rollout.EventRunCompleted,
	}
	if got := eventTypes(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("event trail = %v, want %v", got, want)
	}

	var payload struct {
		Hostname string `json:"hostname"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("decoding target_failed payload: %v", err)
	}
	if payload.Hostname != "r1" || payload.Reason != "ConnectTimeout" {
		t.Fatalf("target_failed payload = %+v", payload)
	}
}

func TestTargetTransitionIdempotence(t *testing.T) {
	pool := testutil.Pool(t)
	ctx := testutil.Context(t)
	store := rollout.NewStore(pool)
	coord := rollout.NewCoordinator(store, config.RolloutConfig{DefaultConcurrency: 2})

	devices := []model.Device{
		{Address: "1.1.1.1", Hostname: "r1"},
		{Address: "1.1.1.2", Hostname: "r2"},
	}
	policies := map[string]string{"r1": "P1", "r2": "P2"}
	run, err := coord.PlanRun(ctx, rollout.Blast{}, devices, policies, nil)
	testutil.Must(t, run, err)

	batch, err := coord.NextBatch(ctx, 2)
	testutil.Must(t, batch, err)
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}

	r1, err := store.FindTarget(ctx, run.ID, "r1")
	testutil.Must(t, r1, err)
	if err := coord.CompleteTarget(ctx, r1.ID); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := coord.CompleteTarget(ctx, r1.ID); err != nil {
		t.Fatalf("repeated complete should be a no-op, got %v", err)
	}
	if err := coord.FailTarget(ctx, r1.ID, "late error"); !errors.Is(err, util.ErrValidation) {
		t.Fatalf("conflicting terminal transition error = %v, want validation", err)
	}

	r2, err := store.FindTarget(ctx, run.ID, "r2")
	testutil.Must(t, r2, err)
	if err := coord.SkipTarget(ctx, r2.ID, "maintenance window"); err != nil {
		t.Fatalf("SkipTarget: %v", err)
	}

	events, err := store.Events(ctx, run.ID, 0)
	testutil.Must(t, events, err)
	terminal, noops := 0, 0
	for _, e := range events {
		switch e.Type {
		case rollout.EventTargetCompleted, rollout.EventTargetFailed, rollout.EventTargetSkipped:
			terminal++
		case rollout.EventTargetNoop:
			noops++
		}
	}
	stages, err := store.ListStages(ctx, run.ID)
	testutil.Must(t, stages, err)
	counts, err := store.TargetStateCounts(ctx, stages[0].ID)
	testutil.Must(t, counts, err)
	terminalTargets := counts[rollout.TargetCompleted] + counts[rollout.TargetFailed] + counts[rollout.TargetSkipped]
	if terminal != terminalTargets {
		t.Fatalf("terminal events = %d, terminal targets = %d; counts must match", terminal, terminalTargets)
	}
	if noops != 1 {
		t.Fatalf("target_noop events = %d, want 1", noops)
	}
}

func TestPauseResumeAbort(t *testing.T) {
	pool := testutil.Pool(t)
	ctx := testutil.Context(t)
	store := rollout.NewStore(pool)
	coord := rollout.NewCoordinator(store, config.RolloutConfig{DefaultConcurrency: 1})

	devices := []model.Device{
		{Address: "1.1.1.1", Hostname: "r1"},
		{Address: "1.1.1.2", Hostname: "r2"},
	}
	policies := map[string]string{"r1": "P1", "r2": "P2"}
	run, err := coord.PlanRun(ctx, rollout.Blast{}, devices, policies, nil)
	testutil.Must(t, run, err)

	first, err := coord.NextBatch(ctx, 1)
	testutil.Must(t, first, err)
	if len(first) != 1 {
		t.Fatalf("first batch size = %d, want 1", len(first))
	}

	if err := coord.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused, err := coord.NextBatch(ctx, 1)
	testutil.Must(t, paused, err)
	if len(paused) != 0 {
		t.Fatalf("paused run dispensed %d targets", len(paused))
	}
	if err := coord.Pause(ctx); !errors.Is(err, util.ErrValidation) {
		t.Fatalf("double pause error = %v, want validation", err)
	}

	if err := coord.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	second, err := coord.NextBatch(ctx, 1)
	testutil.Must(t, second, err)
	if len(second) != 1 {
		t.Fatalf("post-resume batch size = %d, want 1", len(second))
	}

	if err := coord.Abort(ctx, "bad diff on r1"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := coord.NextBatch(ctx, 1); !errors.Is(err, util.ErrValidation) {
		t.Fatalf("NextBatch after abort error = %v, want validation", err)
	}

	// In-flight completion after abort is still persisted.
	if err := coord.CompleteTarget(ctx, second[0].ID); err != nil {
		t.Fatalf("late completion after abort: %v", err)
	}
	late, err := store.FindTarget(ctx, run.ID, second[0].Hostname)
	testutil.Must(t, late, err)
	if late.State != rollout.TargetCompleted {
		t.Fatalf("late-completed target state = %s, want completed", late.State)
	}
	final, err := store.GetRun(ctx, run.ID)
	testutil.Must(t, final, err)
	if final.Status != rollout.RunAborted {
		t.Fatalf("run status = %s, want aborted", final.Status)
	}

	events, err := store.Events(ctx, run.ID, 0)
	testutil.Must(t, events, err)
	seen := make(map[string]bool)
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{
		rollout.EventRunPaused,
		rollout.EventRunResumed,
		rollout.EventRunAborted,
		rollout.EventTargetCompleted,
	} {
		if !seen[want] {
			t.Fatalf("event trail %v missing %s", eventTypes(events), want)
		}
	}
}

func TestHydrateRebuildsPosition(t *testing.T) {
	pool := testutil.Pool(t)
	ctx := testutil.Context(t)
	store := rollout.NewStore(pool)
	cfg := config.RolloutConfig{DefaultConcurrency: 2}
	coord := rollout.NewCoordinator(store, cfg)

	devices := []model.Device{
		{Address: "1.1.1.1", Hostname: "r-east", Region: "east"},
		{Address: "1.1.1.2", Hostname: "r-west", Region: "west"},
	}
	policies := map[string]string{"r-east": "P1", "r-west": "P2"}
	run, err := coord.PlanRun(ctx, rollout.Phased{GroupBy: "region"}, devices, policies, nil)
	testutil.Must(t, run, err)

	fresh := rollout.NewCoordinator(store, cfg)
	hydrated, err := fresh.Hydrate(ctx, run.ID)
	testutil.Must(t, hydrated, err)
	if hydrated.Status != rollout.RunActive {
		t.Fatalf("hydrated run status = %s, want active", hydrated.Status)
	}
	if stage, total := fresh.Position(); stage != 0 || total != 2 {
		t.Fatalf("hydrated position = %d/%d, want 0/2", stage, total)
	}

	batch, err := fresh.NextBatch(ctx, 0)
	testutil.Must(t, batch, err)
	if len(batch) != 1 || batch[0].Hostname != "r-east" {
		t.Fatalf("stage 0 batch = %+v, want [r-east]", batch)
	}
	if err := fresh.CompleteTarget(ctx, batch[0].ID); err != nil {
		t.Fatalf("CompleteTarget: %v", err)
	}

	another := rollout.NewCoordinator(store, cfg)
	if _, err := another.Hydrate(ctx, run.ID); err != nil {
		t.Fatalf("second hydrate: %v", err)
	}
	if stage, total := another.Position(); stage != 1 || total != 2 {
		t.Fatalf("position after stage 0 drained = %d/%d, want 1/2", stage, total)
	}
	next, err := another.NextBatch(ctx, 0)
	testutil.Must(t, next, err)
	if len(next) != 1 || next[0].Hostname != "r-west" {
		t.Fatalf("stage 1 batch = %+v, want [r-west]", next)
	}

	hydrations := 0
	allEvents, err := store.Events(ctx, run.ID, 0)
	testutil.Must(t, allEvents, err)
	for _, e := range allEvents {
		if e.Type == rollout.EventRunHydrated {
			hydrations++
		}
	}
	if hydrations != 2 {
		t.Fatalf("run_hydrated events = %d, want 2", hydrations)
	}

	missing := rollout.NewCoordinator(store, cfg)
	if _, err := missing.Hydrate(ctx, "no-such-run"); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("hydrating unknown run error = %v, want not found", err)
	}
}
