package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/otto-bgp/otto-bgp/pkg/adapter"
	"github.com/otto-bgp/otto-bgp/pkg/generator"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/netconf"
	"github.com/otto-bgp/otto-bgp/pkg/rollout"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// LoadRouterPayload rebuilds the NETCONF payload for a router from its
// policy directory. The rebuild is deterministic, so the rollout hash
// recorded at plan time matches unless the artifacts changed since.
func (p *Pipeline) LoadRouterPayload(hostname string) (string, error) {
	safe := util.SafeHostname(hostname)
	dir := filepath.Join(p.cfg.Output.PolicyDir, "routers", safe)

	raw, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return "", util.WrapError(util.KindData, "load policy artifacts", hostname, err)
	}
	var meta generator.RouterMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", util.WrapError(util.KindData, "load policy artifacts", hostname, err)
	}

	var results []generator.Result
	for _, as := range meta.ASNumbers {
		target := generator.TargetAS(as)
		text, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("AS%d_policy.txt", as)))
		if err != nil {
			return "", util.WrapError(util.KindData, "load policy artifacts", hostname, err)
		}
		results = append(results, generator.Result{Target: target, Text: string(text)})
	}
	if len(results) == 0 {
		// Separate files disabled; fall back to the combined artifact.
		text, err := os.ReadFile(filepath.Join(dir, safe+"_combined_policy.txt"))
		if err != nil {
			return "", util.NewPipelineError(util.KindData, "load policy artifacts", hostname,
				"no per-AS or combined policy files; regenerate first")
		}
		results = append(results, generator.Result{Text: string(text)})
	}

	profile := &model.RouterProfile{Hostname: meta.Hostname, ASNumbers: meta.ASNumbers}
	rc, err := adapter.Adapt(profile, results)
	if err != nil {
		return "", err
	}
	return rc.Hierarchical(), nil
}

// ApplyOptions describes one single-router push.
type ApplyOptions struct {
	Device  model.Device
	Payload string
	// Execute commits; otherwise the lifecycle stops after the diff.
	Execute bool
	// SkipConfirm leaves the confirmed commit pending for external
	// health checks.
	SkipConfirm   bool
	ConfirmWindow time.Duration
}

// Apply pushes one rendered configuration over NETCONF, honoring the
// dry-run default. The confirm window never drops below one minute; a
// shorter window can roll back mid-verification.
func (p *Pipeline) Apply(ctx context.Context, opts ApplyOptions) (*netconf.ApplyResult, error) {
	applier, err := p.Applier()
	if err != nil {
		return nil, err
	}

	window := opts.ConfirmWindow
	if window <= 0 {
		window = netconf.DefaultConfirmWindow
	}
	if window < time.Minute {
		window = time.Minute
	}

	return applier.Apply(ctx, netconf.ApplyRequest{
		Hostname:      opts.Device.Hostname,
		Address:       opts.Device.Address,
		Config:        opts.Payload,
		Format:        netconf.LoadText,
		DiffFormat:    netconf.DiffText,
		ConfirmWindow: window,
		DryRun:        !opts.Execute,
		SkipConfirm:   opts.SkipConfirm,
	})
}

// TargetOutcome is the apply result for one dispensed rollout target.
type TargetOutcome struct {
	Target rollout.Target
	Result *netconf.ApplyResult
	Err    error
}

// ExecuteTargets applies the claimed batch sequentially, transitioning
// every target to a terminal state: completed on success, failed on
// error, drift, or a missing address. Targets are never left in
// progress; cancellation fails the remainder explicitly.
func (p *Pipeline) ExecuteTargets(ctx context.Context, coord *rollout.Coordinator, targets []rollout.Target, lookup func(hostname string) (model.Device, bool)) []TargetOutcome {
	outcomes := make([]TargetOutcome, 0, len(targets))

	for i, t := range targets {
		if err := ctx.Err(); err != nil {
			outcomes = append(outcomes, p.failRemainder(coord, targets[i:])...)
			break
		}

		outcome := TargetOutcome{Target: t}
		log := util.WithRouter(t.Hostname)

		dev, ok := lookup(t.Hostname)
		if !ok {
			outcome.Err = util.NewPipelineError(util.KindValidation, "rollout.apply", t.Hostname,
				"no address known; pass an inventory or re-run discovery")
			p.finishTarget(ctx, coord, &outcome)
			outcomes = append(outcomes, outcome)
			continue
		}

		payload, err := p.LoadRouterPayload(t.Hostname)
		if err != nil {
			outcome.Err = err
			p.finishTarget(ctx, coord, &outcome)
			outcomes = append(outcomes, outcome)
			continue
		}
		if hash := rollout.PolicyHash(payload); hash != t.PolicyHash {
			outcome.Err = util.NewPipelineError(util.KindData, "rollout.apply", t.Hostname,
				fmt.Sprintf("policy drift: artifacts hash %s, planned %s", hash, t.PolicyHash))
			p.finishTarget(ctx, coord, &outcome)
			outcomes = append(outcomes, outcome)
			continue
		}

		res, err := p.Apply(ctx, ApplyOptions{Device: dev, Payload: payload, Execute: true})
		outcome.Result = res
		outcome.Err = err
		if err == nil {
			log.Infof("target applied, unchanged=%t", res.Unchanged)
		}
		p.finishTarget(ctx, coord, &outcome)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// finishTarget records the terminal transition. Bookkeeping survives a
// dead run context so claimed targets are not stranded in progress.
func (p *Pipeline) finishTarget(ctx context.Context, coord *rollout.Coordinator, outcome *TargetOutcome) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	var err error
	if outcome.Err == nil {
		err = coord.CompleteTarget(ctx, outcome.Target.ID)
	} else {
		err = coord.FailTarget(ctx, outcome.Target.ID, outcome.Err.Error())
	}
	if err != nil {
		util.WithRouter(outcome.Target.Hostname).Errorf("recording target outcome: %v", err)
	}
}

func (p *Pipeline) failRemainder(coord *rollout.Coordinator, rest []rollout.Target) []TargetOutcome {
	outcomes := make([]TargetOutcome, 0, len(rest))
	for _, t := range rest {
		outcome := TargetOutcome{
			Target: t,
			Err: util.NewPipelineError(util.KindTimeout, "rollout.apply", t.Hostname,
				"cancelled before apply"),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := coord.FailTarget(ctx, t.ID, "cancelled before apply"); err != nil {
			util.WithRouter(t.Hostname).Errorf("recording cancellation: %v", err)
		}
		cancel()
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}
