package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/otto-bgp/otto-bgp/pkg/adapter"
	"github.com/otto-bgp/otto-bgp/pkg/collector"
	"github.com/otto-bgp/otto-bgp/pkg/discovery"
	"github.com/otto-bgp/otto-bgp/pkg/generator"
	"github.com/otto-bgp/otto-bgp/pkg/guardrail"
	"github.com/otto-bgp/otto-bgp/pkg/inspector"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/rollout"
	"github.com/otto-bgp/otto-bgp/pkg/rpki"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// DeviceOutcome is everything one router produced during a policy run.
// Err marks a failure before generation (collection, inspection); per-AS
// generation failures live inside Results.
type DeviceOutcome struct {
	Device     model.Device
	Profile    *model.RouterProfile
	Warnings   []string
	Results    []generator.Result
	Generated  int
	Failed     int
	OutputDir  string
	Config     *adapter.RouterConfig
	Payload    string
	Assessment *guardrail.Assessment
	Err        error
}

// OK reports whether the device made it through generation with at least
// one policy.
func (o *DeviceOutcome) OK() bool {
	return o.Err == nil && o.Generated > 0
}

// Deployable reports whether the outcome may be pushed to the router:
// generated cleanly and judged safe.
func (o *DeviceOutcome) Deployable() bool {
	return o.OK() && o.Failed == 0 && o.Assessment != nil && o.Assessment.Safe
}

// PolicyReport aggregates a policy run across the batch.
type PolicyReport struct {
	Outcomes   []DeviceOutcome
	RPKIActive bool
	StartedAt  time.Time
	Duration   time.Duration
}

// Succeeded counts devices that generated at least one policy.
func (r *PolicyReport) Succeeded() int {
	n := 0
	for i := range r.Outcomes {
		if r.Outcomes[i].OK() {
			n++
		}
	}
	return n
}

// Failed counts devices that produced nothing.
func (r *PolicyReport) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// Err returns a pipeline-level error when no device succeeded. Partial
// success is success; per-device detail stays in the outcomes.
func (r *PolicyReport) Err() error {
	if len(r.Outcomes) == 0 {
		return util.NewPipelineError(util.KindValidation, "policy run", "", "no devices in batch")
	}
	if r.Succeeded() == 0 {
		return util.NewPipelineError(util.KindData, "policy run", "",
			fmt.Sprintf("all %d device(s) failed", len(r.Outcomes)))
	}
	return nil
}

// PolicyOptions tunes a policy run.
type PolicyOptions struct {
	// RecordDiscovery also refreshes the discovery store and reports
	// with what collection just learned. Requires a database.
	RecordDiscovery bool
	// WriteArtifacts writes per-router policy directories. Disabled by
	// preview paths that only want assessments.
	WriteArtifacts bool
	// RenderFormat selects the NETCONF payload rendering. Empty means
	// hierarchical.
	RenderFormat adapter.Format
}

// GeneratePolicies runs the per-device flow over the batch: collect the
// BGP configuration, inspect it into a profile, generate per-AS policies
// through the cache, annotate with RPKI state, adapt to a router-scoped
// configuration, and evaluate guardrails. Devices fail independently;
// the RPKI preflight is the only gate that stops the whole run.
func (p *Pipeline) GeneratePolicies(ctx context.Context, devices []model.Device, opts PolicyOptions) (*PolicyReport, error) {
	report := &PolicyReport{StartedAt: time.Now()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	// Fail-closed gate: a missing or stale VRP snapshot stops the run
	// before any router is touched.
	validator, err := p.RPKI(ctx)
	if err != nil {
		return nil, err
	}
	report.RPKIActive = validator != nil

	coll, err := p.Collector()
	if err != nil {
		return nil, err
	}
	gen, err := p.Generator(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := p.Guardrails()
	if err != nil {
		return nil, err
	}

	if opts.RenderFormat == "" {
		opts.RenderFormat = adapter.FormatHierarchical
	}

	var writer *generator.Writer
	if opts.WriteArtifacts {
		writer = generator.NewWriter(p.cfg.Output)
	}

	collected := coll.Collect(ctx, devices, collector.CommandBGPConfig)

	extractor := inspector.NewExtractor()
	var profiles []*model.RouterProfile

	for _, res := range collected {
		outcome := DeviceOutcome{Device: res.Device}
		if res.Err != nil {
			outcome.Err = res.Err
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		insp := extractor.InspectConfig(res.Output)
		profile := profileFrom(res.Device, insp)
		outcome.Profile = profile
		outcome.Warnings = insp.Warnings
		profiles = append(profiles, profile)

		if len(profile.ASNumbers) == 0 {
			outcome.Err = util.NewPipelineError(util.KindData, "inspect config", profile.Hostname,
				"no AS numbers discovered")
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		p.generateDevice(ctx, gen, engine, writer, validator, &outcome, opts)
		report.Outcomes = append(report.Outcomes, outcome)
	}

	if opts.RecordDiscovery && len(profiles) > 0 {
		recorder, err := p.Discovery(ctx)
		if err != nil {
			return report, err
		}
		if _, err := recorder.Record(ctx, profiles); err != nil {
			return report, err
		}
	}

	return report, nil
}

// generateDevice runs generation through guardrails for one profiled
// router, mutating the outcome as stages complete.
func (p *Pipeline) generateDevice(ctx context.Context, gen *generator.Generator, engine *guardrail.Engine, writer *generator.Writer, validator *rpki.Validator, outcome *DeviceOutcome, opts PolicyOptions) {
	profile := outcome.Profile
	log := util.WithRouter(profile.Hostname)

	targets := make([]generator.Target, len(profile.ASNumbers))
	for i, as := range profile.ASNumbers {
		targets[i] = generator.TargetAS(as)
	}

	batch, err := gen.GenerateBatch(ctx, targets)
	if err != nil {
		outcome.Err = err
		return
	}
	outcome.Results = batch.Results
	outcome.Generated = batch.Succeeded
	outcome.Failed = batch.Failed
	if !batch.OK() {
		outcome.Err = util.NewPipelineError(util.KindData, "generate policies", profile.Hostname,
			fmt.Sprintf("all %d target(s) failed", len(targets)))
		return
	}

	if writer != nil {
		dir, err := writer.WriteRouter(profile.Hostname, batch.Results)
		if err != nil {
			outcome.Err = err
			return
		}
		outcome.OutputDir = dir
	}

	rc, err := adapter.Adapt(profile, batch.Results)
	if err != nil {
		outcome.Err = err
		return
	}
	outcome.Config = rc

	payload, err := rc.Render(opts.RenderFormat)
	if err != nil {
		outcome.Err = err
		return
	}
	outcome.Payload = payload

	cs, err := p.changeSet(ctx, profile, batch.Results, validator)
	if err != nil {
		outcome.Err = err
		return
	}
	assessment := engine.Evaluate(cs)
	outcome.Assessment = &assessment

	log.Infof("policies generated: %d ok, %d failed, risk=%s safe=%t",
		batch.Succeeded, batch.Failed, assessment.RiskLevel, assessment.Safe)
}

// changeSet assembles the guardrail view of a candidate change,
// revalidating prefixes so rules see per-AS RPKI results.
func (p *Pipeline) changeSet(ctx context.Context, profile *model.RouterProfile, results []generator.Result, validator *rpki.Validator) (*guardrail.ChangeSet, error) {
	cs := &guardrail.ChangeSet{
		Hostname: profile.Hostname,
		Profile:  profile,
	}
	for _, res := range results {
		if res.Err != nil {
			continue
		}
		change := guardrail.PolicyChange{
			ASNumber: res.Target.ASN,
			ListName: res.Target.ListName(),
			Prefixes: res.Prefixes,
		}
		if validator != nil && res.Target.ASN > 0 {
			checked, err := validator.CheckAS(ctx, res.Target.ASN, res.Prefixes)
			if err != nil {
				return nil, err
			}
			change.RPKI = checked
		}
		cs.Policies = append(cs.Policies, change)
	}
	return cs, nil
}

func profileFrom(dev model.Device, insp inspector.Inspection) *model.RouterProfile {
	profile := &model.RouterProfile{
		Hostname: dev.Hostname,
		Address:  dev.Address,
		Metadata: model.ProfileMetadata{
			CollectedAt: time.Now().UTC(),
			Role:        dev.Role,
			Region:      dev.Region,
		},
	}
	for group, members := range insp.Groups {
		for _, as := range members {
			profile.AddGroupAS(group, as)
		}
	}
	for _, as := range insp.ASNumbers {
		profile.AddAS(as)
	}
	return profile
}

// DiscoverReport summarizes a discovery run.
type DiscoverReport struct {
	Profiles  []*model.RouterProfile
	Failures  []collector.Result
	Warnings  []string
	Diff      discovery.Diff
	StartedAt time.Time
	Duration  time.Duration
}

// Discover collects the BGP configuration from every device, inspects it
// into router profiles, persists them, and refreshes snapshots and
// reports. Unreachable devices are reported, not fatal.
func (p *Pipeline) Discover(ctx context.Context, devices []model.Device) (*DiscoverReport, error) {
	report := &DiscoverReport{StartedAt: time.Now()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	coll, err := p.Collector()
	if err != nil {
		return nil, err
	}
	recorder, err := p.Discovery(ctx)
	if err != nil {
		return nil, err
	}

	extractor := inspector.NewExtractor()
	for _, res := range coll.Collect(ctx, devices, collector.CommandBGPConfig) {
		if res.Err != nil {
			report.Failures = append(report.Failures, res)
			continue
		}
		insp := extractor.InspectConfig(res.Output)
		report.Warnings = append(report.Warnings, insp.Warnings...)
		report.Profiles = append(report.Profiles, profileFrom(res.Device, insp))
	}

	if len(report.Profiles) == 0 {
		return report, util.NewPipelineError(util.KindData, "discover", "",
			fmt.Sprintf("no device reachable out of %d", len(devices)))
	}

	diff, err := recorder.Record(ctx, report.Profiles)
	if err != nil {
		return report, err
	}
	report.Diff = diff
	return report, nil
}

// CollectRaw runs the legacy peer-AS command against the batch and
// returns the raw outputs for bgp.txt-style artifacts.
func (p *Pipeline) CollectRaw(ctx context.Context, devices []model.Device) ([]collector.Result, error) {
	coll, err := p.Collector()
	if err != nil {
		return nil, err
	}
	return coll.Collect(ctx, devices, collector.CommandPeerAS), nil
}

// PlanRollout turns a policy report into a staged rollout run. Devices
// that failed generation or were judged unsafe are excluded with a
// warning; an empty remainder is a validation error. The guardrail
// configuration is frozen into every stage.
func (p *Pipeline) PlanRollout(ctx context.Context, report *PolicyReport, strategy rollout.Strategy) (*rollout.Run, error) {
	engine, err := p.Guardrails()
	if err != nil {
		return nil, err
	}
	snapshot, err := engine.Snapshot()
	if err != nil {
		return nil, util.WrapError(util.KindData, "snapshot guardrails", "", err)
	}

	var devices []model.Device
	policies := make(map[string]string)
	for i := range report.Outcomes {
		o := &report.Outcomes[i]
		if !o.Deployable() {
			util.WithRouter(o.Device.Hostname).Warnf("excluded from rollout: %s", excludeReason(o))
			continue
		}
		devices = append(devices, o.Device)
		policies[o.Device.Hostname] = o.Payload
	}
	if len(devices) == 0 {
		return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", "",
			"no deployable device in batch")
	}

	coord, err := p.Coordinator(ctx)
	if err != nil {
		return nil, err
	}
	return coord.PlanRun(ctx, strategy, devices, policies, snapshot)
}

func excludeReason(o *DeviceOutcome) string {
	switch {
	case o.Err != nil:
		return o.Err.Error()
	case o.Generated == 0:
		return "nothing generated"
	case o.Failed > 0:
		return fmt.Sprintf("%d generation failure(s)", o.Failed)
	case o.Assessment == nil:
		return "no guardrail assessment"
	default:
		return "guardrails judged the change unsafe"
	}
}
