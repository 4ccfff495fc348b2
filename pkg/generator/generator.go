// Package generator wraps bgpq4 to produce Juniper prefix-list policies
// for AS numbers and AS-SETs. Results flow through the policy cache, and
// every input that reaches the subprocess argv is validated first: this
// package is the command-injection boundary for IRR data.
package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otto-bgp/otto-bgp/pkg/cache"
	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

var (
	policyNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	asSetRe      = regexp.MustCompile(`^AS[A-Z0-9_:-]{1,61}$`)
	digitsOnlyRe = regexp.MustCompile(`^[0-9]+$`)

	prefixLineRe  = regexp.MustCompile(`(?m)^\s*([0-9A-Fa-f:.]+/[0-9]{1,3})\s*;`)
	routeFilterRe = regexp.MustCompile(`route-filter\s+([0-9A-Fa-f:.]+/[0-9]{1,3})`)
)

// Target names one generation unit: a plain AS number or an AS-SET,
// optionally with an explicit prefix-list name.
type Target struct {
	ASN        int64  `json:"asn,omitempty"`
	ASSet      string `json:"as_set,omitempty"`
	PolicyName string `json:"policy_name,omitempty"`
}

// TargetAS builds a plain AS target.
func TargetAS(asn int64) Target { return Target{ASN: asn} }

// TargetSet builds an AS-SET target; the set name is uppercased.
func TargetSet(set string) Target {
	return Target{ASSet: strings.ToUpper(strings.TrimSpace(set))}
}

// Resource returns the bgpq4 query argument.
func (t Target) Resource() string {
	if t.ASSet != "" {
		return t.ASSet
	}
	return fmt.Sprintf("AS%d", t.ASN)
}

// ListName returns the prefix-list name the policy is emitted under.
func (t Target) ListName() string {
	if t.PolicyName != "" {
		return t.PolicyName
	}
	return t.Resource()
}

// CacheKey returns the canonical cache fingerprint.
func (t Target) CacheKey() string {
	if t.ASSet != "" {
		return cache.FingerprintSet(t.ASSet, t.PolicyName)
	}
	return cache.FingerprintAS(t.ASN, t.PolicyName)
}

// Validate enforces the injection boundary: AS numbers in range, AS-SET
// restricted to the IRR object charset, policy names to [A-Za-z0-9_-].
func (t Target) Validate() error {
	v := &util.ValidationBuilder{}
	switch {
	case t.ASSet == "" && t.ASN == 0:
		v.AddError("target has neither AS number nor AS-SET")
	case t.ASSet != "" && t.ASN != 0:
		v.AddError("target has both AS number and AS-SET")
	case t.ASSet != "":
		if !asSetRe.MatchString(t.ASSet) || digitsOnlyRe.MatchString(t.ASSet[2:]) {
			v.AddErrorf("AS-SET %q is not a valid IRR set name", t.ASSet)
		}
	default:
		v.Add(util.ASInRange(t.ASN), fmt.Sprintf("AS%d out of range", t.ASN))
	}
	if t.PolicyName != "" && !policyNameRe.MatchString(t.PolicyName) {
		v.AddErrorf("policy name %q must match [A-Za-z0-9_-] and be at most 64 characters", t.PolicyName)
	}
	return v.Build()
}

// Result is the outcome for one target. Err is set on per-item failure;
// batch callers decide what to do with partial success.
type Result struct {
	Target      Target        `json:"target"`
	Text        string        `json:"-"`
	Prefixes    []string      `json:"-"`
	PrefixCount int           `json:"prefix_count"`
	Cached      bool          `json:"cached"`
	Duration    time.Duration `json:"duration_ns"`
	Err         error         `json:"-"`
}

// BatchResult aggregates a batch run.
type BatchResult struct {
	Results   []Result
	Succeeded int
	Failed    int
}

// OK reports batch success: at least one target generated.
func (b BatchResult) OK() bool { return b.Succeeded > 0 }

// Annotator rewrites policy text before it is returned, e.g. prepending
// per-AS RPKI validation state. Annotation output is never cached.
type Annotator interface {
	Annotate(ctx context.Context, target Target, text string, prefixes []string) (string, error)
}

// commandRunner executes argv and returns stdout, stderr. Swapped in tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Generator runs bgpq4 with caching and optional annotation.
type Generator struct {
	cfg       config.BGPq4Config
	cache     cache.Store
	ttlHours  int
	irrHost   string
	annotator Annotator
	run       commandRunner
}

// GenOption configures a Generator.
type GenOption func(*Generator)

// WithCache wires the policy cache.
func WithCache(store cache.Store, ttlHours int) GenOption {
	return func(g *Generator) {
		g.cache = store
		g.ttlHours = ttlHours
	}
}

// WithIRRHost overrides the IRR server address, typically with an SSH
// tunnel loopback like 127.0.0.1:43001.
func WithIRRHost(addr string) GenOption {
	return func(g *Generator) { g.irrHost = addr }
}

// WithAnnotator wires post-generation annotation.
func WithAnnotator(a Annotator) GenOption {
	return func(g *Generator) { g.annotator = a }
}

// New builds a generator from bgpq4 settings.
func New(cfg config.BGPq4Config, opts ...GenOption) *Generator {
	g := &Generator{cfg: cfg, irrHost: cfg.IRRServer, run: runCommand}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// argv builds the bgpq4 argument vector with explicit flags. Arguments
// are passed as a vector, never through a shell.
func (g *Generator) argv(t Target, family int) []string {
	args := []string{"-J"}
	if family == 6 {
		args = append(args, "-6")
	} else {
		args = append(args, "-4")
	}
	list := t.ListName()
	if family == 6 {
		list += "_v6"
	}
	args = append(args, "-l", list)
	if g.irrHost != "" {
		args = append(args, "-h", g.irrHost)
	}
	return append(args, t.Resource())
}

// Generate produces the policy for one target: cache first, bgpq4 on
// miss, cache write on success, annotation last.
func (g *Generator) Generate(ctx context.Context, t Target) Result {
	res := Result{Target: t}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if err := t.Validate(); err != nil {
		res.Err = err
		return res
	}

	key := t.CacheKey()
	if g.cache != nil {
		if entry, ok, err := g.cache.Get(ctx, key); err != nil {
			util.Warnf("cache read for %s failed: %v", key, err)
		} else if ok {
			res.Text = entry.RawOutput
			res.Prefixes = entry.Prefixes
			res.PrefixCount = entry.PrefixCount
			res.Cached = true
			return g.annotate(ctx, res)
		}
	}

	text, err := g.invoke(ctx, t)
	if err != nil {
		res.Err = err
		return res
	}
	res.Text = text
	res.Prefixes = ExtractPrefixes(text)
	res.PrefixCount = len(res.Prefixes)

	if g.cache != nil {
		entry := &cache.Entry{
			Key:         key,
			Prefixes:    res.Prefixes,
			PrefixCount: res.PrefixCount,
			RawOutput:   text,
			TTLHours:    g.ttlHours,
			FetchedAt:   time.Now(),
		}
		if t.ASSet != "" {
			entry.Resource = t.ASSet
		} else {
			entry.ASNumber = t.ASN
		}
		if err := g.cache.Put(ctx, entry); err != nil {
			util.Warnf("cache write for %s failed: %v", key, err)
		}
	}

	return g.annotate(ctx, res)
}

func (g *Generator) annotate(ctx context.Context, res Result) Result {
	if g.annotator == nil || res.Err != nil {
		return res
	}
	text, err := g.annotator.Annotate(ctx, res.Target, res.Text, res.Prefixes)
	if err != nil {
		res.Err = err
		return res
	}
	res.Text = text
	return res
}

// invoke runs bgpq4 once per enabled address family under the process
// timeout and concatenates the outputs.
func (g *Generator) invoke(ctx context.Context, t Target) (string, error) {
	families := g.families()
	var out strings.Builder
	for i, family := range families {
		timeout := config.CurrentTimeouts().Process
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		args := g.argv(t, family)

		start := time.Now()
		stdout, stderr, err := g.run(runCtx, g.cfg.Command, args...)
		elapsed := time.Since(start)
		cancel()
		metrics.BGPq4Duration.Observe(elapsed.Seconds())

		if err != nil {
			metrics.BGPq4InvocationsTotal.WithLabelValues("error").Inc()
			detail := strings.TrimSpace(string(stderr))
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return "", util.WrapError(util.KindTimeout, "bgpq4", t.Resource(),
					fmt.Errorf("timed out after %s", timeout))
			}
			if detail != "" {
				return "", util.NewPipelineError(util.KindData, "bgpq4", t.Resource(), detail)
			}
			return "", util.WrapError(util.KindData, "bgpq4", t.Resource(), err)
		}
		metrics.BGPq4InvocationsTotal.WithLabelValues("success").Inc()

		if i > 0 {
			out.WriteString("\n")
		}
		out.Write(stdout)
	}
	return out.String(), nil
}

func (g *Generator) families() []int {
	var families []int
	if g.cfg.IPv4 {
		families = append(families, 4)
	}
	if g.cfg.IPv6 {
		families = append(families, 6)
	}
	if len(families) == 0 {
		families = []int{4}
	}
	return families
}

// GenerateBatch runs targets through a bounded worker pool, capturing
// per-item failures. The batch is OK when at least one target succeeds;
// only cancellation fails it outright.
func (g *Generator) GenerateBatch(ctx context.Context, targets []Target) (BatchResult, error) {
	batch := BatchResult{Results: make([]Result, len(targets))}
	if len(targets) == 0 {
		return batch, nil
	}

	workers := g.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, t := range targets {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				batch.Results[i] = Result{Target: t, Err: err}
				return err
			}
			batch.Results[i] = g.Generate(egCtx, t)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return batch, err
	}

	for _, r := range batch.Results {
		if r.Err != nil {
			batch.Failed++
			util.Warnf("policy generation failed for %s: %v", r.Target.Resource(), r.Err)
		} else {
			batch.Succeeded++
		}
	}
	return batch, nil
}

// ExtractPrefixes pulls CIDR entries out of bgpq4 Juniper output, both
// prefix-list bodies and route-filter statements.
func ExtractPrefixes(text string) []string {
	var prefixes []string
	for _, m := range prefixLineRe.FindAllStringSubmatch(text, -1) {
		prefixes = append(prefixes, m[1])
	}
	for _, m := range routeFilterRe.FindAllStringSubmatch(text, -1) {
		prefixes = append(prefixes, m[1])
	}
	return prefixes
}
