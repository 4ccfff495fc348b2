// Package guardrail evaluates candidate policy changes against a set of
// pluggable safety rules and decides whether a change may be applied
// without operator confirmation.
package guardrail

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/rpki"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Strictness tunes how aggressively a rule escalates findings.
type Strictness int

const (
	StrictnessLow Strictness = iota
	StrictnessMedium
	StrictnessHigh
	StrictnessStrict
)

var strictnessNames = map[Strictness]string{
	StrictnessLow:    "low",
	StrictnessMedium: "medium",
	StrictnessHigh:   "high",
	StrictnessStrict: "strict",
}

func (s Strictness) String() string {
	if name, ok := strictnessNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strictness(%d)", int(s))
}

// ParseStrictness maps a config string onto a Strictness level.
func ParseStrictness(s string) (Strictness, error) {
	for level, name := range strictnessNames {
		if name == s {
			return level, nil
		}
	}
	return StrictnessLow, util.NewPipelineError(util.KindConfiguration,
		"parse strictness", s, "must be one of low, medium, high, strict")
}

// RiskLevel is the aggregate danger estimate for a change set.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = map[RiskLevel]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (r RiskLevel) String() string {
	if name, ok := riskNames[r]; ok {
		return name
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for level, n := range riskNames {
		if n == name {
			*r = level
			return nil
		}
	}
	return fmt.Errorf("unknown risk level %q", name)
}

// PolicyChange is one per-AS prefix list inside a candidate change,
// together with RPKI results when validation ran.
type PolicyChange struct {
	ASNumber int64
	ListName string
	Prefixes []string
	RPKI     []rpki.Result
}

// ChangeSet is everything the rules see about one router's candidate
// change. Profile may be nil when the change was built without discovery.
type ChangeSet struct {
	Hostname string
	Profile  *model.RouterProfile
	Policies []PolicyChange
}

// Context carries engine configuration into rule evaluation. Rules are
// pure functions over (ChangeSet, Context).
type Context struct {
	Strictness  Strictness
	RPKIEnabled bool
	Thresholds  *Thresholds
}

// Issue is a single finding reported by a rule.
type Issue struct {
	Rule     string    `json:"rule"`
	Severity RiskLevel `json:"severity"`
	ASNumber int64     `json:"as_number,omitempty"`
	Message  string    `json:"message"`
}

// Verdict is the outcome of one rule over one change set.
type Verdict struct {
	Rule   string    `json:"rule"`
	OK     bool      `json:"ok"`
	Risk   RiskLevel `json:"risk"`
	Issues []Issue   `json:"issues,omitempty"`
}

// Rule is a pluggable safety check.
type Rule interface {
	Name() string
	Strictness() Strictness
	Mandatory() bool
	Evaluate(cs *ChangeSet, rctx *Context) Verdict
}

// Registry holds the known rules. Built-ins register at engine
// construction; callers add variants with Register.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds a rule. A duplicate name is a configuration error.
func (r *Registry) Register(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.Name()]; exists {
		return util.WrapError(util.KindConfiguration, "register guardrail", rule.Name(),
			util.ErrAlreadyExists)
	}
	r.rules[rule.Name()] = rule
	return nil
}

func (r *Registry) Get(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[name]
	return rule, ok
}

// Names returns the registered rule names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Assessment aggregates all verdicts for one change set.
type Assessment struct {
	Hostname  string    `json:"hostname"`
	Safe      bool      `json:"safe"`
	RiskLevel RiskLevel `json:"risk_level"`
	Issues    []Issue   `json:"issues,omitempty"`
	AutoApply bool      `json:"auto_apply"`
	Verdicts  []Verdict `json:"verdicts"`
}

// Engine runs the active rules over change sets.
type Engine struct {
	registry   *Registry
	active     []Rule
	strictness Strictness
	autonomous bool
	rpki       bool
	thresholds *Thresholds
}

// EngineOption customizes engine construction before rule selection.
type EngineOption func(*Registry) error

// WithRule registers an additional rule ahead of selection.
func WithRule(rule Rule) EngineOption {
	return func(r *Registry) error { return r.Register(rule) }
}

// NewEngine selects and configures the active rules. Unknown rule names,
// a bad strictness value, or RPKI enabled without the rpki_validation
// rule are configuration errors.
func NewEngine(cfg config.GuardrailConfig, rpkiEnabled bool, opts ...EngineOption) (*Engine, error) {
	strictness, err := ParseStrictness(cfg.Strictness)
	if err != nil {
		return nil, err
	}

	thresholds := DefaultThresholds()
	if cfg.ThresholdsFile != "" {
		thresholds, err = LoadThresholds(cfg.ThresholdsFile)
		if err != nil {
			return nil, err
		}
	}

	registry := NewRegistry()
	for _, rule := range builtinRules(strictness, rpkiEnabled) {
		if err := registry.Register(rule); err != nil {
			return nil, err
		}
	}
	for _, opt := range opts {
		if err := opt(registry); err != nil {
			return nil, err
		}
	}

	active := make([]Rule, 0, len(cfg.EnabledRules))
	seen := make(map[string]bool, len(cfg.EnabledRules))
	for _, name := range cfg.EnabledRules {
		if seen[name] {
			continue
		}
		seen[name] = true
		rule, ok := registry.Get(name)
		if !ok {
			return nil, util.NewPipelineError(util.KindConfiguration,
				"select guardrails", name, "unknown rule")
		}
		active = append(active, rule)
	}

	if rpkiEnabled && !seen[RuleRPKIValidation] {
		return nil, util.NewPipelineError(util.KindConfiguration,
			"select guardrails", RuleRPKIValidation,
			"rpki.enabled requires the rpki_validation rule to be active")
	}

	return &Engine{
		registry:   registry,
		active:     active,
		strictness: strictness,
		autonomous: cfg.Mode == "autonomous",
		rpki:       rpkiEnabled,
		thresholds: thresholds,
	}, nil
}

// Rules returns the active rule names in evaluation order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.active))
	for i, rule := range e.active {
		names[i] = rule.Name()
	}
	return names
}

// Evaluate runs every active rule and aggregates the verdicts. The
// change may only auto-apply when every rule passed, aggregate risk is
// low, and the engine is in autonomous mode.
func (e *Engine) Evaluate(cs *ChangeSet) Assessment {
	rctx := &Context{
		Strictness:  e.strictness,
		RPKIEnabled: e.rpki,
		Thresholds:  e.thresholds,
	}

	a := Assessment{
		Hostname:  cs.Hostname,
		Safe:      true,
		RiskLevel: RiskLow,
		Verdicts:  make([]Verdict, 0, len(e.active)),
	}
	mandatoryPassed := true

	for _, rule := range e.active {
		v := rule.Evaluate(cs, rctx)
		v.Rule = rule.Name()
		a.Verdicts = append(a.Verdicts, v)
		a.Issues = append(a.Issues, v.Issues...)
		if v.Risk > a.RiskLevel {
			a.RiskLevel = v.Risk
		}
		if !v.OK {
			a.Safe = false
			if rule.Mandatory() {
				mandatoryPassed = false
			}
			metrics.GuardrailVerdictsTotal.WithLabelValues(rule.Name(), "fail").Inc()
			util.WithRouter(cs.Hostname).Warnf("guardrail %s failed: %s", rule.Name(), issueSummary(v.Issues))
		} else {
			metrics.GuardrailVerdictsTotal.WithLabelValues(rule.Name(), "pass").Inc()
		}
	}

	a.AutoApply = a.Safe && a.RiskLevel == RiskLow && e.autonomous && mandatoryPassed
	return a
}

func issueSummary(issues []Issue) string {
	if len(issues) == 0 {
		return "no detail"
	}
	if len(issues) == 1 {
		return issues[0].Message
	}
	return fmt.Sprintf("%s (+%d more)", issues[0].Message, len(issues)-1)
}

// Snapshot is the engine configuration frozen into a rollout stage at
// plan time. Readers treat it as opaque JSON.
type Snapshot struct {
	Mode       string      `json:"mode"`
	Strictness string      `json:"strictness"`
	Rules      []string    `json:"rules"`
	Thresholds *Thresholds `json:"thresholds,omitempty"`
	CapturedAt time.Time   `json:"captured_at"`
}

// Snapshot serializes the active configuration for stage capture.
func (e *Engine) Snapshot() ([]byte, error) {
	mode := "manual"
	if e.autonomous {
		mode = "autonomous"
	}
	return json.Marshal(Snapshot{
		Mode:       mode,
		Strictness: e.strictness.String(),
		Rules:      e.Rules(),
		Thresholds: e.thresholds,
		CapturedAt: time.Now().UTC(),
	})
}
