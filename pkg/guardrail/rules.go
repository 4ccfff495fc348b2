package guardrail

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/rpki"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Built-in rule names, usable in guardrails.enabled_rules.
const (
	RulePrefixCount    = "prefix_count"
	RuleBogonCheck     = "bogon_check"
	RuleRPKIValidation = "rpki_validation"
	RuleSessionImpact  = "session_impact"
)

// Session-impact bands. Below warn the estimate contributes no risk.
const (
	sessionImpactWarn = 10
	sessionImpactHigh = 50
)

func builtinRules(strictness Strictness, rpkiEnabled bool) []Rule {
	return []Rule{
		NewPrefixCountRule(strictness),
		NewBogonRule(strictness),
		NewRPKIRule(strictness, rpkiEnabled),
		NewSessionImpactRule(strictness),
	}
}

type baseRule struct {
	name       string
	strictness Strictness
	mandatory  bool
}

func (b baseRule) Name() string           { return b.name }
func (b baseRule) Strictness() Strictness { return b.strictness }
func (b baseRule) Mandatory() bool        { return b.mandatory }

// Thresholds bound acceptable per-AS prefix counts. PerAS entries
// override the global maximum for individual AS numbers.
type Thresholds struct {
	MaxPrefixes int           `yaml:"max_prefixes" json:"max_prefixes"`
	MinPrefixes int           `yaml:"min_prefixes" json:"min_prefixes"`
	PerAS       map[int64]int `yaml:"per_as,omitempty" json:"per_as,omitempty"`
}

func DefaultThresholds() *Thresholds {
	return &Thresholds{MaxPrefixes: 100000, MinPrefixes: 1}
}

// LoadThresholds reads a YAML thresholds file. Unset fields keep their
// defaults.
func LoadThresholds(path string) (*Thresholds, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, util.WrapError(util.KindConfiguration, "load thresholds", path, err)
	}
	t := DefaultThresholds()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, util.WrapError(util.KindConfiguration, "parse thresholds", path, err)
	}

	v := &util.ValidationBuilder{}
	v.Add(t.MaxPrefixes > 0, "max_prefixes must be positive")
	v.Add(t.MinPrefixes >= 0, "min_prefixes must not be negative")
	for as, limit := range t.PerAS {
		if !util.ASInRange(as) {
			v.AddErrorf("per_as key %d out of AS range", as)
		}
		if limit <= 0 {
			v.AddErrorf("per_as limit for AS%d must be positive", as)
		}
	}
	if err := v.Build(); err != nil {
		return nil, util.WrapError(util.KindConfiguration, "validate thresholds", path, err)
	}
	return t, nil
}

// MaxFor returns the prefix-count ceiling for an AS.
func (t *Thresholds) MaxFor(as int64) int {
	if limit, ok := t.PerAS[as]; ok {
		return limit
	}
	return t.MaxPrefixes
}

// PrefixCountRule rejects prefix lists outside the configured bounds. An
// empty list is the dangerous case: loading it would blank the filter it
// replaces.
type PrefixCountRule struct{ baseRule }

func NewPrefixCountRule(strictness Strictness) *PrefixCountRule {
	return &PrefixCountRule{baseRule{name: RulePrefixCount, strictness: strictness}}
}

func (r *PrefixCountRule) Evaluate(cs *ChangeSet, rctx *Context) Verdict {
	v := Verdict{OK: true, Risk: RiskLow}
	for _, pc := range cs.Policies {
		count := len(pc.Prefixes)
		limit := rctx.Thresholds.MaxFor(pc.ASNumber)
		switch {
		case count < rctx.Thresholds.MinPrefixes:
			risk := RiskHigh
			if r.strictness >= StrictnessStrict {
				risk = RiskCritical
			}
			v.fail(risk, Issue{
				Rule: r.name, Severity: risk, ASNumber: pc.ASNumber,
				Message: fmt.Sprintf("AS%d: %d prefixes is below minimum %d; applying would blank %s",
					pc.ASNumber, count, rctx.Thresholds.MinPrefixes, pc.ListName),
			})
		case count > limit:
			risk := RiskMedium
			if r.strictness >= StrictnessHigh {
				risk = RiskHigh
			}
			v.fail(risk, Issue{
				Rule: r.name, Severity: risk, ASNumber: pc.ASNumber,
				Message: fmt.Sprintf("AS%d: %d prefixes exceeds threshold %d", pc.ASNumber, count, limit),
			})
		}
	}
	return v
}

// bogons never appear in legitimate IRR data. Documentation space is
// deliberately absent: lab fixtures announce it.
var bogons = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// BogonRule rejects candidate prefixes overlapping reserved space.
type BogonRule struct{ baseRule }

func NewBogonRule(strictness Strictness) *BogonRule {
	return &BogonRule{baseRule{name: RuleBogonCheck, strictness: strictness}}
}

func (r *BogonRule) Evaluate(cs *ChangeSet, _ *Context) Verdict {
	v := Verdict{OK: true, Risk: RiskLow}
	hitRisk := RiskHigh
	if r.strictness >= StrictnessStrict {
		hitRisk = RiskCritical
	}
	for _, pc := range cs.Policies {
		for _, raw := range pc.Prefixes {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				v.fail(RiskMedium, Issue{
					Rule: r.name, Severity: RiskMedium, ASNumber: pc.ASNumber,
					Message: fmt.Sprintf("AS%d: unparseable prefix %q", pc.ASNumber, raw),
				})
				continue
			}
			for _, bogon := range bogons {
				if p.Overlaps(bogon) {
					v.fail(hitRisk, Issue{
						Rule: r.name, Severity: hitRisk, ASNumber: pc.ASNumber,
						Message: fmt.Sprintf("AS%d: %s overlaps bogon %s", pc.ASNumber, p, bogon),
					})
					break
				}
			}
		}
	}
	return v
}

// RPKIRule enforces origin validation outcomes. It is mandatory whenever
// RPKI is enabled, and a change carrying no validation results at all
// fails closed.
type RPKIRule struct{ baseRule }

func NewRPKIRule(strictness Strictness, rpkiEnabled bool) *RPKIRule {
	return &RPKIRule{baseRule{name: RuleRPKIValidation, strictness: strictness, mandatory: rpkiEnabled}}
}

func (r *RPKIRule) Evaluate(cs *ChangeSet, rctx *Context) Verdict {
	v := Verdict{OK: true, Risk: RiskLow}
	if !rctx.RPKIEnabled {
		return v
	}

	invalidRisk := RiskHigh
	if r.strictness >= StrictnessStrict {
		invalidRisk = RiskCritical
	}

	validated := false
	for _, pc := range cs.Policies {
		if len(pc.RPKI) == 0 {
			continue
		}
		validated = true
		sum := rpki.Summarize(pc.RPKI)
		if sum.Invalid > 0 {
			v.fail(invalidRisk, Issue{
				Rule: r.name, Severity: invalidRisk, ASNumber: pc.ASNumber,
				Message: fmt.Sprintf("AS%d: %d RPKI-invalid prefixes without allowlist cover", pc.ASNumber, sum.Invalid),
			})
		}
		if sum.Errors > 0 {
			risk := RiskMedium
			issue := Issue{
				Rule: r.name, Severity: risk, ASNumber: pc.ASNumber,
				Message: fmt.Sprintf("AS%d: %d prefixes failed RPKI evaluation", pc.ASNumber, sum.Errors),
			}
			if r.strictness >= StrictnessStrict {
				v.fail(risk, issue)
			} else {
				v.warn(risk, issue)
			}
		}
	}

	if !validated && len(cs.Policies) > 0 {
		v.fail(RiskHigh, Issue{
			Rule: r.name, Severity: RiskHigh,
			Message: "RPKI enabled but change carries no validation results",
		})
	}
	return v
}

// SessionImpactRule estimates how many BGP sessions the change touches.
// It only contributes risk; wide changes should roll out in stages, not
// be refused.
type SessionImpactRule struct{ baseRule }

func NewSessionImpactRule(strictness Strictness) *SessionImpactRule {
	return &SessionImpactRule{baseRule{name: RuleSessionImpact, strictness: strictness}}
}

func (r *SessionImpactRule) Evaluate(cs *ChangeSet, _ *Context) Verdict {
	v := Verdict{OK: true, Risk: RiskLow}

	sessions := 0
	for _, pc := range cs.Policies {
		sessions += sessionsForAS(cs.Profile, pc.ASNumber)
	}

	switch {
	case sessions > sessionImpactHigh:
		v.Risk = RiskHigh
	case sessions > sessionImpactWarn:
		v.Risk = RiskMedium
	default:
		return v
	}
	v.Issues = append(v.Issues, Issue{
		Rule: r.name, Severity: v.Risk,
		Message: fmt.Sprintf("change touches an estimated %d BGP sessions on %s", sessions, cs.Hostname),
	})
	return v
}

// sessionsForAS counts group memberships as a session proxy. Without a
// profile each policy is assumed to touch one session.
func sessionsForAS(profile *model.RouterProfile, as int64) int {
	if profile == nil {
		return 1
	}
	sessions := 0
	for _, members := range profile.BGPGroups {
		for _, member := range members {
			if member == as {
				sessions++
			}
		}
	}
	if sessions == 0 && profile.HasAS(as) {
		sessions = 1
	}
	return sessions
}

func (v *Verdict) fail(risk RiskLevel, issue Issue) {
	v.OK = false
	v.warn(risk, issue)
}

func (v *Verdict) warn(risk RiskLevel, issue Issue) {
	if risk > v.Risk {
		v.Risk = risk
	}
	v.Issues = append(v.Issues, issue)
}
