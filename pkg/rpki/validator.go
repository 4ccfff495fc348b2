package rpki

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// State of a single origin validation.
type State string

const (
	StateValid    State = "VALID"
	StateInvalid  State = "INVALID"
	StateNotFound State = "NOTFOUND"
	StateError    State = "ERROR"
)

// Result of validating one (prefix, AS) pair.
type Result struct {
	Prefix      string `json:"prefix"`
	ASNumber    int64  `json:"as_number"`
	State       State  `json:"state"`
	Reason      string `json:"reason,omitempty"`
	Allowlisted bool   `json:"allowlisted,omitempty"`
}

// Summary aggregates results in a single pass.
type Summary struct {
	Total       int `json:"total"`
	Valid       int `json:"valid"`
	Invalid     int `json:"invalid"`
	NotFound    int `json:"not_found"`
	Errors      int `json:"errors"`
	Allowlisted int `json:"allowlisted"`
}

// OverrideSource reports whether validation is operator-disabled for an
// AS. pkg/override implements it; tests use stubs.
type OverrideSource interface {
	Disabled(ctx context.Context, asn int64) (bool, error)
}

// Allowlist holds operator-approved (prefix, AS) exceptions. A hit flips
// an INVALID result to VALID and marks it Allowlisted.
type Allowlist struct {
	entries map[allowKey]string
}

type allowKey struct {
	prefix netip.Prefix
	asn    uint32
}

// LoadAllowlist reads a YAML file of {prefix, as_number, reason} entries.
func LoadAllowlist(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, util.WrapError(util.KindConfiguration, "load rpki allowlist", path, err)
	}
	var doc struct {
		Entries []struct {
			Prefix   string `yaml:"prefix"`
			ASNumber int64  `yaml:"as_number"`
			Reason   string `yaml:"reason"`
		} `yaml:"entries"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, util.WrapError(util.KindConfiguration, "parse rpki allowlist", path, err)
	}

	a := &Allowlist{entries: make(map[allowKey]string, len(doc.Entries))}
	v := &util.ValidationBuilder{}
	for i, e := range doc.Entries {
		prefix, err := netip.ParsePrefix(e.Prefix)
		if err != nil {
			v.AddErrorf("allowlist entry %d: bad prefix %q", i, e.Prefix)
			continue
		}
		if !util.ASInRange(e.ASNumber) {
			v.AddErrorf("allowlist entry %d: AS%d out of range", i, e.ASNumber)
			continue
		}
		a.entries[allowKey{prefix.Masked(), uint32(e.ASNumber)}] = e.Reason
	}
	if err := v.Build(); err != nil {
		return nil, err
	}
	return a, nil
}

// Lookup returns the recorded reason for an allowlisted pair.
func (a *Allowlist) Lookup(prefix netip.Prefix, asn int64) (string, bool) {
	if a == nil || asn < 0 || asn > util.MaxASN {
		return "", false
	}
	reason, ok := a.entries[allowKey{prefix.Masked(), uint32(asn)}]
	return reason, ok
}

// Len returns the number of allowlist entries.
func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.entries)
}

// Validator checks prefix origins against an immutable snapshot. Workers
// only read the snapshot, so CheckAS can fan out without locks.
type Validator struct {
	snapshot  *Snapshot
	overrides OverrideSource
	allowlist *Allowlist
	workers   int
}

// Option configures a Validator.
type Option func(*Validator)

// WithOverrides wires the per-AS disable store.
func WithOverrides(src OverrideSource) Option {
	return func(v *Validator) { v.overrides = src }
}

// WithAllowlist wires operator-approved exceptions.
func WithAllowlist(a *Allowlist) Option {
	return func(v *Validator) { v.allowlist = a }
}

// WithWorkers sets the fan-out width for CheckAS.
func WithWorkers(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.workers = n
		}
	}
}

// NewValidator builds a validator over a loaded snapshot.
func NewValidator(snap *Snapshot, opts ...Option) *Validator {
	v := &Validator{snapshot: snap, workers: runtime.NumCPU()}
	for _, opt := range opts {
		opt(v)
	}
	if v.workers < 1 {
		v.workers = 1
	}
	return v
}

// Check validates a single (prefix, AS) pair. Overrides win over the
// snapshot; the allowlist only upgrades INVALID.
func (v *Validator) Check(ctx context.Context, prefix string, asn int64) Result {
	disabled := false
	if v.overrides != nil {
		d, err := v.overrides.Disabled(ctx, asn)
		if err != nil {
			util.Warnf("override lookup for AS%d failed: %v", asn, err)
		} else {
			disabled = d
		}
	}
	return v.check(prefix, asn, disabled)
}

func (v *Validator) check(prefix string, asn int64, disabled bool) Result {
	r := Result{Prefix: prefix, ASNumber: asn}

	if disabled {
		r.State = StateNotFound
		r.Reason = "override: disabled"
		metrics.RPKIResultsTotal.WithLabelValues(string(r.State)).Inc()
		return r
	}
	if !util.ASInRange(asn) {
		r.State = StateError
		r.Reason = fmt.Sprintf("AS%d out of range", asn)
		metrics.RPKIResultsTotal.WithLabelValues(string(r.State)).Inc()
		return r
	}
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		r.State = StateError
		r.Reason = fmt.Sprintf("bad prefix: %v", err)
		metrics.RPKIResultsTotal.WithLabelValues(string(r.State)).Inc()
		return r
	}
	if v.snapshot == nil {
		r.State = StateError
		r.Reason = "no VRP snapshot loaded"
		metrics.RPKIResultsTotal.WithLabelValues(string(r.State)).Inc()
		return r
	}

	r.State, r.Reason = v.walk(p, uint32(asn))

	if r.State == StateInvalid {
		if reason, ok := v.allowlist.Lookup(p, asn); ok {
			r.State = StateValid
			r.Allowlisted = true
			r.Reason = "allowlisted"
			if reason != "" {
				r.Reason = "allowlisted: " + reason
			}
		}
	}
	metrics.RPKIResultsTotal.WithLabelValues(string(r.State)).Inc()
	return r
}

// walk checks covering prefixes from most specific to the minimum ROA
// length. Any cover without an origin+maxlen match is INVALID; no cover
// at all is NOTFOUND.
func (v *Validator) walk(prefix netip.Prefix, asn uint32) (State, string) {
	roas := v.snapshot.v4
	minLen := minROALenV4
	if !prefix.Addr().Is4() {
		roas = v.snapshot.v6
		minLen = minROALenV6
	}
	if len(roas) == 0 {
		return StateNotFound, "no covering ROA"
	}

	covered := false
	addr, bits := prefix.Addr(), uint8(prefix.Bits())
	try := prefix.Bits()
	p := prefix.Masked()
	for {
		for _, e := range roas[p] {
			if e.ASN == asn && bits <= e.MaxLen {
				return StateValid, fmt.Sprintf("ROA %s-%d AS%d", p, e.MaxLen, e.ASN)
			}
			covered = true
		}
		if try <= minLen {
			break
		}
		try--
		p, _ = addr.Prefix(try)
	}

	if covered {
		return StateInvalid, "covering ROA exists with different origin or shorter maxlen"
	}
	return StateNotFound, "no covering ROA"
}

// CheckAS validates every announced prefix of one AS. Work is chunked
// across workers for large prefix sets; results come back in input order
// and duplicates are evaluated per occurrence.
func (v *Validator) CheckAS(ctx context.Context, asn int64, prefixes []string) ([]Result, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}

	disabled := false
	if v.overrides != nil {
		d, err := v.overrides.Disabled(ctx, asn)
		if err != nil {
			util.Warnf("override lookup for AS%d failed: %v", asn, err)
		} else {
			disabled = d
		}
	}

	n := len(prefixes)
	results := make([]Result, n)

	if n <= 10 {
		for i, p := range prefixes {
			results[i] = v.check(p, asn, disabled)
		}
		return results, nil
	}

	size := chunkSize(n, v.workers)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				results[i] = v.check(prefixes[i], asn, disabled)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// chunkSize balances scheduling overhead against parallelism for n
// prefixes over w workers.
func chunkSize(n, w int) int {
	if w < 1 {
		w = 1
	}
	switch {
	case n <= 50:
		return max(3, n/(4*w))
	case n <= 500:
		return max(10, n/(2*w))
	default:
		return max(25, n/(3*w))
	}
}

// Summarize aggregates results in one pass.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.State {
		case StateValid:
			s.Valid++
		case StateInvalid:
			s.Invalid++
		case StateNotFound:
			s.NotFound++
		default:
			s.Errors++
		}
		if r.Allowlisted {
			s.Allowlisted++
		}
	}
	return s
}
