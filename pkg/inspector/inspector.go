// Package inspector extracts AS numbers and BGP group membership from
// Juniper configuration text collected over SSH.
package inspector

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Pattern selects which token shape the extractor looks for.
type Pattern int

const (
	// PatternPeerAS matches "peer-as <n>" statements.
	PatternPeerAS Pattern = iota
	// PatternASToken matches bare "AS<n>" tokens.
	PatternASToken
	// PatternAutonomousSystem matches "autonomous-system <n>" statements.
	PatternAutonomousSystem
	// PatternAll runs every recognizer.
	PatternAll
)

var (
	peerASRe     = regexp.MustCompile(`\bpeer-as\s+(\d+)\b`)
	asTokenRe    = regexp.MustCompile(`\bAS(\d+)\b`)
	autonomousRe = regexp.MustCompile(`\bautonomous-system\s+(\d+)\b`)
	groupOpenRe  = regexp.MustCompile(`^\s*group\s+(\S+)\s*\{`)
)

// Extractor validates candidate AS numbers against a configured range and,
// in strict mode, flags well-known reserved values.
type Extractor struct {
	MinAS  int64
	MaxAS  int64
	Strict bool
}

// NewExtractor returns an extractor with the default range [256, 2^32-1].
// The low cutoff filters IPv4-octet noise that bare-token scans pick up.
func NewExtractor() *Extractor {
	return &Extractor{MinAS: 256, MaxAS: util.MaxASN}
}

// ExtractResult is the outcome of a text scan: the AS set plus warnings for
// values that were seen and rejected or flagged.
type ExtractResult struct {
	ASNumbers []int64
	Warnings  []string
}

// Extract scans text for AS numbers matching the given pattern. The result
// set is sorted and duplicate-free.
func (e *Extractor) Extract(text string, pattern Pattern) ExtractResult {
	var res ExtractResult
	seen := make(map[int64]bool)

	collect := func(re *regexp.Regexp, context string) {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				// Digits too large for int64 are far outside the AS range.
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s value %q overflows", context, m[1]))
				continue
			}
			ok, warning := e.validate(n, context)
			if warning != "" {
				res.Warnings = append(res.Warnings, warning)
			}
			if ok && !seen[n] {
				seen[n] = true
				res.ASNumbers = append(res.ASNumbers, n)
			}
		}
	}

	switch pattern {
	case PatternPeerAS:
		collect(peerASRe, "peer-as")
	case PatternASToken:
		collect(asTokenRe, "AS token")
	case PatternAutonomousSystem:
		collect(autonomousRe, "autonomous-system")
	case PatternAll:
		collect(peerASRe, "peer-as")
		collect(asTokenRe, "AS token")
		collect(autonomousRe, "autonomous-system")
	}

	sort.Slice(res.ASNumbers, func(i, j int) bool { return res.ASNumbers[i] < res.ASNumbers[j] })
	return res
}

// validate applies the range check and, in strict mode, the reserved-value
// screens. Returns whether the value is accepted and an optional warning.
func (e *Extractor) validate(n int64, context string) (bool, string) {
	if n < e.MinAS || n > e.MaxAS {
		if n >= 0 && n < 256 && context == "AS token" {
			return false, fmt.Sprintf("AS%d looks like an IPv4 octet, ignored", n)
		}
		return false, fmt.Sprintf("%s %d outside range [%d, %d]", context, n, e.MinAS, e.MaxAS)
	}
	if !e.Strict {
		return true, ""
	}
	switch n {
	case util.ASReservedZero:
		return false, "AS0 is reserved (RFC 7607), ignored"
	case util.ASTrans:
		return true, "AS23456 is AS_TRANS; a 4-byte peer is hiding behind it"
	case util.ASReservedMax:
		return false, "AS4294967295 is reserved, ignored"
	}
	return true, ""
}

// Inspection is the full discovery result for one router configuration.
type Inspection struct {
	ASNumbers []int64
	// Groups maps BGP group name to its member AS numbers in the order
	// they appear in the configuration.
	Groups   map[string][]int64
	Warnings []string
}

// InspectConfig parses the output of "show configuration protocols bgp",
// building group membership from group blocks and the union AS set. Every
// grouped AS also appears in the AS set, preserving the profile invariant.
func (e *Extractor) InspectConfig(text string) Inspection {
	insp := Inspection{Groups: make(map[string][]int64)}
	seen := make(map[int64]bool)
	inGroup := make(map[string]map[int64]bool)

	// Track the enclosing group block by brace depth. Juniper renders one
	// statement per line, so line-wise depth accounting is sufficient.
	depth := 0
	groupName := ""
	groupDepth := -1

	add := func(n int64, context string) {
		ok, warning := e.validate(n, context)
		if warning != "" {
			insp.Warnings = append(insp.Warnings, warning)
		}
		if !ok {
			return
		}
		if groupName != "" {
			if inGroup[groupName] == nil {
				inGroup[groupName] = make(map[int64]bool)
			}
			if !inGroup[groupName][n] {
				inGroup[groupName][n] = true
				insp.Groups[groupName] = append(insp.Groups[groupName], n)
			}
		}
		if !seen[n] {
			seen[n] = true
			insp.ASNumbers = append(insp.ASNumbers, n)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if m := groupOpenRe.FindStringSubmatch(line); m != nil && groupName == "" {
			groupName = m[1]
			groupDepth = depth
		}

		for _, m := range peerASRe.FindAllStringSubmatch(line, -1) {
			if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				add(n, "peer-as")
			}
		}
		for _, m := range autonomousRe.FindAllStringSubmatch(line, -1) {
			if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				add(n, "autonomous-system")
			}
		}

		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if groupName != "" && depth <= groupDepth {
			groupName = ""
			groupDepth = -1
		}
	}

	sort.Slice(insp.ASNumbers, func(i, j int) bool { return insp.ASNumbers[i] < insp.ASNumbers[j] })
	return insp
}
