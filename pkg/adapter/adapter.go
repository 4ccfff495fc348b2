// Package adapter composes per-AS policy fragments into one router-scoped
// configuration. Prefix lists are grouped by destination list name and
// deduplicated on their textual form; prefixes that differ only in CIDR
// spelling are kept distinct.
package adapter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/otto-bgp/otto-bgp/pkg/generator"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Format selects a rendering of the adapted configuration.
type Format string

const (
	FormatHierarchical Format = "hierarchical"
	FormatSet          Format = "set"
	FormatSectioned    Format = "sectioned"
)

// PrefixList is one named list after grouping and deduplication.
type PrefixList struct {
	Name     string   `json:"name"`
	ASNumber int64    `json:"as_number,omitempty"`
	Prefixes []string `json:"prefixes"`
}

// RouterConfig is the adapted, router-scoped artifact.
type RouterConfig struct {
	Hostname    string       `json:"hostname"`
	Lists       []PrefixList `json:"lists"`
	GeneratedAt time.Time    `json:"generated_at"`
}

var listBlockRe = regexp.MustCompile(`(?ms)prefix-list\s+(\S+)\s+\{(.*?)\}`)

// Adapt groups the generated policies by prefix-list name and merges them
// into a single configuration for the profile's router. Failed results
// are skipped; an input yielding no lists at all is a data error.
func Adapt(profile *model.RouterProfile, results []generator.Result) (*RouterConfig, error) {
	if profile == nil || profile.Hostname == "" {
		return nil, util.NewPipelineError(util.KindValidation, "adapt policies", "",
			"router profile with hostname is required")
	}

	rc := &RouterConfig{Hostname: profile.Hostname, GeneratedAt: time.Now().UTC()}
	index := make(map[string]int)

	for _, r := range results {
		if r.Err != nil || r.Text == "" {
			continue
		}
		blocks := listBlockRe.FindAllStringSubmatch(r.Text, -1)
		if len(blocks) == 0 {
			util.WithRouter(profile.Hostname).Warnf("no prefix-list blocks in policy for %s", r.Target.Resource())
			continue
		}
		for _, block := range blocks {
			name, body := block[1], block[2]
			i, ok := index[name]
			if !ok {
				i = len(rc.Lists)
				index[name] = i
				rc.Lists = append(rc.Lists, PrefixList{Name: name, ASNumber: r.Target.ASN})
			}
			merge(&rc.Lists[i], body)
		}
	}

	if len(rc.Lists) == 0 {
		return nil, util.NewPipelineError(util.KindData, "adapt policies", profile.Hostname,
			"no prefix lists found in generated policies")
	}
	return rc, nil
}

// merge appends the prefixes of one block, keeping first-seen order and
// dropping textual duplicates.
func merge(list *PrefixList, body string) {
	seen := make(map[string]bool, len(list.Prefixes))
	for _, p := range list.Prefixes {
		seen[p] = true
	}
	for _, p := range generator.ExtractPrefixes(body) {
		if seen[p] {
			continue
		}
		seen[p] = true
		list.Prefixes = append(list.Prefixes, p)
	}
}

// PrefixCount sums prefixes across all lists.
func (rc *RouterConfig) PrefixCount() int {
	n := 0
	for _, l := range rc.Lists {
		n += len(l.Prefixes)
	}
	return n
}

// Render emits the configuration in the requested format.
func (rc *RouterConfig) Render(format Format) (string, error) {
	switch format {
	case FormatHierarchical:
		return rc.Hierarchical(), nil
	case FormatSet:
		return rc.SetCommands(), nil
	case FormatSectioned:
		return rc.Sectioned(), nil
	default:
		return "", util.NewPipelineError(util.KindValidation, "render config", string(format),
			"format must be hierarchical, set, or sectioned")
	}
}

// Hierarchical renders the canonical Junos form, one replace-tagged
// prefix-list per group, suitable for load replace.
func (rc *RouterConfig) Hierarchical() string {
	var b strings.Builder
	b.WriteString("policy-options {\n")
	for _, l := range rc.Lists {
		writeList(&b, l)
	}
	b.WriteString("}\n")
	return b.String()
}

func writeList(b *strings.Builder, l PrefixList) {
	b.WriteString("replace:\n")
	fmt.Fprintf(b, " prefix-list %s {\n", l.Name)
	for _, p := range l.Prefixes {
		fmt.Fprintf(b, "    %s;\n", p)
	}
	b.WriteString(" }\n")
}

// SetCommands renders flat set syntax. Each list is deleted before being
// repopulated so the load carries replace semantics.
func (rc *RouterConfig) SetCommands() string {
	var b strings.Builder
	for _, l := range rc.Lists {
		fmt.Fprintf(&b, "delete policy-options prefix-list %s\n", l.Name)
		for _, p := range l.Prefixes {
			fmt.Fprintf(&b, "set policy-options prefix-list %s %s\n", l.Name, p)
		}
	}
	return b.String()
}

// Sectioned renders the hierarchical form with the lists bucketed into
// transit, content/CDN, and customer sections by AS number. Section
// comments carry the compacted AS range of their lists.
func (rc *RouterConfig) Sectioned() string {
	sections := map[string][]PrefixList{}
	for _, l := range rc.Lists {
		key := classify(l.ASNumber)
		sections[key] = append(sections[key], l)
	}

	var b strings.Builder
	b.WriteString("policy-options {\n")
	for _, s := range []struct{ key, comment string }{
		{"transit", "transit and peering sessions"},
		{"cdn", "content and CDN networks"},
		{"customer", "customer sessions (private AS)"},
		{"unassigned", "lists without an AS association"},
	} {
		lists := sections[s.key]
		if len(lists) == 0 {
			continue
		}
		var asns []int64
		for _, l := range lists {
			if l.ASNumber != 0 {
				asns = append(asns, l.ASNumber)
			}
		}
		if r := util.CompactRange(asns); r != "" {
			fmt.Fprintf(&b, "    /* %s: AS %s */\n", s.comment, r)
		} else {
			fmt.Fprintf(&b, "    /* %s */\n", s.comment)
		}
		for _, l := range lists {
			writeList(&b, l)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// cdnASNs are the well-known content networks split out of the transit
// section for readability.
var cdnASNs = map[int64]bool{
	2906:  true, // Netflix
	8075:  true, // Microsoft
	13335: true, // Cloudflare
	15169: true, // Google
	16509: true, // Amazon
	20940: true, // Akamai
	32934: true, // Meta
	54113: true, // Fastly
}

func classify(as int64) string {
	switch {
	case as == 0:
		return "unassigned"
	case cdnASNs[as]:
		return "cdn"
	case as >= 64512 && as <= 65534:
		return "customer"
	case as >= 4200000000 && as <= 4294967294:
		return "customer"
	default:
		return "transit"
	}
}

// Names returns the list names in output order.
func (rc *RouterConfig) Names() []string {
	names := make([]string, len(rc.Lists))
	for i, l := range rc.Lists {
		names[i] = l.Name
	}
	return names
}

// SortLists orders lists by name for deterministic artifacts when the
// input order is not meaningful.
func (rc *RouterConfig) SortLists() {
	sort.Slice(rc.Lists, func(i, j int) bool { return rc.Lists[i].Name < rc.Lists[j].Name })
}
