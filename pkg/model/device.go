// Package model holds the core domain types shared across the pipeline:
// device descriptors from inventory, router profiles from discovery, and
// policy artifacts.
package model

import (
	"sort"
	"time"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Device is one row of the device inventory: where to connect and what to
// call the router.
type Device struct {
	Address  string `json:"address"`
	Hostname string `json:"hostname"`
	Role     string `json:"role,omitempty"`
	Region   string `json:"region,omitempty"`
}

// SafeHostname returns the filesystem-safe form used for artifact paths.
func (d Device) SafeHostname() string {
	return util.SafeHostname(d.Hostname)
}

// Attribute returns a named device attribute for phased rollout grouping.
// Unknown attributes return the empty string, which groups together.
func (d Device) Attribute(name string) string {
	switch name {
	case "role":
		return d.Role
	case "region":
		return d.Region
	case "hostname":
		return d.Hostname
	default:
		return ""
	}
}

// ProfileMetadata carries informational discovery context.
type ProfileMetadata struct {
	CollectedAt time.Time `json:"collected_at"`
	Platform    string    `json:"platform,omitempty"`
	Role        string    `json:"role,omitempty"`
	Region      string    `json:"region,omitempty"`
}

// RouterProfile is the discovered identity of one router: its AS inventory
// and BGP group membership. Created by discovery, mutated only by
// re-discovery.
type RouterProfile struct {
	Hostname  string             `json:"hostname"`
	Address   string             `json:"address"`
	ASNumbers []int64            `json:"discovered_as_numbers"`
	BGPGroups map[string][]int64 `json:"bgp_groups,omitempty"`
	Metadata  ProfileMetadata    `json:"metadata"`
}

// AddAS inserts an AS number into the profile set, keeping it sorted and
// duplicate-free.
func (p *RouterProfile) AddAS(as int64) {
	i := sort.Search(len(p.ASNumbers), func(i int) bool { return p.ASNumbers[i] >= as })
	if i < len(p.ASNumbers) && p.ASNumbers[i] == as {
		return
	}
	p.ASNumbers = append(p.ASNumbers, 0)
	copy(p.ASNumbers[i+1:], p.ASNumbers[i:])
	p.ASNumbers[i] = as
}

// AddGroupAS records group membership, preserving first-seen order within
// the group, and keeps the profile invariant that every grouped AS also
// appears in ASNumbers.
func (p *RouterProfile) AddGroupAS(group string, as int64) {
	if p.BGPGroups == nil {
		p.BGPGroups = make(map[string][]int64)
	}
	for _, existing := range p.BGPGroups[group] {
		if existing == as {
			p.AddAS(as)
			return
		}
	}
	p.BGPGroups[group] = append(p.BGPGroups[group], as)
	p.AddAS(as)
}

// Validate checks profile invariants: AS range and group containment.
func (p *RouterProfile) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(p.Hostname != "", "profile hostname is required")
	for _, as := range p.ASNumbers {
		if !util.ASInRange(as) {
			v.AddErrorf("AS %d out of range", as)
		}
	}
	for group, members := range p.BGPGroups {
		for _, as := range members {
			if !p.HasAS(as) {
				v.AddErrorf("group %s member AS%d missing from discovered set", group, as)
			}
		}
	}
	return v.Build()
}

// HasAS reports membership in the discovered AS set.
func (p *RouterProfile) HasAS(as int64) bool {
	i := sort.Search(len(p.ASNumbers), func(i int) bool { return p.ASNumbers[i] >= as })
	return i < len(p.ASNumbers) && p.ASNumbers[i] == as
}

// GroupNames returns the BGP group names in sorted order.
func (p *RouterProfile) GroupNames() []string {
	names := make([]string, 0, len(p.BGPGroups))
	for name := range p.BGPGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
