package rollout

import (
	"fmt"
	"sort"

	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Strategy decides how devices are grouped into ordered stages. New
// strategies plug in by implementing the interface; the coordinator
// never inspects the concrete type.
type Strategy interface {
	// Name identifies the strategy in run events and reports.
	Name() string
	// Plan splits devices into ordered stages. Every returned stage
	// carries at least one hostname.
	Plan(devices []model.Device) ([]PlannedStage, error)
}

// PlannedStage is strategy output before persistence.
type PlannedStage struct {
	Name      string
	Hostnames []string
}

// Blast stages the whole fleet at once.
type Blast struct{}

func (Blast) Name() string { return "blast" }

func (Blast) Plan(devices []model.Device) ([]PlannedStage, error) {
	if len(devices) == 0 {
		return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", "blast", "no devices to stage")
	}
	return []PlannedStage{{Name: "fleet", Hostnames: sortedHostnames(devices)}}, nil
}

// Phased groups devices by an inventory attribute and orders stages by
// the sorted attribute values. Devices missing the attribute land in an
// "unassigned" stage.
type Phased struct {
	GroupBy string
}

func (p Phased) Name() string { return "phased" }

func (p Phased) Plan(devices []model.Device) ([]PlannedStage, error) {
	if len(devices) == 0 {
		return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", "phased", "no devices to stage")
	}
	switch p.GroupBy {
	case "role", "region", "hostname":
	default:
		return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", "phased",
			fmt.Sprintf("cannot group by %q: use role, region, or hostname", p.GroupBy))
	}

	groups := make(map[string][]string)
	for _, d := range devices {
		key := d.Attribute(p.GroupBy)
		if key == "" {
			key = "unassigned"
		}
		groups[key] = append(groups[key], d.Hostname)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stages := make([]PlannedStage, 0, len(keys))
	for _, k := range keys {
		hosts := groups[k]
		sort.Strings(hosts)
		stages = append(stages, PlannedStage{Name: k, Hostnames: hosts})
	}
	return stages, nil
}

// Canary stages one named router alone before the rest of the fleet.
type Canary struct {
	Host string
}

func (c Canary) Name() string { return "canary" }

func (c Canary) Plan(devices []model.Device) ([]PlannedStage, error) {
	if len(devices) == 0 {
		return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", "canary", "no devices to stage")
	}
	var rest []string
	found := false
	for _, d := range devices {
		if d.Hostname == c.Host {
			found = true
			continue
		}
		rest = append(rest, d.Hostname)
	}
	if !found {
		return nil, util.NewPipelineError(util.KindValidation, "rollout.plan", "canary",
			fmt.Sprintf("canary host %q is not among the staged devices", c.Host))
	}
	sort.Strings(rest)

	stages := []PlannedStage{{Name: "canary", Hostnames: []string{c.Host}}}
	if len(rest) > 0 {
		stages = append(stages, PlannedStage{Name: "fleet", Hostnames: rest})
	}
	return stages, nil
}

func sortedHostnames(devices []model.Device) []string {
	hosts := make([]string, 0, len(devices))
	for _, d := range devices {
		hosts = append(hosts, d.Hostname)
	}
	sort.Strings(hosts)
	return hosts
}
