package discovery

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Report filenames under the configured report directory.
const (
	reportCSV     = "discovery_report.csv"
	reportMatrix  = "discovery_matrix.json"
	reportSummary = "discovery_summary.txt"
)

// Matrix cross-references routers, AS numbers, and BGP groups for the
// report writers. Build one with NewMatrix; the zero value is not usable.
type Matrix struct {
	GeneratedAt time.Time
	Routers     []RouterRecord
	Mappings    []Mapping

	routerAS     map[string][]int64
	routerGroups map[string][]string
	asRouters    map[int64][]string
	asGroups     map[int64][]string
	groupRouters map[string][]string
	groupAS      map[string][]int64
	hostGroupAS  map[string]map[string][]int64
}

// NewMatrix indexes the discovery data. Ungrouped mappings (empty group
// name) count toward router and AS views but not toward the group view.
func NewMatrix(routers []RouterRecord, mappings []Mapping) *Matrix {
	m := &Matrix{
		GeneratedAt:  time.Now().UTC(),
		Routers:      routers,
		Mappings:     mappings,
		routerAS:     make(map[string][]int64),
		routerGroups: make(map[string][]string),
		asRouters:    make(map[int64][]string),
		asGroups:     make(map[int64][]string),
		groupRouters: make(map[string][]string),
		groupAS:      make(map[string][]int64),
		hostGroupAS:  make(map[string]map[string][]int64),
	}
	for _, mp := range mappings {
		m.routerAS[mp.Hostname] = appendInt64Once(m.routerAS[mp.Hostname], mp.ASNumber)
		m.asRouters[mp.ASNumber] = appendOnce(m.asRouters[mp.ASNumber], mp.Hostname)
		byGroup := m.hostGroupAS[mp.Hostname]
		if byGroup == nil {
			byGroup = make(map[string][]int64)
			m.hostGroupAS[mp.Hostname] = byGroup
		}
		byGroup[mp.Group] = appendInt64Once(byGroup[mp.Group], mp.ASNumber)
		if mp.Group == "" {
			continue
		}
		m.routerGroups[mp.Hostname] = appendOnce(m.routerGroups[mp.Hostname], mp.Group)
		m.asGroups[mp.ASNumber] = appendOnce(m.asGroups[mp.ASNumber], mp.Group)
		m.groupRouters[mp.Group] = appendOnce(m.groupRouters[mp.Group], mp.Hostname)
		m.groupAS[mp.Group] = appendInt64Once(m.groupAS[mp.Group], mp.ASNumber)
	}
	for _, v := range m.routerAS {
		sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
	}
	for _, v := range m.groupAS {
		sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
	}
	for _, byGroup := range m.hostGroupAS {
		for _, v := range byGroup {
			sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
		}
	}
	for _, v := range m.routerGroups {
		sort.Strings(v)
	}
	for _, v := range m.asRouters {
		sort.Strings(v)
	}
	for _, v := range m.asGroups {
		sort.Strings(v)
	}
	for _, v := range m.groupRouters {
		sort.Strings(v)
	}
	return m
}

// WriteAll writes the CSV, JSON, and text reports into dir.
func (m *Matrix) WriteAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	if err := m.WriteCSV(filepath.Join(dir, reportCSV)); err != nil {
		return err
	}
	if err := m.WriteJSON(filepath.Join(dir, reportMatrix)); err != nil {
		return err
	}
	return m.WriteSummary(filepath.Join(dir, reportSummary))
}

// WriteCSV writes one row per router.
func (m *Matrix) WriteCSV(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating CSV report: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"Router", "IP Address", "Site", "Role", "AS Count", "AS Numbers", "BGP Groups"}); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, r := range m.Routers {
		as := m.routerAS[r.Hostname]
		row := []string{
			r.Hostname,
			r.Address,
			r.Region,
			r.Role,
			strconv.Itoa(len(as)),
			joinInt64(as, ";"),
			strings.Join(m.routerGroups[r.Hostname], ";"),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing CSV row for %s: %w", r.Hostname, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing CSV report: %w", err)
	}
	return nil
}

type matrixRouterJSON struct {
	Address   string   `json:"address"`
	Site      string   `json:"site,omitempty"`
	Role      string   `json:"role,omitempty"`
	ASNumbers []int64  `json:"as_numbers"`
	Groups    []string `json:"bgp_groups"`
}

type matrixASJSON struct {
	Routers []string `json:"routers"`
	Groups  []string `json:"groups"`
}

type matrixGroupJSON struct {
	Routers   []string `json:"routers"`
	ASNumbers []int64  `json:"as_numbers"`
}

type matrixStatsJSON struct {
	TotalMappings      int     `json:"total_mappings"`
	MultiRouterASCount int     `json:"multi_router_as_count"`
	AvgASPerRouter     float64 `json:"avg_as_per_router"`
}

type matrixJSON struct {
	Metadata      map[string]any              `json:"_metadata"`
	Routers       map[string]matrixRouterJSON `json:"routers"`
	ASNumbers     map[string]matrixASJSON     `json:"as_numbers"`
	Groups        map[string]matrixGroupJSON  `json:"bgp_groups"`
	Relationships []Mapping                   `json:"relationships"`
	Statistics    matrixStatsJSON             `json:"statistics"`
}

// WriteJSON writes the full cross-reference matrix.
func (m *Matrix) WriteJSON(path string) error {
	doc := matrixJSON{
		Metadata: map[string]any{
			"generated_at": m.GeneratedAt.Format(time.RFC3339),
			"router_count": len(m.Routers),
			"as_count":     len(m.asRouters),
			"group_count":  len(m.groupRouters),
		},
		Routers:       make(map[string]matrixRouterJSON, len(m.Routers)),
		ASNumbers:     make(map[string]matrixASJSON, len(m.asRouters)),
		Groups:        make(map[string]matrixGroupJSON, len(m.groupRouters)),
		Relationships: m.Mappings,
		Statistics:    m.statistics(),
	}
	for _, r := range m.Routers {
		doc.Routers[r.Hostname] = matrixRouterJSON{
			Address:   r.Address,
			Site:      r.Region,
			Role:      r.Role,
			ASNumbers: emptyNotNilInt64(m.routerAS[r.Hostname]),
			Groups:    emptyNotNil(m.routerGroups[r.Hostname]),
		}
	}
	for as, routers := range m.asRouters {
		doc.ASNumbers[strconv.FormatInt(as, 10)] = matrixASJSON{
			Routers: routers,
			Groups:  emptyNotNil(m.asGroups[as]),
		}
	}
	for group, routers := range m.groupRouters {
		doc.Groups[group] = matrixGroupJSON{
			Routers:   routers,
			ASNumbers: m.groupAS[group],
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding matrix: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing matrix report: %w", err)
	}
	return nil
}

// WriteSummary writes the operator-facing plain-text roll-up.
func (m *Matrix) WriteSummary(path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "BGP Discovery Summary\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", m.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Routers:    %d\n", len(m.Routers))
	fmt.Fprintf(&b, "AS numbers: %d\n", len(m.asRouters))
	fmt.Fprintf(&b, "BGP groups: %d\n", len(m.groupRouters))
	fmt.Fprintf(&b, "Mappings:   %d\n\n", len(m.Mappings))

	for _, r := range m.Routers {
		as := m.routerAS[r.Hostname]
		groups := m.routerGroups[r.Hostname]
		fmt.Fprintf(&b, "%s (%s)", r.Hostname, r.Address)
		if r.Role != "" {
			fmt.Fprintf(&b, " role=%s", r.Role)
		}
		if r.Region != "" {
			fmt.Fprintf(&b, " site=%s", r.Region)
		}
		fmt.Fprintf(&b, ": %d AS across %d group(s)\n", len(as), len(groups))
		for _, g := range groups {
			fmt.Fprintf(&b, "  %s: %s\n", g, joinInt64(m.hostGroupAS[r.Hostname][g], ", "))
		}
		if ungrouped := m.hostGroupAS[r.Hostname][""]; len(ungrouped) > 0 {
			fmt.Fprintf(&b, "  (ungrouped): %s\n", joinInt64(ungrouped, ", "))
		}
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing summary report: %w", err)
	}
	return nil
}

func (m *Matrix) statistics() matrixStatsJSON {
	stats := matrixStatsJSON{TotalMappings: len(m.Mappings)}
	for _, routers := range m.asRouters {
		if len(routers) > 1 {
			stats.MultiRouterASCount++
		}
	}
	if len(m.Routers) > 0 {
		total := 0
		for _, as := range m.routerAS {
			total += len(as)
		}
		stats.AvgASPerRouter = float64(total) / float64(len(m.Routers))
	}
	return stats
}

func appendOnce(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

func appendInt64Once(list []int64, v int64) []int64 {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}

func joinInt64(values []int64, sep string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, sep)
}

func emptyNotNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func emptyNotNilInt64(list []int64) []int64 {
	if list == nil {
		return []int64{}
	}
	return list
}
