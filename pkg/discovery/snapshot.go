package discovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Mapping is one (router, group, AS) triple, the unit of snapshot
// comparison. Ungrouped discoveries carry an empty group name.
type Mapping struct {
	Hostname string `json:"hostname"`
	Group    string `json:"group"`
	ASNumber int64  `json:"as_number"`
}

// Snapshot is a point-in-time copy of the fleet's mappings.
type Snapshot struct {
	TakenAt  time.Time `json:"taken_at"`
	Mappings []Mapping `json:"mappings"`
}

const snapshotFile = "mappings.json.gz"

// historyStamp names snapshot directories; lexical order is time order.
const historyStamp = "20060102_150405"

// WriteSnapshot stores a snapshot under <dir>/history/<timestamp>/ and
// returns the directory it created.
func WriteSnapshot(dir string, snap *Snapshot) (string, error) {
	target := filepath.Join(dir, "history", snap.TakenAt.UTC().Format(historyStamp))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}
	f, err := os.Create(filepath.Join(target, snapshotFile))
	if err != nil {
		return "", fmt.Errorf("creating snapshot file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		gz.Close()
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("flushing snapshot: %w", err)
	}
	return target, nil
}

// LoadSnapshot reads one snapshot directory.
func LoadSnapshot(dir string) (*Snapshot, error) {
	f, err := os.Open(filepath.Join(dir, snapshotFile))
	if err != nil {
		return nil, util.WrapError(util.KindData, "discovery.snapshot", dir, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, util.WrapError(util.KindData, "discovery.snapshot", dir, err)
	}
	defer gz.Close()

	var snap Snapshot
	if err := json.NewDecoder(gz).Decode(&snap); err != nil {
		return nil, util.WrapError(util.KindData, "discovery.snapshot", dir, err)
	}
	return &snap, nil
}

// LatestSnapshot finds the newest snapshot under <dir>/history. A missing
// or empty history yields (nil, "", nil); first runs have no baseline.
func LatestSnapshot(dir string) (*Snapshot, string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, "history"))
	if os.IsNotExist(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("reading snapshot history: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, "", nil
	}
	sort.Strings(names)
	newest := filepath.Join(dir, "history", names[len(names)-1])
	snap, err := LoadSnapshot(newest)
	if err != nil {
		return nil, "", err
	}
	return snap, newest, nil
}

// Diff is the set difference between two snapshots.
type Diff struct {
	Added   []Mapping `json:"added,omitempty"`
	Removed []Mapping `json:"removed,omitempty"`
}

// Changed reports whether the snapshots differ at all.
func (d Diff) Changed() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// DiffMappings compares two mapping sets. A triple present in cur but not
// prev is added; present in prev but not cur is removed. Order of the
// inputs does not matter.
func DiffMappings(prev, cur []Mapping) Diff {
	prevSet := make(map[Mapping]bool, len(prev))
	for _, m := range prev {
		prevSet[m] = true
	}
	curSet := make(map[Mapping]bool, len(cur))
	for _, m := range cur {
		curSet[m] = true
	}

	var d Diff
	for _, m := range cur {
		if !prevSet[m] {
			d.Added = append(d.Added, m)
		}
	}
	for _, m := range prev {
		if !curSet[m] {
			d.Removed = append(d.Removed, m)
		}
	}
	sortMappings(d.Added)
	sortMappings(d.Removed)
	return d
}

func sortMappings(ms []Mapping) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Hostname != ms[j].Hostname {
			return ms[i].Hostname < ms[j].Hostname
		}
		if ms[i].Group != ms[j].Group {
			return ms[i].Group < ms[j].Group
		}
		return ms[i].ASNumber < ms[j].ASNumber
	})
}
