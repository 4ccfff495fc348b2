// Package rpki validates prefix origins against a Validated ROA Payload
// (VRP) snapshot exported by a local RPKI cache such as Routinator. The
// validator is fail-closed: a missing or stale snapshot blocks policy
// generation rather than letting unvalidated prefixes through.
package rpki

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/otto-bgp/otto-bgp/pkg/metrics"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// ROAs are not published shorter than these lengths; the covering-prefix
// walk stops there.
const (
	minROALenV4 = 8
	minROALenV6 = 12
)

// VRPEntry is one validated ROA payload for a prefix.
type VRPEntry struct {
	MaxLen uint8
	ASN    uint32
}

// Snapshot is an immutable in-memory VRP set. Lookups key on Masked()
// prefixes. A loaded snapshot is never mutated; reload replaces it.
type Snapshot struct {
	v4       map[netip.Prefix][]VRPEntry
	v6       map[netip.Prefix][]VRPEntry
	loadedAt time.Time
	fileTime time.Time
	path     string
}

// Age returns how old the snapshot file was at load time plus the time
// elapsed since.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.fileTime)
}

// Count returns the number of distinct (prefix, entry) pairs loaded.
func (s *Snapshot) Count() (v4, v6 int) {
	for _, entries := range s.v4 {
		v4 += len(entries)
	}
	for _, entries := range s.v6 {
		v6 += len(entries)
	}
	return v4, v6
}

// Path returns the file the snapshot was loaded from.
func (s *Snapshot) Path() string { return s.path }

// LoadSnapshot reads a VRP export: Routinator JSON ({"roas":[...]}) or
// CSV (prefix,maxLength,asn), with transparent gzip for .gz files. The
// file modification time becomes the snapshot age reference.
func LoadSnapshot(path string) (*Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, util.WrapError(util.KindData, "stat vrp snapshot", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, util.WrapError(util.KindData, "read vrp snapshot", path, err)
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, util.WrapError(util.KindData, "decompress vrp snapshot", path, err)
		}
		data, err = io.ReadAll(gz)
		gz.Close()
		if err != nil {
			return nil, util.WrapError(util.KindData, "decompress vrp snapshot", path, err)
		}
	}

	snap := &Snapshot{
		v4:       make(map[netip.Prefix][]VRPEntry),
		v6:       make(map[netip.Prefix][]VRPEntry),
		loadedAt: time.Now(),
		fileTime: info.ModTime(),
		path:     path,
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = snap.parseJSON(data)
	} else {
		err = snap.parseCSV(data)
	}
	if err != nil {
		return nil, err
	}

	v4, v6 := snap.Count()
	if v4+v6 == 0 {
		return nil, util.NewPipelineError(util.KindData, "load vrp snapshot", path, "no VRP entries parsed")
	}
	util.Infof("loaded VRP snapshot %s: %d IPv4 + %d IPv6 entries, age %s",
		path, v4, v6, snap.Age().Round(time.Minute))
	return snap, nil
}

// parseJSON handles the Routinator export shape. The asn field appears
// as "AS65001" or as a bare number depending on the exporter version.
func (s *Snapshot) parseJSON(data []byte) error {
	var doc struct {
		ROAs []struct {
			Prefix    string      `json:"prefix"`
			MaxLength int         `json:"maxLength"`
			ASN       interface{} `json:"asn"`
		} `json:"roas"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return util.WrapError(util.KindData, "parse vrp json", s.path, err)
	}

	for _, roa := range doc.ROAs {
		prefix, err := netip.ParsePrefix(roa.Prefix)
		if err != nil {
			util.Warnf("vrp snapshot: skipping invalid prefix %q", roa.Prefix)
			continue
		}
		asn, err := parseASN(roa.ASN)
		if err != nil {
			util.Warnf("vrp snapshot: skipping prefix %s: %v", roa.Prefix, err)
			continue
		}
		s.add(prefix, VRPEntry{MaxLen: uint8(roa.MaxLength), ASN: asn})
	}
	return nil
}

// parseCSV handles "prefix,maxLength,asn" with an optional header line.
func (s *Snapshot) parseCSV(data []byte) error {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		if i == 0 && strings.Contains(strings.ToLower(line), "prefix") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			util.Warnf("vrp snapshot: skipping malformed line %d", i+1)
			continue
		}
		prefix, err := netip.ParsePrefix(strings.TrimSpace(parts[0]))
		if err != nil {
			util.Warnf("vrp snapshot: skipping line %d: %v", i+1, err)
			continue
		}
		maxLen, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			util.Warnf("vrp snapshot: skipping line %d: bad maxLength", i+1)
			continue
		}
		asn, err := parseASN(strings.TrimSpace(parts[2]))
		if err != nil {
			util.Warnf("vrp snapshot: skipping line %d: %v", i+1, err)
			continue
		}
		s.add(prefix, VRPEntry{MaxLen: uint8(maxLen), ASN: asn})
	}
	return nil
}

func (s *Snapshot) add(prefix netip.Prefix, e VRPEntry) {
	prefix = prefix.Masked()
	if prefix.Addr().Is4() {
		s.v4[prefix] = append(s.v4[prefix], e)
	} else {
		s.v6[prefix] = append(s.v6[prefix], e)
	}
}

func parseASN(v interface{}) (uint32, error) {
	switch asn := v.(type) {
	case string:
		trimmed := strings.TrimPrefix(strings.TrimPrefix(asn, "AS"), "as")
		n, err := strconv.ParseUint(trimmed, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("bad asn %q", asn)
		}
		return uint32(n), nil
	case float64:
		if asn < 0 || asn > float64(^uint32(0)) {
			return 0, fmt.Errorf("asn %v out of range", asn)
		}
		return uint32(asn), nil
	case int:
		if asn < 0 || int64(asn) > int64(^uint32(0)) {
			return 0, fmt.Errorf("asn %d out of range", asn)
		}
		return uint32(asn), nil
	default:
		return 0, fmt.Errorf("asn has unsupported type %T", v)
	}
}

// Preflight verifies the snapshot exists and is fresh enough. It runs at
// startup and before every generation batch; a failure aborts the batch
// before bgpq4 is invoked when fail_closed is set.
func Preflight(path string, maxAge time.Duration) (*Snapshot, error) {
	snap, err := LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	age := snap.Age()
	metrics.VRPSnapshotAge.Set(age.Seconds())
	if age > maxAge {
		return nil, util.NewPipelineError(util.KindData, "vrp preflight", path,
			fmt.Sprintf("VRP cache stale: snapshot age %s exceeds maximum %s",
				age.Round(time.Minute), maxAge))
	}
	return snap, nil
}
