package rpki

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

const sampleJSON = `{
  "roas": [
    {"prefix": "192.0.2.0/24", "maxLength": 24, "asn": "AS64500"},
    {"prefix": "198.51.100.0/24", "maxLength": 28, "asn": 64501},
    {"prefix": "10.0.0.0/8", "maxLength": 16, "asn": "AS64502"},
    {"prefix": "2001:db8::/32", "maxLength": 48, "asn": "AS64500"},
    {"prefix": "not-a-prefix", "maxLength": 24, "asn": "AS64500"},
    {"prefix": "203.0.113.0/24", "maxLength": 24, "asn": "ASbogus"}
  ]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadSnapshotJSON(t *testing.T) {
	snap, err := LoadSnapshot(writeFile(t, "vrp.json", sampleJSON))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	v4, v6 := snap.Count()
	if v4 != 3 {
		t.Errorf("v4 entries = %d, want 3 (malformed rows skipped)", v4)
	}
	if v6 != 1 {
		t.Errorf("v6 entries = %d, want 1", v6)
	}
}

func TestLoadSnapshotCSV(t *testing.T) {
	csv := "prefix,maxLength,asn\n" +
		"192.0.2.0/24,24,AS64500\n" +
		"# comment line\n" +
		"2001:db8::/32,48,64500\n" +
		"bad line\n"
	snap, err := LoadSnapshot(writeFile(t, "vrp.csv", csv))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	v4, v6 := snap.Count()
	if v4 != 1 || v6 != 1 {
		t.Errorf("entries = %d/%d, want 1/1", v4, v6)
	}
}

func TestLoadSnapshotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vrp.json.gz")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating gz file: %v", err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte(sampleJSON)); err != nil {
		t.Fatalf("writing gz: %v", err)
	}
	gz.Close()
	f.Close()

	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot(.gz): %v", err)
	}
	if v4, _ := snap.Count(); v4 != 3 {
		t.Errorf("v4 entries = %d, want 3", v4)
	}
}

func TestLoadSnapshotRejectsEmpty(t *testing.T) {
	_, err := LoadSnapshot(writeFile(t, "vrp.json", `{"roas": []}`))
	if !errors.Is(err, util.ErrData) {
		t.Errorf("empty snapshot error kind = %v, want data", util.KindOf(err))
	}
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, util.ErrData) {
		t.Errorf("missing snapshot error kind = %v, want data", util.KindOf(err))
	}
}

func TestPreflightStale(t *testing.T) {
	path := writeFile(t, "vrp.json", sampleJSON)
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	_, err := Preflight(path, 24*time.Hour)
	if err == nil {
		t.Fatal("expected stale snapshot to fail preflight")
	}
	if !errors.Is(err, util.ErrData) {
		t.Errorf("error kind = %v, want data", util.KindOf(err))
	}
	if !strings.Contains(err.Error(), "VRP cache stale") {
		t.Errorf("error %q does not mention VRP cache stale", err.Error())
	}
}

func TestPreflightFresh(t *testing.T) {
	snap, err := Preflight(writeFile(t, "vrp.json", sampleJSON), 24*time.Hour)
	if err != nil {
		t.Fatalf("Preflight: %v", err)
	}
	if snap == nil {
		t.Fatal("Preflight returned nil snapshot")
	}
}

func testSnapshot() *Snapshot {
	mk := func(s string) netip.Prefix {
		return netip.MustParsePrefix(s).Masked()
	}
	return &Snapshot{
		v4: map[netip.Prefix][]VRPEntry{
			mk("192.0.2.0/24"):  {{MaxLen: 24, ASN: 64500}},
			mk("10.0.0.0/8"):    {{MaxLen: 16, ASN: 64502}},
			mk("172.16.0.0/12"): {{MaxLen: 24, ASN: 64503}, {MaxLen: 16, ASN: 64504}},
		},
		v6: map[netip.Prefix][]VRPEntry{
			mk("2001:db8::/32"): {{MaxLen: 48, ASN: 64500}},
		},
		loadedAt: time.Now(),
		fileTime: time.Now(),
	}
}

func TestCheckStates(t *testing.T) {
	v := NewValidator(testSnapshot())
	ctx := context.Background()

	tests := []struct {
		name   string
		prefix string
		asn    int64
		want   State
	}{
		{"exact match", "192.0.2.0/24", 64500, StateValid},
		{"wrong origin", "192.0.2.0/24", 64999, StateInvalid},
		{"more specific within maxlen", "10.1.0.0/16", 64502, StateValid},
		{"more specific beyond maxlen", "10.1.2.0/24", 64502, StateInvalid},
		{"second entry matches", "172.16.0.0/16", 64504, StateValid},
		{"no covering roa", "203.0.113.0/24", 64500, StateNotFound},
		{"v6 valid", "2001:db8:1::/48", 64500, StateValid},
		{"v6 wrong origin", "2001:db8::/32", 64999, StateInvalid},
		{"bad prefix", "not-a-prefix", 64500, StateError},
		{"as out of range", "192.0.2.0/24", -1, StateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Check(ctx, tt.prefix, tt.asn)
			if got.State != tt.want {
				t.Errorf("Check(%s, AS%d) = %s (%s), want %s",
					tt.prefix, tt.asn, got.State, got.Reason, tt.want)
			}
		})
	}
}

type stubOverrides struct {
	disabled map[int64]bool
}

func (s *stubOverrides) Disabled(_ context.Context, asn int64) (bool, error) {
	return s.disabled[asn], nil
}

func TestCheckOverrideDisabled(t *testing.T) {
	v := NewValidator(testSnapshot(), WithOverrides(&stubOverrides{
		disabled: map[int64]bool{64999: true},
	}))
	ctx := context.Background()

	// AS64999 would be INVALID against the 192.0.2.0/24 ROA, but the
	// override forces NOTFOUND.
	got := v.Check(ctx, "192.0.2.0/24", 64999)
	if got.State != StateNotFound {
		t.Errorf("state = %s, want NOTFOUND", got.State)
	}
	if got.Reason != "override: disabled" {
		t.Errorf("reason = %q, want %q", got.Reason, "override: disabled")
	}

	// Other ASes still validate normally.
	if got := v.Check(ctx, "192.0.2.0/24", 64500); got.State != StateValid {
		t.Errorf("non-overridden AS state = %s, want VALID", got.State)
	}
}

func TestAllowlistFlipsInvalid(t *testing.T) {
	path := writeFile(t, "allowlist.yml", `
entries:
  - prefix: 192.0.2.0/24
    as_number: 64999
    reason: legacy announcement pending ROA refresh
`)
	al, err := LoadAllowlist(path)
	if err != nil {
		t.Fatalf("LoadAllowlist: %v", err)
	}
	if al.Len() != 1 {
		t.Fatalf("allowlist has %d entries, want 1", al.Len())
	}

	v := NewValidator(testSnapshot(), WithAllowlist(al))
	ctx := context.Background()

	got := v.Check(ctx, "192.0.2.0/24", 64999)
	if got.State != StateValid || !got.Allowlisted {
		t.Errorf("allowlisted pair = %s allowlisted=%v, want VALID allowlisted=true",
			got.State, got.Allowlisted)
	}

	// The allowlist never upgrades NOTFOUND.
	if got := v.Check(ctx, "203.0.113.0/24", 64999); got.State != StateNotFound {
		t.Errorf("uncovered prefix = %s, want NOTFOUND", got.State)
	}
}

func TestLoadAllowlistRejectsBadEntries(t *testing.T) {
	path := writeFile(t, "allowlist.yml", `
entries:
  - prefix: not-a-prefix
    as_number: 64999
`)
	if _, err := LoadAllowlist(path); !errors.Is(err, util.ErrValidation) {
		t.Errorf("error kind = %v, want validation", util.KindOf(err))
	}
}

func TestCheckASOrderAndDuplicates(t *testing.T) {
	v := NewValidator(testSnapshot(), WithWorkers(4))
	ctx := context.Background()

	// More than 10 prefixes to exercise the parallel path; duplicates
	// included on purpose.
	prefixes := []string{
		"192.0.2.0/24", "10.1.0.0/16", "10.1.2.0/24", "203.0.113.0/24",
		"192.0.2.0/24", "10.1.0.0/16", "10.1.2.0/24", "203.0.113.0/24",
		"192.0.2.0/24", "10.1.0.0/16", "10.1.2.0/24", "203.0.113.0/24",
	}
	results, err := v.CheckAS(ctx, 64502, prefixes)
	if err != nil {
		t.Fatalf("CheckAS: %v", err)
	}
	if len(results) != len(prefixes) {
		t.Fatalf("got %d results, want %d", len(results), len(prefixes))
	}
	for i, r := range results {
		if r.Prefix != prefixes[i] {
			t.Errorf("result %d is for %s, want %s (order not preserved)", i, r.Prefix, prefixes[i])
		}
	}

	s := Summarize(results)
	if s.Total != 12 || s.Valid != 3 || s.Invalid != 6 || s.NotFound != 3 {
		t.Errorf("summary = %+v, want total=12 valid=3 invalid=6 notfound=3", s)
	}
}

func TestCheckASEmpty(t *testing.T) {
	v := NewValidator(testSnapshot())
	results, err := v.CheckAS(context.Background(), 64500, nil)
	if err != nil || results != nil {
		t.Errorf("CheckAS(empty) = %v, %v; want nil, nil", results, err)
	}
}

func TestChunkSize(t *testing.T) {
	tests := []struct {
		n, w, want int
	}{
		{30, 4, 3},    // small: floor
		{48, 4, 3},    // 48/16 = 3
		{200, 4, 25},  // 200/8
		{100, 4, 12},  // 100/8
		{1000, 4, 83}, // 1000/12
		{600, 100, 25},
	}
	for _, tt := range tests {
		if got := chunkSize(tt.n, tt.w); got != tt.want {
			t.Errorf("chunkSize(%d, %d) = %d, want %d", tt.n, tt.w, got, tt.want)
		}
	}
}

func TestSummarizeCountsAllowlisted(t *testing.T) {
	results := []Result{
		{State: StateValid},
		{State: StateValid, Allowlisted: true},
		{State: StateInvalid},
		{State: StateNotFound},
		{State: StateError},
	}
	s := Summarize(results)
	if s.Total != 5 || s.Valid != 2 || s.Invalid != 1 || s.NotFound != 1 || s.Errors != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.Allowlisted != 1 {
		t.Errorf("allowlisted = %d, want 1", s.Allowlisted)
	}
}
