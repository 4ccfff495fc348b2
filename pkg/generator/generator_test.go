package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otto-bgp/otto-bgp/pkg/cache"
	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

const sampleOutput = `policy-options {
replace:
 prefix-list AS64500 {
    192.0.2.0/24;
    198.51.100.0/24;
 }
}
`

func TestTargetValidate(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{"plain AS", TargetAS(64500), false},
		{"4-byte AS", TargetAS(4200000001), false},
		{"AS zero rejected as empty", Target{}, true},
		{"AS out of range", TargetAS(4294967296), true},
		{"negative AS", TargetAS(-5), true},
		{"AS-SET", TargetSet("AS-TELIA"), false},
		{"hierarchical AS-SET", TargetSet("AS64500:AS-CUSTOMERS"), false},
		{"lowercase normalized by constructor", TargetSet("as-telia"), false},
		{"AS-SET with shell metacharacters", Target{ASSet: "AS-TELIA;rm"}, true},
		{"AS-SET with space", Target{ASSet: "AS-TELIA -h evil"}, true},
		{"AS-SET purely numeric", Target{ASSet: "AS64500"}, true},
		{"both AS and set", Target{ASN: 64500, ASSet: "AS-TELIA"}, true},
		{"policy name ok", Target{ASN: 64500, PolicyName: "transit-in_v4"}, false},
		{"policy name bad chars", Target{ASN: 64500, PolicyName: "transit;in"}, true},
		{"policy name too long", Target{ASN: 64500, PolicyName: strings.Repeat("a", 65)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, util.ErrValidation) {
				t.Errorf("error kind = %v, want validation", util.KindOf(err))
			}
		})
	}
}

func TestTargetNames(t *testing.T) {
	as := Target{ASN: 7922}
	if as.Resource() != "AS7922" || as.ListName() != "AS7922" {
		t.Errorf("AS target names = %s/%s", as.Resource(), as.ListName())
	}
	if as.CacheKey() != "AS7922:default" {
		t.Errorf("AS cache key = %s", as.CacheKey())
	}

	named := Target{ASN: 7922, PolicyName: "comcast-in"}
	if named.ListName() != "comcast-in" {
		t.Errorf("named list = %s", named.ListName())
	}
	if named.CacheKey() != "AS7922:comcast-in" {
		t.Errorf("named cache key = %s", named.CacheKey())
	}

	set := TargetSet("as-telia")
	if set.Resource() != "AS-TELIA" {
		t.Errorf("set resource = %s", set.Resource())
	}
	if set.CacheKey() != "AS-TELIA:default" {
		t.Errorf("set cache key = %s", set.CacheKey())
	}
}

func TestArgv(t *testing.T) {
	g := New(config.BGPq4Config{Command: "bgpq4", IPv4: true})
	got := g.argv(Target{ASN: 64500}, 4)
	want := []string{"-J", "-4", "-l", "AS64500", "AS64500"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("argv = %v, want %v", got, want)
	}

	g = New(config.BGPq4Config{Command: "bgpq4"}, WithIRRHost("127.0.0.1:43001"))
	got = g.argv(Target{ASN: 64500, PolicyName: "edge-in"}, 6)
	want = []string{"-J", "-6", "-l", "edge-in_v6", "-h", "127.0.0.1:43001", "AS64500"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}

func TestExtractPrefixes(t *testing.T) {
	text := `policy-options {
 prefix-list AS64500 {
    192.0.2.0/24;
    2001:db8::/32;
 }
 policy-statement AS64500-in {
    term allow {
        from {
            route-filter 198.51.100.0/24 exact;
        }
    }
 }
}
`
	got := ExtractPrefixes(text)
	if len(got) != 3 {
		t.Fatalf("extracted %d prefixes (%v), want 3", len(got), got)
	}
	if got[0] != "192.0.2.0/24" || got[1] != "2001:db8::/32" || got[2] != "198.51.100.0/24" {
		t.Errorf("prefixes = %v", got)
	}
}

// memCache is an in-memory cache.Store for generator tests.
type memCache struct {
	entries map[string]*cache.Entry
	puts    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*cache.Entry)}
}

func (m *memCache) Get(_ context.Context, key string) (*cache.Entry, bool, error) {
	e, ok := m.entries[key]
	if !ok || e.Expired(time.Now()) {
		return nil, false, nil
	}
	e.Hits++
	return e, true, nil
}

func (m *memCache) Put(_ context.Context, e *cache.Entry) error {
	m.puts++
	m.entries[e.Key] = e
	return nil
}

func (m *memCache) Invalidate(_ context.Context, key string) error {
	delete(m.entries, key)
	return nil
}

func (m *memCache) Sweep(context.Context) (int64, error) { return 0, nil }
func (m *memCache) Stats(context.Context) (*cache.Stats, error) {
	return &cache.Stats{Entries: int64(len(m.entries))}, nil
}
func (m *memCache) Close() error { return nil }

func stubRunner(output string, err error, calls *int) commandRunner {
	return func(context.Context, string, ...string) ([]byte, []byte, error) {
		*calls++
		if err != nil {
			return nil, []byte("bgpq4: simulated failure"), err
		}
		return []byte(output), nil, nil
	}
}

func TestGenerateCachesAndHits(t *testing.T) {
	store := newMemCache()
	calls := 0
	g := New(config.BGPq4Config{Command: "bgpq4", IPv4: true, Workers: 2},
		WithCache(store, 24))
	g.run = stubRunner(sampleOutput, nil, &calls)
	ctx := context.Background()

	res := g.Generate(ctx, TargetAS(64500))
	if res.Err != nil {
		t.Fatalf("Generate: %v", res.Err)
	}
	if res.Cached {
		t.Error("first generation reported as cached")
	}
	if res.PrefixCount != 2 {
		t.Errorf("prefix count = %d, want 2", res.PrefixCount)
	}
	if calls != 1 {
		t.Errorf("bgpq4 invoked %d times, want 1", calls)
	}
	if store.puts != 1 {
		t.Errorf("cache puts = %d, want 1", store.puts)
	}

	res = g.Generate(ctx, TargetAS(64500))
	if res.Err != nil {
		t.Fatalf("cached Generate: %v", res.Err)
	}
	if !res.Cached {
		t.Error("second generation not served from cache")
	}
	if calls != 1 {
		t.Errorf("bgpq4 invoked %d times after cache hit, want 1", calls)
	}
	if res.Text != sampleOutput {
		t.Error("cached text differs from generated text")
	}
}

func TestGenerateRejectsBeforeExec(t *testing.T) {
	calls := 0
	g := New(config.BGPq4Config{Command: "bgpq4", IPv4: true})
	g.run = stubRunner(sampleOutput, nil, &calls)

	res := g.Generate(context.Background(), Target{ASSet: "AS-X;reboot"})
	if res.Err == nil {
		t.Fatal("expected validation error")
	}
	if calls != 0 {
		t.Errorf("bgpq4 invoked %d times for invalid target, want 0", calls)
	}
}

func TestGenerateSubprocessFailure(t *testing.T) {
	calls := 0
	g := New(config.BGPq4Config{Command: "bgpq4", IPv4: true})
	g.run = stubRunner("", errors.New("exit status 1"), &calls)

	res := g.Generate(context.Background(), TargetAS(64500))
	if res.Err == nil {
		t.Fatal("expected error from failed subprocess")
	}
	if !errors.Is(res.Err, util.ErrData) {
		t.Errorf("error kind = %v, want data", util.KindOf(res.Err))
	}
	if !strings.Contains(res.Err.Error(), "simulated failure") {
		t.Errorf("error %q does not carry stderr", res.Err.Error())
	}
}

func TestGenerateBatchPartialFailure(t *testing.T) {
	calls := 0
	g := New(config.BGPq4Config{Command: "bgpq4", IPv4: true, Workers: 2})
	g.run = func(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
		calls++
		if args[len(args)-1] == "AS64501" {
			return nil, []byte("no matching autnum"), errors.New("exit status 1")
		}
		return []byte(sampleOutput), nil, nil
	}

	batch, err := g.GenerateBatch(context.Background(),
		[]Target{TargetAS(64500), TargetAS(64501), TargetAS(64502)})
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if !batch.OK() {
		t.Error("batch with partial success reported not OK")
	}
	if batch.Succeeded != 2 || batch.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 2/1", batch.Succeeded, batch.Failed)
	}
	if batch.Results[1].Err == nil {
		t.Error("failed target missing its error")
	}
	if batch.Results[0].Target.ASN != 64500 || batch.Results[2].Target.ASN != 64502 {
		t.Error("batch results not in input order")
	}
}

func TestGenerateBatchAllFail(t *testing.T) {
	g := New(config.BGPq4Config{Command: "bgpq4", IPv4: true, Workers: 2})
	calls := 0
	g.run = stubRunner("", errors.New("exit status 1"), &calls)

	batch, err := g.GenerateBatch(context.Background(), []Target{TargetAS(64500), TargetAS(64501)})
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if batch.OK() {
		t.Error("batch with zero successes reported OK")
	}
}

func TestWriterWriteRouter(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(config.OutputConfig{
		PolicyDir:    dir,
		CombinedFile: true,
		SeparateFile: true,
	})

	results := []Result{
		{Target: TargetAS(64500), Text: sampleOutput, PrefixCount: 2},
		{Target: TargetAS(64501), Text: "", Err: errors.New("failed")},
		{Target: TargetAS(64502), Text: sampleOutput, PrefixCount: 2, Cached: true},
	}

	routerDir, err := w.WriteRouter("edge1.lab", results)
	if err != nil {
		t.Fatalf("WriteRouter: %v", err)
	}

	for _, name := range []string{"AS64500_policy.txt", "AS64502_policy.txt", "edge1.lab_combined_policy.txt", "metadata.json"} {
		if _, err := os.Stat(filepath.Join(routerDir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(routerDir, "AS64501_policy.txt")); err == nil {
		t.Error("failed target produced a policy file")
	}

	combined, err := os.ReadFile(filepath.Join(routerDir, "edge1.lab_combined_policy.txt"))
	if err != nil {
		t.Fatalf("reading combined file: %v", err)
	}
	if !strings.Contains(string(combined), "/* AS64500: 2 prefixes */") {
		t.Error("combined file missing AS64500 separator")
	}
	if !strings.Contains(string(combined), "/* AS64502: 2 prefixes, cached */") {
		t.Error("combined file missing cached marker")
	}

	var meta RouterMetadata
	data, err := os.ReadFile(filepath.Join(routerDir, "metadata.json"))
	if err != nil {
		t.Fatalf("reading metadata: %v", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("parsing metadata: %v", err)
	}
	if meta.Hostname != "edge1.lab" || meta.SafeHostname != "edge1.lab" {
		t.Errorf("metadata names = %s/%s", meta.Hostname, meta.SafeHostname)
	}
	if len(meta.ASNumbers) != 2 || meta.ASNumbers[0] != 64500 || meta.ASNumbers[1] != 64502 {
		t.Errorf("metadata AS numbers = %v", meta.ASNumbers)
	}

	created := meta.CreatedAt
	time.Sleep(10 * time.Millisecond)
	if _, err := w.WriteRouter("edge1.lab", results); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(routerDir, "metadata.json"))
	var meta2 RouterMetadata
	if err := json.Unmarshal(data, &meta2); err != nil {
		t.Fatalf("parsing rewritten metadata: %v", err)
	}
	if !meta2.CreatedAt.Equal(created) {
		t.Error("created_at did not survive regeneration")
	}
	if !meta2.LastUpdated.After(meta2.CreatedAt) {
		t.Error("last_updated not advanced on regeneration")
	}
}
