package pipeline

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/otto-bgp/otto-bgp/internal/testutil"
	"github.com/otto-bgp/otto-bgp/pkg/generator"
	"github.com/otto-bgp/otto-bgp/pkg/guardrail"
	"github.com/otto-bgp/otto-bgp/pkg/inspector"
	"github.com/otto-bgp/otto-bgp/pkg/model"
)

func TestRegistryReleasesLIFO(t *testing.T) {
	r := NewRegistry()
	var order []string
	for _, name := range []string{"pool", "tunnels", "session"} {
		name := name
		r.Register(name, func() error {
			order = append(order, name)
			return nil
		})
	}
	if got := r.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	r.Release()

	want := []string{"session", "tunnels", "pool"}
	if len(order) != len(want) {
		t.Fatalf("released %d resources, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("release order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestRegistryReleaseIdempotent(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.Register("pool", func() error {
		calls++
		return nil
	})

	r.Release()
	r.Release()

	if calls != 1 {
		t.Errorf("cleanup ran %d times, want 1", calls)
	}
}

func TestRegistryReleaseContinuesPastFailure(t *testing.T) {
	r := NewRegistry()
	released := false
	r.Register("first", func() error {
		released = true
		return nil
	})
	r.Register("failing", func() error {
		return errors.New("close failed")
	})

	r.Release()

	if !released {
		t.Error("a failing cleanup stopped earlier registrations from releasing")
	}
}

func TestRegistryRegisterAfterRelease(t *testing.T) {
	r := NewRegistry()
	r.Release()

	ran := false
	r.Register("late", func() error {
		ran = true
		return nil
	})

	if !ran {
		t.Error("late registration should run immediately after release")
	}
}

func TestSignalExitCode(t *testing.T) {
	tests := []struct {
		sig  syscall.Signal
		want int
	}{
		{syscall.SIGINT, 130},
		{syscall.SIGTERM, 143},
	}
	for _, tt := range tests {
		if got := SignalExitCode(tt.sig); got != tt.want {
			t.Errorf("SignalExitCode(%v) = %d, want %d", tt.sig, got, tt.want)
		}
	}
}

func TestProfileFromInspection(t *testing.T) {
	extractor := inspector.NewExtractor()
	insp := extractor.InspectConfig(testutil.SampleBGPConfig)

	dev := model.Device{Hostname: "edge1.nyc", Address: "10.0.0.1", Role: "edge", Region: "nyc"}
	profile := profileFrom(dev, insp)

	if profile.Hostname != "edge1.nyc" {
		t.Errorf("Hostname = %s, want edge1.nyc", profile.Hostname)
	}
	if profile.Metadata.Role != "edge" || profile.Metadata.Region != "nyc" {
		t.Errorf("metadata = %+v, want role/region carried over", profile.Metadata)
	}
	for _, as := range []int64{3356, 2914, 64800, 64801} {
		if !profile.HasAS(as) {
			t.Errorf("profile missing AS%d", as)
		}
	}
	groups := profile.GroupNames()
	if len(groups) != 2 {
		t.Fatalf("GroupNames() = %v, want TRANSIT and CUSTOMERS", groups)
	}
	if err := profile.Validate(); err != nil {
		t.Errorf("profile invariant broken: %v", err)
	}
}

func TestDeviceOutcomeDeployable(t *testing.T) {
	safe := &guardrail.Assessment{Safe: true}
	unsafe := &guardrail.Assessment{Safe: false}
	collectErr := errors.New("dial tcp: timeout")

	tests := []struct {
		name    string
		outcome DeviceOutcome
		want    bool
	}{
		{"generated and safe", DeviceOutcome{Generated: 3, Assessment: safe}, true},
		{"collection failed", DeviceOutcome{Err: collectErr, Assessment: safe}, false},
		{"nothing generated", DeviceOutcome{Generated: 0, Assessment: safe}, false},
		{"partial generation", DeviceOutcome{Generated: 2, Failed: 1, Assessment: safe}, false},
		{"unsafe assessment", DeviceOutcome{Generated: 3, Assessment: unsafe}, false},
		{"no assessment", DeviceOutcome{Generated: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Deployable(); got != tt.want {
				t.Errorf("Deployable() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestPolicyReportErr(t *testing.T) {
	empty := &PolicyReport{}
	if empty.Err() == nil {
		t.Error("empty report should be an error")
	}

	allFailed := &PolicyReport{Outcomes: []DeviceOutcome{
		{Err: errors.New("unreachable")},
		{Err: errors.New("unreachable")},
	}}
	if allFailed.Err() == nil {
		t.Error("report with zero successes should be an error")
	}

	partial := &PolicyReport{Outcomes: []DeviceOutcome{
		{Generated: 2},
		{Err: errors.New("unreachable")},
	}}
	if err := partial.Err(); err != nil {
		t.Errorf("partial success should not be a pipeline error, got %v", err)
	}
	if partial.Succeeded() != 1 || partial.Failed() != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 1/1", partial.Succeeded(), partial.Failed())
	}
}

func TestExcludeReason(t *testing.T) {
	tests := []struct {
		name    string
		outcome DeviceOutcome
		want    string
	}{
		{"error wins", DeviceOutcome{Err: errors.New("ssh: handshake failed")}, "ssh: handshake failed"},
		{"nothing generated", DeviceOutcome{}, "nothing generated"},
		{
			"partial failures",
			DeviceOutcome{Generated: 1, Failed: 2},
			"2 generation failure(s)",
		},
		{"missing assessment", DeviceOutcome{Generated: 1}, "no guardrail assessment"},
		{
			"unsafe",
			DeviceOutcome{Generated: 1, Assessment: &guardrail.Assessment{Safe: false}},
			"guardrails judged the change unsafe",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := excludeReason(&tt.outcome); got != tt.want {
				t.Errorf("excludeReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChangeSetSkipsFailedResults(t *testing.T) {
	p := New(nil)
	profile := &model.RouterProfile{Hostname: "edge1"}
	profile.AddAS(64800)
	profile.AddAS(64801)

	results := []generator.Result{
		{Target: generator.TargetAS(64800), Prefixes: []string{"192.0.2.0/24"}},
		{Target: generator.TargetAS(64801), Err: errors.New("bgpq4: exit 1")},
	}

	cs, err := p.changeSet(context.Background(), profile, results, nil)
	if err != nil {
		t.Fatalf("changeSet: %v", err)
	}
	if len(cs.Policies) != 1 {
		t.Fatalf("got %d policy changes, want 1 (failed result skipped)", len(cs.Policies))
	}
	if cs.Policies[0].ASNumber != 64800 {
		t.Errorf("ASNumber = %d, want 64800", cs.Policies[0].ASNumber)
	}
	if cs.Policies[0].ListName != "AS64800" {
		t.Errorf("ListName = %s, want AS64800", cs.Policies[0].ListName)
	}
}
