package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/hostkey"
	"github.com/otto-bgp/otto-bgp/pkg/model"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

func testHostKeys(t *testing.T) *hostkey.Store {
	t.Helper()
	s, err := hostkey.NewStore(filepath.Join(t.TempDir(), "known_hosts"), true)
	if err != nil {
		t.Fatalf("hostkey store: %v", err)
	}
	return s
}

func testCollector(t *testing.T, cfg config.SSHConfig) *Collector {
	t.Helper()
	t.Setenv("OTTO_TEST_SSH_PASSWORD", "secret")
	cfg.PasswordEnv = "OTTO_TEST_SSH_PASSWORD"
	if cfg.Username == "" {
		cfg.Username = "otto-bgp"
	}
	if cfg.ConnectTimeoutSeconds == 0 {
		cfg.ConnectTimeoutSeconds = 1
	}
	if cfg.CommandTimeoutSeconds == 0 {
		cfg.CommandTimeoutSeconds = 1
	}
	c, err := New(cfg, testHostKeys(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresAuth(t *testing.T) {
	cfg := config.SSHConfig{Username: "otto-bgp", ConnectTimeoutSeconds: 1, CommandTimeoutSeconds: 1}
	_, err := New(cfg, testHostKeys(t))
	if err == nil {
		t.Fatal("expected error with no auth configured")
	}
	if !errors.Is(err, util.ErrConfiguration) {
		t.Errorf("want ConfigurationError, got %v", err)
	}
}

func TestNewRejectsMissingKeyFile(t *testing.T) {
	cfg := config.SSHConfig{
		Username:              "otto-bgp",
		KeyPath:               filepath.Join(t.TempDir(), "no-such-key"),
		ConnectTimeoutSeconds: 1,
		CommandTimeoutSeconds: 1,
	}
	if _, err := New(cfg, testHostKeys(t)); err == nil {
		t.Fatal("expected error for missing key file")
	}
}

func TestWorkersClamped(t *testing.T) {
	c := testCollector(t, config.SSHConfig{MaxWorkers: 5})

	cases := []struct {
		devices int
		want    int
	}{
		{1, 1},
		{3, 3},
		{5, 5},
		{20, 5},
	}
	for _, tc := range cases {
		if got := c.Workers(tc.devices); got != tc.want {
			t.Errorf("Workers(%d) = %d, want %d", tc.devices, got, tc.want)
		}
	}

	c2 := testCollector(t, config.SSHConfig{MaxWorkers: 0})
	if got := c2.Workers(10); got != 1 {
		t.Errorf("zero-config workers = %d, want 1", got)
	}
}

func TestCollectEmptyDeviceList(t *testing.T) {
	c := testCollector(t, config.SSHConfig{MaxWorkers: 2})
	results := c.Collect(context.Background(), nil, CommandBGPConfig)
	if len(results) != 0 {
		t.Errorf("got %d results for empty input", len(results))
	}
}

func TestCollectCapturesPerDeviceFailure(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET-1; connections fail fast or time out.
	c := testCollector(t, config.SSHConfig{MaxWorkers: 2})
	devices := []model.Device{
		{Address: "192.0.2.1", Hostname: "r1"},
		{Address: "192.0.2.2", Hostname: "r2"},
	}

	results := c.Collect(context.Background(), devices, CommandBGPConfig)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if r.Device.Hostname != devices[i].Hostname {
			t.Errorf("result %d out of order: %s", i, r.Device.Hostname)
		}
		if r.Err == nil {
			t.Errorf("device %s: expected connection error", r.Device.Hostname)
		}
	}
}

func TestCollectCancellation(t *testing.T) {
	c := testCollector(t, config.SSHConfig{MaxWorkers: 1, ConnectTimeoutSeconds: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	devices := []model.Device{
		{Address: "192.0.2.1", Hostname: "r1"},
		{Address: "192.0.2.2", Hostname: "r2"},
		{Address: "192.0.2.3", Hostname: "r3"},
	}
	results := c.Collect(ctx, devices, CommandBGPConfig)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Err == nil {
			t.Errorf("device %s: expected cancellation error", r.Device.Hostname)
		}
	}
}

func TestCollectorHonorsEnvPassword(t *testing.T) {
	os.Unsetenv("OTTO_TEST_EMPTY_PASSWORD")
	cfg := config.SSHConfig{
		Username:              "otto-bgp",
		PasswordEnv:           "OTTO_TEST_EMPTY_PASSWORD",
		ConnectTimeoutSeconds: 1,
		CommandTimeoutSeconds: 1,
	}
	// Empty/unset password env means no auth method at all.
	if _, err := New(cfg, testHostKeys(t)); err == nil {
		t.Fatal("expected error when password env is unset")
	}
}
