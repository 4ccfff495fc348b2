package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// Timeouts holds the bounded operation limits the pipeline runs under.
type Timeouts struct {
	Process time.Duration // external tool invocation (bgpq4)
	Thread  time.Duration // single worker unit of SSH work
	Network time.Duration // generic network dial
	SSH     time.Duration // SSH handshake
	NETCONF time.Duration // NETCONF RPC
	Batch   time.Duration // whole batch operation
	RPKI    time.Duration // VRP batch evaluation
}

// timeoutSpec binds an environment variable to its default and clamp range,
// all in seconds.
type timeoutSpec struct {
	env      string
	def      int
	min, max int
}

var timeoutSpecs = []timeoutSpec{
	{"OTTO_BGP_PROCESS_TIMEOUT", 30, 5, 300},
	{"OTTO_BGP_THREAD_TIMEOUT", 60, 10, 600},
	{"OTTO_BGP_NETWORK_TIMEOUT", 10, 2, 60},
	{"OTTO_BGP_SSH_TIMEOUT", 15, 5, 60},
	{"OTTO_BGP_NETCONF_TIMEOUT", 45, 10, 300},
	{"OTTO_BGP_BATCH_TIMEOUT", 300, 60, 1800},
	{"OTTO_BGP_RPKI_TIMEOUT", 120, 30, 600},
}

// refreshInterval is how long cached values are trusted before the
// environment is consulted again, so operator edits apply without restart.
const refreshInterval = 5 * time.Minute

// TimeoutManager reads timeout settings from the environment, clamping
// out-of-range values with a warning. It is process-wide; use the package
// functions rather than constructing one per caller.
type TimeoutManager struct {
	mu      sync.Mutex
	cached  Timeouts
	loaded  time.Time
	nowFunc func() time.Time
}

// NewTimeoutManager returns a manager with nothing cached yet.
func NewTimeoutManager() *TimeoutManager {
	return &TimeoutManager{nowFunc: time.Now}
}

// Current returns the active timeout set, re-reading the environment when the
// cache is older than the refresh interval.
func (m *TimeoutManager) Current() Timeouts {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if m.loaded.IsZero() || now.Sub(m.loaded) >= refreshInterval {
		m.cached = m.read()
		m.loaded = now
	}
	return m.cached
}

// Reset drops the cache so the next Current() re-reads the environment.
// Intended for tests and explicit reload commands.
func (m *TimeoutManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = time.Time{}
}

func (m *TimeoutManager) read() Timeouts {
	vals := make([]time.Duration, len(timeoutSpecs))
	for i, spec := range timeoutSpecs {
		vals[i] = time.Duration(readTimeoutSeconds(spec)) * time.Second
	}
	return Timeouts{
		Process: vals[0],
		Thread:  vals[1],
		Network: vals[2],
		SSH:     vals[3],
		NETCONF: vals[4],
		Batch:   vals[5],
		RPKI:    vals[6],
	}
}

func readTimeoutSeconds(spec timeoutSpec) int {
	raw := os.Getenv(spec.env)
	if raw == "" {
		return spec.def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		util.Warnf("%s=%q is not an integer, using default %ds", spec.env, raw, spec.def)
		return spec.def
	}
	if n < spec.min {
		util.Warnf("%s=%d below minimum, clamped to %ds", spec.env, n, spec.min)
		return spec.min
	}
	if n > spec.max {
		util.Warnf("%s=%d above maximum, clamped to %ds", spec.env, n, spec.max)
		return spec.max
	}
	return n
}

var defaultManager = NewTimeoutManager()

// CurrentTimeouts returns the process-wide timeout set.
func CurrentTimeouts() Timeouts {
	return defaultManager.Current()
}

// ResetTimeouts clears the process-wide cache; the next read hits the
// environment again.
func ResetTimeouts() {
	defaultManager.Reset()
}
