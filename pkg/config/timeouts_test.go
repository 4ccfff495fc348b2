package config

import (
	"testing"
	"time"
)

func TestTimeoutDefaults(t *testing.T) {
	m := NewTimeoutManager()
	got := m.Current()

	want := Timeouts{
		Process: 30 * time.Second,
		Thread:  60 * time.Second,
		Network: 10 * time.Second,
		SSH:     15 * time.Second,
		NETCONF: 45 * time.Second,
		Batch:   300 * time.Second,
		RPKI:    120 * time.Second,
	}
	if got != want {
		t.Errorf("defaults = %+v, want %+v", got, want)
	}
}

func TestTimeoutClamping(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
		check func(Timeouts) time.Duration
		want  time.Duration
	}{
		{"process below min", "OTTO_BGP_PROCESS_TIMEOUT", "1", func(to Timeouts) time.Duration { return to.Process }, 5 * time.Second},
		{"process above max", "OTTO_BGP_PROCESS_TIMEOUT", "9999", func(to Timeouts) time.Duration { return to.Process }, 300 * time.Second},
		{"process in range", "OTTO_BGP_PROCESS_TIMEOUT", "45", func(to Timeouts) time.Duration { return to.Process }, 45 * time.Second},
		{"process not a number", "OTTO_BGP_PROCESS_TIMEOUT", "soon", func(to Timeouts) time.Duration { return to.Process }, 30 * time.Second},
		{"ssh below min", "OTTO_BGP_SSH_TIMEOUT", "2", func(to Timeouts) time.Duration { return to.SSH }, 5 * time.Second},
		{"netconf above max", "OTTO_BGP_NETCONF_TIMEOUT", "1000", func(to Timeouts) time.Duration { return to.NETCONF }, 300 * time.Second},
		{"batch in range", "OTTO_BGP_BATCH_TIMEOUT", "600", func(to Timeouts) time.Duration { return to.Batch }, 600 * time.Second},
		{"rpki below min", "OTTO_BGP_RPKI_TIMEOUT", "10", func(to Timeouts) time.Duration { return to.RPKI }, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			m := NewTimeoutManager()
			if got := tt.check(m.Current()); got != tt.want {
				t.Errorf("%s=%s gave %v, want %v", tt.env, tt.value, got, tt.want)
			}
		})
	}
}

func TestTimeoutCacheRefresh(t *testing.T) {
	t.Setenv("OTTO_BGP_NETWORK_TIMEOUT", "20")

	now := time.Now()
	m := NewTimeoutManager()
	m.nowFunc = func() time.Time { return now }

	if got := m.Current().Network; got != 20*time.Second {
		t.Fatalf("initial Network = %v, want 20s", got)
	}

	// Edits inside the refresh window are not visible yet.
	t.Setenv("OTTO_BGP_NETWORK_TIMEOUT", "30")
	now = now.Add(1 * time.Minute)
	if got := m.Current().Network; got != 20*time.Second {
		t.Errorf("Network within refresh window = %v, want cached 20s", got)
	}

	// Past the refresh interval the new value is picked up.
	now = now.Add(5 * time.Minute)
	if got := m.Current().Network; got != 30*time.Second {
		t.Errorf("Network after refresh = %v, want 30s", got)
	}
}

func TestTimeoutReset(t *testing.T) {
	t.Setenv("OTTO_BGP_THREAD_TIMEOUT", "100")
	m := NewTimeoutManager()
	if got := m.Current().Thread; got != 100*time.Second {
		t.Fatalf("Thread = %v, want 100s", got)
	}

	t.Setenv("OTTO_BGP_THREAD_TIMEOUT", "200")
	m.Reset()
	if got := m.Current().Thread; got != 200*time.Second {
		t.Errorf("Thread after Reset = %v, want 200s", got)
	}
}

func TestPackageLevelTimeouts(t *testing.T) {
	t.Setenv("OTTO_BGP_SSH_TIMEOUT", "20")
	ResetTimeouts()
	t.Cleanup(ResetTimeouts)

	if got := CurrentTimeouts().SSH; got != 20*time.Second {
		t.Fatalf("SSH = %v, want 20s", got)
	}

	t.Setenv("OTTO_BGP_SSH_TIMEOUT", "30")
	ResetTimeouts()
	if got := CurrentTimeouts().SSH; got != 30*time.Second {
		t.Errorf("SSH after ResetTimeouts = %v, want 30s", got)
	}
}
