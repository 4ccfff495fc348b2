package generator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// RouterMetadata is the metadata.json sidecar in each router directory.
// created_at survives regeneration; last_updated moves every write.
type RouterMetadata struct {
	Hostname     string    `json:"hostname"`
	SafeHostname string    `json:"safe_hostname"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
	Policies     []string  `json:"policies"`
	ASNumbers    []int64   `json:"as_numbers"`
}

// Writer lays out generated policies on disk: per-AS files, an optional
// combined file, and metadata, grouped per router under the policy dir.
type Writer struct {
	baseDir  string
	combined bool
	separate bool
}

// NewWriter builds a writer from output settings.
func NewWriter(cfg config.OutputConfig) *Writer {
	return &Writer{
		baseDir:  cfg.PolicyDir,
		combined: cfg.CombinedFile,
		separate: cfg.SeparateFile,
	}
}

// policyFileName is the canonical per-target artifact name.
func policyFileName(t Target) string {
	if t.ASSet != "" {
		return util.SafeHostname(t.ASSet) + "_policy.txt"
	}
	return fmt.Sprintf("AS%d_policy.txt", t.ASN)
}

// WriteRouter writes the successful results for one router into
// routers/<safe-hostname>/ and refreshes metadata.json. Failed results
// are skipped; the caller reports them.
func (w *Writer) WriteRouter(hostname string, results []Result) (string, error) {
	safe := util.SafeHostname(hostname)
	dir := filepath.Join(w.baseDir, "routers", safe)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating router directory %s: %w", dir, err)
	}

	var (
		policies  []string
		asNumbers []int64
	)
	for _, r := range results {
		if r.Err != nil || r.Text == "" {
			continue
		}
		if r.Target.ASN != 0 {
			asNumbers = append(asNumbers, r.Target.ASN)
		}
		if w.separate {
			name := policyFileName(r.Target)
			if err := os.WriteFile(filepath.Join(dir, name), []byte(r.Text), 0644); err != nil {
				return "", fmt.Errorf("writing %s: %w", name, err)
			}
			policies = append(policies, name)
		}
	}

	if w.combined {
		name := safe + "_combined_policy.txt"
		if err := os.WriteFile(filepath.Join(dir, name), []byte(Combine(hostname, results)), 0644); err != nil {
			return "", fmt.Errorf("writing %s: %w", name, err)
		}
		policies = append(policies, name)
	}

	sort.Slice(asNumbers, func(i, j int) bool { return asNumbers[i] < asNumbers[j] })
	if err := w.writeMetadata(dir, hostname, safe, policies, asNumbers); err != nil {
		return "", err
	}
	return dir, nil
}

// Combine concatenates successful results with comment separators. The
// separators are Junos comment syntax so the file stays loadable.
func Combine(hostname string, results []Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "/* Combined prefix-list policies for %s */\n", hostname)
	fmt.Fprintf(&b, "/* Generated by otto-bgp on %s */\n", time.Now().UTC().Format(time.RFC3339))
	for _, r := range results {
		if r.Err != nil || r.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n/* %s: %d prefixes", r.Target.Resource(), r.PrefixCount)
		if r.Cached {
			b.WriteString(", cached")
		}
		b.WriteString(" */\n")
		b.WriteString(r.Text)
		if !strings.HasSuffix(r.Text, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (w *Writer) writeMetadata(dir, hostname, safe string, policies []string, asNumbers []int64) error {
	path := filepath.Join(dir, "metadata.json")
	now := time.Now().UTC()

	meta := RouterMetadata{
		Hostname:     hostname,
		SafeHostname: safe,
		CreatedAt:    now,
		LastUpdated:  now,
		Policies:     policies,
		ASNumbers:    asNumbers,
	}
	if data, err := os.ReadFile(path); err == nil {
		var prev RouterMetadata
		if json.Unmarshal(data, &prev) == nil && !prev.CreatedAt.IsZero() {
			meta.CreatedAt = prev.CreatedAt
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing metadata.json: %w", err)
	}
	return nil
}

// WriteFlat writes per-target artifacts without router scoping, for the
// standalone policy command.
func (w *Writer) WriteFlat(results []Result) error {
	if err := os.MkdirAll(w.baseDir, 0755); err != nil {
		return fmt.Errorf("creating policy directory %s: %w", w.baseDir, err)
	}
	for _, r := range results {
		if r.Err != nil || r.Text == "" {
			continue
		}
		name := policyFileName(r.Target)
		if err := os.WriteFile(filepath.Join(w.baseDir, name), []byte(r.Text), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}
