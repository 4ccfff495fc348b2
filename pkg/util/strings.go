package util

import "strings"

// SplitCommaSeparated splits a comma-separated string and trims whitespace from each element.
// Empty input returns nil.
func SplitCommaSeparated(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// unsafeHostnameChars are replaced with hyphens in filesystem-safe hostnames.
const unsafeHostnameChars = `/\:*?"<>|`

// SafeHostname converts a router hostname into its filesystem-safe form:
// path-hostile characters become hyphens, spaces become underscores.
func SafeHostname(hostname string) string {
	var b strings.Builder
	b.Grow(len(hostname))
	for _, r := range hostname {
		switch {
		case strings.ContainsRune(unsafeHostnameChars, r):
			b.WriteRune('-')
		case r == ' ':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SynthesizeHostname derives a deterministic hostname from a bare address
// when the inventory row has none: dots and colons become hyphens and the
// result is prefixed "router-".
func SynthesizeHostname(address string) string {
	replaced := strings.NewReplacer(".", "-", ":", "-").Replace(address)
	return "router-" + replaced
}

// TruncateString shortens s to max runes, appending "..." when truncated.
func TruncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
