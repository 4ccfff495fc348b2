package cli

import (
	"strings"
	"testing"
)

func TestDotPad(t *testing.T) {
	tests := []struct {
		name  string
		input string
		width int
		want  string
	}{
		{
			name:  "hostname padded to width",
			input: "edge1.nyc",
			width: 24,
			want:  "edge1.nyc " + strings.Repeat(".", 14),
		},
		{
			name:  "short name",
			input: "ok",
			width: 10,
			want:  "ok " + strings.Repeat(".", 7),
		},
		{
			name:  "no room for dots",
			input: "edge1",
			width: 6,
			want:  "edge1",
		},
		{
			name:  "name fills width",
			input: "edge1.nyc",
			width: 9,
			want:  "edge1.nyc",
		},
		{
			name:  "name longer than width",
			input: "edge1.nyc.example.net",
			width: 8,
			want:  "edge1.nyc.example.net",
		},
		{
			name:  "zero width",
			input: "edge1",
			width: 0,
			want:  "edge1",
		},
		{
			name:  "empty name",
			input: "",
			width: 6,
			want:  " .....",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DotPad(tt.input, tt.width)
			if got != tt.want {
				t.Errorf("DotPad(%q, %d) = %q, want %q", tt.input, tt.width, got, tt.want)
			}
		})
	}
}

func TestDotPadResultLength(t *testing.T) {
	got := DotPad("edge1.nyc", 30)
	if len(got) != 30 {
		t.Errorf("DotPad result length = %d, want 30", len(got))
	}
}

func TestColorWrappers(t *testing.T) {
	if !colorEnabled {
		t.Skip("NO_COLOR is set in the test environment")
	}

	tests := []struct {
		name   string
		fn     func(string) string
		prefix string
	}{
		{"Green", Green, "\033[32m"},
		{"Yellow", Yellow, "\033[33m"},
		{"Red", Red, "\033[31m"},
		{"Bold", Bold, "\033[1m"},
		{"Dim", Dim, "\033[2m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn("VALID")
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("%s(%q) = %q, want prefix %q", tt.name, "VALID", got, tt.prefix)
			}
			if !strings.Contains(got, "VALID") {
				t.Errorf("%s dropped its input: %q", tt.name, got)
			}
			if !strings.HasSuffix(got, "\033[0m") {
				t.Errorf("%s(%q) = %q, want reset suffix", tt.name, "VALID", got)
			}
		})
	}
}
