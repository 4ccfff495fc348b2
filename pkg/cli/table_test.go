package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestTableEmptyPrintsNothing(t *testing.T) {
	var buf bytes.Buffer
	newTable(&buf, "HOSTNAME", "STATE").Flush()

	if buf.Len() != 0 {
		t.Errorf("table without rows produced output: %q", buf.String())
	}
}

func TestTableHeadersAndDivider(t *testing.T) {
	var buf bytes.Buffer
	tbl := newTable(&buf, "HOSTNAME", "STATE")
	tbl.Row("edge1.nyc", "applied")
	tbl.Row("edge2.sfo", "pending")
	tbl.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines (header, divider, 2 rows), got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "HOSTNAME") {
		t.Errorf("first line should carry headers, got %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "--------") {
		t.Errorf("second line should be a divider, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "edge1.nyc") || !strings.Contains(lines[2], "applied") {
		t.Errorf("row content missing: %q", lines[2])
	}
}

func TestTableRowShaping(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
		values  []string
		want    []string
		notWant []string
	}{
		{
			name:    "empty cell renders dash",
			headers: []string{"HOSTNAME", "LAST ERROR"},
			values:  []string{"edge1.nyc", ""},
			want:    []string{"edge1.nyc", "-"},
		},
		{
			name:    "missing trailing cells render dash",
			headers: []string{"AS", "VALIDATION", "REASON"},
			values:  []string{"AS65001"},
			want:    []string{"AS65001", "-"},
		},
		{
			name:    "extra values are dropped",
			headers: []string{"RUN", "STATUS"},
			values:  []string{"42", "paused", "overflow"},
			want:    []string{"42", "paused"},
			notWant: []string{"overflow"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tbl := newTable(&buf, tt.headers...)
			tbl.Row(tt.values...)
			tbl.Flush()

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("output should not contain %q:\n%s", nw, out)
				}
			}
		})
	}
}

func TestTableWithPrefix(t *testing.T) {
	var buf bytes.Buffer
	tbl := newTable(&buf, "STAGE", "TARGETS").WithPrefix("  ")
	tbl.Row("canary", "1")
	tbl.Flush()

	for i, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if !strings.HasPrefix(line, "  ") {
			t.Errorf("line %d not indented: %q", i, line)
		}
	}
}
