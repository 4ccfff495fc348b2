package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Table renders column-aligned output through text/tabwriter. Headers
// and a dash divider are written lazily on the first Row, so a table
// that never receives a row prints nothing. Empty cells render as "-"
// to keep sparse columns (last errors, reasons, regions) scannable.
type Table struct {
	w       *tabwriter.Writer
	headers []string
	prefix  string
	started bool
}

// NewTable creates a stdout table with the given column headers.
func NewTable(headers ...string) *Table {
	return newTable(os.Stdout, headers...)
}

func newTable(w io.Writer, headers ...string) *Table {
	return &Table{
		w:       tabwriter.NewWriter(w, 0, 0, 2, ' ', 0),
		headers: headers,
	}
}

// WithPrefix prepends prefix to every line (headers, divider, rows),
// for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row writes one row. The row is shaped by the headers: missing
// trailing values and empty strings render as "-", extras are dropped.
func (t *Table) Row(values ...string) {
	t.start()
	cells := make([]string, len(t.headers))
	for i := range cells {
		if i < len(values) && values[i] != "" {
			cells[i] = values[i]
		} else {
			cells[i] = "-"
		}
	}
	fmt.Fprintln(t.w, t.prefix+strings.Join(cells, "\t"))
}

// Flush writes the buffered output. A table without rows prints nothing.
func (t *Table) Flush() {
	if !t.started {
		return
	}
	t.w.Flush()
}

func (t *Table) start() {
	if t.started {
		return
	}
	t.started = true
	fmt.Fprintln(t.w, t.prefix+strings.Join(t.headers, "\t"))
	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(t.w, t.prefix+strings.Join(dividers, "\t"))
}
