package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

const colGap = 2

// Table renders column-aligned output. Rows are buffered until Flush, which
// sizes the columns, narrows them to the terminal width when writing to a
// terminal, and word-wraps cells that no longer fit. Empty tables produce no
// output.
type Table struct {
	out     io.Writer
	headers []string
	prefix  string
	rows    [][]string
	width   int // 0: detect from out
}

// NewTable creates a table on stdout with the given column headers.
func NewTable(headers ...string) *Table {
	return NewTableTo(os.Stdout, headers...)
}

// NewTableTo creates a table writing to w.
func NewTableTo(w io.Writer, headers ...string) *Table {
	return &Table{out: w, headers: headers}
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
// Useful for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// WithWidth fixes the line width instead of detecting the terminal.
func (t *Table) WithWidth(width int) *Table {
	t.width = width
	return t
}

// Row buffers a row. Missing trailing cells are blank.
func (t *Table) Row(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Len returns the number of buffered rows.
func (t *Table) Len() int { return len(t.rows) }

// Flush writes the table. If no rows were added, nothing is printed.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if n := visualLen(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	if tw := t.termWidth(); tw > 0 {
		widths = capWidths(widths, t.headers, tw, visualLen(t.prefix))
	}

	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.writeRow(widths, t.headers)
	t.writeRow(widths, dividers)
	for _, row := range t.rows {
		t.writeRow(widths, row)
	}
	t.rows = nil
}

func (t *Table) termWidth() int {
	if t.width > 0 {
		return t.width
	}
	f, ok := t.out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return w
}

func (t *Table) writeRow(widths []int, cells []string) {
	wrapped := make([][]string, len(cells))
	lines := 1
	for i, cell := range cells {
		wrapped[i] = wrapCell(cell, widths[i])
		if len(wrapped[i]) > lines {
			lines = len(wrapped[i])
		}
	}
	for l := 0; l < lines; l++ {
		var b strings.Builder
		b.WriteString(t.prefix)
		for i := range cells {
			var s string
			if l < len(wrapped[i]) {
				s = wrapped[i][l]
			}
			b.WriteString(s)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-visualLen(s)+colGap))
			}
		}
		fmt.Fprintln(t.out, strings.TrimRight(b.String(), " "))
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// visualLen is the printed width of s, ignoring ANSI color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(ansiEscape.ReplaceAllString(s, ""))
}

// capWidths shrinks the widest columns until a line fits in total, never
// narrowing a column below its header.
func capWidths(widths []int, headers []string, total, prefix int) []int {
	out := append([]int(nil), widths...)
	lineLen := func() int {
		n := prefix + colGap*(len(out)-1)
		for _, w := range out {
			n += w
		}
		return n
	}
	for lineLen() > total {
		widest, excess := -1, 0
		for i, w := range out {
			if room := w - visualLen(headers[i]); room > 0 && (widest < 0 || w > out[widest]) {
				widest, excess = i, room
			}
		}
		if widest < 0 {
			break
		}
		cut := lineLen() - total
		if cut > excess {
			cut = excess
		}
		out[widest] -= cut
	}
	return out
}

// wrapCell splits s into lines of at most width runes, breaking at spaces
// and hard-breaking words longer than width. Cells that fit, including
// colored ones, are returned unchanged.
func wrapCell(s string, width int) []string {
	if width <= 0 || visualLen(s) <= width {
		return []string{s}
	}
	plain := ansiEscape.ReplaceAllString(s, "")

	var lines []string
	var cur []rune
	for _, word := range strings.Fields(plain) {
		w := []rune(word)
		if len(cur) > 0 && len(cur)+1+len(w) <= width {
			cur = append(append(cur, ' '), w...)
			continue
		}
		if len(cur) > 0 {
			lines = append(lines, string(cur))
			cur = nil
		}
		for len(w) > width {
			lines = append(lines, string(w[:width]))
			w = w[width:]
		}
		cur = w
	}
	if len(cur) > 0 {
		lines = append(lines, string(cur))
	}
	return lines
}
