package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCapWidths(t *testing.T) {
	tests := []struct {
		name    string
		widths  []int
		headers []string
		total   int
		prefix  int
		want    []int
	}{
		{
			name:    "fits",
			widths:  []int{4, 16, 24},
			headers: []string{"KEY", "TABLE", "FIELDS"},
			total:   80,
			want:    []int{4, 16, 24},
		},
		{
			name:    "narrows widest",
			widths:  []int{5, 60, 10},
			headers: []string{"KEY", "FIELDS", "STATUS"},
			total:   78,
			want:    []int{5, 59, 10},
		},
		{
			name:    "stops at header",
			widths:  []int{4, 60},
			headers: []string{"KEY", "ROUTE_FORWARD_V4_FIELDS"},
			total:   30,
			prefix:  2,
			want:    []int{3, 23},
		},
		{
			name:    "already minimal",
			widths:  []int{3, 8},
			headers: []string{"KEY", "NEIGHBOR"},
			total:   5,
			want:    []int{3, 8},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := capWidths(tt.widths, tt.headers, tt.total, tt.prefix)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("capWidths mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCapWidths_DoesNotModifyInput(t *testing.T) {
	widths := []int{5, 60}
	capWidths(widths, []string{"KEY", "FIELDS"}, 40, 0)
	if widths[1] != 60 {
		t.Errorf("input slice modified: %v", widths)
	}
}

func TestWrapCell(t *testing.T) {
	green := "\x1b[32mok\x1b[0m"
	tests := []struct {
		name  string
		cell  string
		width int
		want  []string
	}{
		{"fits", "rif=2", 10, []string{"rif=2"}},
		{"exact", "rif=2", 5, []string{"rif=2"}},
		{"empty", "", 10, []string{""}},
		{"no width", "rif=2", 0, []string{"rif=2"}},
		{"colored fits", green, 10, []string{green}},
		{"word wrap", "rif=2 neighbor=1 vrf=0", 16, []string{"rif=2 neighbor=1", "vrf=0"}},
		{"hard break", "0|2001:db8::/32", 6, []string{"0|2001", ":db8::", "/32"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, wrapCell(tt.cell, tt.width)); diff != "" {
				t.Errorf("wrapCell(%q, %d) mismatch (-want +got):\n%s", tt.cell, tt.width, diff)
			}
		})
	}
}


func TestTable_Flush(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "TABLE", "KEY", "FIELDS").WithPrefix("  ")
	tbl.Flush()
	if buf.Len() != 0 {
		t.Fatalf("empty table printed %q", buf.String())
	}

	tbl.Row("nexthop", "1", "rif=2 neighbor=1")
	tbl.Row("route_forward_v4", "0|192.0.2.0/24")
	tbl.Flush()

	want := strings.Join([]string{
		"  TABLE             KEY             FIELDS",
		"  -----             ---             ------",
		"  nexthop           1               rif=2 neighbor=1",
		"  route_forward_v4  0|192.0.2.0/24",
		"",
	}, "\n")
	if got := buf.String(); got != want {
		t.Errorf("Flush() =\n%s\nwant\n%s", got, want)
	}
}

func TestTable_WrapsToWidth(t *testing.T) {
	var buf bytes.Buffer
	tbl := NewTableTo(&buf, "KEY", "FIELDS").WithWidth(20)
	tbl.Row("k", "action=set_nexthop_id nexthop_id=7")
	tbl.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) < 4 {
		t.Fatalf("expected the FIELDS cell to wrap: %q", buf.String())
	}
	for _, line := range lines {
		if visualLen(line) > 20 {
			t.Errorf("line %q exceeds width 20", line)
		}
	}
}
