package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorBold    = color.New(color.Bold).SprintFunc()
	colorFaint   = color.New(color.Faint).SprintFunc()
)

// table renders aligned columns. Cells are padded before colouring so escape
// sequences do not upset the widths.
type table struct {
	headers []string
	rows    [][]string
	widths  []int
}

func newTable(headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &table{headers: headers, widths: widths}
}

func (t *table) addRow(cols ...string) {
	for i, col := range cols {
		if i < len(t.widths) && len(col) > t.widths[i] {
			t.widths[i] = len(col)
		}
	}
	t.rows = append(t.rows, cols)
}

func (t *table) render(w io.Writer) {
	cells := make([]string, len(t.headers))
	for i, h := range t.headers {
		cells[i] = colorBold(pad(h, t.widths[i]))
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))

	total := 0
	for _, width := range t.widths {
		total += width + 2
	}
	fmt.Fprintln(w, colorFaint(strings.Repeat("─", min(total, 120))))

	for _, row := range t.rows {
		cells = cells[:0]
		for i, col := range row {
			if i < len(t.widths) {
				cells = append(cells, pad(col, t.widths[i]))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func pad(s string, width int) string {
	return fmt.Sprintf("%-*s", width, s)
}

// keyValue prints one aligned "key: value" line.
func keyValue(w io.Writer, key, value string) {
	fmt.Fprintf(w, "  %s %s\n", colorBold(pad(key+":", 18)), value)
}
