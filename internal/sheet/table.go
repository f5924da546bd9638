// Package sheet loads the portal's occurrence export into an in-memory table
// and converts raw exports into the normalized spreadsheet read by reports.
package sheet

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Table is an immutable rectangular view of a spreadsheet. Every row has
// len(Columns) cells. It is safe for concurrent readers.
type Table struct {
	Columns []string
	Rows    [][]string

	index map[string]int

	mu      sync.Mutex
	times   map[timeKey][]time.Time
	numbers map[int][]float64
}

type timeKey struct {
	col int
	loc string
}

// NewTable builds a table, padding or truncating rows to the header width
func NewTable(columns []string, rows [][]string) *Table {
	t := &Table{
		Columns: columns,
		Rows:    make([][]string, 0, len(rows)),
		index:   make(map[string]int, len(columns)),
		times:   make(map[timeKey][]time.Time),
		numbers: make(map[int][]float64),
	}
	for i, c := range columns {
		key := normalizeName(c)
		if _, dup := t.index[key]; !dup {
			t.index[key] = i
		}
	}
	for _, r := range rows {
		switch {
		case len(r) == len(columns):
			t.Rows = append(t.Rows, r)
		case len(r) > len(columns):
			t.Rows = append(t.Rows, r[:len(columns)])
		default:
			padded := make([]string, len(columns))
			copy(padded, r)
			t.Rows = append(t.Rows, padded)
		}
	}
	return t
}

// normalizeName strips a BOM and surrounding spaces from a header
func normalizeName(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "\ufeff"))
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.Rows)
}

// Col returns the index of the named column or -1. Names are matched after
// stripping BOM and surrounding spaces.
func (t *Table) Col(name string) int {
	if t == nil {
		return -1
	}
	if i, ok := t.index[normalizeName(name)]; ok {
		return i
	}
	return -1
}

// HasColumn reports whether the named column exists
func (t *Table) HasColumn(name string) bool {
	return t.Col(name) >= 0
}

// Cell returns the raw text of a cell
func (t *Table) Cell(row, col int) string {
	if col < 0 || row < 0 || row >= len(t.Rows) {
		return ""
	}
	return t.Rows[row][col]
}

// Distinct returns the sorted non-empty distinct trimmed values of a column
func (t *Table) Distinct(column string) []string {
	c := t.Col(column)
	if c < 0 {
		return []string{}
	}
	seen := make(map[string]struct{})
	out := []string{}
	for _, r := range t.Rows {
		v := strings.TrimSpace(r[c])
		if IsNull(v) {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Page returns rows [offset, offset+limit) clipped to the table
func (t *Table) Page(offset, limit int) [][]string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(t.Rows) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(t.Rows) {
		end = len(t.Rows)
	}
	return t.Rows[offset:end]
}

// Times parses column c as timestamps in loc. Unparseable or null cells are
// the zero time. Results are cached per column and location.
func (t *Table) Times(c int, loc *time.Location) []time.Time {
	if c < 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	key := timeKey{col: c, loc: loc.String()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cached, ok := t.times[key]; ok {
		return cached
	}
	out := make([]time.Time, len(t.Rows))
	for i, r := range t.Rows {
		if ts, ok := ParseTime(r[c], loc); ok {
			out[i] = ts
		}
	}
	t.times[key] = out
	return out
}

// Numbers parses column c as numbers. Unparseable or null cells are NaN.
func (t *Table) Numbers(c int) []float64 {
	if c < 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cached, ok := t.numbers[c]; ok {
		return cached
	}
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		if v, ok := ParseNumber(r[c]); ok {
			out[i] = v
		} else {
			out[i] = math.NaN()
		}
	}
	t.numbers[c] = out
	return out
}

// uniqueHeaders fills blank headers and suffixes duplicates with .1, .2...
func uniqueHeaders(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, h := range raw {
		h = normalizeName(h)
		if h == "" {
			h = "Unnamed: " + strconv.Itoa(i)
		}
		if n, ok := seen[h]; ok {
			seen[h] = n + 1
			h = h + "." + strconv.Itoa(n+1)
		} else {
			seen[h] = 0
		}
		out[i] = h
	}
	return out
}
