package sheet

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

// LoadXLSX reads the first worksheet of an xlsx file; the first row is the
// header. Cells are read raw so dates stay as serial numbers rather than
// locale-formatted text.
func LoadXLSX(path string) (*Table, error) {
	return loadXLSX(path, 0)
}

func loadXLSX(path string, skipRows int) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), domain.ErrEmptySheet)
	}

	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read xlsx rows: %w", err)
	}
	if skipRows > len(rows) {
		skipRows = len(rows)
	}
	return fromRows(rows[skipRows:])
}

// LoadXLS reads the first worksheet of a legacy xls file, skipping the
// banner rows before the header.
func LoadXLS(path string, skipRows int) (t *Table, err error) {
	// the xls decoder panics on some malformed BIFF records
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("failed to decode xls %s: %v", filepath.Base(path), r)
		}
	}()

	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("failed to open xls %s: %w", filepath.Base(path), err)
	}
	ws := wb.GetSheet(0)
	if ws == nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), domain.ErrEmptySheet)
	}

	var rows [][]string
	for i := skipRows; i <= int(ws.MaxRow); i++ {
		row := ws.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		last := row.LastCol()
		cells := make([]string, 0, last)
		for j := 0; j < last; j++ {
			cells = append(cells, row.Col(j))
		}
		rows = append(rows, cells)
	}
	return fromRows(rows)
}

// Load picks the reader by extension and falls back to the other one; the
// portal sometimes serves xlsx content under an .xls name.
func Load(path string, skipRows int) (*Table, error) {
	primary, secondary := LoadXLS, loadXLSX
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		primary, secondary = loadXLSX, LoadXLS
	}

	t, err := primary(path, skipRows)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, domain.ErrEmptySheet) {
		return nil, err
	}
	t, err2 := secondary(path, skipRows)
	if err2 != nil {
		return nil, fmt.Errorf("%w (fallback: %v)", err, err2)
	}
	return t, nil
}

// fromRows turns raw rows into a table: the first non-blank row is the
// header and fully blank rows are dropped.
func fromRows(rows [][]string) (*Table, error) {
	start := 0
	for start < len(rows) && blank(rows[start]) {
		start++
	}
	if start >= len(rows) {
		return nil, domain.ErrEmptySheet
	}

	header := uniqueHeaders(trimTrailing(rows[start]))
	data := make([][]string, 0, len(rows)-start-1)
	for _, r := range rows[start+1:] {
		if blank(r) {
			continue
		}
		cells := make([]string, len(r))
		for i, c := range r {
			cells[i] = normalizeCell(c)
		}
		data = append(data, cells)
	}
	return NewTable(header, data), nil
}

func blank(r []string) bool {
	for _, c := range r {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// trimTrailing drops empty header cells after the last named column
func trimTrailing(r []string) []string {
	end := len(r)
	for end > 0 && strings.TrimSpace(r[end-1]) == "" {
		end--
	}
	return r[:end]
}
