package sheet

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/vertextoedge/samu-panel/internal/domain"
)

const sheetName = "Sheet1"

// WriteXLSX writes t to path as a single-sheet workbook
func WriteXLSX(t *Table, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}

	writeRow := func(idx int, cells []string) error {
		cell, err := excelize.CoordinatesToCellName(1, idx)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(cells))
		for i, c := range cells {
			values[i] = c
		}
		return sw.SetRow(cell, values)
	}

	if err := writeRow(1, t.Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, r := range t.Rows {
		if err := writeRow(i+2, r); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save xlsx: %w", err)
	}
	return nil
}

// WriteAtomic writes t to a temp file beside dst, re-opens it to validate
// the header, then renames it over dst.
func WriteAtomic(t *Table, dst string) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*-"+filepath.Base(dst))
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if err := WriteXLSX(t, tmpPath); err != nil {
		return err
	}

	check, err := LoadXLSX(tmpPath)
	if err != nil {
		return fmt.Errorf("written file failed validation: %w", err)
	}
	if len(check.Columns) != len(t.Columns) || check.Len() != t.Len() {
		return fmt.Errorf("written file failed validation: got %dx%d, want %dx%d",
			check.Len(), len(check.Columns), t.Len(), len(t.Columns))
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	ok = true
	return nil
}

// Convert reads the raw export at src, drops skipRows banner rows and
// atomically replaces dst with the normalized xlsx. It returns the number
// of data rows written.
func Convert(src, dst string, skipRows int) (int, error) {
	t, err := Load(src, skipRows)
	if err != nil {
		return 0, err
	}
	if t.Len() == 0 {
		return 0, fmt.Errorf("%s: %w", filepath.Base(src), domain.ErrEmptySheet)
	}
	if err := WriteAtomic(t, dst); err != nil {
		return 0, err
	}
	return t.Len(), nil
}
