package sheet

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ReadXLSX reads the named worksheet of an XLSX workbook into typed rows.
// The first row is returned separately as the header. When sheetName is
// empty the first worksheet is used. Cells are read raw so that date serial
// numbers survive as numbers instead of locale-formatted strings.
func ReadXLSX(r io.Reader, sheetName string) (header RawRow, rows []RawRow, err error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return RawRow{}, nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheetName == "" {
		sheetName = f.GetSheetName(0)
	}
	if sheetName == "" {
		return RawRow{}, nil, fmt.Errorf("workbook has no worksheets")
	}

	raw, err := f.GetRows(sheetName, excelize.Options{RawCellValue: true})
	if err != nil {
		return RawRow{}, nil, fmt.Errorf("read worksheet %q: %w", sheetName, err)
	}
	if len(raw) == 0 {
		return RawRow{}, nil, fmt.Errorf("worksheet %q is empty", sheetName)
	}

	header = RawRow{Index: 0, Cells: typedCells(raw[0])}

	rows = make([]RawRow, 0, len(raw)-1)
	for i, cells := range raw[1:] {
		row := RawRow{Index: i + 1, Cells: typedCells(cells)}
		if row.IsEmpty() {
			continue
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// typedCells classifies raw string cell values into typed cells. Excelize
// hands back raw values as strings; numbers (including date serials) are
// recognized here, everything else stays text.
func typedCells(values []string) []Cell {
	cells := make([]Cell, len(values))
	for i, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			cells[i] = Cell{Kind: CellEmpty}
			continue
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			cells[i] = Cell{Kind: CellNumber, Number: n, Text: v}
			continue
		}
		cells[i] = Cell{Kind: CellText, Text: v}
	}
	return cells
}
