package sheet

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ReadCSV reads a clinic-import CSV template into typed rows. The first
// record is returned separately as the header. A UTF-8 BOM, common in
// exports from Arabic-locale Excel, is stripped.
func ReadCSV(r io.Reader) (header RawRow, rows []RawRow, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // ragged rows are normal in hand-edited templates
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return RawRow{}, nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return RawRow{}, nil, fmt.Errorf("csv file is empty")
	}

	first := records[0]
	if len(first) > 0 {
		first[0] = strings.TrimPrefix(first[0], "\uFEFF")
	}
	header = RawRow{Index: 0, Cells: typedCells(first)}

	rows = make([]RawRow, 0, len(records)-1)
	for i, record := range records[1:] {
		row := RawRow{Index: i + 1, Cells: typedCells(record)}
		if row.IsEmpty() {
			continue
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
