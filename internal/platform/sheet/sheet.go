// Package sheet provides typed-row sources for uploaded ledger files. It
// turns XLSX workbooks and CSV templates into ordered rows of typed cells;
// interpreting the cells is the importer's job, not this package's.
package sheet

import (
	"fmt"
	"strings"
	"time"
)

// CellKind discriminates the typed cell variants.
type CellKind int

const (
	CellEmpty CellKind = iota
	CellText
	CellNumber
	CellDate
)

// Cell is a single typed spreadsheet cell.
type Cell struct {
	Kind   CellKind
	Text   string
	Number float64
	Date   time.Time
}

// IsEmpty reports whether the cell carries no usable value.
func (c Cell) IsEmpty() bool {
	return c.Kind == CellEmpty || (c.Kind == CellText && strings.TrimSpace(c.Text) == "")
}

// Raw returns the cell's value as the string a human would see in the sheet.
// Numeric cells keep their source text when it is known: a phone like
// "01001112222" classifies as a number, and re-rendering it from the float
// would drop the leading zero.
func (c Cell) Raw() string {
	switch c.Kind {
	case CellText:
		return c.Text
	case CellNumber:
		if c.Text != "" {
			return c.Text
		}
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", c.Number), "0"), ".")
	case CellDate:
		return c.Date.Format("2006-01-02")
	default:
		return ""
	}
}

// RawRow is one ordered row of typed cells as read from the source file.
// Index is 1-based and counts data rows (the header row is not included).
type RawRow struct {
	Index int
	Cells []Cell
}

// IsEmpty reports whether every cell in the row is empty.
func (r RawRow) IsEmpty() bool {
	for _, c := range r.Cells {
		if !c.IsEmpty() {
			return false
		}
	}
	return true
}

// Cell returns the cell at the given column, or an empty cell when the row
// is short or the column is unmapped (negative).
func (r RawRow) Cell(col int) Cell {
	if col < 0 || col >= len(r.Cells) {
		return Cell{}
	}
	return r.Cells[col]
}

// ColumnMapping names which column index carries which field. A value of -1
// means the field is absent from the file. The mapping is always supplied
// explicitly by the caller; nothing here guesses silently.
type ColumnMapping struct {
	FileCode    int `json:"file_code"`
	FullName    int `json:"full_name"`
	Phone       int `json:"phone"`
	LegacyPage  int `json:"legacy_page"`
	Amount      int `json:"amount"`
	Date        int `json:"date"`
	Note        int `json:"note"`
	DoctorLabel int `json:"doctor_label"`
}

// EmptyMapping returns a mapping with every field marked absent.
func EmptyMapping() ColumnMapping {
	return ColumnMapping{
		FileCode:    -1,
		FullName:    -1,
		Phone:       -1,
		LegacyPage:  -1,
		Amount:      -1,
		Date:        -1,
		Note:        -1,
		DoctorLabel: -1,
	}
}

// Validate checks that the mapping carries the minimum fields an import row
// needs to be resolvable.
func (m ColumnMapping) Validate() error {
	if m.FullName < 0 {
		return fmt.Errorf("column mapping: full_name column is required")
	}
	if m.Amount < 0 {
		return fmt.Errorf("column mapping: amount column is required")
	}
	return nil
}

// headerAliases maps recognized header labels to mapping fields. They follow
// the clinic import template column names plus common variants.
var headerAliases = map[string]string{
	"file_number":         "file_code",
	"file":                "file_code",
	"patient_short_id":    "file_code",
	"patient_file_number": "file_code",
	"full_name":           "full_name",
	"patient_name":        "full_name",
	"name":                "full_name",
	"phone":               "phone",
	"patient_phone":       "phone",
	"page_number":         "legacy_page",
	"page_numbers":        "legacy_page",
	"page":                "legacy_page",
	"paid_today":          "amount",
	"paid":                "amount",
	"amount":              "amount",
	"date":                "date",
	"paid_at":             "date",
	"notes":               "note",
	"note":                "note",
	"doctor_label":        "doctor_label",
	"doctor":              "doctor_label",
}

// DetectMapping builds a ColumnMapping from a header row using the known
// template labels. Unrecognized columns are ignored. Callers that know their
// layout should construct the mapping directly instead.
func DetectMapping(header RawRow) (ColumnMapping, error) {
	m := EmptyMapping()
	for i, cell := range header.Cells {
		label := strings.ToLower(strings.TrimSpace(cell.Text))
		field, ok := headerAliases[label]
		if !ok {
			continue
		}
		switch field {
		case "file_code":
			if m.FileCode < 0 {
				m.FileCode = i
			}
		case "full_name":
			if m.FullName < 0 {
				m.FullName = i
			}
		case "phone":
			if m.Phone < 0 {
				m.Phone = i
			}
		case "legacy_page":
			if m.LegacyPage < 0 {
				m.LegacyPage = i
			}
		case "amount":
			if m.Amount < 0 {
				m.Amount = i
			}
		case "date":
			if m.Date < 0 {
				m.Date = i
			}
		case "note":
			if m.Note < 0 {
				m.Note = i
			}
		case "doctor_label":
			if m.DoctorLabel < 0 {
				m.DoctorLabel = i
			}
		}
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}
