package importer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clinic/ledger/internal/platform/sheet"
	"github.com/clinic/ledger/internal/platform/textnorm"
)

// paidInFullWords are ledger shorthands meaning "settled, nothing due today".
// They normalize to a zero amount rather than a parse error.
var paidInFullWords = map[string]struct{}{
	"خالص": {},
	"paid": {},
	"free": {},
}

// dateLayouts is the fixed priority order for textual dates. ISO first, then
// the day-first forms the paper ledgers actually use. Order matters: the
// first layout that parses wins, so ambiguous digit groups are always read
// day-first, never month-first.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"02/01/06",
	"02.01.2006",
}

// excelEpoch is day zero of the 1900 date system (Excel serial dates count
// from 1900-01-01 as 1, with the phantom leap day baked in).
var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

var (
	fileCodeRe   = regexp.MustCompile(`^[pP]?0*([0-9]{1,6})$`)
	firstNumRe   = regexp.MustCompile(`[0-9]+`)
	phoneSplitRe = regexp.MustCompile(`[/,;،]`)
	spaceRunRe   = regexp.MustCompile(`\s+`)
)

// splitPhones breaks a phone cell into individual candidates. Ledger cells
// routinely hold two or three numbers separated by slashes or commas.
func splitPhones(raw string) []Phone {
	var out []Phone
	seen := make(map[string]struct{})
	for _, part := range phoneSplitRe.Split(raw, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		digits := textnorm.NormalizePhone(part)
		if digits == "" {
			continue
		}
		if _, dup := seen[digits]; dup {
			continue
		}
		seen[digits] = struct{}{}
		out = append(out, Phone{Digits: digits, Display: part})
	}
	return out
}

// CanonicalFileCode normalizes a file code cell to the P###### form, or
// returns an error when the cell holds something that is not a file code.
func CanonicalFileCode(raw string) (string, error) {
	s := strings.TrimSpace(textnorm.FoldDigits(raw))
	if s == "" {
		return "", nil
	}
	m := fileCodeRe.FindStringSubmatch(s)
	if m == nil {
		return "", &RowParseError{Reason: "file code is not numeric", RawValue: raw}
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n == 0 {
		return "", &RowParseError{Reason: "file code out of range", RawValue: raw}
	}
	return fmt.Sprintf("P%06d", n), nil
}

// firstPageNumber extracts the first number from a legacy page cell. Cells
// like "12, 13" or "ص12" mean the entry spans pages; the first page is the
// one the resolver keys on.
func firstPageNumber(raw string) (int, error) {
	s := textnorm.FoldDigits(strings.TrimSpace(raw))
	if s == "" {
		return 0, nil
	}
	m := firstNumRe.FindString(s)
	if m == "" {
		return 0, &RowParseError{Reason: "page cell has no number", RawValue: raw}
	}
	n, err := strconv.Atoi(m)
	if err != nil || n <= 0 {
		return 0, &RowParseError{Reason: "page number out of range", RawValue: raw}
	}
	return n, nil
}

// parseAmountCents interprets an amount cell as integer cents. Money never
// touches floats: textual amounts go through decimal, and numeric cells are
// converted via their raw text.
func parseAmountCents(c sheet.Cell) (int64, error) {
	raw := strings.TrimSpace(c.Raw())
	if c.Kind == sheet.CellText {
		folded := textnorm.FoldDigits(raw)
		lowered := strings.ToLower(strings.TrimSpace(folded))
		if _, ok := paidInFullWords[lowered]; ok {
			return 0, nil
		}
		// Arabic decimal separator and thousands marks.
		folded = strings.NewReplacer("٫", ".", "٬", "", ",", "").Replace(folded)
		raw = strings.TrimSpace(folded)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, &RowParseError{Reason: "amount is not a number", RawValue: c.Raw()}
	}
	if d.IsNegative() {
		return 0, &RowParseError{Reason: "amount is negative", RawValue: c.Raw()}
	}
	cents := d.Mul(decimal.NewFromInt(100))
	if !cents.Equal(cents.Truncate(0)) {
		return 0, &RowParseError{Reason: "amount has sub-cent precision", RawValue: c.Raw()}
	}
	return cents.IntPart(), nil
}

// parseDate interprets a date cell. Numeric cells in the Excel serial window
// are converted from the 1900 date system; text cells are tried against the
// fixed layout priority list.
func parseDate(c sheet.Cell) (*time.Time, error) {
	switch c.Kind {
	case sheet.CellDate:
		t := c.Date.UTC().Truncate(24 * time.Hour)
		return &t, nil
	case sheet.CellNumber:
		serial := c.Number
		if serial < 30000 || serial > 60000 {
			return nil, &RowParseError{Reason: "number is not a plausible date serial", RawValue: c.Raw()}
		}
		t := excelEpoch.AddDate(0, 0, int(serial))
		return &t, nil
	case sheet.CellText:
		s := strings.TrimSpace(textnorm.FoldDigits(c.Text))
		for _, layout := range dateLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return &t, nil
			}
		}
		return nil, &RowParseError{Reason: "unrecognized date format", RawValue: c.Text}
	default:
		return nil, nil
	}
}

// NormalizeRow converts one raw row into its canonical form using the column
// mapping. The first unparseable cell fails the whole row; partial rows are
// never silently half-imported.
func NormalizeRow(row sheet.RawRow, mapping sheet.ColumnMapping) (*NormalizedRow, error) {
	out := &NormalizedRow{}

	nameCell := row.Cell(mapping.FullName)
	name := strings.TrimSpace(nameCell.Raw())
	if name == "" {
		return nil, &RowParseError{Reason: "full name is empty"}
	}
	out.FullName = spaceRunRe.ReplaceAllString(name, " ")
	out.NameKey = textnorm.NormalizeName(name)

	if mapping.FileCode >= 0 {
		code, err := CanonicalFileCode(row.Cell(mapping.FileCode).Raw())
		if err != nil {
			return nil, err
		}
		out.FileCode = code
	}

	if mapping.Phone >= 0 {
		out.Phones = splitPhones(row.Cell(mapping.Phone).Raw())
	}

	if mapping.LegacyPage >= 0 {
		page, err := firstPageNumber(row.Cell(mapping.LegacyPage).Raw())
		if err != nil {
			return nil, err
		}
		out.LegacyPage = page
	}

	if amountCell := row.Cell(mapping.Amount); !amountCell.IsEmpty() {
		cents, err := parseAmountCents(amountCell)
		if err != nil {
			return nil, err
		}
		out.AmountCents = cents
		out.HasAmount = true
	}

	if mapping.Date >= 0 {
		if dateCell := row.Cell(mapping.Date); !dateCell.IsEmpty() {
			paidAt, err := parseDate(dateCell)
			if err != nil {
				return nil, err
			}
			out.PaidAt = paidAt
		}
	}

	if mapping.Note >= 0 {
		out.Note = strings.TrimSpace(row.Cell(mapping.Note).Raw())
	}
	if mapping.DoctorLabel >= 0 {
		out.DoctorLabel = strings.TrimSpace(row.Cell(mapping.DoctorLabel).Raw())
	}

	return out, nil
}
