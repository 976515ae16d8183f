// Package textnorm folds names and phone numbers into canonical matching
// keys. Ledger data mixes Arabic and Latin script, Arabic-Indic digits, and
// transcriber-dependent spelling; every part of the system that compares
// identity fields must fold them the same way.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// nameFolder strips combining marks so that diacritic variants of the same
// name compare equal. Arabic short vowels (tashkeel) are combining marks, so
// this covers the common ledger spelling drift in one pass.
var nameFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// letterVariants maps the Arabic letter forms that drift between
// transcribers onto one canonical form.
var letterVariants = strings.NewReplacer("أ", "ا", "إ", "ا", "آ", "ا", "ة", "ه", "ى", "ي")

// FoldDigits maps Arabic-Indic and Extended Arabic-Indic digits to ASCII.
// Digitized ledgers mix both scripts freely, sometimes within one cell.
func FoldDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '٠' && r <= '٩':
			return '0' + (r - '٠')
		case r >= '۰' && r <= '۹':
			return '0' + (r - '۰')
		}
		return r
	}, s)
}

// NormalizeName produces the folded matching key for a display name: digits
// folded, diacritics removed, letter variants unified, lowercased,
// whitespace collapsed.
func NormalizeName(s string) string {
	s = FoldDigits(strings.TrimSpace(s))
	if folded, _, err := transform.String(nameFolder, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	s = letterVariants.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizePhone reduces a phone fragment to bare digits for matching.
// Anything shorter than 7 digits is noise (page refs, dashes) and dropped.
func NormalizePhone(s string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, FoldDigits(s))
	if len(digits) < 7 {
		return ""
	}
	return digits
}
