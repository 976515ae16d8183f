package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint computes the stable dedup hash of a normalized row within its
// source file. Only identity fields participate: cosmetic cells (note,
// doctor label) can be re-keyed without changing what row this "is". The
// source file id is part of the hash so re-digitizing a ledger page as a new
// file does not collide with the old one.
func Fingerprint(sourceFileID string, row *NormalizedRow) string {
	var b strings.Builder
	b.WriteString(sourceFileID)
	b.WriteByte('\x1f')
	b.WriteString(row.FileCode)
	b.WriteByte('\x1f')
	b.WriteString(row.NameKey)
	b.WriteByte('\x1f')
	b.WriteString(strings.Join(row.PhoneDigits(), ","))
	b.WriteByte('\x1f')
	fmt.Fprintf(&b, "%d", row.LegacyPage)
	b.WriteByte('\x1f')
	if row.HasAmount {
		fmt.Fprintf(&b, "%d", row.AmountCents)
	}
	b.WriteByte('\x1f')
	if row.PaidAt != nil {
		b.WriteString(row.PaidAt.Format("2006-01-02"))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
