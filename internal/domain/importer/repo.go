package importer

import (
	"context"
)

// FingerprintRepo is the persisted dedup ledger. Exists is read-only and safe
// during preflight; Record must only run inside the commit transaction.
type FingerprintRepo interface {
	// Exists reports whether the hash was previously applied, i.e. recorded
	// with a created or matched outcome. Skipped-duplicate entries are
	// traceability rows and do not count.
	Exists(ctx context.Context, rowHash string) (bool, error)
	Record(ctx context.Context, fp *RowFingerprint) error
	List(ctx context.Context, sourceFileID string, limit, offset int) ([]*RowFingerprint, int, error)
}
