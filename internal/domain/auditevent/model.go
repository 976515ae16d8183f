// Package auditevent is the append-only operational audit trail: one event
// per import commit, one per merge, written inside the same transaction as
// the change they describe.
package auditevent

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActionImportCommit = "import.commit"
	ActionMerge        = "patient.merge"
)

type Event struct {
	ID         uuid.UUID              `db:"id" json:"id"`
	Action     string                 `db:"action" json:"action"`
	Actor      string                 `db:"actor" json:"actor"`
	Entity     string                 `db:"entity" json:"entity"`
	EntityID   string                 `db:"entity_id" json:"entity_id"`
	Result     string                 `db:"result" json:"result"`
	Meta       map[string]interface{} `db:"meta" json:"meta,omitempty"`
	RecordedAt time.Time              `db:"recorded_at" json:"recorded_at"`
}

// sensitiveMetaKeys are never persisted in event meta: clinical free text
// does not belong in the audit trail.
var sensitiveMetaKeys = map[string]struct{}{
	"notes":     {},
	"note":      {},
	"diagnosis": {},
	"complaint": {},
}

// RedactMeta returns a copy of meta with sensitive keys replaced by a
// marker, recursing into nested maps (before/after snapshots).
func RedactMeta(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return nil
	}
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		if _, sensitive := sensitiveMetaKeys[k]; sensitive {
			out[k] = "[redacted]"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = RedactMeta(nested)
			continue
		}
		out[k] = v
	}
	return out
}
