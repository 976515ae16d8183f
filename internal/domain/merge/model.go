// Package merge consolidates a duplicate patient into a target inside one
// transaction: every dependent record re-pointed, list fields unioned,
// conflicting identity fields settled by the operator, and the source
// tombstoned.
package merge

import (
	"time"

	"github.com/google/uuid"
)

// Field names a mergeable scalar identity field.
const (
	FieldFullName = "full_name"
	FieldPhone    = "phone"
	FieldFileCode = "file_code"
)

// Request describes one merge. Resolutions carries the operator's choice for
// each identity field that differs between source and target; a conflicting
// field without a resolution fails the merge; nothing is picked silently.
type Request struct {
	SourceID    uuid.UUID         `json:"source_id"`
	TargetID    uuid.UUID         `json:"target_id"`
	Resolutions map[string]string `json:"resolutions,omitempty"`
	Actor       string            `json:"actor,omitempty"`
}

// Result reports a completed merge: how many dependent records moved per
// table, and the surviving patient.
type Result struct {
	SourceID uuid.UUID        `json:"source_id"`
	TargetID uuid.UUID        `json:"target_id"`
	Moved    map[string]int64 `json:"moved"`
	MergedAt time.Time        `json:"merged_at"`
}

// ConflictError reports identity fields that differ without an operator
// resolution, or a resolution naming a value neither patient holds.
type ConflictError struct {
	Field  string
	Reason string
}

func (e *ConflictError) Error() string {
	return "merge conflict on " + e.Field + ": " + e.Reason
}
