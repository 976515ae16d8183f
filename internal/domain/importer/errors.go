package importer

import (
	"fmt"

	"github.com/google/uuid"
)

// RowParseError reports a cell that was present but could not be interpreted.
// During preflight it is collected into the plan, never coerced to a guess.
type RowParseError struct {
	Reason   string
	RawValue string
}

func (e *RowParseError) Error() string {
	return fmt.Sprintf("row parse error: %s (raw value %q)", e.Reason, e.RawValue)
}

// AmbiguousMatchError reports a row that matched more than one patient and
// carries no operator resolution. It always aborts a commit.
type AmbiguousMatchError struct {
	RowIndex     int
	CandidateIDs []uuid.UUID
}

func (e *AmbiguousMatchError) Error() string {
	return fmt.Sprintf("row %d is ambiguous between %d patients and has no resolution", e.RowIndex, len(e.CandidateIDs))
}

// PlanStaleError reports that commit-time re-validation disagreed with the
// approved plan. The whole commit aborts; the caller re-runs preflight.
type PlanStaleError struct {
	RowIndex int
	Reason   string
}

func (e *PlanStaleError) Error() string {
	return fmt.Sprintf("plan is stale at row %d: %s", e.RowIndex, e.Reason)
}

// BackupFailedError reports that the mandatory pre-commit snapshot could not
// be produced. Nothing is written without a safety copy.
type BackupFailedError struct {
	Err error
}

func (e *BackupFailedError) Error() string {
	return fmt.Sprintf("pre-commit backup failed: %v", e.Err)
}

func (e *BackupFailedError) Unwrap() error { return e.Err }

// TransactionConflictError reports that the store aborted the commit with a
// serialization, deadlock, or lock-timeout failure. Nothing was applied; the
// caller may retry the whole commit.
type TransactionConflictError struct {
	Err error
}

func (e *TransactionConflictError) Error() string {
	return fmt.Sprintf("transaction conflict, retry the commit: %v", e.Err)
}

func (e *TransactionConflictError) Unwrap() error { return e.Err }

// FileCodeCollisionError reports a to-create row whose file code is already
// held by a different active patient. This is a hard error requiring manual
// resolution, never a silent overwrite.
type FileCodeCollisionError struct {
	FileCode   string
	ExistingID uuid.UUID
}

func (e *FileCodeCollisionError) Error() string {
	return fmt.Sprintf("file code %s already belongs to patient %s", e.FileCode, e.ExistingID)
}

// PlanRefError reports a plan reference that failed verification: bad
// signature, expired, or not matching the submitted plan.
type PlanRefError struct {
	Reason string
}

func (e *PlanRefError) Error() string {
	return fmt.Sprintf("invalid plan reference: %s", e.Reason)
}
