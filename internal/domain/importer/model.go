package importer

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinic/ledger/internal/platform/backup"
)

// Phone is a single phone candidate extracted from a row: the digits used
// for matching plus the display form as it appeared in the ledger.
type Phone struct {
	Digits  string `json:"digits"`
	Display string `json:"display"`
}

// NormalizedRow is the canonical, immutable form of one spreadsheet row.
// Identical raw input always normalizes identically; fingerprint stability
// depends on it.
type NormalizedRow struct {
	FileCode    string     `json:"file_code,omitempty"`    // canonical P###### form, "" when absent
	FullName    string     `json:"full_name"`              // trimmed display form
	NameKey     string     `json:"name_key"`               // folded form used for matching
	Phones      []Phone    `json:"phones,omitempty"`
	LegacyPage  int        `json:"legacy_page,omitempty"`  // 0 when absent
	AmountCents int64      `json:"amount_cents"`
	HasAmount   bool       `json:"has_amount"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	Note        string     `json:"note,omitempty"`
	DoctorLabel string     `json:"doctor_label,omitempty"`
}

// PhoneDigits returns the normalized phone numbers of the row.
func (r *NormalizedRow) PhoneDigits() []string {
	out := make([]string, 0, len(r.Phones))
	for _, p := range r.Phones {
		if p.Digits != "" {
			out = append(out, p.Digits)
		}
	}
	return out
}

// MatchTier identifies which resolver tier produced a match.
type MatchTier int

const (
	TierFileCode      MatchTier = 1 // exact immutable file code
	TierPageNamePhone MatchTier = 2 // legacy page + fuzzy name + phone overlap
)

// ResolutionKind is the outcome of resolving a row against the patient store.
type ResolutionKind string

const (
	ResolutionMatched   ResolutionKind = "matched"
	ResolutionToCreate  ResolutionKind = "to-create"
	ResolutionAmbiguous ResolutionKind = "ambiguous"
)

// Resolution is the tagged result of the patient resolver: exactly one of
// matched (with patient and tier), to-create, or ambiguous (with candidates).
type Resolution struct {
	Kind         ResolutionKind `json:"kind"`
	PatientID    uuid.UUID      `json:"patient_id,omitempty"`
	Tier         MatchTier      `json:"tier,omitempty"`
	CandidateIDs []uuid.UUID    `json:"candidate_ids,omitempty"`
}

// RowDecision is the planner's verdict for a single row.
type RowDecision struct {
	RowIndex    int            `json:"row_index"`
	Row         *NormalizedRow `json:"row,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	AlreadySeen bool           `json:"already_seen"`
	Resolution  Resolution     `json:"resolution"`
	Error       string         `json:"error,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// PlanCounts aggregates the per-row decisions of a plan.
type PlanCounts struct {
	TotalRows        int `json:"total_rows"`
	ToCreate         int `json:"to_create"`
	Matched          int `json:"matched"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	Ambiguous        int `json:"ambiguous"`
	RowErrors        int `json:"row_errors"`
}

// ImportPlan is the reviewable result of a preflight pass. It is transient:
// nothing about it is persisted, and the signed Ref is the only thing tying
// a later commit back to it.
type ImportPlan struct {
	SourceFileID string        `json:"source_file_id"`
	CreatedAt    time.Time     `json:"created_at"`
	Rows         []RowDecision `json:"rows"`
	Counts       PlanCounts    `json:"counts"`
	Ref          string        `json:"ref,omitempty"`
}

// FingerprintOutcome records how a row was handled at commit time.
type FingerprintOutcome string

const (
	OutcomeCreated          FingerprintOutcome = "created"
	OutcomeMatched          FingerprintOutcome = "matched"
	OutcomeSkippedDuplicate FingerprintOutcome = "skipped-duplicate"
)

// RowFingerprint is one persisted row of the append-only dedup ledger.
type RowFingerprint struct {
	ID           uuid.UUID          `db:"id" json:"id"`
	RowHash      string             `db:"row_hash" json:"row_hash"`
	SourceFileID string             `db:"source_file_id" json:"source_file_id"`
	Outcome      FingerprintOutcome `db:"outcome" json:"outcome"`
	RecordedAt   time.Time          `db:"recorded_at" json:"recorded_at"`
}

// CommitCounts summarizes what an applied commit changed.
type CommitCounts struct {
	PatientsCreated  int `json:"patients_created"`
	PaymentsCreated  int `json:"payments_created"`
	Matched          int `json:"matched"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	RowErrors        int `json:"row_errors"`
}

// CommitResult is returned to the caller after a successful commit. A failed
// commit returns an error instead; there is no partial result.
type CommitResult struct {
	SourceFileID string              `json:"source_file_id"`
	Counts       CommitCounts        `json:"counts"`
	Backup       *backup.ArtifactRef `json:"backup"`
	CommittedAt  time.Time           `json:"committed_at"`
}
