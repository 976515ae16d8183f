package merge

import (
	"context"

	"github.com/google/uuid"
)

// DependentsRepo moves the non-payment dependent records of a patient. Runs
// inside the merge transaction.
type DependentsRepo interface {
	// RepointAll moves appointments, diagnoses, medical notes, and images
	// from one patient to another, returning moved counts per table.
	RepointAll(ctx context.Context, fromPatientID, toPatientID uuid.UUID) (map[string]int64, error)

	// CountByPatient reports remaining patient-owned records per table,
	// payments included. After a merge every count for the source must be
	// zero.
	CountByPatient(ctx context.Context, patientID uuid.UUID) (map[string]int64, error)
}
