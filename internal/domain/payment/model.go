package payment

import (
	"time"

	"github.com/google/uuid"
)

// Payment is one money entry against a patient. Amounts are integer minor
// units; a zero amount is a settled ("paid in full") ledger line. ParentID
// links follow-up payments to the opening payment of a treatment.
type Payment struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	AmountCents int64      `db:"amount_cents" json:"amount_cents"`
	PaidAt      *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	DoctorLabel string     `db:"doctor_label" json:"doctor_label,omitempty"`
	Note        string     `db:"note" json:"note,omitempty"`
	ParentID    *uuid.UUID `db:"parent_payment_id" json:"parent_payment_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}
