package payment

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Payment, int, error)

	// Repoint moves every payment of one patient to another. Used by the
	// merge engine inside its transaction; returns the number moved.
	Repoint(ctx context.Context, fromPatientID, toPatientID uuid.UUID) (int64, error)
}
