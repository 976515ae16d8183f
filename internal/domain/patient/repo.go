package patient

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetActiveByFileCode(ctx context.Context, fileCode string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	Search(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error)

	// Resolver lookup. Active patients only.
	ListActiveByLegacyPage(ctx context.Context, page int) ([]*Patient, error)

	// NextFileCode returns the lowest unassigned P###### code.
	NextFileCode(ctx context.Context) (string, error)

	// MarkMerged tombstones source as merged into target.
	MarkMerged(ctx context.Context, sourceID, targetID uuid.UUID) error

	// SetFileCode reassigns a patient's file code. File codes are immutable
	// everywhere else; only the merge engine calls this, after the previous
	// holder has been tombstoned.
	SetFileCode(ctx context.Context, id uuid.UUID, fileCode string) error
}
