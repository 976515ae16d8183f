package patient

import (
	"context"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/clinic/ledger/internal/platform/textnorm"
)

var fileCodePattern = regexp.MustCompile(`^P[0-9]{6}$`)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreatePatient validates and persists a new patient. An empty file code is
// filled from the next-available sequence; a supplied one must be canonical
// and free among active patients.
func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if p.FileCode == "" {
		code, err := s.repo.NextFileCode(ctx)
		if err != nil {
			return err
		}
		p.FileCode = code
	} else if !fileCodePattern.MatchString(p.FileCode) {
		return fmt.Errorf("invalid file code: %s", p.FileCode)
	}
	p.NameKey = textnorm.NormalizeName(p.FullName)
	return s.repo.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByFileCode(ctx context.Context, fileCode string) (*Patient, error) {
	return s.repo.GetActiveByFileCode(ctx, fileCode)
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if p.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	p.NameKey = textnorm.NormalizeName(p.FullName)
	return s.repo.Update(ctx, p)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) SearchPatients(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	if q == "" {
		return s.repo.List(ctx, limit, offset)
	}
	return s.repo.Search(ctx, q, limit, offset)
}
