package auditevent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record validates and persists one event. Meta redaction happens at the
// repo boundary so every write path is covered.
func (s *Service) Record(ctx context.Context, e *Event) error {
	if e.Action == "" {
		return fmt.Errorf("action is required")
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if e.Result == "" {
		e.Result = "success"
	}
	return s.repo.Create(ctx, e)
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) SearchEvents(ctx context.Context, params map[string]string, limit, offset int) ([]*Event, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}
