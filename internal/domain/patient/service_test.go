package patient

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type mockRepo struct {
	patients map[uuid.UUID]*Patient
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockRepo) Create(_ context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	for _, existing := range m.patients {
		if existing.FileCode == p.FileCode && existing.MergedInto == nil {
			return fmt.Errorf("duplicate file code %s", p.FileCode)
		}
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return p, nil
}

func (m *mockRepo) GetActiveByFileCode(_ context.Context, fileCode string) (*Patient, error) {
	for _, p := range m.patients {
		if p.FileCode == fileCode && p.MergedInto == nil {
			return p, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockRepo) Update(_ context.Context, p *Patient) error {
	existing, ok := m.patients[p.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	p.FileCode = existing.FileCode
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	var out []*Patient
	for _, p := range m.patients {
		if p.MergedInto == nil {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) Search(_ context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	q = strings.ToLower(q)
	var out []*Patient
	for _, p := range m.patients {
		if p.MergedInto != nil {
			continue
		}
		if strings.Contains(strings.ToLower(p.FileCode), q) ||
			strings.Contains(p.NameKey, q) || strings.Contains(p.Phone, q) {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ListActiveByLegacyPage(_ context.Context, page int) ([]*Patient, error) {
	var out []*Patient
	for _, p := range m.patients {
		if p.MergedInto == nil && p.LegacyPage != nil && *p.LegacyPage == page {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepo) NextFileCode(_ context.Context) (string, error) {
	max := 0
	for _, p := range m.patients {
		var n int
		if _, err := fmt.Sscanf(p.FileCode, "P%06d", &n); err == nil && n > max {
			max = n
		}
	}
	return FormatFileCode(max + 1), nil
}

func (m *mockRepo) MarkMerged(_ context.Context, sourceID, targetID uuid.UUID) error {
	p, ok := m.patients[sourceID]
	if !ok {
		return pgx.ErrNoRows
	}
	if p.MergedInto != nil {
		return fmt.Errorf("patient %s is not active", sourceID)
	}
	t := targetID
	p.MergedInto = &t
	return nil
}

func (m *mockRepo) SetFileCode(_ context.Context, id uuid.UUID, fileCode string) error {
	p, ok := m.patients[id]
	if !ok {
		return pgx.ErrNoRows
	}
	p.FileCode = fileCode
	return nil
}

func TestCreatePatient_GeneratesFileCode(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)

	p := &Patient{FullName: "Ahmed Ali"}
	if err := svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.FileCode != "P000001" {
		t.Errorf("expected P000001, got %s", p.FileCode)
	}

	q := &Patient{FullName: "Mona Samir"}
	if err := svc.CreatePatient(context.Background(), q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.FileCode != "P000002" {
		t.Errorf("expected P000002, got %s", q.FileCode)
	}
}

func TestCreatePatient_Validation(t *testing.T) {
	svc := NewService(newMockRepo())

	if err := svc.CreatePatient(context.Background(), &Patient{}); err == nil {
		t.Error("expected error for missing full_name")
	}
	if err := svc.CreatePatient(context.Background(), &Patient{FullName: "x", FileCode: "123"}); err == nil {
		t.Error("expected error for non-canonical file code")
	}
	if err := svc.CreatePatient(context.Background(), &Patient{FullName: "x", FileCode: "P000042"}); err != nil {
		t.Errorf("canonical file code rejected: %v", err)
	}
}

func TestUpdatePatient_FileCodeImmutable(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)

	p := &Patient{FullName: "Ahmed Ali", FileCode: "P000010"}
	if err := svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	upd := &Patient{ID: p.ID, FullName: "Ahmed A. Ali", FileCode: "P000099"}
	if err := svc.UpdatePatient(context.Background(), upd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.GetByID(context.Background(), p.ID)
	if got.FileCode != "P000010" {
		t.Errorf("file code changed on update: %s", got.FileCode)
	}
	if got.FullName != "Ahmed A. Ali" {
		t.Errorf("name not updated: %s", got.FullName)
	}
}

func TestSearchPatients_EmptyQueryLists(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	_ = svc.CreatePatient(context.Background(), &Patient{FullName: "Ahmed Ali", NameKey: "ahmed ali"})

	got, total, err := svc.SearchPatients(context.Background(), "", 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(got) != 1 {
		t.Errorf("expected 1 patient, got %d", total)
	}
}
