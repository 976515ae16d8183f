package importer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/ledger/internal/domain/patient"
	"github.com/clinic/ledger/internal/platform/sheet"
)

type mockFingerprints struct {
	seen     map[string]bool
	recorded []*RowFingerprint
	// applyErr is returned when recording an applied outcome, emulating the
	// partial unique index rejecting a concurrently applied hash.
	applyErr error
}

func newMockFingerprints() *mockFingerprints {
	return &mockFingerprints{seen: make(map[string]bool)}
}

func (m *mockFingerprints) Exists(_ context.Context, rowHash string) (bool, error) {
	return m.seen[rowHash], nil
}

func (m *mockFingerprints) Record(_ context.Context, fp *RowFingerprint) error {
	if m.applyErr != nil && (fp.Outcome == OutcomeCreated || fp.Outcome == OutcomeMatched) {
		return m.applyErr
	}
	cp := *fp
	m.recorded = append(m.recorded, &cp)
	if fp.Outcome == OutcomeCreated || fp.Outcome == OutcomeMatched {
		m.seen[fp.RowHash] = true
	}
	return nil
}

func (m *mockFingerprints) List(_ context.Context, sourceFileID string, limit, offset int) ([]*RowFingerprint, int, error) {
	return m.recorded, len(m.recorded), nil
}

func testSigner() *PlanSigner {
	return NewPlanSigner([]byte("0123456789abcdef0123456789abcdef"), 30*time.Minute)
}

func testMapping() sheet.ColumnMapping {
	m := sheet.EmptyMapping()
	m.FileCode = 0
	m.FullName = 1
	m.Phone = 2
	m.LegacyPage = 3
	m.Amount = 4
	m.Date = 5
	return m
}

func rawRow(idx int, cells ...string) sheet.RawRow {
	typed := make([]sheet.Cell, len(cells))
	for i, c := range cells {
		if c == "" {
			typed[i] = sheet.Cell{}
		} else {
			typed[i] = sheet.Cell{Kind: sheet.CellText, Text: c}
		}
	}
	return sheet.RawRow{Index: idx, Cells: typed}
}

func newTestPlanner(patients []*patient.Patient, fps *mockFingerprints) *Planner {
	return NewPlanner(
		NewResolver(&mockDirectory{patients: patients}),
		fps,
		testSigner(),
		zerolog.Nop(),
	)
}

func TestPreflight_CountsAndDecisions(t *testing.T) {
	existing := registryPatient("P000123", "Ahmed Ali", "0100-111-2222", 12)
	fps := newMockFingerprints()
	planner := newTestPlanner([]*patient.Patient{existing}, fps)

	rows := []sheet.RawRow{
		rawRow(1, "P000123", "Ahmed Ali", "0100-111-2222", "12", "500.00", "2024-03-01"), // matched
		rawRow(2, "", "Mona Samir", "0101 222 3333", "", "42.50", "01/02/2024"),          // to-create
		rawRow(3, "", "Ahmed Ali", "0100-111-2222", "12", "not money", ""),               // parse error
	}

	plan, err := planner.Preflight(context.Background(), "ledger.xlsx", rows, testMapping())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Counts.TotalRows != 3 {
		t.Errorf("total rows: %d", plan.Counts.TotalRows)
	}
	if plan.Counts.Matched != 1 || plan.Counts.ToCreate != 1 || plan.Counts.RowErrors != 1 {
		t.Errorf("counts: %+v", plan.Counts)
	}
	if plan.Rows[0].Resolution.Kind != ResolutionMatched || plan.Rows[0].Resolution.PatientID != existing.ID {
		t.Errorf("row 1 decision: %+v", plan.Rows[0].Resolution)
	}
	if plan.Rows[2].Error == "" {
		t.Error("row 3 should carry a parse error")
	}
	if plan.Ref == "" {
		t.Error("plan should carry a signed ref")
	}
	if err := testSigner().Verify(plan.Ref, plan); err != nil {
		t.Errorf("ref should verify against the plan: %v", err)
	}
}

func TestPreflight_MakesZeroWrites(t *testing.T) {
	fps := newMockFingerprints()
	planner := newTestPlanner(nil, fps)

	rows := []sheet.RawRow{
		rawRow(1, "", "Ahmed Ali", "", "", "500.00", ""),
	}
	for i := 0; i < 3; i++ {
		if _, err := planner.Preflight(context.Background(), "ledger.xlsx", rows, testMapping()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(fps.recorded) != 0 {
		t.Errorf("preflight recorded %d fingerprints; must record none", len(fps.recorded))
	}
}

func TestPreflight_SeenRowsCountedAsSkipped(t *testing.T) {
	fps := newMockFingerprints()
	planner := newTestPlanner(nil, fps)

	rows := []sheet.RawRow{
		rawRow(1, "", "Ahmed Ali", "", "", "500.00", "2024-03-01"),
	}
	first, err := planner.Preflight(context.Background(), "ledger.xlsx", rows, testMapping())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fps.seen[first.Rows[0].Fingerprint] = true

	second, err := planner.Preflight(context.Background(), "ledger.xlsx", rows, testMapping())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Rows[0].AlreadySeen {
		t.Error("row should be flagged already-seen")
	}
	if second.Counts.SkippedDuplicate != 1 || second.Counts.ToCreate != 0 {
		t.Errorf("counts: %+v", second.Counts)
	}
}

func TestPreflight_AmbiguousRows(t *testing.T) {
	a := registryPatient("P000200", "Ahmed Ali", "0100-111-2222", 12)
	b := registryPatient("P000201", "Ahmed Aly", "0100-111-2222", 12)
	planner := newTestPlanner([]*patient.Patient{a, b}, newMockFingerprints())

	rows := []sheet.RawRow{
		rawRow(1, "", "Ahmed Ali", "0100-111-2222", "12", "100", ""),
	}
	plan, err := planner.Preflight(context.Background(), "ledger.xlsx", rows, testMapping())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Counts.Ambiguous != 1 {
		t.Errorf("counts: %+v", plan.Counts)
	}
	if len(plan.Rows[0].Resolution.CandidateIDs) != 2 {
		t.Errorf("candidates: %v", plan.Rows[0].Resolution.CandidateIDs)
	}
}

func TestPreflight_CancelledBetweenRows(t *testing.T) {
	planner := newTestPlanner(nil, newMockFingerprints())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rows := []sheet.RawRow{rawRow(1, "", "Ahmed Ali", "", "", "1", "")}
	if _, err := planner.Preflight(ctx, "ledger.xlsx", rows, testMapping()); err == nil {
		t.Error("expected context error")
	}
}

func TestPreflight_InvalidMapping(t *testing.T) {
	planner := newTestPlanner(nil, newMockFingerprints())
	if _, err := planner.Preflight(context.Background(), "ledger.xlsx", nil, sheet.EmptyMapping()); err == nil {
		t.Error("expected error for mapping without required columns")
	}
}
