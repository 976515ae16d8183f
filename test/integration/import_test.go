package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/clinic/ledger/internal/domain/importer"
)

const ledgerCSV = "file_number,full_name,phone,page_number,paid_today,date\n" +
	"P000123,Ahmed Ali,0100-111-2222,12,500.00,2024-03-01\n" +
	",Mona Samir,0101-222-3333,,250.50,2024-03-01\n"

func TestImport_PreflightThenCommit(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	s := newStack(t)

	plan := preflightCSV(t, ctx, s, "march.csv", ledgerCSV)
	if plan.Counts.ToCreate != 2 {
		t.Fatalf("expected 2 rows to create, got %+v", plan.Counts)
	}
	if plan.Ref == "" {
		t.Fatal("preflight must sign the plan")
	}

	// Preflight writes nothing.
	var n int
	if err := globalDB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("preflight created %d patients", n)
	}

	result, err := s.committer.Commit(ctx, &importer.CommitRequest{Plan: plan, Actor: "admin"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.Counts.PatientsCreated != 2 || result.Counts.PaymentsCreated != 2 {
		t.Errorf("counts: %+v", result.Counts)
	}

	// Explicit code honored, generated code sequential from the max.
	explicit, err := s.patients.GetActiveByFileCode(ctx, "P000123")
	if err != nil {
		t.Fatalf("explicit-code patient missing: %v", err)
	}
	if explicit.FullName != "Ahmed Ali" {
		t.Errorf("full name: %s", explicit.FullName)
	}
	if _, err := s.patients.GetActiveByFileCode(ctx, "P000124"); err != nil {
		t.Errorf("generated-code patient missing: %v", err)
	}

	payments, total, err := s.payments.ListByPatient(ctx, explicit.ID, 10, 0)
	if err != nil || total != 1 {
		t.Fatalf("payments: total=%d err=%v", total, err)
	}
	if payments[0].AmountCents != 50000 {
		t.Errorf("amount: %d", payments[0].AmountCents)
	}

	fps, fpTotal, err := s.fingerprints.List(ctx, "march.csv", 10, 0)
	if err != nil || fpTotal != 2 {
		t.Fatalf("fingerprints: total=%d err=%v", fpTotal, err)
	}
	for _, fp := range fps {
		if fp.Outcome != importer.OutcomeCreated {
			t.Errorf("outcome: %s", fp.Outcome)
		}
	}

	// One commit, one audit event, committed with the data.
	var audits int
	if err := globalDB.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE action = 'import.commit'`).Scan(&audits); err != nil {
		t.Fatal(err)
	}
	if audits != 1 {
		t.Errorf("expected 1 audit event, got %d", audits)
	}
}

func TestImport_ReimportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	s := newStack(t)

	first := preflightCSV(t, ctx, s, "march.csv", ledgerCSV)
	if _, err := s.committer.Commit(ctx, &importer.CommitRequest{Plan: first}); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	second := preflightCSV(t, ctx, s, "march.csv", ledgerCSV)
	if second.Counts.SkippedDuplicate != 2 {
		t.Fatalf("re-preflight should flag duplicates, got %+v", second.Counts)
	}

	result, err := s.committer.Commit(ctx, &importer.CommitRequest{Plan: second})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if result.Counts.PatientsCreated != 0 || result.Counts.PaymentsCreated != 0 {
		t.Errorf("re-import wrote data: %+v", result.Counts)
	}
	if result.Counts.SkippedDuplicate != 2 {
		t.Errorf("skips not recorded: %+v", result.Counts)
	}

	var n int
	if err := globalDB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 payments after re-import, got %d", n)
	}
}

func TestImport_MatchesExistingByFileCode(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	s := newStack(t)

	existing := createPatient(t, ctx, s, "P000123", "Ahmed Ali", "0100-111-2222", nil)

	plan := preflightCSV(t, ctx, s, "april.csv",
		"file_number,full_name,phone,page_number,paid_today,date\n"+
			"P000123,Ahmed Aly,0100-111-2222,,300.00,2024-04-01\n")
	if plan.Counts.Matched != 1 {
		t.Fatalf("expected file-code match, got %+v", plan.Counts)
	}

	if _, err := s.committer.Commit(ctx, &importer.CommitRequest{Plan: plan}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, total, err := s.payments.ListByPatient(ctx, existing.ID, 10, 0)
	if err != nil || total != 1 {
		t.Errorf("payment not attached to matched patient: total=%d err=%v", total, err)
	}

	var patients int
	if err := globalDB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&patients); err != nil {
		t.Fatal(err)
	}
	if patients != 1 {
		t.Errorf("match must not create a patient, got %d", patients)
	}
}

func TestImport_StalePlanIsRejected(t *testing.T) {
	ctx := context.Background()
	truncateAll(t, ctx)
	s := newStack(t)

	csv := "file_number,full_name,phone,page_number,paid_today,date\n" +
		"P000200,Hassan Omar,0102-444-5555,,100.00,2024-05-01\n"
	plan := preflightCSV(t, ctx, s, "may.csv", csv)
	if plan.Counts.ToCreate != 1 {
		t.Fatalf("counts: %+v", plan.Counts)
	}

	// The registry changes between preview and commit: the code the plan
	// would create is now taken by a different patient.
	createPatient(t, ctx, s, "P000200", "Somebody Else", "0109-999-9999", nil)

	_, err := s.committer.Commit(ctx, &importer.CommitRequest{Plan: plan})
	var staleErr *importer.PlanStaleError
	if !errors.As(err, &staleErr) {
		t.Fatalf("expected stale plan, got %v", err)
	}

	// Nothing from the failed commit may remain.
	var n int
	if err := globalDB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("failed commit left %d payments", n)
	}
}
