package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/clinic/ledger/internal/domain/auditevent"
	"github.com/clinic/ledger/internal/domain/importer"
	"github.com/clinic/ledger/internal/domain/merge"
	"github.com/clinic/ledger/internal/domain/patient"
	"github.com/clinic/ledger/internal/domain/payment"
	"github.com/clinic/ledger/internal/platform/backup"
	"github.com/clinic/ledger/internal/platform/db"
	"github.com/clinic/ledger/internal/platform/sheet"
	"github.com/clinic/ledger/internal/platform/textnorm"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr, cleanup, err := startPostgresContainer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "create pool: %v\n", err)
		os.Exit(1)
	}

	migrator := db.NewMigrator(pool, findMigrationsDir())
	if _, err := migrator.Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "run migrations: %v\n", err)
		os.Exit(1)
	}

	globalDB = &testDB{Pool: pool, ConnStr: connStr}
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// findMigrationsDir locates the migrations directory relative to this test file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	// test/integration -> repo root
	return filepath.Join(dir, "..", "..", "migrations")
}

// truncateAll wipes every data table between tests, keeping the schema.
func truncateAll(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := globalDB.Pool.Exec(ctx, `
		TRUNCATE appointments, diagnoses, medical_notes, images,
		         payments, import_row_fingerprints, audit_events, patients CASCADE`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

// stack is the fully wired service graph over the shared test database.
type stack struct {
	patients     patient.Repository
	payments     payment.Repository
	fingerprints importer.FingerprintRepo
	audit        *auditevent.Service
	planner      *importer.Planner
	committer    *importer.Committer
	merge        *merge.Service
}

// fileSnapshotter writes a minimal artifact so commits proceed without a
// pg_dump binary in the test environment. Real snapshot behavior is covered
// by the backup package tests.
type fileSnapshotter struct {
	dir string
}

func (s *fileSnapshotter) Snapshot(ctx context.Context) (*backup.ArtifactRef, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("snapshot-%d.dump", time.Now().UnixNano()))
	if err := os.WriteFile(path, []byte("PGDMP test artifact"), 0o644); err != nil {
		return nil, err
	}
	return &backup.ArtifactRef{Path: path, SizeBytes: 19, CreatedAt: time.Now().UTC()}, nil
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := zerolog.Nop()
	pool := globalDB.Pool

	patientRepo := patient.NewRepo(pool)
	paymentRepo := payment.NewRepo(pool)
	fingerprintRepo := importer.NewFingerprintRepo(pool)
	auditSvc := auditevent.NewService(auditevent.NewRepo(pool))
	dependentsRepo := merge.NewDependentsRepo(pool)

	signer := importer.NewPlanSigner([]byte("integration-test-signing-secret!"), time.Hour)
	resolver := importer.NewResolver(patientRepo)
	txRunner := db.NewPgxTxRunner(pool)
	snapshots := &fileSnapshotter{dir: t.TempDir()}

	return &stack{
		patients:     patientRepo,
		payments:     paymentRepo,
		fingerprints: fingerprintRepo,
		audit:        auditSvc,
		planner:      importer.NewPlanner(resolver, fingerprintRepo, signer, logger),
		committer: importer.NewCommitter(
			txRunner, snapshots, resolver, fingerprintRepo,
			patientRepo, paymentRepo, auditSvc, signer, logger,
		),
		merge: merge.NewService(txRunner, patientRepo, paymentRepo, dependentsRepo, auditSvc, logger),
	}
}

// createPatient inserts a registry patient through the repository.
func createPatient(t *testing.T, ctx context.Context, s *stack, fileCode, fullName, phone string, legacyPage *int) *patient.Patient {
	t.Helper()
	p := &patient.Patient{
		ID:         uuid.New(),
		FileCode:   fileCode,
		FullName:   fullName,
		NameKey:    textnorm.NormalizeName(fullName),
		Phone:      phone,
		LegacyPage: legacyPage,
	}
	if err := s.patients.Create(ctx, p); err != nil {
		t.Fatalf("create patient %s: %v", fileCode, err)
	}
	return p
}

// preflightCSV runs the full sheet-to-plan path over inline CSV content.
func preflightCSV(t *testing.T, ctx context.Context, s *stack, sourceFileID, csv string) *importer.ImportPlan {
	t.Helper()
	header, rows, err := sheet.ReadCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	mapping, err := sheet.DetectMapping(header)
	if err != nil {
		t.Fatalf("detect mapping: %v", err)
	}
	plan, err := s.planner.Preflight(ctx, sourceFileID, rows, mapping)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	return plan
}

func intp(i int) *int { return &i }
