package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/clinic/ledger/internal/domain/auditevent"
	"github.com/clinic/ledger/internal/domain/patient"
	"github.com/clinic/ledger/internal/domain/payment"
	"github.com/clinic/ledger/internal/platform/backup"
	"github.com/clinic/ledger/internal/platform/db"
)

// PatientStore is the slice of the patient repository the committer writes.
type PatientStore interface {
	PatientDirectory
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	Create(ctx context.Context, p *patient.Patient) error
	NextFileCode(ctx context.Context) (string, error)
}

// PaymentStore is the slice of the payment repository the committer writes.
type PaymentStore interface {
	Create(ctx context.Context, p *payment.Payment) error
}

// AuditRecorder writes the per-commit summary event. It must honor the
// transaction in ctx so the event commits or rolls back with the data.
type AuditRecorder interface {
	Record(ctx context.Context, e *auditevent.Event) error
}

// CommitRequest is an approved plan handed back for application, with
// operator choices for any ambiguous rows.
type CommitRequest struct {
	Plan *ImportPlan
	// Resolutions maps row index to the operator-chosen patient for rows
	// the plan reported as ambiguous.
	Resolutions map[int]uuid.UUID
	Actor       string
}

// Committer applies an approved plan: one backup, one transaction, every row
// re-validated, all-or-nothing.
type Committer struct {
	txRunner     db.TxRunner
	snapshots    backup.Snapshotter
	resolver     *Resolver
	fingerprints FingerprintRepo
	patients     PatientStore
	payments     PaymentStore
	audit        AuditRecorder
	signer       *PlanSigner
	log          zerolog.Logger
}

func NewCommitter(
	txRunner db.TxRunner,
	snapshots backup.Snapshotter,
	resolver *Resolver,
	fingerprints FingerprintRepo,
	patients PatientStore,
	payments PaymentStore,
	audit AuditRecorder,
	signer *PlanSigner,
	log zerolog.Logger,
) *Committer {
	return &Committer{
		txRunner:     txRunner,
		snapshots:    snapshots,
		resolver:     resolver,
		fingerprints: fingerprints,
		patients:     patients,
		payments:     payments,
		audit:        audit,
		signer:       signer,
		log:          log,
	}
}

// Commit applies the plan. Protocol: verify the plan ref, take a backup
// snapshot, then one transaction over the whole file in which every row is
// re-validated against the live registry before anything is written. Any
// failure inside the transaction rolls back the entire file.
//
// Cancellation is honored only before the transaction opens; once open, the
// commit runs to completion or full rollback.
func (c *Committer) Commit(ctx context.Context, req *CommitRequest) (*CommitResult, error) {
	plan := req.Plan
	if plan == nil || plan.Ref == "" {
		return nil, &PlanRefError{Reason: "plan and ref are required"}
	}
	if err := c.signer.Verify(plan.Ref, plan); err != nil {
		return nil, err
	}

	artifact, err := c.snapshots.Snapshot(ctx)
	if err != nil {
		return nil, &BackupFailedError{Err: err}
	}
	c.log.Info().Str("artifact", artifact.Path).Str("sha256", artifact.SHA256).Msg("pre-commit backup written")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var counts CommitCounts
	err = c.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		for i := range plan.Rows {
			if err := c.applyRow(ctx, plan.SourceFileID, &plan.Rows[i], req.Resolutions, &counts); err != nil {
				return err
			}
		}
		return c.audit.Record(ctx, &auditevent.Event{
			Action:   auditevent.ActionImportCommit,
			Actor:    req.Actor,
			Entity:   "import",
			EntityID: plan.SourceFileID,
			Meta: map[string]interface{}{
				"patients_created":  counts.PatientsCreated,
				"payments_created":  counts.PaymentsCreated,
				"matched":           counts.Matched,
				"skipped_duplicate": counts.SkippedDuplicate,
				"row_errors":        counts.RowErrors,
				"backup_artifact":   artifact.Path,
			},
		})
	})
	if err != nil {
		if errors.Is(err, db.ErrTxConflict) {
			return nil, &TransactionConflictError{Err: err}
		}
		return nil, err
	}

	result := &CommitResult{
		SourceFileID: plan.SourceFileID,
		Counts:       counts,
		Backup:       artifact,
		CommittedAt:  time.Now().UTC(),
	}
	c.log.Info().
		Str("source_file_id", plan.SourceFileID).
		Int("patients_created", counts.PatientsCreated).
		Int("payments_created", counts.PaymentsCreated).
		Int("skipped_duplicate", counts.SkippedDuplicate).
		Msg("import committed")
	return result, nil
}

// applyRow re-validates and applies one plan row inside the transaction.
func (c *Committer) applyRow(ctx context.Context, sourceFileID string, d *RowDecision, resolutions map[int]uuid.UUID, counts *CommitCounts) error {
	// Rows preflight could not parse are reported, never applied.
	if d.Error != "" {
		counts.RowErrors++
		return nil
	}
	if d.Row == nil {
		return &PlanStaleError{RowIndex: d.RowIndex, Reason: "row content missing from plan"}
	}

	fp := Fingerprint(sourceFileID, d.Row)
	if fp != d.Fingerprint {
		return &PlanStaleError{RowIndex: d.RowIndex, Reason: "row content does not match its fingerprint"}
	}

	// Dedup check re-done inside the tx: a concurrent commit of the same
	// content turns this row into a traceable skip, never a double apply.
	seen, err := c.fingerprints.Exists(ctx, fp)
	if err != nil {
		return fmt.Errorf("fingerprint check: %w", err)
	}
	if seen {
		counts.SkippedDuplicate++
		return c.fingerprints.Record(ctx, &RowFingerprint{
			RowHash:      fp,
			SourceFileID: sourceFileID,
			Outcome:      OutcomeSkippedDuplicate,
		})
	}

	res, err := c.resolver.Resolve(ctx, d.Row)
	if err != nil {
		return err
	}

	var targetID uuid.UUID
	var outcome FingerprintOutcome
	switch res.Kind {
	case ResolutionMatched:
		switch d.Resolution.Kind {
		case ResolutionMatched:
			if d.Resolution.PatientID != res.PatientID {
				return &PlanStaleError{RowIndex: d.RowIndex, Reason: "row now resolves to a different patient"}
			}
		case ResolutionToCreate:
			return &PlanStaleError{RowIndex: d.RowIndex, Reason: "planned new patient now matches an existing one"}
		case ResolutionAmbiguous:
			// The ambiguity collapsed since preflight. The payment still goes
			// only where the operator pointed; any other survivor is drift.
			chosen, ok := resolutions[d.RowIndex]
			if !ok {
				return &AmbiguousMatchError{RowIndex: d.RowIndex, CandidateIDs: d.Resolution.CandidateIDs}
			}
			if chosen != res.PatientID {
				return &PlanStaleError{RowIndex: d.RowIndex, Reason: "row no longer matches the operator-chosen patient"}
			}
		}
		targetID = res.PatientID
		outcome = OutcomeMatched
		counts.Matched++

	case ResolutionAmbiguous:
		chosen, ok := resolutions[d.RowIndex]
		if !ok {
			return &AmbiguousMatchError{RowIndex: d.RowIndex, CandidateIDs: res.CandidateIDs}
		}
		if !containsID(res.CandidateIDs, chosen) {
			return &PlanStaleError{RowIndex: d.RowIndex, Reason: "resolution patient is no longer a candidate"}
		}
		targetID = chosen
		outcome = OutcomeMatched
		counts.Matched++

	case ResolutionToCreate:
		if d.Resolution.Kind == ResolutionMatched {
			return &PlanStaleError{RowIndex: d.RowIndex, Reason: "planned match no longer exists"}
		}
		if d.Resolution.Kind == ResolutionAmbiguous {
			return &PlanStaleError{RowIndex: d.RowIndex, Reason: "planned candidates no longer match the row"}
		}
		created, err := c.createPatient(ctx, d.Row)
		if err != nil {
			return err
		}
		targetID = created.ID
		outcome = OutcomeCreated
		counts.PatientsCreated++
	}

	if d.Row.HasAmount {
		pay := &payment.Payment{
			PatientID:   targetID,
			AmountCents: d.Row.AmountCents,
			PaidAt:      d.Row.PaidAt,
			DoctorLabel: d.Row.DoctorLabel,
			Note:        d.Row.Note,
		}
		if err := c.payments.Create(ctx, pay); err != nil {
			return fmt.Errorf("create payment for row %d: %w", d.RowIndex, err)
		}
		counts.PaymentsCreated++
	}

	return c.fingerprints.Record(ctx, &RowFingerprint{
		RowHash:      fp,
		SourceFileID: sourceFileID,
		Outcome:      outcome,
	})
}

// createPatient materializes a to-create row. The row's own file code is
// used when free; a code held by another active patient is a hard error, and
// an absent code draws the next available one.
func (c *Committer) createPatient(ctx context.Context, row *NormalizedRow) (*patient.Patient, error) {
	fileCode := row.FileCode
	if fileCode != "" {
		existing, err := c.patients.GetActiveByFileCode(ctx, fileCode)
		switch {
		case err == nil:
			return nil, &FileCodeCollisionError{FileCode: fileCode, ExistingID: existing.ID}
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return nil, fmt.Errorf("file code check: %w", err)
		}
	} else {
		next, err := c.patients.NextFileCode(ctx)
		if err != nil {
			return nil, err
		}
		fileCode = next
	}

	p := &patient.Patient{
		FileCode: fileCode,
		FullName: row.FullName,
		NameKey:  row.NameKey,
	}
	if len(row.Phones) > 0 {
		p.Phone = row.Phones[0].Display
		for _, extra := range row.Phones[1:] {
			p.SecondaryPhones = append(p.SecondaryPhones, extra.Display)
		}
	}
	if row.LegacyPage > 0 {
		page := row.LegacyPage
		p.LegacyPage = &page
	}
	if err := c.patients.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create patient: %w", err)
	}
	return p, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
