package merge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/ledger/internal/domain/auditevent"
	"github.com/clinic/ledger/internal/domain/patient"
	"github.com/clinic/ledger/internal/platform/db"
	"github.com/clinic/ledger/internal/platform/textnorm"
)

// PatientStore is the slice of the patient repository the merge engine uses.
type PatientStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	Update(ctx context.Context, p *patient.Patient) error
	MarkMerged(ctx context.Context, sourceID, targetID uuid.UUID) error
	SetFileCode(ctx context.Context, id uuid.UUID, fileCode string) error
}

// PaymentMover re-points a patient's payments; the payment repo provides it.
type PaymentMover interface {
	Repoint(ctx context.Context, fromPatientID, toPatientID uuid.UUID) (int64, error)
}

// AuditRecorder writes the merge event inside the merge transaction.
type AuditRecorder interface {
	Record(ctx context.Context, e *auditevent.Event) error
}

type Service struct {
	txRunner   db.TxRunner
	patients   PatientStore
	payments   PaymentMover
	dependents DependentsRepo
	audit      AuditRecorder
	log        zerolog.Logger
}

func NewService(
	txRunner db.TxRunner,
	patients PatientStore,
	payments PaymentMover,
	dependents DependentsRepo,
	audit AuditRecorder,
	log zerolog.Logger,
) *Service {
	return &Service{
		txRunner:   txRunner,
		patients:   patients,
		payments:   payments,
		dependents: dependents,
		audit:      audit,
		log:        log,
	}
}

// Merge consolidates the source patient into the target. One transaction:
// re-point every dependent record, union secondary phones, apply the
// operator's resolutions for conflicting identity fields, tombstone the
// source, and write the audit event. Any failure rolls back the whole merge.
func (s *Service) Merge(ctx context.Context, req *Request) (*Result, error) {
	if req.SourceID == req.TargetID {
		return nil, fmt.Errorf("source and target are the same patient")
	}

	var result *Result
	err := s.txRunner.RunInTx(ctx, func(ctx context.Context) error {
		source, err := s.patients.GetByID(ctx, req.SourceID)
		if err != nil {
			return fmt.Errorf("load source: %w", err)
		}
		target, err := s.patients.GetByID(ctx, req.TargetID)
		if err != nil {
			return fmt.Errorf("load target: %w", err)
		}
		if !source.Active() {
			return fmt.Errorf("source patient %s is already merged", source.ID)
		}
		if !target.Active() {
			return fmt.Errorf("target patient %s is already merged", target.ID)
		}

		resolved, err := resolveConflicts(source, target, req.Resolutions)
		if err != nil {
			return err
		}

		before := map[string]interface{}{
			"source": snapshot(source),
			"target": snapshot(target),
		}

		moved := make(map[string]int64)
		paymentsMoved, err := s.payments.Repoint(ctx, source.ID, target.ID)
		if err != nil {
			return fmt.Errorf("repoint payments: %w", err)
		}
		moved["payments"] = paymentsMoved

		dependentsMoved, err := s.dependents.RepointAll(ctx, source.ID, target.ID)
		if err != nil {
			return err
		}
		for table, n := range dependentsMoved {
			moved[table] = n
		}

		target.FullName = resolved[FieldFullName]
		target.NameKey = textnorm.NormalizeName(target.FullName)
		oldPrimary := target.Phone
		target.Phone = resolved[FieldPhone]
		target.SecondaryPhones = unionPhones(target, source, oldPrimary)
		if err := s.patients.Update(ctx, target); err != nil {
			return fmt.Errorf("update target: %w", err)
		}

		if err := s.patients.MarkMerged(ctx, source.ID, target.ID); err != nil {
			return fmt.Errorf("tombstone source: %w", err)
		}

		// The surviving file code is applied after the tombstone so the
		// uniqueness rule over active patients cannot trip.
		if code := resolved[FieldFileCode]; code != target.FileCode {
			if err := s.patients.SetFileCode(ctx, target.ID, code); err != nil {
				return fmt.Errorf("apply file code resolution: %w", err)
			}
			target.FileCode = code
		}

		remaining, err := s.dependents.CountByPatient(ctx, source.ID)
		if err != nil {
			return err
		}
		for table, n := range remaining {
			if n != 0 {
				return fmt.Errorf("merge left %d %s rows on the source", n, table)
			}
		}

		if err := s.audit.Record(ctx, &auditevent.Event{
			Action:   auditevent.ActionMerge,
			Actor:    req.Actor,
			Entity:   "patient",
			EntityID: target.ID.String(),
			Meta: map[string]interface{}{
				"source_id":   source.ID.String(),
				"target_id":   target.ID.String(),
				"resolutions": req.Resolutions,
				"moved":       moved,
				"before":      before,
				"after":       map[string]interface{}{"target": snapshot(target)},
			},
		}); err != nil {
			return fmt.Errorf("record audit event: %w", err)
		}

		result = &Result{
			SourceID: source.ID,
			TargetID: target.ID,
			Moved:    moved,
			MergedAt: time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("source_id", result.SourceID.String()).
		Str("target_id", result.TargetID.String()).
		Interface("moved", result.Moved).
		Msg("patients merged")
	return result, nil
}

// resolveConflicts settles the three scalar identity fields. Equal fields
// resolve to the shared value; differing fields need an operator resolution
// that names one side's value.
func resolveConflicts(source, target *patient.Patient, resolutions map[string]string) (map[string]string, error) {
	fields := map[string][2]string{
		FieldFullName: {source.FullName, target.FullName},
		FieldPhone:    {source.Phone, target.Phone},
		FieldFileCode: {source.FileCode, target.FileCode},
	}

	out := make(map[string]string, len(fields))
	for field, vals := range fields {
		sv, tv := vals[0], vals[1]
		if sv == tv || sv == "" {
			out[field] = tv
			continue
		}
		if tv == "" {
			out[field] = sv
			continue
		}
		chosen, ok := resolutions[field]
		if !ok {
			return nil, &ConflictError{Field: field, Reason: "values differ and no resolution was supplied"}
		}
		if chosen != sv && chosen != tv {
			return nil, &ConflictError{Field: field, Reason: "resolution matches neither patient"}
		}
		out[field] = chosen
	}
	return out, nil
}

// unionPhones merges both patients' phone lists into the target's secondary
// phones: existing secondaries, the target's previous primary, and all of
// the source's phones, deduplicated by digits and excluding the surviving
// primary. Call after the primary-phone resolution is applied.
func unionPhones(target, source *patient.Patient, oldPrimary string) []string {
	seen := map[string]struct{}{}
	if d := textnorm.NormalizePhone(target.Phone); d != "" {
		seen[d] = struct{}{}
	}
	candidates := append([]string{}, target.SecondaryPhones...)
	candidates = append(candidates, oldPrimary)
	candidates = append(candidates, source.AllPhones()...)

	var out []string
	for _, raw := range candidates {
		d := textnorm.NormalizePhone(raw)
		if d == "" {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, raw)
	}
	return out
}

func snapshot(p *patient.Patient) map[string]interface{} {
	return map[string]interface{}{
		"id":               p.ID.String(),
		"file_code":        p.FileCode,
		"full_name":        p.FullName,
		"phone":            p.Phone,
		"secondary_phones": append([]string{}, p.SecondaryPhones...),
		"notes":            p.Notes,
	}
}
