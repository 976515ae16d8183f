package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/ledger/internal/platform/sheet"
)

// Planner is the read-only preflight pass: normalize, check the dedup
// ledger, resolve, and report. It never writes, so it is safe to run any
// number of times over the same file.
type Planner struct {
	resolver     *Resolver
	fingerprints FingerprintRepo
	signer       *PlanSigner
	log          zerolog.Logger
}

func NewPlanner(resolver *Resolver, fingerprints FingerprintRepo, signer *PlanSigner, log zerolog.Logger) *Planner {
	return &Planner{resolver: resolver, fingerprints: fingerprints, signer: signer, log: log}
}

// Preflight builds an ImportPlan for the rows of one source file. Row-level
// parse failures and ambiguities are collected into the plan, never raised;
// only infrastructure failures (store, context) abort the pass. Cancellable
// between rows with zero side effects.
func (p *Planner) Preflight(ctx context.Context, sourceFileID string, rows []sheet.RawRow, mapping sheet.ColumnMapping) (*ImportPlan, error) {
	if err := mapping.Validate(); err != nil {
		return nil, err
	}

	plan := &ImportPlan{
		SourceFileID: sourceFileID,
		CreatedAt:    time.Now().UTC(),
		Rows:         make([]RowDecision, 0, len(rows)),
	}

	for _, raw := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decision, err := p.decideRow(ctx, sourceFileID, raw, mapping)
		if err != nil {
			return nil, err
		}
		plan.Rows = append(plan.Rows, decision)
		tally(&plan.Counts, decision)
	}
	plan.Counts.TotalRows = len(plan.Rows)

	ref, err := p.signer.Sign(plan)
	if err != nil {
		return nil, err
	}
	plan.Ref = ref

	p.log.Info().
		Str("source_file_id", sourceFileID).
		Int("total", plan.Counts.TotalRows).
		Int("to_create", plan.Counts.ToCreate).
		Int("matched", plan.Counts.Matched).
		Int("skipped_duplicate", plan.Counts.SkippedDuplicate).
		Int("ambiguous", plan.Counts.Ambiguous).
		Int("row_errors", plan.Counts.RowErrors).
		Msg("preflight complete")
	return plan, nil
}

func (p *Planner) decideRow(ctx context.Context, sourceFileID string, raw sheet.RawRow, mapping sheet.ColumnMapping) (RowDecision, error) {
	decision := RowDecision{RowIndex: raw.Index}

	row, err := NormalizeRow(raw, mapping)
	if err != nil {
		decision.Error = err.Error()
		return decision, nil
	}
	decision.Row = row
	decision.Fingerprint = Fingerprint(sourceFileID, row)

	seen, err := p.fingerprints.Exists(ctx, decision.Fingerprint)
	if err != nil {
		return decision, fmt.Errorf("fingerprint check: %w", err)
	}
	decision.AlreadySeen = seen

	res, err := p.resolver.Resolve(ctx, row)
	if err != nil {
		return decision, err
	}
	decision.Resolution = res

	if row.LegacyPage > 0 && len(row.Phones) == 0 && res.Kind == ResolutionToCreate && row.FileCode == "" {
		decision.Warnings = append(decision.Warnings, "page present but no phone; page matching not attempted")
	}
	if !row.HasAmount {
		decision.Warnings = append(decision.Warnings, "no amount; no payment will be recorded")
	}
	return decision, nil
}

// tally counts a decision into the plan aggregate. A seen row counts only as
// skipped-duplicate regardless of how it would have resolved.
func tally(c *PlanCounts, d RowDecision) {
	switch {
	case d.Error != "":
		c.RowErrors++
	case d.AlreadySeen:
		c.SkippedDuplicate++
	case d.Resolution.Kind == ResolutionToCreate:
		c.ToCreate++
	case d.Resolution.Kind == ResolutionMatched:
		c.Matched++
	case d.Resolution.Kind == ResolutionAmbiguous:
		c.Ambiguous++
	}
}
