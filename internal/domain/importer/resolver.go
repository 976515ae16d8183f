package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/agnivade/levenshtein"
	"github.com/jackc/pgx/v5"

	"github.com/clinic/ledger/internal/domain/patient"
	"github.com/clinic/ledger/internal/platform/textnorm"
)

// NameSimilarityThreshold is the minimum normalized Levenshtein similarity
// for a tier-2 name match. 0.82 tolerates one edit in a short transcribed
// name and two in a long one without accepting different people.
const NameSimilarityThreshold = 0.82

// PatientDirectory is the slice of the patient repository the resolver reads.
type PatientDirectory interface {
	GetActiveByFileCode(ctx context.Context, fileCode string) (*patient.Patient, error)
	ListActiveByLegacyPage(ctx context.Context, page int) ([]*patient.Patient, error)
}

// Resolver matches normalized rows to existing patients. It never writes.
type Resolver struct {
	patients PatientDirectory
}

func NewResolver(patients PatientDirectory) *Resolver {
	return &Resolver{patients: patients}
}

// Resolve returns exactly one of matched, to-create, or ambiguous for a row.
// Tier order is strict and the first decisive tier wins:
//
//  1. exact file code: the ledger's own key beats any name or phone signal;
//  2. legacy page, then fuzzy name plus phone overlap among that page's
//     patients: exactly one survivor matches, several are ambiguous;
//  3. no match anywhere means a new patient.
func (r *Resolver) Resolve(ctx context.Context, row *NormalizedRow) (Resolution, error) {
	if row.FileCode != "" {
		p, err := r.patients.GetActiveByFileCode(ctx, row.FileCode)
		switch {
		case err == nil:
			return Resolution{Kind: ResolutionMatched, PatientID: p.ID, Tier: TierFileCode}, nil
		case errors.Is(err, pgx.ErrNoRows):
			// fall through to tier 2
		default:
			return Resolution{}, fmt.Errorf("file code lookup: %w", err)
		}
	}

	if row.LegacyPage > 0 && len(row.Phones) > 0 {
		candidates, err := r.patients.ListActiveByLegacyPage(ctx, row.LegacyPage)
		if err != nil {
			return Resolution{}, fmt.Errorf("legacy page lookup: %w", err)
		}
		var hits []*patient.Patient
		for _, c := range candidates {
			if NameSimilarity(row.NameKey, c.NameKey) >= NameSimilarityThreshold &&
				phonesOverlap(row.PhoneDigits(), patientPhoneDigits(c)) {
				hits = append(hits, c)
			}
		}
		switch len(hits) {
		case 0:
		case 1:
			return Resolution{Kind: ResolutionMatched, PatientID: hits[0].ID, Tier: TierPageNamePhone}, nil
		default:
			out := Resolution{Kind: ResolutionAmbiguous}
			for _, h := range hits {
				out.CandidateIDs = append(out.CandidateIDs, h.ID)
			}
			return out, nil
		}
	}

	return Resolution{Kind: ResolutionToCreate}, nil
}

// NameSimilarity is 1 - dist/maxlen over the folded name keys: 1 for equal
// strings, 0 for nothing in common.
func NameSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	max := la
	if lb > max {
		max = lb
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(max)
}

// patientPhoneDigits folds a patient's stored phones to bare digits so
// formatting drift between the registry and the sheet cannot block a match.
func patientPhoneDigits(p *patient.Patient) []string {
	var out []string
	for _, raw := range p.AllPhones() {
		if d := textnorm.NormalizePhone(raw); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func phonesOverlap(rowPhones, patientPhones []string) bool {
	for _, rp := range rowPhones {
		for _, pp := range patientPhones {
			if rp != "" && rp == pp {
				return true
			}
		}
	}
	return false
}
