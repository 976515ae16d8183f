package patient

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Patient is one person in the clinic registry. FileCode is the human-facing
// ledger key (P######): immutable once assigned and unique among active
// patients. MergedInto is the tombstone pointer set by a merge; a patient
// with MergedInto set is inactive and owns no dependent records.
type Patient struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	FileCode        string     `db:"file_code" json:"file_code"`
	FullName        string     `db:"full_name" json:"full_name"`
	NameKey         string     `db:"name_key" json:"-"`
	Phone           string     `db:"phone" json:"phone,omitempty"`
	SecondaryPhones []string   `db:"secondary_phones" json:"secondary_phones,omitempty"`
	LegacyPage      *int       `db:"legacy_page_number" json:"legacy_page_number,omitempty"`
	Notes           string     `db:"notes" json:"notes,omitempty"`
	MergedInto      *uuid.UUID `db:"merged_into" json:"merged_into,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Active reports whether the patient has not been merged away.
func (p *Patient) Active() bool {
	return p.MergedInto == nil
}

// AllPhones returns the primary phone followed by the secondary phones,
// skipping empties.
func (p *Patient) AllPhones() []string {
	out := make([]string, 0, 1+len(p.SecondaryPhones))
	if p.Phone != "" {
		out = append(out, p.Phone)
	}
	out = append(out, p.SecondaryPhones...)
	return out
}

// FormatFileCode renders a numeric file id in the canonical P###### form.
func FormatFileCode(n int) string {
	return fmt.Sprintf("P%06d", n)
}
