package patient

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/ledger/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, file_code, full_name, name_key, phone, secondary_phones,
	legacy_page_number, notes, merged_into, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (
			id, file_code, full_name, name_key, phone, secondary_phones,
			legacy_page_number, notes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.FileCode, p.FullName, p.NameKey, p.Phone, p.SecondaryPhones,
		p.LegacyPage, p.Notes,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *repoPG) GetActiveByFileCode(ctx context.Context, fileCode string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE file_code = $1 AND merged_into IS NULL`, fileCode))
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	// file_code deliberately absent: immutable after assignment.
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET
			full_name=$2, name_key=$3, phone=$4, secondary_phones=$5,
			legacy_page_number=$6, notes=$7, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.FullName, p.NameKey, p.Phone, p.SecondaryPhones,
		p.LegacyPage, p.Notes,
	)
	return err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patients WHERE merged_into IS NULL`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patients WHERE merged_into IS NULL
		 ORDER BY file_code LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectPatients(rows, total)
}

func (r *repoPG) Search(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(q)) + "%"
	where := `WHERE merged_into IS NULL
		AND (file_code ILIKE $1 OR name_key LIKE $1 OR phone LIKE $1)`

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patients `+where, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patients `+where+` ORDER BY file_code LIMIT $2 OFFSET $3`,
		pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectPatients(rows, total)
}

func (r *repoPG) ListActiveByLegacyPage(ctx context.Context, page int) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patients
		 WHERE legacy_page_number = $1 AND merged_into IS NULL ORDER BY created_at`, page)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	patients, _, err := collectPatients(rows, 0)
	return patients, err
}

// NextFileCode scans numeric suffixes of existing codes and returns max+1 in
// canonical form. Runs inside the commit tx, where the partial unique index
// on active file codes backstops any race.
func (r *repoPG) NextFileCode(ctx context.Context) (string, error) {
	var max *int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT MAX(CAST(SUBSTRING(file_code FROM 2) AS INTEGER))
		FROM patients WHERE file_code ~ '^P[0-9]{6}$'`).Scan(&max)
	if err != nil {
		return "", fmt.Errorf("next file code: %w", err)
	}
	next := 1
	if max != nil {
		next = *max + 1
	}
	if next > 999999 {
		return "", fmt.Errorf("file code space exhausted at %s", strconv.Itoa(next))
	}
	return FormatFileCode(next), nil
}

func (r *repoPG) MarkMerged(ctx context.Context, sourceID, targetID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET merged_into = $2, updated_at = NOW()
		WHERE id = $1 AND merged_into IS NULL`, sourceID, targetID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %s is not active", sourceID)
	}
	return nil
}

func (r *repoPG) SetFileCode(ctx context.Context, id uuid.UUID, fileCode string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patients SET file_code = $2, updated_at = NOW() WHERE id = $1`, id, fileCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.FileCode, &p.FullName, &p.NameKey, &p.Phone, &p.SecondaryPhones,
		&p.LegacyPage, &p.Notes, &p.MergedInto, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPatients(rows pgx.Rows, total int) ([]*Patient, int, error) {
	var patients []*Patient
	for rows.Next() {
		var p Patient
		err := rows.Scan(
			&p.ID, &p.FileCode, &p.FullName, &p.NameKey, &p.Phone, &p.SecondaryPhones,
			&p.LegacyPage, &p.Notes, &p.MergedInto, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, &p)
	}
	return patients, total, nil
}
