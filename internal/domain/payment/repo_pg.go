package payment

import (
	"context"

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

const paymentCols = `id, patient_id, amount_cents, paid_at, doctor_label, note, parent_payment_id, created_at`

func (r *repoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payments (id, patient_id, amount_cents, paid_at, doctor_label, note, parent_payment_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.PatientID, p.AmountCents, p.PaidAt, p.DoctorLabel, p.Note, p.ParentID,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	var p Payment
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE id = $1`, id).Scan(
		&p.ID, &p.PatientID, &p.AmountCents, &p.PaidAt, &p.DoctorLabel, &p.Note, &p.ParentID, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Payment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE patient_id = $1
		 ORDER BY paid_at DESC NULLS LAST, created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.PatientID, &p.AmountCents, &p.PaidAt, &p.DoctorLabel, &p.Note, &p.ParentID, &p.CreatedAt); err != nil {
			return nil, 0, err
		}
		payments = append(payments, &p)
	}
	return payments, total, nil
}

func (r *repoPG) Repoint(ctx context.Context, fromPatientID, toPatientID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE payments SET patient_id = $2 WHERE patient_id = $1`, fromPatientID, toPatientID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
