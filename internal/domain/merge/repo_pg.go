package merge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/ledger/internal/platform/db"
)

// dependentTables are the patient-owned record tables moved by a merge,
// besides payments which the payment repo handles.
var dependentTables = []string{"appointments", "diagnoses", "medical_notes", "images"}

// verifiedTables additionally includes payments: the repoint runs elsewhere
// but the zero-remaining check after a merge covers every record class.
var verifiedTables = append(dependentTables[:len(dependentTables):len(dependentTables)], "payments")

type dependentsRepoPG struct {
	pool *pgxpool.Pool
}

func NewDependentsRepo(pool *pgxpool.Pool) DependentsRepo {
	return &dependentsRepoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *dependentsRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *dependentsRepoPG) RepointAll(ctx context.Context, fromPatientID, toPatientID uuid.UUID) (map[string]int64, error) {
	moved := make(map[string]int64, len(dependentTables))
	for _, table := range dependentTables {
		tag, err := r.conn(ctx).Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET patient_id = $2 WHERE patient_id = $1`, table),
			fromPatientID, toPatientID)
		if err != nil {
			return nil, fmt.Errorf("repoint %s: %w", table, err)
		}
		moved[table] = tag.RowsAffected()
	}
	return moved, nil
}

func (r *dependentsRepoPG) CountByPatient(ctx context.Context, patientID uuid.UUID) (map[string]int64, error) {
	counts := make(map[string]int64, len(verifiedTables))
	for _, table := range verifiedTables {
		var n int64
		err := r.conn(ctx).QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE patient_id = $1`, table),
			patientID).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}
