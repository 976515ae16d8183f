package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/ledger/internal/platform/db"
)

type fingerprintRepoPG struct {
	pool *pgxpool.Pool
}

func NewFingerprintRepo(pool *pgxpool.Pool) FingerprintRepo {
	return &fingerprintRepoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *fingerprintRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *fingerprintRepoPG) Exists(ctx context.Context, rowHash string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM import_row_fingerprints
			WHERE row_hash = $1 AND outcome IN ('created', 'matched')
		)`, rowHash).Scan(&exists)
	return exists, err
}

func (r *fingerprintRepoPG) Record(ctx context.Context, fp *RowFingerprint) error {
	if fp.ID == uuid.Nil {
		fp.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO import_row_fingerprints (id, row_hash, source_file_id, outcome)
		VALUES ($1,$2,$3,$4)`,
		fp.ID, fp.RowHash, fp.SourceFileID, fp.Outcome,
	)
	// The applied-outcome unique index fires when a concurrent commit got the
	// same row in first. That is a retryable race, not a data error: on retry
	// the dedup check sees the other commit's row and skips.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("fingerprint %s already applied concurrently: %w", fp.RowHash, db.ErrTxConflict)
	}
	return err
}

func (r *fingerprintRepoPG) List(ctx context.Context, sourceFileID string, limit, offset int) ([]*RowFingerprint, int, error) {
	where := ``
	args := []interface{}{}
	if sourceFileID != "" {
		where = `WHERE source_file_id = $1`
		args = append(args, sourceFileID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM import_row_fingerprints `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT id, row_hash, source_file_id, outcome, recorded_at
		FROM import_row_fingerprints %s ORDER BY recorded_at DESC LIMIT $%d OFFSET $%d`,
		where, n+1, n+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var fps []*RowFingerprint
	for rows.Next() {
		var fp RowFingerprint
		if err := rows.Scan(&fp.ID, &fp.RowHash, &fp.SourceFileID, &fp.Outcome, &fp.RecordedAt); err != nil {
			return nil, 0, err
		}
		fps = append(fps, &fp)
	}
	return fps, total, nil
}
