package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type contextKey string

const TxKey contextKey = "db_tx"

// ContextWithTx returns a context carrying an open transaction. Repositories
// that follow the conn(ctx) pattern will route their statements through it.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, TxKey, tx)
}

// TxFromContext retrieves the transaction from context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(TxKey).(pgx.Tx)
	return tx
}

// ErrTxConflict marks write conflicts and lock timeouts reported by the store.
// Callers retry; the conflict is never swallowed.
var ErrTxConflict = errors.New("transaction conflict")

// conflictSQLStates are the PostgreSQL error codes treated as retryable
// conflicts: serialization_failure, deadlock_detected, lock_not_available.
var conflictSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

// IsConflict reports whether err is a store-level write conflict.
func IsConflict(err error) bool {
	if errors.Is(err, ErrTxConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && conflictSQLStates[pgErr.Code]
}

// Beginner is the subset of pgxpool.Pool needed to open transactions.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxRunner executes a function inside one transaction. The function receives
// a context carrying the transaction so that repositories join it.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PgxTxRunner runs functions inside pgx transactions with read-committed
// isolation, mapping store conflicts to ErrTxConflict.
type PgxTxRunner struct {
	db Beginner
}

func NewPgxTxRunner(db Beginner) *PgxTxRunner {
	return &PgxTxRunner{db: db}
}

func (r *PgxTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		if IsConflict(err) {
			return fmt.Errorf("%w: %v", ErrTxConflict, err)
		}
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ContextWithTx(ctx, tx)); err != nil {
		if IsConflict(err) {
			return fmt.Errorf("%w: %v", ErrTxConflict, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if IsConflict(err) {
			return fmt.Errorf("%w: %v", ErrTxConflict, err)
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
