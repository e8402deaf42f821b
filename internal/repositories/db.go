package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockledger/internal/common"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the statement surface shared by the pool and an open pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Database is satisfied by *pgxpool.Pool and by pgxmock pools.
type Database interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxManager runs a function inside one database transaction. Nested calls
// join the outer transaction.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// AfterCommit registers fn to run once the outermost transaction commits.
	// Outside a transaction fn runs immediately.
	AfterCommit(ctx context.Context, fn func())
}

type txKey struct{}

type txState struct {
	tx          pgx.Tx
	afterCommit []func()
	// set once the transaction has committed or rolled back; contexts
	// captured by after-commit hooks must not reuse it
	done bool
}

func activeTx(ctx context.Context) (*txState, bool) {
	st, ok := ctx.Value(txKey{}).(*txState)
	if !ok || st.done {
		return nil, false
	}
	return st, true
}

// conn returns the transaction carried by ctx, or db when there is none.
func conn(ctx context.Context, db Querier) Querier {
	if st, ok := activeTx(ctx); ok {
		return st.tx
	}
	return db
}

type TxOptions struct {
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultTxOptions() TxOptions {
	return TxOptions{
		LockTimeout:    2 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
	}
}

type pgTxManager struct {
	db   Database
	opts TxOptions
}

func NewTxManager(db Database, opts TxOptions) TxManager {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &pgTxManager{db: db, opts: opts}
}

// RunInTx retries the whole function when Postgres reports lock or
// serialization contention, up to MaxAttempts, then returns a
// ConflictTimeoutError. Any other error aborts immediately.
func (m *pgTxManager) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := activeTx(ctx); ok {
		return fn(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialBackoff
	b.MaxInterval = m.opts.MaxBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := m.runOnce(ctx, fn)
		if err == nil || isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.opts.MaxAttempts-1)), ctx))

	if err != nil && isTransient(err) {
		return &common.ConflictTimeoutError{Resource: "row lock", Attempts: attempts, Err: err}
	}
	return err
}

func (m *pgTxManager) runOnce(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	state := &txState{tx: tx}

	if m.opts.LockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", m.opts.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err := fn(context.WithValue(ctx, txKey{}, state)); err != nil {
		state.done = true
		_ = tx.Rollback(ctx)
		return err
	}
	state.done = true
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	for _, hook := range state.afterCommit {
		hook()
	}
	return nil
}

func (m *pgTxManager) AfterCommit(ctx context.Context, fn func()) {
	if st, ok := activeTx(ctx); ok {
		st.afterCommit = append(st.afterCommit, fn)
		return
	}
	fn()
}

const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, common.ErrNotFound)
	}
	return err
}
