// Package postgres implements the outbox, archive and dead-letter stores on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/courier/errs"
)

// PoolConfig sizes the pgx pool.
type PoolConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Connect opens and pings a pgx pool.
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// TxFromContext returns the transaction attached by WithTx, if any.
func TxFromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// ContextWithTx attaches a caller-owned transaction so store writes join it.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// errNilPool reports a store constructed without a pool. It is a wiring fault, never retryable.
func errNilPool(component string) error {
	return errs.New(errsComponent(component), errs.CodeConfiguration,
		errs.WithMessage(component+": nil pool"),
		errs.WithRemediation("construct the store with a connected pgx pool"))
}

func executor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return pool
}

// withTx runs fn inside a transaction. A transaction already on ctx is reused and left
// for its owner to commit.
func withTx(ctx context.Context, pool *pgxpool.Pool, component string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	if _, ok := TxFromContext(ctx); ok {
		return fn(ctx)
	}
	if pool == nil {
		return errNilPool(component)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return classify(component, "begin transaction", err)
	}
	if err := fn(ContextWithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("%s: rollback: %w", component, rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(component, "commit transaction", err)
	}
	return nil
}

// classify maps driver errors onto the engine error kinds.
func classify(component, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errs.CodeOf(err); ok {
		return err
	}
	cause := fmt.Errorf("%s: %s: %w", component, op, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New(errsComponent(component), errs.CodeNotFound, errs.WithMessage(op), errs.WithCause(cause))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
		return errs.New(errsComponent(component), errs.CodeInvalid,
			errs.WithMessage(op), errs.WithField("sqlstate", pgErr.Code), errs.WithCause(cause))
	}
	return errs.New(errsComponent(component), errs.CodeTransientStore, errs.WithMessage(op), errs.WithCause(cause))
}

func errsComponent(component string) string {
	switch component {
	case archiveComponent:
		return "archive/postgres"
	case deadLetterComponent:
		return "deadletter/postgres"
	default:
		return "outbox/postgres"
	}
}
