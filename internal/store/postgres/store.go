package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/toolgate/internal/domain"
)

// DB is the subset of pgx operations the repos use. Both *pgxpool.Pool
// and pgx.Tx satisfy it, so the same repo code runs inside and outside
// a transaction.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool      *pgxpool.Pool
	tools     *ToolRepo
	runs      *RunRepo
	approvals *ApprovalRepo
	audit     *AuditRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return newStore(pool, pool), nil
}

func newStore(pool *pgxpool.Pool, db DB) *Store {
	return &Store{
		pool:      pool,
		tools:     NewToolRepo(db),
		runs:      NewRunRepo(db),
		approvals: NewApprovalRepo(db),
		audit:     NewAuditRepo(db),
	}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Tools() domain.ToolRepository         { return s.tools }
func (s *Store) Runs() domain.RunRepository           { return s.runs }
func (s *Store) Approvals() domain.ApprovalRepository { return s.approvals }
func (s *Store) Audit() domain.AuditRepository        { return s.audit }

// WithTx runs fn against a Store whose repos share one transaction.
// The transaction commits when fn returns nil and rolls back otherwise,
// so a state transition and its audit event land together or not at all.
func (s *Store) WithTx(ctx context.Context, fn func(domain.DataStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres.WithTx: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(newStore(s.pool, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres.WithTx: commit: %w", err)
	}

	return nil
}
