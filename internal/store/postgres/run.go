package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gosuda/toolgate/internal/domain"
)

type RunRepo struct {
	db DB
}

func NewRunRepo(db DB) *RunRepo {
	return &RunRepo{db: db}
}

func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	args, err := json.Marshal(run.Args)
	if err != nil {
		return fmt.Errorf("runRepo.Create: marshal args: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO runs (id, tool_id, args, status, created_by, approval_request_id,
		                   stdout_ref, stderr_ref, exit_code, failure_type, result_summary,
		                   error_message, created_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID, run.ToolID, args, run.Status, run.CreatedBy, run.ApprovalRequestID,
		run.StdoutRef, run.StderrRef, run.ExitCode, run.FailureType, run.ResultSummary,
		run.ErrorMessage, run.CreatedAt, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("runRepo.Create: %w", err)
	}

	return nil
}

func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, err := scanRun(r.db.QueryRow(ctx,
		`SELECT id, tool_id, args, status, created_by, approval_request_id,
		        stdout_ref, stderr_ref, exit_code, failure_type, result_summary,
		        error_message, created_at, started_at, finished_at
		 FROM runs WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("runRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("runRepo.GetByID: %w", err)
	}

	return run, nil
}

func (r *RunRepo) List(ctx context.Context, f domain.RunFilter) ([]*domain.Run, error) {
	query := `SELECT id, tool_id, args, status, created_by, approval_request_id,
	                 stdout_ref, stderr_ref, exit_code, failure_type, result_summary,
	                 error_message, created_at, started_at, finished_at
	          FROM runs WHERE 1=1`
	var args []any

	if f.ToolID != "" {
		args = append(args, f.ToolID)
		query += fmt.Sprintf(" AND tool_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("runRepo.List: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runRepo.List: scan: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runRepo.List: rows: %w", err)
	}

	return runs, nil
}

func (r *RunRepo) Start(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE runs SET status = $1, started_at = $2
		 WHERE id = $3 AND status = $4`,
		domain.RunStatusRunning, startedAt, id, domain.RunStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("runRepo.Start: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "runRepo.Start", id)
	}

	return nil
}

func (r *RunRepo) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE runs SET status = $1
		 WHERE id = $2 AND status = $3`,
		domain.RunStatusQueued, id, domain.RunStatusPendingApproval,
	)
	if err != nil {
		return fmt.Errorf("runRepo.Requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "runRepo.Requeue", id)
	}

	return nil
}

func (r *RunRepo) Block(ctx context.Context, id uuid.UUID, finishedAt time.Time, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE runs SET status = $1, error_message = $2, finished_at = $3
		 WHERE id = $4 AND status = $5`,
		domain.RunStatusBlocked, errMsg, finishedAt, id, domain.RunStatusPendingApproval,
	)
	if err != nil {
		return fmt.Errorf("runRepo.Block: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "runRepo.Block", id)
	}

	return nil
}

func (r *RunRepo) Finish(ctx context.Context, id uuid.UUID, status domain.RunStatus, finishedAt time.Time,
	exitCode *int, failureType *domain.FailureType, stdoutRef, stderrRef, resultSummary, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE runs SET status = $1, exit_code = $2, failure_type = $3,
		        stdout_ref = $4, stderr_ref = $5, result_summary = $6,
		        error_message = $7, finished_at = $8
		 WHERE id = $9 AND status = $10`,
		status, exitCode, failureType, stdoutRef, stderrRef, resultSummary, errMsg, finishedAt,
		id, domain.RunStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("runRepo.Finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "runRepo.Finish", id)
	}

	return nil
}

// casMiss distinguishes a missing row from a compare-and-swap loss.
func (r *RunRepo) casMiss(ctx context.Context, caller string, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s: %w", caller, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", caller, domain.ErrNotFound)
	}

	return fmt.Errorf("%s: %w", caller, domain.ErrConflict)
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var args []byte

	err := row.Scan(
		&run.ID, &run.ToolID, &args, &run.Status, &run.CreatedBy, &run.ApprovalRequestID,
		&run.StdoutRef, &run.StderrRef, &run.ExitCode, &run.FailureType, &run.ResultSummary,
		&run.ErrorMessage, &run.CreatedAt, &run.StartedAt, &run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(args) > 0 {
		if err := json.Unmarshal(args, &run.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}

	return &run, nil
}
