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

type ApprovalRepo struct {
	db DB
}

func NewApprovalRepo(db DB) *ApprovalRepo {
	return &ApprovalRepo{db: db}
}

func (r *ApprovalRepo) Create(ctx context.Context, a *domain.ApprovalRequest) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("approvalRepo.Create: marshal payload: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO approval_requests (id, resource_type, resource_id, risk_level, request_reason,
		                                payload, status, requested_by, decided_by, decision_note,
		                                created_at, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.ResourceType, a.ResourceID, a.RiskLevel, a.RequestReason,
		payload, a.Status, a.RequestedBy, a.DecidedBy, a.DecisionNote,
		a.CreatedAt, a.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("approvalRepo.Create: %w", err)
	}

	return nil
}

func (r *ApprovalRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
	a, err := scanApproval(r.db.QueryRow(ctx,
		`SELECT id, resource_type, resource_id, risk_level, request_reason, payload,
		        status, requested_by, decided_by, decision_note, created_at, decided_at
		 FROM approval_requests WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approvalRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("approvalRepo.GetByID: %w", err)
	}

	return a, nil
}

func (r *ApprovalRepo) GetActiveByResource(ctx context.Context, resourceType string, resourceID uuid.UUID) (*domain.ApprovalRequest, error) {
	a, err := scanApproval(r.db.QueryRow(ctx,
		`SELECT id, resource_type, resource_id, risk_level, request_reason, payload,
		        status, requested_by, decided_by, decision_note, created_at, decided_at
		 FROM approval_requests
		 WHERE resource_type = $1 AND resource_id = $2 AND status = $3
		 ORDER BY created_at DESC
		 LIMIT 1`,
		resourceType, resourceID, domain.ApprovalStatusPending,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approvalRepo.GetActiveByResource: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("approvalRepo.GetActiveByResource: %w", err)
	}

	return a, nil
}

func (r *ApprovalRepo) List(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	query := `SELECT id, resource_type, resource_id, risk_level, request_reason, payload,
	                 status, requested_by, decided_by, decision_note, created_at, decided_at
	          FROM approval_requests WHERE 1=1`
	var args []any

	if f.ResourceType != "" {
		args = append(args, f.ResourceType)
		query += fmt.Sprintf(" AND resource_type = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("approvalRepo.List: %w", err)
	}
	defer rows.Close()

	var requests []*domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("approvalRepo.List: scan: %w", err)
		}
		requests = append(requests, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approvalRepo.List: rows: %w", err)
	}

	return requests, nil
}

func (r *ApprovalRepo) Decide(ctx context.Context, id uuid.UUID, status domain.ApprovalStatus, decidedBy, note string, decidedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE approval_requests SET status = $1, decided_by = $2, decision_note = $3, decided_at = $4
		 WHERE id = $5 AND status = $6`,
		status, decidedBy, note, decidedAt, id, domain.ApprovalStatusPending,
	)
	if err != nil {
		return fmt.Errorf("approvalRepo.Decide: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "approvalRepo.Decide", id)
	}

	return nil
}

func (r *ApprovalRepo) Expire(ctx context.Context, id uuid.UUID, decidedAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE approval_requests SET status = $1, decided_at = $2
		 WHERE id = $3 AND status = $4`,
		domain.ApprovalStatusExpired, decidedAt, id, domain.ApprovalStatusPending,
	)
	if err != nil {
		return fmt.Errorf("approvalRepo.Expire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.casMiss(ctx, "approvalRepo.Expire", id)
	}

	return nil
}

func (r *ApprovalRepo) casMiss(ctx context.Context, caller string, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM approval_requests WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s: %w", caller, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", caller, domain.ErrNotFound)
	}

	return fmt.Errorf("%s: %w", caller, domain.ErrConflict)
}

func scanApproval(row pgx.Row) (*domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var payload []byte

	err := row.Scan(
		&a.ID, &a.ResourceType, &a.ResourceID, &a.RiskLevel, &a.RequestReason, &payload,
		&a.Status, &a.RequestedBy, &a.DecidedBy, &a.DecisionNote, &a.CreatedAt, &a.DecidedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}

	return &a, nil
}
