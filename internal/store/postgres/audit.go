package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gosuda/toolgate/internal/domain"
)

type AuditRepo struct {
	db DB
}

func NewAuditRepo(db DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Append(ctx context.Context, e *domain.AuditEvent) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("auditRepo.Append: marshal metadata: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO audit_events (id, actor_id, event_type, resource_type, resource_id,
		                           action, status, message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ActorID, e.EventType, e.ResourceType, e.ResourceID,
		e.Action, e.Status, e.Message, metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("auditRepo.Append: %w", err)
	}

	return nil
}

// Query reads the ledger in insertion order. The (AfterTime, AfterID)
// pair is a keyset cursor over (created_at, id) so pagination stays
// stable while new events keep arriving.
func (r *AuditRepo) Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error) {
	query := `SELECT id, actor_id, event_type, resource_type, resource_id,
	                 action, status, message, metadata, created_at
	          FROM audit_events WHERE 1=1`
	var args []any

	if f.EventType != "" {
		args = append(args, f.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if f.ResourceType != "" {
		args = append(args, f.ResourceType)
		query += fmt.Sprintf(" AND resource_type = $%d", len(args))
	}
	if f.ResourceID != "" {
		args = append(args, f.ResourceID)
		query += fmt.Sprintf(" AND resource_id = $%d", len(args))
	}
	if f.ActorID != "" {
		args = append(args, f.ActorID)
		query += fmt.Sprintf(" AND actor_id = $%d", len(args))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if f.Until != nil {
		args = append(args, *f.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	if f.AfterTime != nil && f.AfterID != nil {
		args = append(args, *f.AfterTime, *f.AfterID)
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", len(args)-1, len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("auditRepo.Query: %w", err)
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("auditRepo.Query: scan: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auditRepo.Query: rows: %w", err)
	}

	return events, nil
}

func scanAuditEvent(row pgx.Row) (*domain.AuditEvent, error) {
	var e domain.AuditEvent
	var metadata []byte

	err := row.Scan(
		&e.ID, &e.ActorID, &e.EventType, &e.ResourceType, &e.ResourceID,
		&e.Action, &e.Status, &e.Message, &metadata, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &e, nil
}
