package v1

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/toolgate/internal/approval"
	"github.com/gosuda/toolgate/internal/domain"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store satisfies this interface.
type DataStore interface {
	Tools() domain.ToolRepository
	Audit() domain.AuditRepository
}

// RunService abstracts run lifecycle operations for handler testing.
// *run.Manager satisfies this interface.
type RunService interface {
	Submit(ctx context.Context, toolID string, args map[string]any, scopes domain.ScopeSet, actorID, reason string) (*domain.Run, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	List(ctx context.Context, f domain.RunFilter) ([]*domain.Run, error)
}

// ApprovalService abstracts approval workflow operations for handler
// testing. *approval.Workflow satisfies this interface.
type ApprovalService interface {
	Decide(ctx context.Context, requestID uuid.UUID, verdict approval.Verdict, actorID, note string) (*domain.ApprovalRequest, error)
	Get(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error)
	List(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error)
}

// SchemaInvalidator drops a compiled schema from the policy engine's
// cache when a tool definition changes. *policy.Engine satisfies it.
type SchemaInvalidator interface {
	Invalidate(schemaText string)
}
