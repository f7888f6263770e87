package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Audit event types, dotted taxonomy.
const (
	EventRunSubmitted      = "run.submitted"
	EventRunQueued         = "run.queued"
	EventRunStarted        = "run.started"
	EventRunExecuted       = "run.executed"
	EventRunFailed         = "run.failed"
	EventRunBlocked        = "run.blocked"
	EventApprovalRequested = "approval.requested"
	EventApprovalApproved  = "approval.approved"
	EventApprovalDenied    = "approval.denied"
	EventApprovalExpired   = "approval.expired"
	EventToolUpserted      = "tool.upserted"
	EventToolToggled       = "tool.toggled"
)

// Audit event statuses.
const (
	AuditSuccess = "success"
	AuditFail    = "fail"
)

// AuditEvent is an immutable record of one state transition. Exactly one
// event exists per persisted transition of a run or approval request,
// committed in the same transaction as the transition itself.
type AuditEvent struct {
	ID           uuid.UUID      `json:"id"`
	ActorID      string         `json:"actor_id,omitempty"`
	EventType    string         `json:"event_type"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Action       string         `json:"action"`
	Status       string         `json:"status"`
	Message      string         `json:"message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditFilter narrows Query. After is a stateless keyset cursor over
// (created_at, id); results are always ordered by created_at ascending.
type AuditFilter struct {
	EventType    string
	ResourceType string
	ResourceID   string
	ActorID      string
	Since        *time.Time
	Until        *time.Time
	AfterTime    *time.Time
	AfterID      *uuid.UUID
	Limit        int
}

// AuditRepository is the append-only ledger. Append never fails silently:
// callers append inside the same transaction as the state change so a
// failed write rolls the whole transition back.
type AuditRepository interface {
	Append(ctx context.Context, e *AuditEvent) error
	Query(ctx context.Context, f AuditFilter) ([]*AuditEvent, error)
}
