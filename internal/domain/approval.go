package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusDenied   ApprovalStatus = "denied"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status admits no further decision.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalStatusPending
}

// ApprovalRequest gates one resource (typically a run) behind a human
// decision. Only pending -> approved|denied is ever set by an actor;
// expired is derived from age and persisted lazily on the write path.
type ApprovalRequest struct {
	ID            uuid.UUID      `json:"id"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    uuid.UUID      `json:"resource_id"`
	RiskLevel     RiskLevel      `json:"risk_level"`
	RequestReason string         `json:"request_reason,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        ApprovalStatus `json:"status"`
	RequestedBy   string         `json:"requested_by,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	DecisionNote  string         `json:"decision_note,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
}

// ExpiredAt reports whether a still-pending request is past its TTL at
// the given instant. Terminal requests never expire.
func (a *ApprovalRequest) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return a.Status == ApprovalStatusPending && now.Sub(a.CreatedAt) > ttl
}

// ApprovalFilter narrows List queries.
type ApprovalFilter struct {
	ResourceType string
	Status       ApprovalStatus
	Limit        int
}

type ApprovalRepository interface {
	Create(ctx context.Context, a *ApprovalRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*ApprovalRequest, error)
	// GetActiveByResource returns the pending request for a resource,
	// or ErrNotFound when none exists.
	GetActiveByResource(ctx context.Context, resourceType string, resourceID uuid.UUID) (*ApprovalRequest, error)
	List(ctx context.Context, f ApprovalFilter) ([]*ApprovalRequest, error)
	// Decide moves pending -> approved|denied atomically; ErrConflict
	// when the stored status is no longer pending.
	Decide(ctx context.Context, id uuid.UUID, status ApprovalStatus, decidedBy, note string, decidedAt time.Time) error
	// Expire moves pending -> expired; ErrConflict when not pending.
	Expire(ctx context.Context, id uuid.UUID, decidedAt time.Time) error
}
