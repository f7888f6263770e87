// Package approval implements the human-approval workflow gating
// high-risk runs: pending -> approved|denied, with read-time TTL expiry.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/toolgate/internal/domain"
)

// DefaultTTL is how long a pending request stays decidable.
const DefaultTTL = 24 * time.Hour

// Verdict is a human decision on a pending request.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDeny    Verdict = "deny"
)

// ResolvedFunc is invoked after a request reaches a terminal state and
// its transaction has committed. The run lifecycle manager registers
// itself here to advance or block the gated run.
type ResolvedFunc func(ctx context.Context, req *domain.ApprovalRequest)

// Workflow owns approval request state. Decisions are final: the only
// transitions are pending -> approved|denied by an actor, and
// pending -> expired on the first write-path touch after the TTL.
type Workflow struct {
	store      domain.DataStore
	ttl        time.Duration
	now        func() time.Time
	onResolved ResolvedFunc
}

func NewWorkflow(store domain.DataStore, ttl time.Duration) *Workflow {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Workflow{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// OnResolved registers the post-commit resolution hook. Must be called
// before the workflow serves traffic; not safe to swap concurrently.
func (w *Workflow) OnResolved(fn ResolvedFunc) {
	w.onResolved = fn
}

// CreateParams describes a new approval request.
type CreateParams struct {
	ResourceType string
	ResourceID   uuid.UUID
	RiskLevel    domain.RiskLevel
	Reason       string
	Payload      map[string]any
	RequestedBy  string
}

// Create opens a pending request in its own transaction.
func (w *Workflow) Create(ctx context.Context, p CreateParams) (*domain.ApprovalRequest, error) {
	var req *domain.ApprovalRequest
	err := w.store.WithTx(ctx, func(ds domain.DataStore) error {
		var txErr error
		req, txErr = w.CreateIn(ctx, ds, p)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// CreateIn opens a pending request inside the caller's transaction, so
// a run and its gating request can be persisted as one atomic unit.
// Fails with ErrConflict when an active (pending, non-expired) request
// already exists for the same resource; a stale pending request found
// on this write path is lazily expired first.
func (w *Workflow) CreateIn(ctx context.Context, ds domain.DataStore, p CreateParams) (*domain.ApprovalRequest, error) {
	now := w.now()

	active, err := ds.Approvals().GetActiveByResource(ctx, p.ResourceType, p.ResourceID)
	switch {
	case err == nil:
		if !active.ExpiredAt(now, w.ttl) {
			return nil, fmt.Errorf("approval.Workflow.CreateIn: active request %s exists for %s/%s: %w",
				active.ID, p.ResourceType, p.ResourceID, domain.ErrConflict)
		}
		if err := w.expireIn(ctx, ds, active, now); err != nil {
			return nil, fmt.Errorf("approval.Workflow.CreateIn: %w", err)
		}
	case errors.Is(err, domain.ErrNotFound):
		// no active request, proceed
	default:
		return nil, fmt.Errorf("approval.Workflow.CreateIn: %w", err)
	}

	req := &domain.ApprovalRequest{
		ID:            uuid.New(),
		ResourceType:  p.ResourceType,
		ResourceID:    p.ResourceID,
		RiskLevel:     p.RiskLevel,
		RequestReason: p.Reason,
		Payload:       p.Payload,
		Status:        domain.ApprovalStatusPending,
		RequestedBy:   p.RequestedBy,
		CreatedAt:     now,
	}

	if err := ds.Approvals().Create(ctx, req); err != nil {
		return nil, fmt.Errorf("approval.Workflow.CreateIn: %w", err)
	}

	audit := &domain.AuditEvent{
		ID:           uuid.New(),
		ActorID:      p.RequestedBy,
		EventType:    domain.EventApprovalRequested,
		ResourceType: "approval_request",
		ResourceID:   req.ID.String(),
		Action:       "create",
		Status:       domain.AuditSuccess,
		Message:      p.Reason,
		Metadata: map[string]any{
			"resource_type": p.ResourceType,
			"resource_id":   p.ResourceID.String(),
			"risk_level":    string(p.RiskLevel),
		},
		CreatedAt: now,
	}
	if err := ds.Audit().Append(ctx, audit); err != nil {
		return nil, fmt.Errorf("approval.Workflow.CreateIn: audit: %w", err)
	}

	return req, nil
}

// Decide resolves a pending request. A request past its TTL is expired
// on this write path instead and the call fails with ErrConflict, as
// does any decision on a request that is no longer pending.
func (w *Workflow) Decide(ctx context.Context, requestID uuid.UUID, verdict Verdict, actorID, note string) (*domain.ApprovalRequest, error) {
	req, err := w.store.Approvals().GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("approval.Workflow.Decide: %w", err)
	}

	if req.Status != domain.ApprovalStatusPending {
		return nil, fmt.Errorf("approval.Workflow.Decide: request %s already %s: %w",
			requestID, req.Status, domain.ErrConflict)
	}

	now := w.now()

	if req.ExpiredAt(now, w.ttl) {
		if err := w.expire(ctx, req, now); err != nil {
			return nil, fmt.Errorf("approval.Workflow.Decide: %w", err)
		}
		return nil, fmt.Errorf("approval.Workflow.Decide: request %s expired: %w",
			requestID, domain.ErrConflict)
	}

	status := domain.ApprovalStatusApproved
	eventType := domain.EventApprovalApproved
	if verdict == VerdictDeny {
		status = domain.ApprovalStatusDenied
		eventType = domain.EventApprovalDenied
	}

	err = w.store.WithTx(ctx, func(ds domain.DataStore) error {
		if err := ds.Approvals().Decide(ctx, requestID, status, actorID, note, now); err != nil {
			return fmt.Errorf("approval.Workflow.Decide: %w", err)
		}

		audit := &domain.AuditEvent{
			ID:           uuid.New(),
			ActorID:      actorID,
			EventType:    eventType,
			ResourceType: "approval_request",
			ResourceID:   requestID.String(),
			Action:       "decide",
			Status:       domain.AuditSuccess,
			Message:      note,
			Metadata: map[string]any{
				"resource_type": req.ResourceType,
				"resource_id":   req.ResourceID.String(),
			},
			CreatedAt: now,
		}
		if err := ds.Audit().Append(ctx, audit); err != nil {
			return fmt.Errorf("approval.Workflow.Decide: audit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	req.Status = status
	req.DecidedBy = actorID
	req.DecisionNote = note
	req.DecidedAt = &now

	if w.onResolved != nil {
		w.onResolved(ctx, req)
	}

	return req, nil
}

// Get returns a request, surfacing a pending one past its TTL as
// expired. The stored status is untouched on this read path.
func (w *Workflow) Get(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error) {
	req, err := w.store.Approvals().GetByID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("approval.Workflow.Get: %w", err)
	}
	return w.display(req), nil
}

// List returns requests matching the filter. Pending requests past the
// TTL are surfaced as expired and excluded from a pending-only listing.
func (w *Workflow) List(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	reqs, err := w.store.Approvals().List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("approval.Workflow.List: %w", err)
	}

	out := make([]*domain.ApprovalRequest, 0, len(reqs))
	for _, req := range reqs {
		shown := w.display(req)
		if f.Status != "" && shown.Status != f.Status {
			continue
		}
		out = append(out, shown)
	}
	return out, nil
}

// display maps a stored request to its caller-visible form.
func (w *Workflow) display(req *domain.ApprovalRequest) *domain.ApprovalRequest {
	if !req.ExpiredAt(w.now(), w.ttl) {
		return req
	}
	shown := *req
	shown.Status = domain.ApprovalStatusExpired
	return &shown
}

// expire persists a lazy expiry in its own transaction and notifies the
// resolution hook so the gated run is blocked.
func (w *Workflow) expire(ctx context.Context, req *domain.ApprovalRequest, now time.Time) error {
	err := w.store.WithTx(ctx, func(ds domain.DataStore) error {
		return w.expireIn(ctx, ds, req, now)
	})
	if err != nil {
		// A concurrent decision or expiry won the CAS; surface conflict upstream.
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	}

	expired := *req
	expired.Status = domain.ApprovalStatusExpired
	expired.DecidedAt = &now

	if w.onResolved != nil {
		w.onResolved(ctx, &expired)
	}

	return nil
}

func (w *Workflow) expireIn(ctx context.Context, ds domain.DataStore, req *domain.ApprovalRequest, now time.Time) error {
	if err := ds.Approvals().Expire(ctx, req.ID, now); err != nil {
		return err
	}

	audit := &domain.AuditEvent{
		ID:           uuid.New(),
		EventType:    domain.EventApprovalExpired,
		ResourceType: "approval_request",
		ResourceID:   req.ID.String(),
		Action:       "expire",
		Status:       domain.AuditSuccess,
		Message:      "pending request exceeded approval TTL",
		Metadata: map[string]any{
			"resource_type": req.ResourceType,
			"resource_id":   req.ResourceID.String(),
			"created_at":    req.CreatedAt,
		},
		CreatedAt: now,
	}
	if err := ds.Audit().Append(ctx, audit); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	log.Info().Str("approval_id", req.ID.String()).Msg("approval request expired")
	return nil
}
