package v1_test

import (
	"context"

	"github.com/google/uuid"

	"github.com/gosuda/toolgate/internal/approval"
	"github.com/gosuda/toolgate/internal/domain"
	"github.com/gosuda/toolgate/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers — inject actor/scopes into context for DoCtx
// ---------------------------------------------------------------------------

func actorCtx(actorID string, scopes ...string) context.Context {
	ctx := context.Background()
	ctx = context.WithValue(ctx, middleware.ContextKeyActorID, actorID)
	ctx = context.WithValue(ctx, middleware.ContextKeyScopes, domain.NewScopeSet(scopes...))
	return ctx
}

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	tools domain.ToolRepository
	audit domain.AuditRepository
}

func (m *mockDataStore) Tools() domain.ToolRepository  { return m.tools }
func (m *mockDataStore) Audit() domain.AuditRepository { return m.audit }

// ---------------------------------------------------------------------------
// Mock ToolRepository
// ---------------------------------------------------------------------------

type mockToolRepo struct {
	getByIDFunc    func(ctx context.Context, id string) (*domain.ToolDefinition, error)
	listFunc       func(ctx context.Context) ([]*domain.ToolDefinition, error)
	upsertFunc     func(ctx context.Context, t *domain.ToolDefinition) error
	setEnabledFunc func(ctx context.Context, id string, enabled bool) error
}

func (m *mockToolRepo) GetByID(ctx context.Context, id string) (*domain.ToolDefinition, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockToolRepo) List(ctx context.Context) ([]*domain.ToolDefinition, error) {
	return m.listFunc(ctx)
}

func (m *mockToolRepo) Upsert(ctx context.Context, t *domain.ToolDefinition) error {
	return m.upsertFunc(ctx, t)
}

func (m *mockToolRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return m.setEnabledFunc(ctx, id, enabled)
}

// ---------------------------------------------------------------------------
// Mock AuditRepository
// ---------------------------------------------------------------------------

type mockAuditRepo struct {
	appendFunc func(ctx context.Context, e *domain.AuditEvent) error
	queryFunc  func(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error)
}

func (m *mockAuditRepo) Append(ctx context.Context, e *domain.AuditEvent) error {
	return m.appendFunc(ctx, e)
}

func (m *mockAuditRepo) Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error) {
	return m.queryFunc(ctx, f)
}

// ---------------------------------------------------------------------------
// Mock RunService
// ---------------------------------------------------------------------------

type mockRunService struct {
	submitFunc func(ctx context.Context, toolID string, args map[string]any, scopes domain.ScopeSet, actorID, reason string) (*domain.Run, error)
	getFunc    func(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	listFunc   func(ctx context.Context, f domain.RunFilter) ([]*domain.Run, error)
}

func (m *mockRunService) Submit(ctx context.Context, toolID string, args map[string]any, scopes domain.ScopeSet, actorID, reason string) (*domain.Run, error) {
	return m.submitFunc(ctx, toolID, args, scopes, actorID, reason)
}

func (m *mockRunService) Get(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return m.getFunc(ctx, id)
}

func (m *mockRunService) List(ctx context.Context, f domain.RunFilter) ([]*domain.Run, error) {
	return m.listFunc(ctx, f)
}

// ---------------------------------------------------------------------------
// Mock ApprovalService
// ---------------------------------------------------------------------------

type mockApprovalService struct {
	decideFunc func(ctx context.Context, requestID uuid.UUID, verdict approval.Verdict, actorID, note string) (*domain.ApprovalRequest, error)
	getFunc    func(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error)
	listFunc   func(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error)
}

func (m *mockApprovalService) Decide(ctx context.Context, requestID uuid.UUID, verdict approval.Verdict, actorID, note string) (*domain.ApprovalRequest, error) {
	return m.decideFunc(ctx, requestID, verdict, actorID, note)
}

func (m *mockApprovalService) Get(ctx context.Context, requestID uuid.UUID) (*domain.ApprovalRequest, error) {
	return m.getFunc(ctx, requestID)
}

func (m *mockApprovalService) List(ctx context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	return m.listFunc(ctx, f)
}

// ---------------------------------------------------------------------------
// Mock SchemaInvalidator
// ---------------------------------------------------------------------------

type mockInvalidator struct {
	invalidated []string
}

func (m *mockInvalidator) Invalidate(schemaText string) {
	m.invalidated = append(m.invalidated, schemaText)
}
