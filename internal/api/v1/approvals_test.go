package v1_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/toolgate/internal/api/v1"
	"github.com/gosuda/toolgate/internal/approval"
	"github.com/gosuda/toolgate/internal/domain"
	"github.com/gosuda/toolgate/internal/server/middleware"
)

func newApprovalTestAPI(t *testing.T) (humatest.TestAPI, *mockApprovalService) {
	t.Helper()

	_, api := humatest.New(t)
	approvals := &mockApprovalService{}

	v1.RegisterApprovalReadRoutes(api, approvals)
	v1.RegisterApprovalDecisionRoutes(api, approvals)

	return api, approvals
}

func makeApproval(status domain.ApprovalStatus) *domain.ApprovalRequest {
	return &domain.ApprovalRequest{
		ID:            uuid.New(),
		ResourceType:  "run",
		ResourceID:    uuid.New(),
		RiskLevel:     domain.RiskWrite,
		RequestReason: "deploy to production",
		Status:        status,
		RequestedBy:   "user-1",
		CreatedAt:     time.Now(),
	}
}

func reviewerCtx() context.Context {
	return actorCtx("reviewer-1", middleware.ScopeApprovalDecide)
}

// ---------------------------------------------------------------------------
// GET /approvals/{id}
// ---------------------------------------------------------------------------

func TestGetApproval(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		api, approvals := newApprovalTestAPI(t)
		req := makeApproval(domain.ApprovalStatusPending)

		approvals.getFunc = func(_ context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
			assert.Equal(t, req.ID, id)
			return req, nil
		}

		resp := api.GetCtx(reviewerCtx(), "/approvals/"+req.ID.String())

		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.ApprovalRequest
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, req.ID, body.ID)
		assert.Equal(t, domain.ApprovalStatusPending, body.Status)
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()

		api, approvals := newApprovalTestAPI(t)
		approvals.getFunc = func(_ context.Context, _ uuid.UUID) (*domain.ApprovalRequest, error) {
			return nil, fmt.Errorf("approval.Workflow.Get: %w", domain.ErrNotFound)
		}

		resp := api.GetCtx(reviewerCtx(), "/approvals/"+uuid.New().String())

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /approvals
// ---------------------------------------------------------------------------

func TestListApprovals(t *testing.T) {
	t.Parallel()

	t.Run("pending_filter", func(t *testing.T) {
		t.Parallel()

		api, approvals := newApprovalTestAPI(t)
		approvals.listFunc = func(_ context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
			assert.Equal(t, domain.ApprovalStatusPending, f.Status)
			return []*domain.ApprovalRequest{makeApproval(domain.ApprovalStatusPending)}, nil
		}

		resp := api.GetCtx(reviewerCtx(), "/approvals?status=pending")

		require.Equal(t, http.StatusOK, resp.Code)

		var body []*domain.ApprovalRequest
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Len(t, body, 1)
	})

	t.Run("rejects_unknown_status", func(t *testing.T) {
		t.Parallel()

		api, _ := newApprovalTestAPI(t)
		resp := api.GetCtx(reviewerCtx(), "/approvals?status=stalled")

		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// POST /approvals/{id}/approve and /deny
// ---------------------------------------------------------------------------

func TestDecideApproval(t *testing.T) {
	t.Parallel()

	t.Run("approve", func(t *testing.T) {
		t.Parallel()

		api, approvals := newApprovalTestAPI(t)
		req := makeApproval(domain.ApprovalStatusApproved)

		approvals.decideFunc = func(_ context.Context, id uuid.UUID, verdict approval.Verdict, actorID, note string) (*domain.ApprovalRequest, error) {
			assert.Equal(t, req.ID, id)
			assert.Equal(t, approval.VerdictApprove, verdict)
			assert.Equal(t, "reviewer-1", actorID)
			assert.Equal(t, "looks fine", note)
			return req, nil
		}

		resp := api.PostCtx(reviewerCtx(), "/approvals/"+req.ID.String()+"/approve", map[string]any{
			"note": "looks fine",
		})

		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.ApprovalRequest
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, domain.ApprovalStatusApproved, body.Status)
	})

	t.Run("deny", func(t *testing.T) {
		t.Parallel()

		api, approvals := newApprovalTestAPI(t)
		req := makeApproval(domain.ApprovalStatusDenied)

		approvals.decideFunc = func(_ context.Context, _ uuid.UUID, verdict approval.Verdict, _, _ string) (*domain.ApprovalRequest, error) {
			assert.Equal(t, approval.VerdictDeny, verdict)
			return req, nil
		}

		resp := api.PostCtx(reviewerCtx(), "/approvals/"+req.ID.String()+"/deny", map[string]any{
			"note": "not during freeze",
		})

		require.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("missing_actor", func(t *testing.T) {
		t.Parallel()

		api, _ := newApprovalTestAPI(t)

		resp := api.PostCtx(context.Background(), "/approvals/"+uuid.New().String()+"/approve", map[string]any{})

		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("already_decided", func(t *testing.T) {
		t.Parallel()

		api, approvals := newApprovalTestAPI(t)
		approvals.decideFunc = func(_ context.Context, _ uuid.UUID, _ approval.Verdict, _, _ string) (*domain.ApprovalRequest, error) {
			return nil, fmt.Errorf("approval.Workflow.Decide: %w", domain.ErrConflict)
		}

		resp := api.PostCtx(reviewerCtx(), "/approvals/"+uuid.New().String()+"/deny", map[string]any{})

		assert.Equal(t, http.StatusConflict, resp.Code)
		body := parseErrorBody(t, resp.Body.Bytes())
		assert.Contains(t, body["detail"], "no longer pending")
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()

		api, approvals := newApprovalTestAPI(t)
		approvals.decideFunc = func(_ context.Context, _ uuid.UUID, _ approval.Verdict, _, _ string) (*domain.ApprovalRequest, error) {
			return nil, fmt.Errorf("approval.Workflow.Decide: %w", domain.ErrNotFound)
		}

		resp := api.PostCtx(reviewerCtx(), "/approvals/"+uuid.New().String()+"/approve", map[string]any{})

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}
