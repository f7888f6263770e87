package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/toolgate/internal/approval"
	"github.com/gosuda/toolgate/internal/domain"
	"github.com/gosuda/toolgate/internal/server/middleware"
)

type GetApprovalInput struct {
	ID uuid.UUID `path:"id" doc:"Approval request ID"`
}

type GetApprovalOutput struct {
	Body *domain.ApprovalRequest
}

type ListApprovalsInput struct {
	ResourceType string `query:"resource_type" doc:"Filter by resource type"`
	Status       string `query:"status" enum:"pending,approved,denied,expired" doc:"Filter by status"`
	Limit        int    `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Max results"`
}

type ListApprovalsOutput struct {
	Body []*domain.ApprovalRequest
}

type DecideApprovalInput struct {
	ID   uuid.UUID `path:"id" doc:"Approval request ID"`
	Body struct {
		Note string `json:"note,omitempty" maxLength:"1000" doc:"Reviewer note recorded with the decision"`
	}
}

type DecideApprovalOutput struct {
	Body *domain.ApprovalRequest
}

func RegisterApprovalReadRoutes(api huma.API, approvals ApprovalService) {
	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get an approval request by ID",
		Tags:        []string{"Approvals"},
	}, func(ctx context.Context, input *GetApprovalInput) (*GetApprovalOutput, error) {
		req, err := approvals.Get(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("approval request not found")
			}
			return nil, huma.Error500InternalServerError("failed to get approval request", err)
		}

		return &GetApprovalOutput{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approval requests",
		Tags:        []string{"Approvals"},
	}, func(ctx context.Context, input *ListApprovalsInput) (*ListApprovalsOutput, error) {
		out, err := approvals.List(ctx, domain.ApprovalFilter{
			ResourceType: input.ResourceType,
			Status:       domain.ApprovalStatus(input.Status),
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list approval requests", err)
		}

		return &ListApprovalsOutput{Body: out}, nil
	})
}

// RegisterApprovalDecisionRoutes registers the approve/deny surface.
// Callers gate it behind the approval:decide scope.
func RegisterApprovalDecisionRoutes(api huma.API, approvals ApprovalService) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/approve",
		Summary:     "Approve a pending request",
		Tags:        []string{"Approvals"},
	}, decideHandler(approvals, approval.VerdictApprove))

	huma.Register(api, huma.Operation{
		OperationID: "deny-request",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/deny",
		Summary:     "Deny a pending request",
		Tags:        []string{"Approvals"},
	}, decideHandler(approvals, approval.VerdictDeny))
}

func decideHandler(approvals ApprovalService, verdict approval.Verdict) func(context.Context, *DecideApprovalInput) (*DecideApprovalOutput, error) {
	return func(ctx context.Context, input *DecideApprovalInput) (*DecideApprovalOutput, error) {
		actorID, ok := middleware.ActorIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("authentication required")
		}

		req, err := approvals.Decide(ctx, input.ID, verdict, actorID, input.Body.Note)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("approval request not found")
			}
			if errors.Is(err, domain.ErrConflict) {
				return nil, huma.Error409Conflict("approval request is no longer pending")
			}
			return nil, huma.Error500InternalServerError("failed to decide approval request", err)
		}

		return &DecideApprovalOutput{Body: req}, nil
	}
}
