package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/toolgate/internal/domain"
	"github.com/gosuda/toolgate/internal/server/middleware"
)

type SubmitRunInput struct {
	Body struct {
		ToolID string         `json:"tool_id" minLength:"1" maxLength:"200" doc:"Tool to execute"`
		Args   map[string]any `json:"args,omitempty" doc:"Tool arguments, validated against the tool's schema"`
		Reason string         `json:"reason,omitempty" maxLength:"1000" doc:"Why this run is needed (shown to approvers)"`
	}
}

type SubmitRunOutput struct {
	Status int
	Body   *domain.Run
}

type GetRunInput struct {
	ID uuid.UUID `path:"id" doc:"Run ID"`
}

type GetRunOutput struct {
	Body *domain.Run
}

type ListRunsInput struct {
	ToolID string     `query:"tool_id" doc:"Filter by tool"`
	Status string     `query:"status" enum:"queued,pending_approval,running,succeeded,failed,denied,blocked" doc:"Filter by status"`
	Since  *time.Time `query:"since" doc:"Only runs created at or after this time"`
	Until  *time.Time `query:"until" doc:"Only runs created before this time"`
	Limit  int        `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Max results"`
}

type ListRunsOutput struct {
	Body []*domain.Run
}

func RegisterRunRoutes(api huma.API, runs RunService) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Submit a tool execution request",
		Tags:          []string{"Runs"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *SubmitRunInput) (*SubmitRunOutput, error) {
		actorID, ok := middleware.ActorIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("authentication required")
		}
		scopes, _ := middleware.ScopesFromContext(ctx)

		run, err := runs.Submit(ctx, input.Body.ToolID, input.Body.Args, scopes, actorID, input.Body.Reason)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("tool not found")
			}
			if errors.Is(err, domain.ErrValidation) {
				return nil, huma.Error422UnprocessableEntity(err.Error())
			}
			if errors.Is(err, domain.ErrForbidden) || errors.Is(err, domain.ErrPolicyDenied) {
				return nil, huma.Error403Forbidden(err.Error())
			}
			return nil, huma.Error500InternalServerError("failed to submit run", err)
		}

		return &SubmitRunOutput{Status: http.StatusAccepted, Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a run by ID",
		Tags:        []string{"Runs"},
	}, func(ctx context.Context, input *GetRunInput) (*GetRunOutput, error) {
		run, err := runs.Get(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("run not found")
			}
			return nil, huma.Error500InternalServerError("failed to get run", err)
		}

		return &GetRunOutput{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Tags:        []string{"Runs"},
	}, func(ctx context.Context, input *ListRunsInput) (*ListRunsOutput, error) {
		out, err := runs.List(ctx, domain.RunFilter{
			ToolID: input.ToolID,
			Status: domain.RunStatus(input.Status),
			Since:  input.Since,
			Until:  input.Until,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list runs", err)
		}

		return &ListRunsOutput{Body: out}, nil
	})
}
