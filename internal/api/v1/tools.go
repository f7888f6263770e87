package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/toolgate/internal/domain"
	"github.com/gosuda/toolgate/internal/server/middleware"
)

type GetToolInput struct {
	ID string `path:"id" doc:"Tool ID"`
}

type GetToolOutput struct {
	Body *domain.ToolDefinition
}

type ListToolsOutput struct {
	Body []*domain.ToolDefinition
}

type UpsertToolInput struct {
	ID   string `path:"id" doc:"Tool ID"`
	Body struct {
		Name                string   `json:"name" minLength:"1" maxLength:"200" doc:"Display name"`
		Description         string   `json:"description,omitempty" maxLength:"2000" doc:"What the tool does"`
		RiskLevel           string   `json:"risk_level" enum:"read,exec_low,exec_high,write" doc:"Risk tier"`
		Executor            string   `json:"executor,omitempty" enum:"host,docker" doc:"Execution backend"`
		ArgsSchema          string   `json:"args_schema,omitempty" doc:"JSON Schema for run arguments"`
		Command             []string `json:"command" minItems:"1" doc:"Command and fixed arguments"`
		Cwd                 string   `json:"cwd,omitempty" maxLength:"1000" doc:"Working directory"`
		TimeoutSeconds      int      `json:"timeout_seconds,omitempty" minimum:"1" maximum:"86400" default:"300" doc:"Execution timeout"`
		AllowedPathPrefixes []string `json:"allowed_path_prefixes,omitempty" doc:"Path-typed arguments must match one of these prefixes; empty means unrestricted"`
		Enabled             *bool    `json:"enabled,omitempty" doc:"Whether the tool accepts new runs (default true)"`
	}
}

type UpsertToolOutput struct {
	Body *domain.ToolDefinition
}

type SetToolEnabledInput struct {
	ID   string `path:"id" doc:"Tool ID"`
	Body struct {
		Enabled bool `json:"enabled" doc:"Whether the tool accepts new runs"`
	}
}

type SetToolEnabledOutput struct {
	Body *domain.ToolDefinition
}

func RegisterToolReadRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tool",
		Method:      http.MethodGet,
		Path:        "/tools/{id}",
		Summary:     "Get a tool definition by ID",
		Tags:        []string{"Tools"},
	}, func(ctx context.Context, input *GetToolInput) (*GetToolOutput, error) {
		tool, err := store.Tools().GetByID(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("tool not found")
			}
			return nil, huma.Error500InternalServerError("failed to get tool", err)
		}

		return &GetToolOutput{Body: tool}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/tools",
		Summary:     "List tool definitions",
		Tags:        []string{"Tools"},
	}, func(ctx context.Context, _ *struct{}) (*ListToolsOutput, error) {
		tools, err := store.Tools().List(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list tools", err)
		}

		return &ListToolsOutput{Body: tools}, nil
	})
}

// RegisterToolAdminRoutes registers the mutating tool management
// surface. Callers gate it behind the tool:manage scope.
func RegisterToolAdminRoutes(api huma.API, store DataStore, invalidator SchemaInvalidator) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-tool",
		Method:      http.MethodPut,
		Path:        "/tools/{id}",
		Summary:     "Create or replace a tool definition",
		Tags:        []string{"Tools"},
	}, func(ctx context.Context, input *UpsertToolInput) (*UpsertToolOutput, error) {
		actorID, _ := middleware.ActorIDFromContext(ctx)

		riskLevel := domain.RiskLevel(input.Body.RiskLevel)
		if !riskLevel.Valid() {
			return nil, huma.Error422UnprocessableEntity("invalid risk level: " + input.Body.RiskLevel)
		}
		if input.Body.ArgsSchema != "" && !json.Valid([]byte(input.Body.ArgsSchema)) {
			return nil, huma.Error422UnprocessableEntity("args_schema is not valid JSON")
		}

		now := time.Now()
		tool := &domain.ToolDefinition{
			ID:                  input.ID,
			Name:                input.Body.Name,
			Description:         input.Body.Description,
			RiskLevel:           riskLevel,
			Executor:            input.Body.Executor,
			ArgsSchema:          input.Body.ArgsSchema,
			Command:             input.Body.Command,
			Cwd:                 input.Body.Cwd,
			TimeoutSeconds:      input.Body.TimeoutSeconds,
			AllowedPathPrefixes: input.Body.AllowedPathPrefixes,
			Enabled:             true,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if input.Body.Enabled != nil {
			tool.Enabled = *input.Body.Enabled
		}

		// A replaced definition may carry a different schema; drop the
		// old compiled entry so the next decision recompiles.
		var previousSchema string
		if existing, err := store.Tools().GetByID(ctx, input.ID); err == nil {
			previousSchema = existing.ArgsSchema
			tool.CreatedAt = existing.CreatedAt
		}

		if err := store.Tools().Upsert(ctx, tool); err != nil {
			return nil, huma.Error500InternalServerError("failed to upsert tool", err)
		}

		if previousSchema != "" && previousSchema != tool.ArgsSchema {
			invalidator.Invalidate(previousSchema)
		}

		appendToolAudit(ctx, store, actorID, domain.EventToolUpserted, tool.ID, "upsert", map[string]any{
			"risk_level": string(tool.RiskLevel),
			"enabled":    tool.Enabled,
		})

		return &UpsertToolOutput{Body: tool}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-tool-enabled",
		Method:      http.MethodPatch,
		Path:        "/tools/{id}/enabled",
		Summary:     "Enable or disable a tool",
		Tags:        []string{"Tools"},
	}, func(ctx context.Context, input *SetToolEnabledInput) (*SetToolEnabledOutput, error) {
		actorID, _ := middleware.ActorIDFromContext(ctx)

		if err := store.Tools().SetEnabled(ctx, input.ID, input.Body.Enabled); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("tool not found")
			}
			return nil, huma.Error500InternalServerError("failed to update tool", err)
		}

		tool, err := store.Tools().GetByID(ctx, input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to get updated tool", err)
		}

		appendToolAudit(ctx, store, actorID, domain.EventToolToggled, tool.ID, "toggle", map[string]any{
			"enabled": tool.Enabled,
		})

		return &SetToolEnabledOutput{Body: tool}, nil
	})
}

// appendToolAudit records a tool management event. A failed append is
// logged but does not fail the mutation the caller already committed.
func appendToolAudit(ctx context.Context, store DataStore, actorID, eventType, toolID, action string, metadata map[string]any) {
	err := store.Audit().Append(ctx, &domain.AuditEvent{
		ID:           uuid.New(),
		ActorID:      actorID,
		EventType:    eventType,
		ResourceType: "tool",
		ResourceID:   toolID,
		Action:       action,
		Status:       domain.AuditSuccess,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("tool_id", toolID).Str("event_type", eventType).Msg("api: append tool audit event")
	}
}
