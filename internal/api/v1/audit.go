package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gosuda/toolgate/internal/domain"
)

type QueryAuditInput struct {
	EventType    string     `query:"event_type" doc:"Filter by event type"`
	ResourceType string     `query:"resource_type" doc:"Filter by resource type"`
	ResourceID   string     `query:"resource_id" doc:"Filter by resource ID"`
	ActorID      string     `query:"actor_id" doc:"Filter by actor"`
	Since        *time.Time `query:"since" doc:"Only events at or after this time"`
	Until        *time.Time `query:"until" doc:"Only events before this time"`
	AfterTime    *time.Time `query:"after_time" doc:"Keyset cursor: created_at of the last seen event"`
	AfterID      *uuid.UUID `query:"after_id" doc:"Keyset cursor: id of the last seen event"`
	Limit        int        `query:"limit" minimum:"1" maximum:"1000" default:"100" doc:"Max results"`
}

type QueryAuditOutput struct {
	Body []*domain.AuditEvent
}

func RegisterAuditRoutes(api huma.API, store DataStore) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit-events",
		Summary:     "Query the audit ledger",
		Tags:        []string{"Audit"},
	}, func(ctx context.Context, input *QueryAuditInput) (*QueryAuditOutput, error) {
		if (input.AfterTime == nil) != (input.AfterID == nil) {
			return nil, huma.Error422UnprocessableEntity("after_time and after_id must be supplied together")
		}

		events, err := store.Audit().Query(ctx, domain.AuditFilter{
			EventType:    input.EventType,
			ResourceType: input.ResourceType,
			ResourceID:   input.ResourceID,
			ActorID:      input.ActorID,
			Since:        input.Since,
			Until:        input.Until,
			AfterTime:    input.AfterTime,
			AfterID:      input.AfterID,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to query audit events", err)
		}

		return &QueryAuditOutput{Body: events}, nil
	})
}
