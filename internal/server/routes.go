package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/toolgate/internal/api/v1"
	"github.com/gosuda/toolgate/internal/api/ws"
	"github.com/gosuda/toolgate/internal/approval"
	"github.com/gosuda/toolgate/internal/policy"
	"github.com/gosuda/toolgate/internal/run"
	"github.com/gosuda/toolgate/internal/store/postgres"
)

func registerAPIRoutes(api huma.API, store *postgres.Store, runs *run.Manager, approvals *approval.Workflow) {
	v1.RegisterRunRoutes(api, runs)
	v1.RegisterToolReadRoutes(api, store)
	v1.RegisterApprovalReadRoutes(api, approvals)
}

func registerToolAdminRoutes(api huma.API, store *postgres.Store, engine *policy.Engine) {
	v1.RegisterToolAdminRoutes(api, store, engine)
}

func registerApprovalDecisionRoutes(api huma.API, approvals *approval.Workflow) {
	v1.RegisterApprovalDecisionRoutes(api, approvals)
}

func registerAuditRoutes(api huma.API, store *postgres.Store) {
	v1.RegisterAuditRoutes(api, store)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/runs/{runID}", hub.ServeRun)
	r.Get("/approvals", hub.ServeApprovals)
}
