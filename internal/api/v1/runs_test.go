package v1_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/toolgate/internal/api/v1"
	"github.com/gosuda/toolgate/internal/domain"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newRunTestAPI(t *testing.T) (humatest.TestAPI, *mockRunService) {
	t.Helper()

	_, api := humatest.New(t)
	runs := &mockRunService{}

	v1.RegisterRunRoutes(api, runs)

	return api, runs
}

func makeRun(status domain.RunStatus) *domain.Run {
	return &domain.Run{
		ID:        uuid.New(),
		ToolID:    "list-files",
		Args:      map[string]any{"path": "/data"},
		Status:    status,
		CreatedBy: "user-1",
		CreatedAt: time.Now(),
	}
}

// parseErrorBody decodes the RFC 9457 problem detail from the response body.
func parseErrorBody(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

// ---------------------------------------------------------------------------
// POST /runs
// ---------------------------------------------------------------------------

func TestSubmitRun(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		run := makeRun(domain.RunStatusQueued)

		runs.submitFunc = func(_ context.Context, toolID string, args map[string]any, scopes domain.ScopeSet, actorID, reason string) (*domain.Run, error) {
			assert.Equal(t, "list-files", toolID)
			assert.Equal(t, "/data", args["path"])
			assert.True(t, scopes.Has(domain.ScopeToolExecute))
			assert.Equal(t, "user-1", actorID)
			assert.Equal(t, "routine check", reason)
			return run, nil
		}

		ctx := actorCtx("user-1", domain.ScopeToolExecute)
		resp := api.PostCtx(ctx, "/runs", map[string]any{
			"tool_id": "list-files",
			"args":    map[string]any{"path": "/data"},
			"reason":  "routine check",
		})

		require.Equal(t, http.StatusAccepted, resp.Code)

		var body domain.Run
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, run.ID, body.ID)
		assert.Equal(t, domain.RunStatusQueued, body.Status)
	})

	t.Run("missing_actor", func(t *testing.T) {
		t.Parallel()

		api, _ := newRunTestAPI(t)

		// Bare context -- no actor injected.
		resp := api.PostCtx(context.Background(), "/runs", map[string]any{
			"tool_id": "list-files",
		})

		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("tool_not_found", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		runs.submitFunc = func(_ context.Context, _ string, _ map[string]any, _ domain.ScopeSet, _, _ string) (*domain.Run, error) {
			return nil, fmt.Errorf("run.Manager.Submit: %w", domain.ErrNotFound)
		}

		resp := api.PostCtx(actorCtx("user-1"), "/runs", map[string]any{
			"tool_id": "no-such-tool",
		})

		assert.Equal(t, http.StatusNotFound, resp.Code)
		body := parseErrorBody(t, resp.Body.Bytes())
		assert.Contains(t, body["detail"], "tool not found")
	})

	t.Run("invalid_args", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		runs.submitFunc = func(_ context.Context, _ string, _ map[string]any, _ domain.ScopeSet, _, _ string) (*domain.Run, error) {
			return nil, fmt.Errorf("run.Manager.Submit: missing property 'path': %w", domain.ErrValidation)
		}

		resp := api.PostCtx(actorCtx("user-1"), "/runs", map[string]any{
			"tool_id": "list-files",
		})

		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
		body := parseErrorBody(t, resp.Body.Bytes())
		assert.Contains(t, body["detail"], "missing property")
	})

	t.Run("policy_denied", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		runs.submitFunc = func(_ context.Context, _ string, _ map[string]any, _ domain.ScopeSet, _, _ string) (*domain.Run, error) {
			return nil, fmt.Errorf("run.Manager.Submit: tool is disabled: %w", domain.ErrPolicyDenied)
		}

		resp := api.PostCtx(actorCtx("user-1"), "/runs", map[string]any{
			"tool_id": "list-files",
		})

		assert.Equal(t, http.StatusForbidden, resp.Code)
	})

	t.Run("missing_scope", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		runs.submitFunc = func(_ context.Context, _ string, _ map[string]any, _ domain.ScopeSet, _, _ string) (*domain.Run, error) {
			return nil, fmt.Errorf("run.Manager.Submit: %w", domain.ErrForbidden)
		}

		resp := api.PostCtx(actorCtx("user-1"), "/runs", map[string]any{
			"tool_id": "list-files",
		})

		assert.Equal(t, http.StatusForbidden, resp.Code)
	})

	t.Run("internal_error", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		runs.submitFunc = func(_ context.Context, _ string, _ map[string]any, _ domain.ScopeSet, _, _ string) (*domain.Run, error) {
			return nil, errors.New("database unreachable")
		}

		resp := api.PostCtx(actorCtx("user-1"), "/runs", map[string]any{
			"tool_id": "list-files",
		})

		assert.Equal(t, http.StatusInternalServerError, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /runs/{id}
// ---------------------------------------------------------------------------

func TestGetRun(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		run := makeRun(domain.RunStatusSucceeded)

		runs.getFunc = func(_ context.Context, id uuid.UUID) (*domain.Run, error) {
			assert.Equal(t, run.ID, id)
			return run, nil
		}

		resp := api.GetCtx(actorCtx("user-1"), "/runs/"+run.ID.String())

		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.Run
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, run.ID, body.ID)
	})

	t.Run("not_found", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		runs.getFunc = func(_ context.Context, _ uuid.UUID) (*domain.Run, error) {
			return nil, fmt.Errorf("run.Manager.Get: %w", domain.ErrNotFound)
		}

		resp := api.GetCtx(actorCtx("user-1"), "/runs/"+uuid.New().String())

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("invalid_id", func(t *testing.T) {
		t.Parallel()

		api, _ := newRunTestAPI(t)
		resp := api.GetCtx(actorCtx("user-1"), "/runs/not-a-uuid")

		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /runs
// ---------------------------------------------------------------------------

func TestListRuns(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		stored := []*domain.Run{makeRun(domain.RunStatusSucceeded), makeRun(domain.RunStatusFailed)}

		runs.listFunc = func(_ context.Context, f domain.RunFilter) ([]*domain.Run, error) {
			assert.Equal(t, "list-files", f.ToolID)
			assert.Equal(t, 50, f.Limit)
			return stored, nil
		}

		resp := api.GetCtx(actorCtx("user-1"), "/runs?tool_id=list-files")

		require.Equal(t, http.StatusOK, resp.Code)

		var body []*domain.Run
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Len(t, body, 2)
	})

	t.Run("status_filter", func(t *testing.T) {
		t.Parallel()

		api, runs := newRunTestAPI(t)
		runs.listFunc = func(_ context.Context, f domain.RunFilter) ([]*domain.Run, error) {
			assert.Equal(t, domain.RunStatusBlocked, f.Status)
			return nil, nil
		}

		resp := api.GetCtx(actorCtx("user-1"), "/runs?status=blocked")

		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("rejects_unknown_status", func(t *testing.T) {
		t.Parallel()

		api, _ := newRunTestAPI(t)
		resp := api.GetCtx(actorCtx("user-1"), "/runs?status=paused")

		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})
}
