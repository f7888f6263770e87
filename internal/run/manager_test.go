package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/toolgate/internal/approval"
	"github.com/gosuda/toolgate/internal/domain"
	"github.com/gosuda/toolgate/internal/executor"
	"github.com/gosuda/toolgate/internal/policy"
	"github.com/gosuda/toolgate/internal/store/memory"
)

type stubExecutor struct {
	mu     sync.Mutex
	calls  int
	specs  []executor.Spec
	result *executor.Result
	err    error
}

func (s *stubExecutor) Execute(_ context.Context, spec executor.Spec) (*executor.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.specs = append(s.specs, spec)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &executor.Result{ExitCode: 0, StdoutRef: spec.StdoutPath, StderrRef: spec.StderrPath, Duration: 10 * time.Millisecond}, nil
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubPublisher struct {
	mu       sync.Mutex
	channels []string
}

func (p *stubPublisher) Publish(_ context.Context, channel string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	return nil
}

func (p *stubPublisher) published(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.channels {
		if c == channel {
			return true
		}
	}
	return false
}

type fixture struct {
	manager   *Manager
	workflow  *approval.Workflow
	store     *memory.Store
	exec      *stubExecutor
	publisher *stubPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureTTL(t, time.Hour)
}

func newFixtureTTL(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()

	store := memory.New()
	exec := &stubExecutor{}
	publisher := &stubPublisher{}
	workflow := approval.NewWorkflow(store, ttl)

	manager := NewManager(store, policy.NewEngine(), workflow,
		map[string]executor.Executor{domain.ExecutorHost: exec},
		domain.ExecutorHost, publisher, t.TempDir())
	workflow.OnResolved(manager.HandleApprovalResolved)

	return &fixture{
		manager:   manager,
		workflow:  workflow,
		store:     store,
		exec:      exec,
		publisher: publisher,
	}
}

func (f *fixture) upsertTool(t *testing.T, tool *domain.ToolDefinition) {
	t.Helper()

	now := time.Now()
	tool.CreatedAt = now
	tool.UpdatedAt = now
	require.NoError(t, f.store.Tools().Upsert(context.Background(), tool))
}

func readTool() *domain.ToolDefinition {
	return &domain.ToolDefinition{
		ID:             "list-files",
		Name:           "List files",
		RiskLevel:      domain.RiskRead,
		Command:        []string{"ls", "-la"},
		TimeoutSeconds: 30,
		Enabled:        true,
	}
}

func writeTool() *domain.ToolDefinition {
	return &domain.ToolDefinition{
		ID:             "deploy",
		Name:           "Deploy service",
		RiskLevel:      domain.RiskWrite,
		Command:        []string{"./deploy.sh"},
		TimeoutSeconds: 300,
		Enabled:        true,
	}
}

func executeScopes() domain.ScopeSet {
	return domain.NewScopeSet(domain.ScopeToolExecute)
}

// waitForStatus polls until the run reaches the wanted status. Dispatch
// runs on its own goroutine, so terminal outcomes land asynchronously.
func waitForStatus(t *testing.T, store *memory.Store, id uuid.UUID, want domain.RunStatus) *domain.Run {
	t.Helper()

	var run *domain.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = store.Runs().GetByID(context.Background(), id)
		return err == nil && run.Status == want
	}, 2*time.Second, 10*time.Millisecond, "run never reached %s", want)
	return run
}

func eventTypes(t *testing.T, store *memory.Store, runID uuid.UUID) []string {
	t.Helper()

	events, err := store.Audit().Query(context.Background(), domain.AuditFilter{ResourceID: runID.String()})
	require.NoError(t, err)

	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
	}
	return types
}

func TestManager_Submit_ReadToolRunsToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upsertTool(t, readTool())

	run, err := f.manager.Submit(context.Background(), "list-files",
		map[string]any{"path": "/data"}, executeScopes(), "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusQueued, run.Status)
	assert.Nil(t, run.ApprovalRequestID)

	done := waitForStatus(t, f.store, run.ID, domain.RunStatusSucceeded)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Nil(t, done.FailureType)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, 1, f.exec.callCount())

	spec := f.exec.specs[0]
	assert.Equal(t, spec.StdoutPath, done.StdoutRef)
	assert.Equal(t, spec.StderrPath, done.StderrRef)
	assert.Equal(t, []string{"ls", "-la"}, spec.Command)
	assert.Equal(t, run.ID.String(), spec.Env["RUN_ID"])
	assert.Equal(t, "/data", spec.Env["ARG_PATH"])
	assert.Equal(t, 30*time.Second, spec.Timeout)

	assert.Equal(t,
		[]string{domain.EventRunSubmitted, domain.EventRunStarted, domain.EventRunExecuted},
		eventTypes(t, f.store, run.ID))
}

func TestManager_Submit_Denied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unknown tool", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, err := f.manager.Submit(ctx, "nope", nil, executeScopes(), "user-1", "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("disabled tool", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		tool := readTool()
		tool.Enabled = false
		f.upsertTool(t, tool)

		_, err := f.manager.Submit(ctx, tool.ID, nil, executeScopes(), "user-1", "")
		assert.ErrorIs(t, err, domain.ErrPolicyDenied)
	})

	t.Run("missing execute scope", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.upsertTool(t, readTool())

		_, err := f.manager.Submit(ctx, "list-files", nil, domain.NewScopeSet(), "user-1", "")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("invalid args", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		tool := readTool()
		tool.ArgsSchema = `{"type": "object", "properties": {"path": {"type": "string"}}, "required": ["path"], "additionalProperties": false}`
		f.upsertTool(t, tool)

		_, err := f.manager.Submit(ctx, tool.ID, map[string]any{"bogus": 1}, executeScopes(), "user-1", "")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("denial persists nothing", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		tool := readTool()
		tool.Enabled = false
		f.upsertTool(t, tool)

		_, err := f.manager.Submit(ctx, tool.ID, nil, executeScopes(), "user-1", "")
		require.Error(t, err)

		runs, err := f.store.Runs().List(ctx, domain.RunFilter{})
		require.NoError(t, err)
		assert.Empty(t, runs)

		events, err := f.store.Audit().Query(ctx, domain.AuditFilter{})
		require.NoError(t, err)
		assert.Empty(t, events)

		assert.Equal(t, 0, f.exec.callCount())
	})
}

func TestManager_Submit_WriteToolGatedByApproval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	f := newFixture(t)
	f.upsertTool(t, writeTool())

	run, err := f.manager.Submit(ctx, "deploy",
		map[string]any{"env": "prod"}, executeScopes(), "user-1", "ship the release")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPendingApproval, run.Status)
	require.NotNil(t, run.ApprovalRequestID)

	req, err := f.store.Approvals().GetByID(ctx, *run.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusPending, req.Status)
	assert.Equal(t, ResourceTypeRun, req.ResourceType)
	assert.Equal(t, run.ID, req.ResourceID)
	assert.Equal(t, "ship the release", req.RequestReason)

	// The executor must not see a gated run.
	assert.Equal(t, 0, f.exec.callCount())
	assert.True(t, f.publisher.published("approvals"))

	_, err = f.workflow.Decide(ctx, req.ID, approval.VerdictApprove, "reviewer-1", "go ahead")
	require.NoError(t, err)

	done := waitForStatus(t, f.store, run.ID, domain.RunStatusSucceeded)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Equal(t, 1, f.exec.callCount())

	assert.Equal(t,
		[]string{domain.EventRunSubmitted, domain.EventRunQueued, domain.EventRunStarted, domain.EventRunExecuted},
		eventTypes(t, f.store, run.ID))
}

// faultyToolStore fails tool lookups on demand while delegating
// everything else to the wrapped store.
type faultyToolStore struct {
	*memory.Store
	mu   sync.Mutex
	fail bool
}

func (s *faultyToolStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *faultyToolStore) Tools() domain.ToolRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return failingToolRepo{}
	}
	return s.Store.Tools()
}

type failingToolRepo struct{}

var errToolStoreDown = errors.New("tool store unavailable")

func (failingToolRepo) GetByID(context.Context, string) (*domain.ToolDefinition, error) {
	return nil, errToolStoreDown
}

func (failingToolRepo) List(context.Context) ([]*domain.ToolDefinition, error) {
	return nil, errToolStoreDown
}

func (failingToolRepo) Upsert(context.Context, *domain.ToolDefinition) error {
	return errToolStoreDown
}

func (failingToolRepo) SetEnabled(context.Context, string, bool) error {
	return errToolStoreDown
}

func TestManager_ApprovalToolLookupFailureKeepsRunPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store := &faultyToolStore{Store: memory.New()}
	exec := &stubExecutor{}
	workflow := approval.NewWorkflow(store, time.Hour)
	manager := NewManager(store, policy.NewEngine(), workflow,
		map[string]executor.Executor{domain.ExecutorHost: exec},
		domain.ExecutorHost, &stubPublisher{}, t.TempDir())
	workflow.OnResolved(manager.HandleApprovalResolved)

	require.NoError(t, store.Tools().Upsert(ctx, writeTool()))

	run, err := manager.Submit(ctx, "deploy",
		map[string]any{"env": "prod"}, executeScopes(), "user-1", "ship the release")
	require.NoError(t, err)
	require.NotNil(t, run.ApprovalRequestID)

	store.setFail(true)
	_, err = workflow.Decide(ctx, *run.ApprovalRequestID, approval.VerdictApprove, "reviewer-1", "")
	require.NoError(t, err)

	// The lookup failed before the status transition, so the run keeps
	// waiting instead of sitting queued with no dispatch coming.
	got, err := store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPendingApproval, got.Status)
	assert.Equal(t, 0, exec.callCount())
}

func TestManager_Submit_DeniedApprovalBlocksRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	f := newFixture(t)
	f.upsertTool(t, writeTool())

	run, err := f.manager.Submit(ctx, "deploy", nil, executeScopes(), "user-1", "")
	require.NoError(t, err)

	_, err = f.workflow.Decide(ctx, *run.ApprovalRequestID, approval.VerdictDeny, "reviewer-1", "not during freeze")
	require.NoError(t, err)

	blocked := waitForStatus(t, f.store, run.ID, domain.RunStatusBlocked)
	assert.Equal(t, "not during freeze", blocked.ErrorMessage)
	assert.Equal(t, 0, f.exec.callCount())

	events, err := f.store.Audit().Query(ctx, domain.AuditFilter{
		ResourceID: run.ID.String(), EventType: domain.EventRunBlocked,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditFail, events[0].Status)
	assert.Equal(t, "reviewer-1", events[0].ActorID)
}

func TestManager_ExpiredApprovalBlocksRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	f := newFixtureTTL(t, time.Nanosecond)
	f.upsertTool(t, writeTool())

	run, err := f.manager.Submit(ctx, "deploy", nil, executeScopes(), "user-1", "")
	require.NoError(t, err)

	// With a nanosecond TTL the request is already stale, so the
	// decision expires it instead of applying the verdict.
	_, err = f.workflow.Decide(ctx, *run.ApprovalRequestID, approval.VerdictApprove, "reviewer-1", "too late")
	assert.ErrorIs(t, err, domain.ErrConflict)

	blocked := waitForStatus(t, f.store, run.ID, domain.RunStatusBlocked)
	assert.Equal(t, "approval expired", blocked.ErrorMessage)
	assert.Equal(t, 0, f.exec.callCount())
}

func TestManager_Dispatch_AtMostOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	f := newFixture(t)
	tool := readTool()
	f.upsertTool(t, tool)

	run := &domain.Run{
		ID:        uuid.New(),
		ToolID:    tool.ID,
		Status:    domain.RunStatusQueued,
		CreatedBy: "user-1",
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.store.Runs().Create(ctx, run))

	f.manager.dispatch(run, tool)
	// The second dispatch loses the status compare-and-swap and backs off.
	f.manager.dispatch(run, tool)

	assert.Equal(t, 1, f.exec.callCount())

	got, err := f.store.Runs().GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
}

func TestManager_Dispatch_FailureOutcomes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	submit := func(t *testing.T, f *fixture) *domain.Run {
		t.Helper()
		f.upsertTool(t, readTool())
		run, err := f.manager.Submit(ctx, "list-files", nil, executeScopes(), "user-1", "")
		require.NoError(t, err)
		return run
	}

	t.Run("nonzero exit", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.exec.result = &executor.Result{
			ExitCode: 3, StdoutRef: "out.txt", StderrRef: "err.txt", Duration: 5 * time.Millisecond,
		}

		run := submit(t, f)
		failed := waitForStatus(t, f.store, run.ID, domain.RunStatusFailed)
		require.NotNil(t, failed.ExitCode)
		assert.Equal(t, 3, *failed.ExitCode)
		require.NotNil(t, failed.FailureType)
		assert.Equal(t, domain.FailureNonzero, *failed.FailureType)
		assert.Equal(t, "out.txt", failed.StdoutRef)
		assert.Equal(t, "err.txt", failed.StderrRef)

		// An exit code was produced, so the execution itself is audited.
		events, err := f.store.Audit().Query(ctx, domain.AuditFilter{
			ResourceID: run.ID.String(), EventType: domain.EventRunExecuted,
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, domain.AuditFail, events[0].Status)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.exec.err = executor.ErrTimedOut

		run := submit(t, f)
		failed := waitForStatus(t, f.store, run.ID, domain.RunStatusFailed)
		assert.Nil(t, failed.ExitCode)
		require.NotNil(t, failed.FailureType)
		assert.Equal(t, domain.FailureTimeout, *failed.FailureType)
		assert.Contains(t, failed.ErrorMessage, "timeout")

		events, err := f.store.Audit().Query(ctx, domain.AuditFilter{
			ResourceID: run.ID.String(), EventType: domain.EventRunFailed,
		})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("executor exception", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.exec.err = errors.New("sandbox unavailable")

		run := submit(t, f)
		failed := waitForStatus(t, f.store, run.ID, domain.RunStatusFailed)
		assert.Nil(t, failed.ExitCode)
		require.NotNil(t, failed.FailureType)
		assert.Equal(t, domain.FailureException, *failed.FailureType)
		assert.Equal(t, "sandbox unavailable", failed.ErrorMessage)
	})

	t.Run("no executor configured", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		tool := readTool()
		tool.Executor = "enclave"
		f.upsertTool(t, tool)

		run, err := f.manager.Submit(ctx, tool.ID, nil, executeScopes(), "user-1", "")
		require.NoError(t, err)

		failed := waitForStatus(t, f.store, run.ID, domain.RunStatusFailed)
		require.NotNil(t, failed.FailureType)
		assert.Equal(t, domain.FailureException, *failed.FailureType)
		assert.Contains(t, failed.ErrorMessage, "enclave")
	})
}
