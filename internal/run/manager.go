// Package run implements the run lifecycle: policy decision on submit,
// approval gating, executor dispatch, and terminal outcome recording.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/toolgate/internal/approval"
	"github.com/gosuda/toolgate/internal/domain"
	"github.com/gosuda/toolgate/internal/executor"
	"github.com/gosuda/toolgate/internal/policy"
	redisstore "github.com/gosuda/toolgate/internal/store/redis"
)

// ResourceTypeRun is the resource type approval requests use for runs.
const ResourceTypeRun = "run"

// Publisher abstracts the pub/sub publish operation used to notify
// external watchers of run transitions.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Manager drives every run through its lifecycle. All transitions out
// of queued or pending_approval are compare-and-swaps on the stored
// status, which guarantees at-most-once handoff to the executor.
type Manager struct {
	store     domain.DataStore
	engine    *policy.Engine
	approvals *approval.Workflow
	executors map[string]executor.Executor
	defaultEx string
	pubsub    Publisher
	runsDir   string
	now       func() time.Time
}

func NewManager(
	store domain.DataStore,
	engine *policy.Engine,
	approvals *approval.Workflow,
	executors map[string]executor.Executor,
	defaultExecutor string,
	pubsub Publisher,
	runsDir string,
) *Manager {
	return &Manager{
		store:     store,
		engine:    engine,
		approvals: approvals,
		executors: executors,
		defaultEx: defaultExecutor,
		pubsub:    pubsub,
		runsDir:   runsDir,
		now:       time.Now,
	}
}

// Submit evaluates policy for a tool execution request and, when it may
// proceed, persists a run. A denied submission persists nothing and the
// reason is returned synchronously. The executor handoff is
// asynchronous: Submit returns as soon as the run is durably queued.
func (m *Manager) Submit(ctx context.Context, toolID string, args map[string]any, scopes domain.ScopeSet, actorID, reason string) (*domain.Run, error) {
	tool, err := m.store.Tools().GetByID(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("run.Manager.Submit: %w", err)
	}

	decision := m.engine.Decide(scopes, tool, args)
	if decision.Kind == domain.DecisionDenied {
		return nil, denialError(decision)
	}

	now := m.now()
	run := &domain.Run{
		ID:        uuid.New(),
		ToolID:    tool.ID,
		Args:      args,
		CreatedBy: actorID,
		CreatedAt: now,
	}

	switch decision.Kind {
	case domain.DecisionAllowed:
		run.Status = domain.RunStatusQueued

		err = m.store.WithTx(ctx, func(ds domain.DataStore) error {
			if err := ds.Runs().Create(ctx, run); err != nil {
				return err
			}
			return ds.Audit().Append(ctx, m.submittedEvent(run, actorID, now))
		})
		if err != nil {
			return nil, fmt.Errorf("run.Manager.Submit: %w", err)
		}

		m.publish(run.ID, string(run.Status))
		go m.dispatch(run, tool)

	case domain.DecisionRequiresApproval:
		run.Status = domain.RunStatusPendingApproval

		if reason == "" {
			reason = "execute tool " + tool.ID
		}

		err = m.store.WithTx(ctx, func(ds domain.DataStore) error {
			req, err := m.approvals.CreateIn(ctx, ds, approval.CreateParams{
				ResourceType: ResourceTypeRun,
				ResourceID:   run.ID,
				RiskLevel:    tool.RiskLevel,
				Reason:       reason,
				Payload:      map[string]any{"tool_id": tool.ID, "args": args},
				RequestedBy:  actorID,
			})
			if err != nil {
				return err
			}
			run.ApprovalRequestID = &req.ID

			if err := ds.Runs().Create(ctx, run); err != nil {
				return err
			}
			return ds.Audit().Append(ctx, m.submittedEvent(run, actorID, now))
		})
		if err != nil {
			return nil, fmt.Errorf("run.Manager.Submit: %w", err)
		}

		m.publish(run.ID, string(run.Status))
	}

	return run, nil
}

// HandleApprovalResolved advances the gated run after its approval
// request reached a terminal state. Registered as the workflow's
// post-commit hook.
func (m *Manager) HandleApprovalResolved(ctx context.Context, req *domain.ApprovalRequest) {
	if req.ResourceType != ResourceTypeRun {
		return
	}

	run, err := m.store.Runs().GetByID(ctx, req.ResourceID)
	if err != nil {
		log.Error().Err(err).Str("run_id", req.ResourceID.String()).Msg("run: resolved approval for unknown run")
		return
	}

	switch req.Status {
	case domain.ApprovalStatusApproved:
		// Resolve the tool before the requeue transition so a failed
		// lookup leaves the run in pending_approval instead of queued
		// with no dispatch.
		tool, err := m.store.Tools().GetByID(ctx, run.ToolID)
		if err != nil {
			log.Error().Err(err).Str("run_id", run.ID.String()).Msg("run: load tool after approval")
			return
		}

		if err := m.requeue(ctx, run, req.DecidedBy); err != nil {
			log.Error().Err(err).Str("run_id", run.ID.String()).Msg("run: requeue after approval")
			return
		}
		run.Status = domain.RunStatusQueued
		go m.dispatch(run, tool)

	case domain.ApprovalStatusDenied, domain.ApprovalStatusExpired:
		msg := req.DecisionNote
		if msg == "" {
			msg = "approval " + string(req.Status)
		}
		if err := m.block(ctx, run, req.DecidedBy, msg); err != nil {
			log.Error().Err(err).Str("run_id", run.ID.String()).Msg("run: block after denial")
		}
	}
}

// requeue moves pending_approval -> queued.
func (m *Manager) requeue(ctx context.Context, run *domain.Run, actorID string) error {
	now := m.now()
	err := m.store.WithTx(ctx, func(ds domain.DataStore) error {
		if err := ds.Runs().Requeue(ctx, run.ID); err != nil {
			return err
		}
		return ds.Audit().Append(ctx, &domain.AuditEvent{
			ID:           uuid.New(),
			ActorID:      actorID,
			EventType:    domain.EventRunQueued,
			ResourceType: ResourceTypeRun,
			ResourceID:   run.ID.String(),
			Action:       "approve",
			Status:       domain.AuditSuccess,
			Metadata:     map[string]any{"tool_id": run.ToolID},
			CreatedAt:    now,
		})
	})
	if err != nil {
		return err
	}

	m.publish(run.ID, string(domain.RunStatusQueued))
	return nil
}

// block moves pending_approval -> blocked (terminal). The executor is
// never invoked for a blocked run.
func (m *Manager) block(ctx context.Context, run *domain.Run, actorID, msg string) error {
	now := m.now()
	err := m.store.WithTx(ctx, func(ds domain.DataStore) error {
		if err := ds.Runs().Block(ctx, run.ID, now, msg); err != nil {
			return err
		}
		return ds.Audit().Append(ctx, &domain.AuditEvent{
			ID:           uuid.New(),
			ActorID:      actorID,
			EventType:    domain.EventRunBlocked,
			ResourceType: ResourceTypeRun,
			ResourceID:   run.ID.String(),
			Action:       "block",
			Status:       domain.AuditFail,
			Message:      msg,
			Metadata:     map[string]any{"tool_id": run.ToolID},
			CreatedAt:    now,
		})
	})
	if err != nil {
		return err
	}

	m.publish(run.ID, string(domain.RunStatusBlocked))
	return nil
}

// dispatch hands a queued run to the executor and records the terminal
// outcome. Runs in its own goroutine; errors land on the run row, never
// back to the submitter.
func (m *Manager) dispatch(run *domain.Run, tool *domain.ToolDefinition) {
	ctx := context.Background()

	startedAt := m.now()
	err := m.store.WithTx(ctx, func(ds domain.DataStore) error {
		if err := ds.Runs().Start(ctx, run.ID, startedAt); err != nil {
			return err
		}
		return ds.Audit().Append(ctx, &domain.AuditEvent{
			ID:           uuid.New(),
			ActorID:      run.CreatedBy,
			EventType:    domain.EventRunStarted,
			ResourceType: ResourceTypeRun,
			ResourceID:   run.ID.String(),
			Action:       "execute",
			Status:       domain.AuditSuccess,
			Metadata:     map[string]any{"tool_id": run.ToolID},
			CreatedAt:    startedAt,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Lost the CAS: another dispatcher picked this run up.
			log.Warn().Str("run_id", run.ID.String()).Msg("run: dispatch raced, skipping")
			return
		}
		log.Error().Err(err).Str("run_id", run.ID.String()).Msg("run: mark started")
		return
	}

	m.publish(run.ID, string(domain.RunStatusRunning))

	spec, err := m.buildSpec(run, tool)
	if err != nil {
		m.finish(ctx, run, domain.RunStatusFailed, nil, failureTypePtr(domain.FailureException), "", err.Error())
		return
	}

	exec := m.executorFor(tool)
	if exec == nil {
		m.finish(ctx, run, domain.RunStatusFailed, nil, failureTypePtr(domain.FailureException), "",
			"no executor configured for "+tool.Executor)
		return
	}

	result, err := exec.Execute(ctx, spec)
	switch {
	case errors.Is(err, executor.ErrTimedOut):
		m.finish(ctx, run, domain.RunStatusFailed, nil, failureTypePtr(domain.FailureTimeout), "",
			fmt.Sprintf("execution exceeded timeout of %ds", tool.TimeoutSeconds))
	case err != nil:
		m.finish(ctx, run, domain.RunStatusFailed, nil, failureTypePtr(domain.FailureException), "", err.Error())
	case result.ExitCode != 0:
		run.StdoutRef = result.StdoutRef
		run.StderrRef = result.StderrRef
		m.finish(ctx, run, domain.RunStatusFailed, &result.ExitCode, failureTypePtr(domain.FailureNonzero),
			summarize(result), fmt.Sprintf("tool exited with code %d", result.ExitCode))
	default:
		run.StdoutRef = result.StdoutRef
		run.StderrRef = result.StderrRef
		m.finish(ctx, run, domain.RunStatusSucceeded, &result.ExitCode, nil, summarize(result), "")
	}
}

// finish records the terminal outcome with its audit event. Exit-coded
// completions audit as run.executed; timeouts and internal exceptions
// audit as run.failed.
func (m *Manager) finish(ctx context.Context, run *domain.Run, status domain.RunStatus,
	exitCode *int, failureType *domain.FailureType, summary, errMsg string) {
	now := m.now()

	eventType := domain.EventRunExecuted
	auditStatus := domain.AuditSuccess
	if status == domain.RunStatusFailed {
		auditStatus = domain.AuditFail
		if exitCode == nil {
			eventType = domain.EventRunFailed
		}
	}

	metadata := map[string]any{"tool_id": run.ToolID}
	if exitCode != nil {
		metadata["exit_code"] = *exitCode
	}
	if failureType != nil {
		metadata["failure_type"] = string(*failureType)
	}

	err := m.store.WithTx(ctx, func(ds domain.DataStore) error {
		if err := ds.Runs().Finish(ctx, run.ID, status, now, exitCode, failureType,
			run.StdoutRef, run.StderrRef, summary, errMsg); err != nil {
			return err
		}
		return ds.Audit().Append(ctx, &domain.AuditEvent{
			ID:           uuid.New(),
			ActorID:      run.CreatedBy,
			EventType:    eventType,
			ResourceType: ResourceTypeRun,
			ResourceID:   run.ID.String(),
			Action:       "execute",
			Status:       auditStatus,
			Message:      errMsg,
			Metadata:     metadata,
			CreatedAt:    now,
		})
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", run.ID.String()).Str("status", string(status)).Msg("run: record terminal outcome")
		return
	}

	m.publish(run.ID, string(status))
}

// buildSpec prepares the executor handoff: per-run output directory and
// the argument environment (ARG_<KEY> plus RUN_ID/TOOL_ID).
func (m *Manager) buildSpec(run *domain.Run, tool *domain.ToolDefinition) (executor.Spec, error) {
	runDir := filepath.Join(m.runsDir, run.ID.String())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return executor.Spec{}, fmt.Errorf("run.Manager: create run dir: %w", err)
	}

	env := map[string]string{
		"RUN_ID":  run.ID.String(),
		"TOOL_ID": tool.ID,
	}
	for k, v := range run.Args {
		env["ARG_"+strings.ToUpper(k)] = fmt.Sprintf("%v", v)
	}

	return executor.Spec{
		RunID:               run.ID,
		Command:             tool.Command,
		Cwd:                 tool.Cwd,
		Env:                 env,
		Timeout:             time.Duration(tool.TimeoutSeconds) * time.Second,
		AllowedPathPrefixes: tool.AllowedPathPrefixes,
		StdoutPath:          filepath.Join(runDir, "stdout.txt"),
		StderrPath:          filepath.Join(runDir, "stderr.txt"),
	}, nil
}

func (m *Manager) executorFor(tool *domain.ToolDefinition) executor.Executor {
	name := tool.Executor
	if name == "" {
		name = m.defaultEx
	}
	return m.executors[name]
}

// Get returns one run.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, err := m.store.Runs().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("run.Manager.Get: %w", err)
	}
	return run, nil
}

// List returns runs matching the filter.
func (m *Manager) List(ctx context.Context, f domain.RunFilter) ([]*domain.Run, error) {
	runs, err := m.store.Runs().List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("run.Manager.List: %w", err)
	}
	return runs, nil
}

func (m *Manager) submittedEvent(run *domain.Run, actorID string, now time.Time) *domain.AuditEvent {
	return &domain.AuditEvent{
		ID:           uuid.New(),
		ActorID:      actorID,
		EventType:    domain.EventRunSubmitted,
		ResourceType: ResourceTypeRun,
		ResourceID:   run.ID.String(),
		Action:       "submit",
		Status:       domain.AuditSuccess,
		Metadata:     map[string]any{"tool_id": run.ToolID, "status": string(run.Status)},
		CreatedAt:    now,
	}
}

// publish notifies external watchers; failures are logged, never fatal.
// Transitions into pending_approval also land on the shared approvals
// feed so reviewers see new requests without polling.
func (m *Manager) publish(runID uuid.UUID, status string) {
	if m.pubsub == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"type":   "run_status",
		"run_id": runID.String(),
		"status": status,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.pubsub.Publish(ctx, redisstore.RunChannel(runID), payload); err != nil {
		log.Error().Err(err).Str("run_id", runID.String()).Msg("run: publish transition")
	}

	if status == string(domain.RunStatusPendingApproval) {
		if err := m.pubsub.Publish(ctx, redisstore.ApprovalsChannel(), payload); err != nil {
			log.Error().Err(err).Str("run_id", runID.String()).Msg("run: publish approval feed")
		}
	}
}

// denialError maps a policy denial to the caller-facing error taxonomy.
func denialError(d domain.Decision) error {
	switch d.Reason {
	case domain.DenyInvalidArgs:
		return fmt.Errorf("run.Manager.Submit: %s: %w", d.Detail, domain.ErrValidation)
	case domain.DenyMissingScope:
		return fmt.Errorf("run.Manager.Submit: %s: %w", d.Detail, domain.ErrForbidden)
	default:
		return fmt.Errorf("run.Manager.Submit: %s: %w", d.Detail, domain.ErrPolicyDenied)
	}
}

func summarize(r *executor.Result) string {
	return fmt.Sprintf("exit %d in %s", r.ExitCode, r.Duration.Round(time.Millisecond))
}

func failureTypePtr(ft domain.FailureType) *domain.FailureType {
	return &ft
}
