// Package memory provides an in-process DataStore for tests and local
// development. It honors the same compare-and-swap and not-found
// semantics as the postgres store; WithTx provides serialization but
// not rollback.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gosuda/toolgate/internal/domain"
)

type Store struct {
	mu        sync.Mutex
	tools     map[string]*domain.ToolDefinition
	runs      map[uuid.UUID]*domain.Run
	approvals map[uuid.UUID]*domain.ApprovalRequest
	audit     []*domain.AuditEvent
}

func New() *Store {
	return &Store{
		tools:     make(map[string]*domain.ToolDefinition),
		runs:      make(map[uuid.UUID]*domain.Run),
		approvals: make(map[uuid.UUID]*domain.ApprovalRequest),
	}
}

func (s *Store) Tools() domain.ToolRepository         { return &toolRepo{s: s} }
func (s *Store) Runs() domain.RunRepository           { return &runRepo{s: s} }
func (s *Store) Approvals() domain.ApprovalRepository { return &approvalRepo{s: s} }
func (s *Store) Audit() domain.AuditRepository        { return &auditRepo{s: s} }

func (s *Store) WithTx(_ context.Context, fn func(domain.DataStore) error) error {
	return fn(s)
}

// ---------------------------------------------------------------------------
// Tools
// ---------------------------------------------------------------------------

type toolRepo struct {
	s *Store
}

func (r *toolRepo) GetByID(_ context.Context, id string) (*domain.ToolDefinition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tools[id]
	if !ok {
		return nil, fmt.Errorf("memory.toolRepo.GetByID: %w", domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (r *toolRepo) List(_ context.Context) ([]*domain.ToolDefinition, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*domain.ToolDefinition, 0, len(r.s.tools))
	for _, t := range r.s.tools {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *toolRepo) Upsert(_ context.Context, t *domain.ToolDefinition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *t
	r.s.tools[t.ID] = &cp
	return nil
}

func (r *toolRepo) SetEnabled(_ context.Context, id string, enabled bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tools[id]
	if !ok {
		return fmt.Errorf("memory.toolRepo.SetEnabled: %w", domain.ErrNotFound)
	}
	t.Enabled = enabled
	t.UpdatedAt = time.Now()
	return nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

type runRepo struct {
	s *Store
}

func (r *runRepo) Create(_ context.Context, run *domain.Run) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.runs[run.ID]; ok {
		return fmt.Errorf("memory.runRepo.Create: run %s exists: %w", run.ID, domain.ErrConflict)
	}
	cp := *run
	r.s.runs[run.ID] = &cp
	return nil
}

func (r *runRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	run, ok := r.s.runs[id]
	if !ok {
		return nil, fmt.Errorf("memory.runRepo.GetByID: %w", domain.ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

func (r *runRepo) List(_ context.Context, f domain.RunFilter) ([]*domain.Run, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.Run
	for _, run := range r.s.runs {
		if f.ToolID != "" && run.ToolID != f.ToolID {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		if f.Since != nil && run.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !run.CreatedAt.Before(*f.Until) {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *runRepo) Start(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	return r.cas(id, "memory.runRepo.Start", domain.RunStatusQueued, func(run *domain.Run) {
		run.Status = domain.RunStatusRunning
		run.StartedAt = &startedAt
	})
}

func (r *runRepo) Requeue(_ context.Context, id uuid.UUID) error {
	return r.cas(id, "memory.runRepo.Requeue", domain.RunStatusPendingApproval, func(run *domain.Run) {
		run.Status = domain.RunStatusQueued
	})
}

func (r *runRepo) Block(_ context.Context, id uuid.UUID, finishedAt time.Time, errMsg string) error {
	return r.cas(id, "memory.runRepo.Block", domain.RunStatusPendingApproval, func(run *domain.Run) {
		run.Status = domain.RunStatusBlocked
		run.ErrorMessage = errMsg
		run.FinishedAt = &finishedAt
	})
}

func (r *runRepo) Finish(_ context.Context, id uuid.UUID, status domain.RunStatus, finishedAt time.Time,
	exitCode *int, failureType *domain.FailureType, stdoutRef, stderrRef, resultSummary, errMsg string) error {
	return r.cas(id, "memory.runRepo.Finish", domain.RunStatusRunning, func(run *domain.Run) {
		run.Status = status
		run.ExitCode = exitCode
		run.FailureType = failureType
		run.StdoutRef = stdoutRef
		run.StderrRef = stderrRef
		run.ResultSummary = resultSummary
		run.ErrorMessage = errMsg
		run.FinishedAt = &finishedAt
	})
}

func (r *runRepo) cas(id uuid.UUID, caller string, expected domain.RunStatus, apply func(*domain.Run)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	run, ok := r.s.runs[id]
	if !ok {
		return fmt.Errorf("%s: %w", caller, domain.ErrNotFound)
	}
	if run.Status != expected {
		return fmt.Errorf("%s: status %s: %w", caller, run.Status, domain.ErrConflict)
	}
	apply(run)
	return nil
}

// ---------------------------------------------------------------------------
// Approvals
// ---------------------------------------------------------------------------

type approvalRepo struct {
	s *Store
}

func (r *approvalRepo) Create(_ context.Context, a *domain.ApprovalRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.approvals[a.ID]; ok {
		return fmt.Errorf("memory.approvalRepo.Create: request %s exists: %w", a.ID, domain.ErrConflict)
	}
	cp := *a
	r.s.approvals[a.ID] = &cp
	return nil
}

func (r *approvalRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.ApprovalRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("memory.approvalRepo.GetByID: %w", domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (r *approvalRepo) GetActiveByResource(_ context.Context, resourceType string, resourceID uuid.UUID) (*domain.ApprovalRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var latest *domain.ApprovalRequest
	for _, a := range r.s.approvals {
		if a.ResourceType != resourceType || a.ResourceID != resourceID {
			continue
		}
		if a.Status != domain.ApprovalStatusPending {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("memory.approvalRepo.GetActiveByResource: %w", domain.ErrNotFound)
	}
	cp := *latest
	return &cp, nil
}

func (r *approvalRepo) List(_ context.Context, f domain.ApprovalFilter) ([]*domain.ApprovalRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.ApprovalRequest
	for _, a := range r.s.approvals {
		if f.ResourceType != "" && a.ResourceType != f.ResourceType {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *approvalRepo) Decide(_ context.Context, id uuid.UUID, status domain.ApprovalStatus, decidedBy, note string, decidedAt time.Time) error {
	return r.cas(id, "memory.approvalRepo.Decide", func(a *domain.ApprovalRequest) {
		a.Status = status
		a.DecidedBy = decidedBy
		a.DecisionNote = note
		a.DecidedAt = &decidedAt
	})
}

func (r *approvalRepo) Expire(_ context.Context, id uuid.UUID, decidedAt time.Time) error {
	return r.cas(id, "memory.approvalRepo.Expire", func(a *domain.ApprovalRequest) {
		a.Status = domain.ApprovalStatusExpired
		a.DecidedAt = &decidedAt
	})
}

func (r *approvalRepo) cas(id uuid.UUID, caller string, apply func(*domain.ApprovalRequest)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.approvals[id]
	if !ok {
		return fmt.Errorf("%s: %w", caller, domain.ErrNotFound)
	}
	if a.Status != domain.ApprovalStatusPending {
		return fmt.Errorf("%s: status %s: %w", caller, a.Status, domain.ErrConflict)
	}
	apply(a)
	return nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

type auditRepo struct {
	s *Store
}

func (r *auditRepo) Append(_ context.Context, e *domain.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *e
	r.s.audit = append(r.s.audit, &cp)
	return nil
}

func (r *auditRepo) Query(_ context.Context, f domain.AuditFilter) ([]*domain.AuditEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.AuditEvent
	for _, e := range r.s.audit {
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !e.CreatedAt.Before(*f.Until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
	})

	if f.AfterTime != nil && f.AfterID != nil {
		cursor := 0
		for i, e := range out {
			if e.CreatedAt.After(*f.AfterTime) ||
				(e.CreatedAt.Equal(*f.AfterTime) && strings.Compare(e.ID.String(), f.AfterID.String()) > 0) {
				cursor = i
				break
			}
			cursor = i + 1
		}
		out = out[cursor:]
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
