package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusQueued          RunStatus = "queued"
	RunStatusPendingApproval RunStatus = "pending_approval"
	RunStatusRunning         RunStatus = "running"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusFailed          RunStatus = "failed"
	// RunStatusDenied is accepted on the query surface but never stored:
	// policy denials are rejected before a run row exists.
	RunStatusDenied  RunStatus = "denied"
	RunStatusBlocked RunStatus = "blocked"
)

// Terminal reports whether no further transition may leave s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusDenied, RunStatusBlocked:
		return true
	default:
		return false
	}
}

// ValidTransition checks if a run state transition is allowed.
// Allowed: queued->running, queued->pending_approval,
// pending_approval->queued (approve), pending_approval->blocked (deny/expire),
// running->succeeded, running->failed.
func (s RunStatus) ValidTransition(to RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return to == RunStatusRunning || to == RunStatusPendingApproval
	case RunStatusPendingApproval:
		return to == RunStatusQueued || to == RunStatusBlocked
	case RunStatusRunning:
		return to == RunStatusSucceeded || to == RunStatusFailed
	default:
		return false
	}
}

type FailureType string

const (
	FailureTimeout   FailureType = "timeout"
	FailureNonzero   FailureType = "nonzero"
	FailureException FailureType = "exception"
)

// Run is one tracked execution attempt of a tool with specific arguments.
type Run struct {
	ID                uuid.UUID      `json:"id"`
	ToolID            string         `json:"tool_id"`
	Args              map[string]any `json:"args"`
	Status            RunStatus      `json:"status"`
	CreatedBy         string         `json:"created_by,omitempty"`
	ApprovalRequestID *uuid.UUID     `json:"approval_request_id,omitempty"`
	StdoutRef         string         `json:"stdout_ref,omitempty"`
	StderrRef         string         `json:"stderr_ref,omitempty"`
	ExitCode          *int           `json:"exit_code,omitempty"`
	FailureType       *FailureType   `json:"failure_type,omitempty"`
	ResultSummary     string         `json:"result_summary,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
}

// RunFilter narrows List queries.
type RunFilter struct {
	ToolID string
	Status RunStatus
	Since  *time.Time
	Until  *time.Time
	Limit  int
}

// RunRepository persists runs. Every method that leaves queued or
// pending_approval is a compare-and-swap on the stored status: when the
// stored status no longer matches the expected one the call returns
// ErrConflict and changes nothing.
type RunRepository interface {
	Create(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	List(ctx context.Context, f RunFilter) ([]*Run, error)
	// Start moves queued -> running and stamps started_at.
	Start(ctx context.Context, id uuid.UUID, startedAt time.Time) error
	// Requeue moves pending_approval -> queued after an approval.
	Requeue(ctx context.Context, id uuid.UUID) error
	// Block moves pending_approval -> blocked and stamps finished_at.
	Block(ctx context.Context, id uuid.UUID, finishedAt time.Time, errMsg string) error
	// Finish moves running -> succeeded|failed with the terminal outcome.
	Finish(ctx context.Context, id uuid.UUID, status RunStatus, finishedAt time.Time,
		exitCode *int, failureType *FailureType, stdoutRef, stderrRef, resultSummary, errMsg string) error
}
