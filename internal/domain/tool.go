package domain

import (
	"context"
	"time"
)

type RiskLevel string

const (
	RiskRead     RiskLevel = "read"
	RiskExecLow  RiskLevel = "exec_low"
	RiskExecHigh RiskLevel = "exec_high"
	RiskWrite    RiskLevel = "write"
)

// RequiresApproval reports whether the risk level mandates a human
// approval before execution.
func (r RiskLevel) RequiresApproval() bool {
	return r == RiskExecHigh || r == RiskWrite
}

// Valid reports whether r is one of the four known risk levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskRead, RiskExecLow, RiskExecHigh, RiskWrite:
		return true
	default:
		return false
	}
}

const (
	ExecutorHost   = "host"
	ExecutorDocker = "docker"
)

// ToolDefinition is a whitelisted, parameterized automation action.
// A read from the registry is a snapshot valid for one policy decision;
// the governance core never mutates it mid-evaluation.
type ToolDefinition struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description,omitempty"`
	RiskLevel           RiskLevel `json:"risk_level"`
	Executor            string    `json:"executor"`
	ArgsSchema          string    `json:"args_schema,omitempty"` // JSON Schema, serialized text
	Command             []string  `json:"command"`
	Cwd                 string    `json:"cwd,omitempty"`
	TimeoutSeconds      int       `json:"timeout_seconds"`
	AllowedPathPrefixes []string  `json:"allowed_path_prefixes,omitempty"`
	Enabled             bool      `json:"enabled"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type ToolRepository interface {
	GetByID(ctx context.Context, id string) (*ToolDefinition, error)
	List(ctx context.Context) ([]*ToolDefinition, error)
	Upsert(ctx context.Context, t *ToolDefinition) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}
