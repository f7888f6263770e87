package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTimedOut is returned when a run is killed for exceeding its deadline.
var ErrTimedOut = errors.New("executor: timed out")

// Spec describes one command execution. The run lifecycle manager builds
// exactly one Spec per run and hands it off at most once.
type Spec struct {
	RunID               uuid.UUID
	Command             []string
	Cwd                 string
	Env                 map[string]string
	Timeout             time.Duration
	AllowedPathPrefixes []string
	StdoutPath          string
	StderrPath          string
}

// Result is the terminal outcome of one execution. StdoutRef/StderrRef
// point at the captured output streams.
type Result struct {
	ExitCode  int
	StdoutRef string
	StderrRef string
	Duration  time.Duration
}

// Executor performs the sandboxed execution of a run. Implementations
// return ErrTimedOut when the deadline kills the process and any other
// error for an internal failure before an exit code was produced; a
// nonzero exit code is reported through Result, not through the error.
type Executor interface {
	Execute(ctx context.Context, spec Spec) (*Result, error)
}
