package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// HostExecutor runs the command directly on the host. Suitable for
// trusted, low-risk tools; high-risk tools should run under the
// DockerExecutor instead.
type HostExecutor struct{}

func NewHostExecutor() *HostExecutor {
	return &HostExecutor{}
}

func (h *HostExecutor) Execute(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("executor.HostExecutor.Execute: empty command")
	}

	stdout, err := os.Create(spec.StdoutPath)
	if err != nil {
		return nil, fmt.Errorf("executor.HostExecutor.Execute: open stdout: %w", err)
	}
	defer stdout.Close()

	stderr, err := os.Create(spec.StderrPath)
	if err != nil {
		return nil, fmt.Errorf("executor.HostExecutor.Execute: open stderr: %w", err)
	}
	defer stderr.Close()

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("executor.HostExecutor.Execute: %w", ErrTimedOut)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{
				ExitCode:  exitErr.ExitCode(),
				StdoutRef: spec.StdoutPath,
				StderrRef: spec.StderrPath,
				Duration:  elapsed,
			}, nil
		}
		return nil, fmt.Errorf("executor.HostExecutor.Execute: %w", err)
	}

	return &Result{
		ExitCode:  0,
		StdoutRef: spec.StdoutPath,
		StderrRef: spec.StderrPath,
		Duration:  elapsed,
	}, nil
}
