package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerExecutor runs each command in a throwaway container with no
// network access, mounting the workspace volume read-write. Provides
// the isolation expected for exec_high and write risk tools.
type DockerExecutor struct {
	client        *client.Client
	image         string
	workspaceHost string // host path mounted at /workspace inside the container
	cpuLimit      string
	memLimit      string
}

func NewDockerExecutor(host, image, workspaceHost, cpuLimit, memLimit string) (*DockerExecutor, error) {
	opts := []client.Opt{
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	}

	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("executor.NewDockerExecutor: %w", err)
	}

	return &DockerExecutor{
		client:        c,
		image:         image,
		workspaceHost: workspaceHost,
		cpuLimit:      cpuLimit,
		memLimit:      memLimit,
	}, nil
}

func (d *DockerExecutor) Execute(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("executor.DockerExecutor.Execute: empty command")
	}

	containerID, err := d.createContainer(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("executor.DockerExecutor.Execute: %w", err)
	}
	defer d.removeContainer(containerID)

	start := time.Now()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("executor.DockerExecutor.Execute: start: %w", err)
	}

	waitCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	exitCode, err := d.wait(waitCtx, containerID)
	elapsed := time.Since(start)

	if errors.Is(err, context.DeadlineExceeded) {
		d.stopContainer(containerID)
		_ = d.collectLogs(context.Background(), containerID, spec)
		return nil, fmt.Errorf("executor.DockerExecutor.Execute: %w", ErrTimedOut)
	}
	if err != nil {
		return nil, fmt.Errorf("executor.DockerExecutor.Execute: wait: %w", err)
	}

	if err := d.collectLogs(ctx, containerID, spec); err != nil {
		return nil, fmt.Errorf("executor.DockerExecutor.Execute: %w", err)
	}

	return &Result{
		ExitCode:  int(exitCode),
		StdoutRef: spec.StdoutPath,
		StderrRef: spec.StderrPath,
		Duration:  elapsed,
	}, nil
}

func (d *DockerExecutor) createContainer(ctx context.Context, spec Spec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	workingDir := spec.Cwd
	if workingDir == "" {
		workingDir = "/workspace"
	}

	memLimit, err := parseMemoryLimit(d.memLimit)
	if err != nil {
		return "", err
	}

	cpuQuota, err := parseCPULimit(d.cpuLimit)
	if err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:      d.image,
		Env:        env,
		Cmd:        spec.Command,
		WorkingDir: workingDir,
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   memLimit,
			CPUQuota: cpuQuota,
		},
		NetworkMode: "none",
	}
	if d.workspaceHost != "" {
		hostCfg.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: d.workspaceHost,
				Target: "/workspace",
			},
		}
	}

	name := "toolgate-run-" + spec.RunID.String()

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	return resp.ID, nil
}

func (d *DockerExecutor) wait(ctx context.Context, containerID string) (int64, error) {
	waitCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case result := <-waitCh:
		if result.Error != nil {
			return result.StatusCode, fmt.Errorf("%s", result.Error.Message)
		}
		return result.StatusCode, nil
	case err := <-errCh:
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, context.DeadlineExceeded
		}
		return -1, err
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// collectLogs demultiplexes container output into the stdout/stderr files.
func (d *DockerExecutor) collectLogs(ctx context.Context, containerID string, spec Spec) error {
	reader, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	stdout, err := os.Create(spec.StdoutPath)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	defer stdout.Close()

	stderr, err := os.Create(spec.StderrPath)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	defer stderr.Close()

	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("copy logs: %w", err)
	}

	return nil
}

func (d *DockerExecutor) stopContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	timeout := 5 // seconds
	_ = d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (d *DockerExecutor) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Close closes the Docker client.
func (d *DockerExecutor) Close() error {
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("executor.DockerExecutor.Close: %w", err)
	}
	return nil
}
