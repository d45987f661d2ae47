package docker

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// RunResult captures the outcome of a run-to-completion container.
type RunResult struct {
	ExitCode int64
	Output   string
}

// RunToCompletion creates and starts a container, waits for it to stop,
// collects combined output, and removes the container. The bind mounts give
// the container its input and output directories.
func (c *Client) RunToCompletion(ctx context.Context, name, image string, env []string, binds []string) (RunResult, error) {
	if strings.TrimSpace(name) == "" {
		return RunResult{}, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return RunResult{}, fmt.Errorf("image name cannot be empty")
	}

	cfg := &container.Config{Image: image, Env: env}
	hostCfg := &container.HostConfig{Binds: binds}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return RunResult{}, fmt.Errorf("container create: %w", err)
	}
	defer func() {
		_ = c.RemoveContainer(context.WithoutCancel(ctx), created.ID)
	}()

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return RunResult{}, fmt.Errorf("container start: %w", err)
	}

	exitCode, err := c.waitForStop(ctx, created.ID)
	if err != nil {
		return RunResult{}, err
	}

	output, err := c.containerOutput(ctx, created.ID)
	if err != nil {
		return RunResult{ExitCode: exitCode}, err
	}
	return RunResult{ExitCode: exitCode, Output: output}, nil
}

// RemoveContainer force-removes a container; missing containers are ignored.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (c *Client) waitForStop(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (c *Client) containerOutput(ctx context.Context, containerID string) (string, error) {
	logs, err := c.inner.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}
	return buf.String(), nil
}
