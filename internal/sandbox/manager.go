// Package sandbox provides a containerized agent runtime for hosts without
// a persistent agent server. Each prompt runs the agent CLI one-shot inside
// a locked-down Docker container bound to the session working directory.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	containerUser = "1000"
	workingDir    = "/work"
	mountPath     = "/work"

	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// Manager defines the interface for running one-shot agent containers.
type Manager interface {
	// RunTurn creates a container bound to dir, runs the agent CLI with the
	// given arguments, and returns combined output once the process exits.
	RunTurn(ctx context.Context, name, dir string, cmd []string, env map[string]string) (string, error)

	// StopContainer stops and removes a container.
	StopContainer(ctx context.Context, containerID string) error

	// Client returns the underlying Docker client.
	Client() *client.Client
}

// DockerManager implements Manager using the Docker API.
type DockerManager struct {
	cli     *client.Client
	image   string
	runtime string // Container runtime: "" = default (runc), "runsc" = gVisor
}

// NewDockerManager creates a new Docker-backed sandbox manager.
// runtime can be "" for default Docker runtime or "runsc" for gVisor.
func NewDockerManager(image, runtime string) (Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		slog.Info("Docker client initialized", "image", image, "runtime", runtime)
	} else {
		slog.Info("Docker client initialized", "image", image, "runtime", "default")
	}
	return &DockerManager{cli: cli, image: image, runtime: runtime}, nil
}

// RunTurn creates a container bound to dir, runs the agent CLI inside it,
// waits for exit, and returns combined stdout/stderr output.
func (m *DockerManager) RunTurn(ctx context.Context, name, dir string, cmd []string, env map[string]string) (string, error) {
	containerName := fmt.Sprintf("courier-%s", name)

	envVars := make([]string, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	config := &container.Config{
		Image:      m.image,
		User:       containerUser,
		WorkingDir: workingDir,
		Cmd:        cmd,
		Env:        envVars,
	}

	hostConfig := &container.HostConfig{
		Runtime: m.runtime,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: dir,
			Target: mountPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		DNS: []string{"8.8.8.8", "8.8.4.4"},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = m.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A previous turn's container may still be tearing down under the
		// same session name. Force-remove it by name and retry shortly.
		slog.Warn("Container name conflict during create, retrying",
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := m.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if stopErr := m.StopContainer(ctx, inspect.ID); stopErr != nil {
				slog.Warn("Failed to stop conflicting container before retry", "container_id", inspect.ID, "error", stopErr)
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}
	defer func() {
		if err := m.StopContainer(context.WithoutCancel(ctx), resp.ID); err != nil {
			slog.Warn("Failed to clean up turn container", "container_id", resp.ID, "error", err)
		}
	}()

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Turn container started", "container_id", resp.ID, "dir", dir)

	statusCh, errCh := m.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("wait for container %s: %w", resp.ID, err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return "", ctx.Err()
	}

	out, err := m.collectLogs(ctx, resp.ID)
	if err != nil {
		return "", err
	}

	if exitCode != 0 {
		return out, fmt.Errorf("agent process exited with code %d", exitCode)
	}
	return out, nil
}

func (m *DockerManager) collectLogs(ctx context.Context, containerID string) (string, error) {
	logs, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("read container logs %s: %w", containerID, err)
	}
	defer logs.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("demux container logs %s: %w", containerID, err)
	}
	if stdout.Len() > 0 {
		return stdout.String(), nil
	}
	return stderr.String(), nil
}

// StopContainer stops and removes a container.
// It is idempotent and handles concurrent calls gracefully.
func (m *DockerManager) StopContainer(ctx context.Context, containerID string) error {
	_, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Container may already be stopped or being removed by another process
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else if ctx.Err() != nil {
			slog.Debug("Context canceled during stop, continuing with force removal", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
		}
	}

	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	return nil
}

// Client returns the underlying Docker client.
func (m *DockerManager) Client() *client.Client {
	return m.cli
}

func ptr[T any](v T) *T {
	return &v
}
