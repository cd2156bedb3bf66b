package tools

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// SandboxConfig selects the container execute_command runs in.
type SandboxConfig struct {
	Image    string
	MemoryMB int64
	// Network is the docker network mode. Empty means "none".
	Network string
}

// DockerExecutor runs each command in an ephemeral container with the
// workspace bind-mounted at /workspace.
type DockerExecutor struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
}

// NewDockerExecutor connects to the docker daemon named by the environment.
// The connection is lazy: a missing daemon surfaces on the first Exec.
func NewDockerExecutor(cfg SandboxConfig) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	image := cfg.Image
	if image == "" {
		image = "alpine:3"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	network := cfg.Network
	if network == "" {
		network = "none"
	}
	return &DockerExecutor{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: network,
	}, nil
}

func (d *DockerExecutor) containerConfig(cmd, workDir string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}
	host := &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workDir)},
	}
	return cfg, host
}

// Exec runs cmd in a fresh container and removes it afterwards.
func (d *DockerExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	cfg, host := d.containerConfig(cmd, workDir)
	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), containerID, "SIGKILL")
		return "", "", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close closes the docker client.
func (d *DockerExecutor) Close() error {
	return d.client.Close()
}
