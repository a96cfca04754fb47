package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/config"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerConfig holds configuration for running stages in containers.
type DockerConfig struct {
	Image   string // image providing the reconstruction tool chain
	GPUs    bool   // request all GPUs from the host
	ShmSize int64  // bytes of /dev/shm; data loaders need more than Docker's 64MB default
	User    string // uid:gid the stage runs as, so the service can remove what it writes
}

// LoadDockerConfigFromEnv loads Docker stage configuration from environment variables.
func LoadDockerConfigFromEnv() DockerConfig {
	return DockerConfig{
		Image:   config.GetEnv("STAGE_IMAGE", "ghcr.io/nerfstudio-project/nerfstudio:latest"),
		GPUs:    config.GetBoolEnv("STAGE_GPUS", true),
		ShmSize: int64(config.GetIntEnv("STAGE_SHM_MB", 8192)) << 20,
		User:    config.GetEnv("STAGE_USER", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())),
	}
}

// DockerRunner runs each stage in a fresh container with the job workspace
// bind-mounted at the same path, so invocation arguments resolve unchanged.
type DockerRunner struct {
	client *client.Client
	cfg    DockerConfig
	stdout io.Writer
	stderr io.Writer
}

// NewDockerRunner connects to the Docker daemon described by the environment.
func NewDockerRunner(cfg DockerConfig) (*DockerRunner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("stage image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRunner{
		client: dockerClient,
		cfg:    cfg,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}, nil
}

// Run creates a container for the invocation, waits for it to exit and removes it.
func (r *DockerRunner) Run(ctx context.Context, inv Invocation) error {
	logger := slog.With("stage", inv.Name, "program", inv.Program, "image", r.cfg.Image)
	start := time.Now()

	fail := func(err error) error {
		logger.Error("Stage failed to start", "error", err)
		return &apperrors.StageError{Stage: inv.Name, ExitCode: -1, Cause: err}
	}

	if err := r.pullImageIfNeeded(ctx); err != nil {
		return fail(fmt.Errorf("pull image: %w", err))
	}

	containerID, err := r.createContainer(ctx, inv)
	if err != nil {
		return fail(fmt.Errorf("create container: %w", err))
	}
	defer r.removeContainer(containerID)

	logger.Info("Running stage", "command", inv.String(), "containerId", containerID)
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fail(fmt.Errorf("start container: %w", err))
	}

	exitCode, waitErr := r.waitForExit(ctx, containerID)

	stderr := newTailBuffer(maxStderrBytes)
	r.collectLogs(ctx, containerID, stderr)

	dur := time.Since(start)
	if waitErr == nil && exitCode == 0 {
		logger.Info("Stage finished", "duration", dur)
		return nil
	}

	stageErr := &apperrors.StageError{
		Stage:    inv.Name,
		ExitCode: exitCode,
		Started:  true,
		Stderr:   stderr.String(),
		Cause:    waitErr,
	}
	logger.Error("Stage failed",
		"exitCode", exitCode,
		"duration", dur,
		"error", waitErr,
		"stderr", stageErr.Stderr,
	)
	return stageErr
}

// Ready checks the Docker daemon is reachable.
func (r *DockerRunner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (r *DockerRunner) Close() error {
	return r.client.Close()
}

func (r *DockerRunner) createContainer(ctx context.Context, inv Invocation) (string, error) {
	containerConfig := &container.Config{
		Image:      r.cfg.Image,
		Entrypoint: []string{inv.Program},
		Cmd:        inv.Args,
		WorkingDir: inv.Dir,
		User:       r.cfg.User,
		Labels: map[string]string{
			"job.stage":  inv.Name,
			"managed-by": "reconstructor",
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: inv.Dir,
				Target: inv.Dir,
			},
		},
		ShmSize: r.cfg.ShmSize,
	}
	if r.cfg.GPUs {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}

	name := fmt.Sprintf("reconstruct-%s-%s", filepath.Base(inv.Dir), sanitizeName(inv.Name))
	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (r *DockerRunner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// collectLogs copies the exited container's output to the live writers and
// keeps a tail of stderr for the stage error.
func (r *DockerRunner) collectLogs(ctx context.Context, containerID string, stderrTail io.Writer) {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		slog.Warn("Failed to read stage logs", "containerId", containerID, "error", err)
		return
	}
	defer logs.Close()

	_, _ = stdcopy.StdCopy(
		writerOrDiscard(r.stdout),
		io.MultiWriter(writerOrDiscard(r.stderr), stderrTail),
		logs,
	)
}

func (r *DockerRunner) pullImageIfNeeded(ctx context.Context) error {
	_, err := r.client.ImageInspect(ctx, r.cfg.Image)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// removeContainer uses its own context so cleanup still runs after ctx is done.
func (r *DockerRunner) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove stage container", "containerId", containerID, "error", err)
	}
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

var _ Runner = (*DockerRunner)(nil)
