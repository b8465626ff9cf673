// Package docker launches runnerguard JIT runners as containers on the
// local Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/terrpan/runnerguard/internal/launcher"
)

const (
	DefaultImage = "ghcr.io/actions/actions-runner:latest"

	// LabelRunner is set on every container to the runner name.
	LabelRunner = "io.runnerguard.runner"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for runners.
	// Default: ghcr.io/actions/actions-runner:latest
	Image string

	// Dind bind-mounts the host's Docker socket into each runner so that
	// workflows can run docker commands. The socket grants full access to
	// the host daemon.
	Dind bool

	// Network is the Docker network to attach runners to. Empty uses the
	// daemon default.
	Network string
}

// Launcher runs runners as Docker containers.
type Launcher struct {
	client *dockerclient.Client
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]string // containerID -> runner name
}

var _ launcher.Launcher = (*Launcher)(nil)

// New connects to the daemon from the environment and pulls the runner
// image so that Launch does not block on a download.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Launcher, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling runner image", slog.String("image", cfg.Image))
	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	defer pull.Close()
	if _, err := io.Copy(io.Discard, pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	logger.Info("runner image ready", slog.String("image", cfg.Image))

	return &Launcher{
		client:     client,
		cfg:        cfg,
		logger:     logger,
		containers: make(map[string]string),
	}, nil
}

// containerSpec builds the container and host configuration for a runner.
func containerSpec(cfg Config, name, jitConfig string) (*container.Config, *container.HostConfig) {
	env := []string{"ACTIONS_RUNNER_INPUT_JITCONFIG=" + jitConfig}
	user := "runner"
	host := &container.HostConfig{}
	if cfg.Network != "" {
		host.NetworkMode = container.NetworkMode(cfg.Network)
	}
	if cfg.Dind {
		// Root is the only user that can write the socket on both Linux
		// and Docker Desktop.
		user = "root"
		env = append(env,
			"DOCKER_HOST=unix:///var/run/docker.sock",
			"RUNNER_ALLOW_RUNASROOT=1",
		)
		host.Binds = []string{"/var/run/docker.sock:/var/run/docker.sock"}
	}
	return &container.Config{
		Image:  cfg.Image,
		User:   user,
		Cmd:    []string{"/home/runner/run.sh"},
		Env:    env,
		Labels: map[string]string{LabelRunner: name},
	}, host
}

// Launch creates and starts a container named after the runner.
func (l *Launcher) Launch(ctx context.Context, name string, jitConfig string) (string, error) {
	cfg, host := containerSpec(l.cfg, name, jitConfig)

	resp, err := l.client.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", name, err)
	}
	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = l.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", name, err)
	}

	l.mu.Lock()
	l.containers[resp.ID] = name
	l.mu.Unlock()

	l.logger.Info("runner container started",
		slog.String("runner_name", name),
		slog.String("container_id", resp.ID),
		slog.Bool("dind", l.cfg.Dind),
	)
	return resp.ID, nil
}

// Destroy force-removes the container. A container that no longer exists
// is not an error.
func (l *Launcher) Destroy(ctx context.Context, id string) error {
	if err := l.remove(ctx, id); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.containers, id)
	l.mu.Unlock()
	return nil
}

func (l *Launcher) remove(ctx context.Context, id string) error {
	err := l.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	switch {
	case err == nil:
		l.logger.Info("runner container removed", slog.String("container_id", id))
		return nil
	case cerrdefs.IsNotFound(err):
		l.logger.Debug("runner container already gone", slog.String("container_id", id))
		return nil
	default:
		return fmt.Errorf("container remove %s: %w", id, err)
	}
}

// Shutdown removes every container this launcher started. It keeps going
// after a failure and returns the first error.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	snapshot := maps.Clone(l.containers)
	l.mu.Unlock()

	var firstErr error
	for id, name := range snapshot {
		if err := l.Destroy(ctx, id); err != nil {
			l.logger.Error("shutdown: failed to remove runner container",
				slog.String("runner_name", name),
				slog.String("container_id", id),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
