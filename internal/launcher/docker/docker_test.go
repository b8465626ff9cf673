package docker

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
)

func TestContainerSpec(t *testing.T) {
	cfg, host := containerSpec(Config{Image: DefaultImage}, "build-1", "jit-abc")

	assert.Equal(t, DefaultImage, cfg.Image)
	assert.Equal(t, "runner", cfg.User)
	assert.Equal(t, []string{"/home/runner/run.sh"}, []string(cfg.Cmd))
	assert.Equal(t, []string{"ACTIONS_RUNNER_INPUT_JITCONFIG=jit-abc"}, cfg.Env)
	assert.Equal(t, "build-1", cfg.Labels[LabelRunner])
	assert.Empty(t, host.Binds)
	assert.Empty(t, string(host.NetworkMode))
}

func TestContainerSpec_Dind(t *testing.T) {
	cfg, host := containerSpec(Config{Image: DefaultImage, Dind: true, Network: "runners"}, "build-1", "jit-abc")

	assert.Equal(t, "root", cfg.User)
	assert.Contains(t, cfg.Env, "DOCKER_HOST=unix:///var/run/docker.sock")
	assert.Contains(t, cfg.Env, "RUNNER_ALLOW_RUNASROOT=1")
	assert.Equal(t, []string{"/var/run/docker.sock:/var/run/docker.sock"}, host.Binds)
	assert.Equal(t, container.NetworkMode("runners"), host.NetworkMode)
}
