package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	cerrors "github.com/taskforge/conductor/internal/common/errors"
	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// DockerProcess runs an agent as a container instead of a bare child
// process, for agent types whose registration carries a container image
// in its Command field (e.g. "docker://myregistry/coding-agent:latest").
type DockerProcess struct {
	cli         *client.Client
	containerID string
}

// NewDockerProcess wraps an already-initialized Docker client.
func NewDockerProcess(cli *client.Client) *DockerProcess {
	return &DockerProcess{cli: cli}
}

func (p *DockerProcess) Start(ctx context.Context, cfg v1.AgentConfig, instanceID string, logPath string) error {
	env := make([]string, 0, len(cfg.Env)+2)
	env = append(env,
		fmt.Sprintf("AGENT_ID=%s", instanceID),
		fmt.Sprintf("AGENT_PORT=%d", cfg.Port),
	)
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image: strings.TrimPrefix(cfg.Command, "docker://"),
		Cmd:   cfg.Args,
		Env:   env,
		Labels: map[string]string{
			"conductor.managed":     "true",
			"conductor.instance_id": instanceID,
			"conductor.agent_id":    cfg.ID,
		},
	}
	hostCfg := &container.HostConfig{AutoRemove: false}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, fmt.Sprintf("conductor-agent-%s", instanceID))
	if err != nil {
		return cerrors.ChildProcess("failed to create agent container", err)
	}
	p.containerID = resp.ID

	if err := p.cli.ContainerStart(ctx, p.containerID, container.StartOptions{}); err != nil {
		return cerrors.ChildProcess("failed to start agent container", err)
	}
	return nil
}

func (p *DockerProcess) Signal(ctx context.Context, kill bool) error {
	if kill {
		return p.cli.ContainerKill(ctx, p.containerID, "SIGKILL")
	}
	timeoutSeconds := int(gracePeriod.Seconds())
	return p.cli.ContainerStop(ctx, p.containerID, container.StopOptions{Timeout: &timeoutSeconds})
}

func (p *DockerProcess) Wait(ctx context.Context) (ExitInfo, error) {
	statusCh, errCh := p.cli.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return ExitInfo{ExitCode: -1}, cerrors.ChildProcess("agent container wait failed", err)
	case status := <-statusCh:
		info := ExitInfo{ExitCode: int(status.StatusCode)}
		if status.Error != nil {
			info.Signal = status.Error.Message
		}
		_ = p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return info, nil
	}
}

func (p *DockerProcess) PID() int { return 0 }
