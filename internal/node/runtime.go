// Package node is the worker-side agent: it holds the Docker runtime that
// hosts bot containers and the bus client that receives commands from the
// control plane.
package node

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Runtime is the container surface the agent drives. The Docker
// implementation is the default; tests substitute a fake.
type Runtime interface {
	// Recreate tears down the bot's container, if any, and starts a fresh
	// one from image with env.
	Recreate(ctx context.Context, botID, image string, env map[string]string) error
	// Stop halts the bot's container.
	Stop(ctx context.Context, botID string) error
	// Remove deletes the bot's container.
	Remove(ctx context.Context, botID string) error
}

// containerName is the canonical container name for a bot.
func containerName(botID string) string {
	return "wopr-bot-" + botID
}

// DockerRuntime runs bot containers on the local Docker daemon.
type DockerRuntime struct {
	cli    *client.Client
	logger *log.Logger
}

func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{
		cli:    cli,
		logger: log.New(log.Writer(), "[RUNTIME] ", log.LstdFlags),
	}, nil
}

func (d *DockerRuntime) Close() error { return d.cli.Close() }

// findContainer resolves a bot's container id, or "" when absent.
func (d *DockerRuntime) findContainer(ctx context.Context, botID string) (string, error) {
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerName(botID))),
	})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (d *DockerRuntime) Recreate(ctx context.Context, botID, image string, env map[string]string) error {
	if image == "" {
		return fmt.Errorf("bot %s: no image to recreate from", botID)
	}

	pull, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	// The pull completes when the stream drains.
	io.Copy(io.Discard, pull)
	pull.Close()

	if existing, err := d.findContainer(ctx, botID); err != nil {
		return err
	} else if existing != "" {
		if err := d.cli.ContainerRemove(ctx, existing, types.ContainerRemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("remove old container: %w", err)
		}
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Env:   envSlice(env),
		Labels: map[string]string{
			"com.wopr.bot-id": botID,
		},
	}, &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   1024 * 1024 * 1024,
		},
	}, nil, nil, containerName(botID))
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	d.logger.Printf("✅ Bot %s running as %s (%s)", botID, containerName(botID), image)
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, botID string) error {
	id, err := d.findContainer(ctx, botID)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	timeout := 10
	return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (d *DockerRuntime) Remove(ctx context.Context, botID string) error {
	id, err := d.findContainer(ctx, botID)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	return d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
}
