// Package docker runs agents inside containers. The agent command is wrapped
// in a `docker run` invocation so it still goes through the command log and
// replay script; the API client is used to stop and inspect the container,
// which killing the docker CLI process alone does not do.
package docker

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/moby/moby/client"
	"github.com/rs/zerolog"
)

const Label = "crucible"

type RunSpec struct {
	Image string
	Name  string
	// Mounts are host paths bind-mounted at the identical path inside the
	// container, so absolute paths in the command stay valid.
	Mounts   []string
	ReadOnly []string
	WorkDir  string
	// EnvNames are passed through from the docker CLI's environment by name
	// so values never appear on the command line.
	EnvNames []string
	User     string
	Labels   map[string]string
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName is deterministic per run so a stuck container can be found
// again after a restart.
func ContainerName(experiment, tier, subtest string, run int) string {
	name := fmt.Sprintf("crucible-%s-%s-%s-run-%02d", experiment, tier, subtest, run)
	name = nameUnsafe.ReplaceAllString(name, "-")
	return strings.Trim(name, "-.")
}

// WrapCommand builds the docker CLI argv that runs argv inside the container.
func WrapCommand(spec RunSpec, argv []string) []string {
	out := []string{"docker", "run", "--rm", "--init", "--name", spec.Name, "--label", Label + "=true"}
	labels := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	for _, k := range labels {
		out = append(out, "--label", k+"="+spec.Labels[k])
	}
	if spec.User != "" {
		out = append(out, "--user", spec.User)
	}
	for _, m := range spec.Mounts {
		out = append(out, "-v", m+":"+m)
	}
	for _, m := range spec.ReadOnly {
		out = append(out, "-v", m+":"+m+":ro")
	}
	if spec.WorkDir != "" {
		out = append(out, "-w", spec.WorkDir)
	}
	envs := append([]string(nil), spec.EnvNames...)
	sort.Strings(envs)
	for _, e := range envs {
		out = append(out, "-e", e)
	}
	out = append(out, spec.Image)
	return append(out, argv...)
}

// Client stops and inspects run containers through the Docker API.
type Client struct {
	cli    *client.Client
	logger zerolog.Logger
}

func NewClient(logger zerolog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli, logger: logger.With().Str("component", "docker").Logger()}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Stop kills and removes the named container. A container that is already
// gone is not an error.
func (c *Client) Stop(ctx context.Context, name string) {
	c.logger.Debug().Str("container", name).Msg("stopping container")
	c.cli.ContainerKill(ctx, name, client.ContainerKillOptions{Signal: "SIGKILL"})
	c.cli.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: true})
}

// Logs returns the last tail lines of the container's output.
func (c *Client) Logs(ctx context.Context, name string, tail int) (string, error) {
	r, err := c.cli.ContainerLogs(ctx, name, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	return string(data), nil
}
