package docker_test

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalnine/crucible/internal/docker"
)

func TestContainerName(t *testing.T) {
	got := docker.ContainerName("exp 1/a", "T0", "00", 3)
	want := "crucible-exp-1-a-T0-00-run-03"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWrapCommand(t *testing.T) {
	argv := docker.WrapCommand(docker.RunSpec{
		Image:    "crucible/agent:latest",
		Name:     "crucible-x",
		Mounts:   []string{"/r/run_01/workspace", "/r/run_01/agent"},
		ReadOnly: []string{"/r/run_01/task_prompt.md"},
		WorkDir:  "/r/run_01/workspace",
		EnvNames: []string{"B_KEY", "A_KEY"},
		User:     "1000:1000",
		Labels:   map[string]string{"crucible.run": "T0/00/1"},
	}, []string{"claude", "-p", "hi"})

	got := strings.Join(argv, " ")
	want := "docker run --rm --init --name crucible-x --label crucible=true --label crucible.run=T0/00/1 " +
		"--user 1000:1000 -v /r/run_01/workspace:/r/run_01/workspace -v /r/run_01/agent:/r/run_01/agent " +
		"-v /r/run_01/task_prompt.md:/r/run_01/task_prompt.md:ro -w /r/run_01/workspace " +
		"-e A_KEY -e B_KEY crucible/agent:latest claude -p hi"
	if got != want {
		t.Errorf("argv:\n got %s\nwant %s", got, want)
	}
}

func TestStopAndLogs(t *testing.T) {
	if os.Getenv("CRUCIBLE_DOCKER_TESTS") == "" {
		t.Skip("set CRUCIBLE_DOCKER_TESTS=1 to run Docker tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	name := docker.ContainerName("test", "T0", "00", int(time.Now().Unix()%100))
	start := exec.Command("docker", "run", "-d", "--name", name, "alpine:latest", "sh", "-c", "echo ready; sleep 300")
	if out, err := start.CombinedOutput(); err != nil {
		t.Fatalf("starting container: %v: %s", err, out)
	}

	c, err := docker.NewClient(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	time.Sleep(time.Second)
	logs, err := c.Logs(ctx, name, 10)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !strings.Contains(logs, "ready") {
		t.Errorf("logs: got %q", logs)
	}

	c.Stop(ctx, name)
	if err := exec.Command("docker", "inspect", name).Run(); err == nil {
		t.Error("container should be gone after Stop")
	}
}
