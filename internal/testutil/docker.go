package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// CleanupLabel marks containers started by tests; its value is the test name.
const CleanupLabel = "docflow-test"

// DockerClient returns a Docker client, or skips the test when the daemon
// is unreachable. Containers labelled for this test are removed at cleanup.
func DockerClient(t testing.TB) *client.Client {
	t.Helper()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		t.Skipf("docker is not running: %v", err)
	}

	t.Cleanup(func() {
		removeLabelled(t, cli, CleanupLabel+"="+t.Name())
		_ = cli.Close()
	})
	return cli
}

// UniqueContainerName returns docflow-test-<prefix>-<test>-<random>.
func UniqueContainerName(t testing.TB, prefix string) string {
	t.Helper()
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return "docflow-test-" + prefix + "-" + containerSafe(t.Name()) + "-" + hex.EncodeToString(suffix)
}

// ContainerLabels ties a container to the running test for cleanup.
func ContainerLabels(t testing.TB) map[string]string {
	return map[string]string{CleanupLabel: t.Name()}
}

func removeLabelled(t testing.TB, cli *client.Client, label string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	found, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		t.Logf("list test containers: %v", err)
		return
	}
	for _, c := range found {
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			t.Logf("remove container %s: %v", c.ID[:12], err)
		}
	}
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// containerSafe maps a test name onto Docker's container name alphabet.
func containerSafe(name string) string {
	s := unsafeName.ReplaceAllString(name, "-")
	if len(s) > 30 {
		s = s[:30]
	}
	return s
}
