package testutil

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"
)

// DefraTestConfig holds DefraDB container configuration without importing
// the defra package, which imports testutil from its own tests.
type DefraTestConfig struct {
	ContainerName string
	HostPort      string
	Labels        map[string]string
}

// DefraConfig reserves a unique container name and host port for a test
// DefraDB and registers cleanup. Skips when Docker is unavailable.
func DefraConfig(t *testing.T) DefraTestConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker-backed test in short mode")
	}
	_ = DockerClient(t)

	port, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port for DefraDB: %v", err)
	}
	return DefraTestConfig{
		ContainerName: UniqueContainerName(t, "defra"),
		HostPort:      port,
		Labels:        ContainerLabels(t),
	}
}

// Logger returns a text logger at the level named by DOCFLOW_TEST_LOG
// (default: error, so passing tests stay quiet).
func Logger() *slog.Logger {
	level := slog.LevelError
	if v := os.Getenv("DOCFLOW_TEST_LOG"); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// WaitForServer polls /status until the server reports a healthy store.
func WaitForServer(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if status, err := GetStatus(url); err == nil && status.Store.Health == "healthy" {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

// WaitForShutdown waits for a channel to receive a value or timeout.
func WaitForShutdown(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for shutdown")
	}
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}

// StatusResponse mirrors the server's /status body.
type StatusResponse struct {
	Server string `json:"server"`
	Store  struct {
		Backend string `json:"backend"`
		Health  string `json:"health"`
		URL     string `json:"url,omitempty"`
	} `json:"store"`
}

// GetStatus fetches the /status endpoint and returns the parsed response.
func GetStatus(url string) (*StatusResponse, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
