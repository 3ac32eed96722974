package config

import (
	"fmt"
	"time"

	"github.com/jackzampolin/docflow/internal/record"
)

// Config holds docflow configuration.
// Stored at: ~/.docflow/config.yaml
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Review   ReviewConfig   `mapstructure:"review" yaml:"review"`
	Batch    BatchConfig    `mapstructure:"batch" yaml:"batch"`
	Baseline BaselineConfig `mapstructure:"baseline" yaml:"baseline"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"` // "memory" or "defra"
	Defra   DefraConfig `mapstructure:"defra" yaml:"defra"`
}

// DefraConfig holds DefraDB connection and container configuration.
type DefraConfig struct {
	// URL of an existing DefraDB node. Empty means http://localhost:<port>.
	URL string `mapstructure:"url" yaml:"url"`
	// Manage starts and stops a DefraDB container with the server.
	Manage bool `mapstructure:"manage" yaml:"manage"`
	// ContainerName is the Docker container name (default: docflow-defra)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Image is the Docker image to use (default: sourcenetwork/defradb:latest)
	Image string `mapstructure:"image" yaml:"image"`
	// Port is the host port to bind (default: 9181)
	Port string `mapstructure:"port" yaml:"port"`
}

// ReviewConfig bounds the optimistic update loop shared by every mutation.
type ReviewConfig struct {
	MaxAttempts    uint   `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff string `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     string `mapstructure:"max_backoff" yaml:"max_backoff"`
	UpdateTimeout  string `mapstructure:"update_timeout" yaml:"update_timeout"`
}

// BatchConfig configures batch fan-out.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// BaselineConfig configures the baseline copy workers.
type BaselineConfig struct {
	Workers     int    `mapstructure:"workers" yaml:"workers"`
	QueueSize   int    `mapstructure:"queue_size" yaml:"queue_size"`
	CopyTimeout string `mapstructure:"copy_timeout" yaml:"copy_timeout"`
}

// ExecutorConfig points at the external pipeline. An empty URL keeps
// signals in process (logged only).
type ExecutorConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Token      string `mapstructure:"token" yaml:"token"` // supports ${ENV_VAR} syntax
	Timeout    string `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries uint   `mapstructure:"max_retries" yaml:"max_retries"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: "8080",
		},
		Store: StoreConfig{
			Backend: "memory",
			Defra: DefraConfig{
				ContainerName: "docflow-defra",
				Image:         "sourcenetwork/defradb:latest",
				Port:          "9181",
			},
		},
		Review: ReviewConfig{
			MaxAttempts:    5,
			InitialBackoff: "10ms",
			MaxBackoff:     "250ms",
			UpdateTimeout:  "5s",
		},
		Batch: BatchConfig{
			Concurrency: 8,
		},
		Baseline: BaselineConfig{
			Workers:     2,
			QueueSize:   100,
			CopyTimeout: "5m",
		},
		Executor: ExecutorConfig{
			Token:      "${DOCFLOW_EXECUTOR_TOKEN}",
			Timeout:    "10s",
			MaxRetries: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "defra":
	default:
		return fmt.Errorf("store.backend must be memory or defra, got %q", c.Store.Backend)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	if _, err := parseDuration("baseline.copy_timeout", c.Baseline.CopyTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("executor.timeout", c.Executor.Timeout); err != nil {
		return err
	}
	return nil
}

// RetryPolicy converts the review section into a record.Policy.
func (c *Config) RetryPolicy() (record.Policy, error) {
	p := record.Policy{Attempts: c.Review.MaxAttempts}
	var err error
	if p.InitialBackoff, err = parseDuration("review.initial_backoff", c.Review.InitialBackoff); err != nil {
		return p, err
	}
	if p.MaxBackoff, err = parseDuration("review.max_backoff", c.Review.MaxBackoff); err != nil {
		return p, err
	}
	if p.UpdateTimeout, err = parseDuration("review.update_timeout", c.Review.UpdateTimeout); err != nil {
		return p, err
	}
	return p, nil
}

// CopyTimeout returns the baseline copy deadline (zero means default).
func (c *Config) CopyTimeout() time.Duration {
	d, _ := parseDuration("baseline.copy_timeout", c.Baseline.CopyTimeout)
	return d
}

// ExecutorTimeout returns the executor request timeout (zero means default).
func (c *Config) ExecutorTimeout() time.Duration {
	d, _ := parseDuration("executor.timeout", c.Executor.Timeout)
	return d
}

// DefraURL returns the DefraDB URL, derived from the port when unset.
func (c *Config) DefraURL() string {
	if c.Store.Defra.URL != "" {
		return c.Store.Defra.URL
	}
	return "http://localhost:" + c.Store.Defra.Port
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// parseDuration treats an empty value as unset.
func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", key, v)
	}
	return d, nil
}
