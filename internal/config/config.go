package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	cm.v.SetDefault("server.host", defaults.Server.Host)
	cm.v.SetDefault("server.port", defaults.Server.Port)
	cm.v.SetDefault("store.backend", defaults.Store.Backend)
	cm.v.SetDefault("store.defra.url", defaults.Store.Defra.URL)
	cm.v.SetDefault("store.defra.manage", defaults.Store.Defra.Manage)
	cm.v.SetDefault("store.defra.container_name", defaults.Store.Defra.ContainerName)
	cm.v.SetDefault("store.defra.image", defaults.Store.Defra.Image)
	cm.v.SetDefault("store.defra.port", defaults.Store.Defra.Port)
	cm.v.SetDefault("review.max_attempts", defaults.Review.MaxAttempts)
	cm.v.SetDefault("review.initial_backoff", defaults.Review.InitialBackoff)
	cm.v.SetDefault("review.max_backoff", defaults.Review.MaxBackoff)
	cm.v.SetDefault("review.update_timeout", defaults.Review.UpdateTimeout)
	cm.v.SetDefault("batch.concurrency", defaults.Batch.Concurrency)
	cm.v.SetDefault("baseline.workers", defaults.Baseline.Workers)
	cm.v.SetDefault("baseline.queue_size", defaults.Baseline.QueueSize)
	cm.v.SetDefault("baseline.copy_timeout", defaults.Baseline.CopyTimeout)
	cm.v.SetDefault("executor.url", defaults.Executor.URL)
	cm.v.SetDefault("executor.token", defaults.Executor.Token)
	cm.v.SetDefault("executor.timeout", defaults.Executor.Timeout)
	cm.v.SetDefault("executor.max_retries", defaults.Executor.MaxRetries)
	cm.v.SetDefault("log.level", defaults.Log.Level)
	cm.v.SetDefault("log.format", defaults.Log.Format)

	// Environment variables with DOCFLOW_ prefix, e.g. DOCFLOW_STORE_BACKEND
	cm.v.SetEnvPrefix("DOCFLOW")
	cm.v.SetEnvKeyReplacer(envKeyReplacer)
	cm.v.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		cm.v.AddConfigPath("$HOME/.docflow")
	}

	// Try to read config file (not required)
	if err := cm.v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFile returns the file the configuration was read from, if any.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration. An edit that fails
// to parse or validate keeps the previous configuration.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

var envKeyReplacer = strings.NewReplacer(".", "_")

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# docflow configuration
# Every key can be overridden from the environment: store.backend -> DOCFLOW_STORE_BACKEND
# executor.token uses ${ENV_VAR} syntax: export DOCFLOW_EXECUTOR_TOKEN=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
