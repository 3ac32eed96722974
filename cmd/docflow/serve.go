package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docflow/internal/config"
	"github.com/jackzampolin/docflow/internal/home"
	"github.com/jackzampolin/docflow/internal/server"
)

var (
	serveHost    string
	servePort    string
	serveBackend string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docflow server",
	Long: `Start the docflow HTTP server.

With store.backend=defra and store.defra.manage=true the server also starts
the DefraDB container and stops it again on shutdown (Ctrl+C or SIGTERM).

The server provides:
  - /health  - Basic server health check
  - /ready   - Readiness check (includes the record store)
  - /status  - Backend, baseline workers and pipeline stages
  - /metrics - Prometheus metrics

Examples:
  docflow serve                     # Start on default port 8080
  docflow serve --port 3000         # Start on custom port
  docflow serve --backend defra     # Persist records in DefraDB`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		h, err := getHome()
		if err != nil {
			return err
		}

		cfgMgr, err := config.NewManager(resolveConfigFile(h))
		if err != nil {
			return err
		}
		cfg := cfgMgr.Get()

		// Flags override the file for this run only.
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if cmd.Flags().Changed("backend") {
			cfg.Store.Backend = serveBackend
		}

		var level slog.LevelVar
		if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
		logger := newLogger(cfg.Log.Format, &level)

		cfgMgr.OnChange(func(next *config.Config) {
			if err := level.UnmarshalText([]byte(next.Log.Level)); err != nil {
				logger.Warn("ignoring invalid log level", "level", next.Log.Level)
				return
			}
			logger.Info("config reloaded", "log_level", level.Level().String())
		})
		if cfgMgr.ConfigFile() != "" {
			cfgMgr.WatchConfig()
			logger.Info("watching config", "file", cfgMgr.ConfigFile())
		}

		srv, err := server.New(server.Config{
			Settings: cfg,
			Home:     h,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

// newLogger builds the process logger. Level is shared so a config reload
// can change it in place.
func newLogger(format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// resolveConfigFile prefers --config, then the home directory's config.yaml.
// Empty lets the config manager search its default paths.
func resolveConfigFile(h *home.Dir) string {
	if cfgFile != "" {
		return cfgFile
	}
	if h.ConfigExists() {
		return h.ConfigPath()
	}
	return ""
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")
	serveCmd.Flags().StringVar(&serveBackend, "backend", "memory", "Record store backend: memory or defra")

	rootCmd.AddCommand(serveCmd)
}
