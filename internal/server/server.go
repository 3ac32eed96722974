package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/internal/baseline"
	"github.com/jackzampolin/docflow/internal/batch"
	"github.com/jackzampolin/docflow/internal/config"
	"github.com/jackzampolin/docflow/internal/defra"
	"github.com/jackzampolin/docflow/internal/home"
	"github.com/jackzampolin/docflow/internal/identity"
	"github.com/jackzampolin/docflow/internal/metrics"
	"github.com/jackzampolin/docflow/internal/pipeline"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/review"
	"github.com/jackzampolin/docflow/internal/schema"
	"github.com/jackzampolin/docflow/internal/server/endpoints"
	"github.com/jackzampolin/docflow/internal/svcctx"
)

// Server is the docflow HTTP server. With the defra backend and
// store.defra.manage set it also owns the DefraDB container, starting it
// on server start and stopping it on shutdown.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger

	defraManager *defra.DockerManager
	defraClient  *defra.Client
	defraSink    *defra.Sink
	tracker      *baseline.Tracker

	// Injected in tests; built from cfg otherwise.
	store      record.Store
	executor   pipeline.Executor
	duplicator baseline.Duplicator

	configMgr *config.Manager
	home      *home.Dir
	metrics   *metrics.Metrics

	// services holds all core services for context enrichment
	servicesMu sync.RWMutex
	services   *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// ConfigManager provides configuration with hot-reload support.
	ConfigManager *config.Manager
	// Settings is used when there is no ConfigManager (default: config.DefaultConfig()).
	Settings *config.Config
	// Home is the docflow home directory (DefraDB data lives under it).
	Home *home.Dir
	// Logger is the structured logger to use
	Logger *slog.Logger

	// Store, Executor and Duplicator override the configured backends.
	Store      record.Store
	Executor   pipeline.Executor
	Duplicator baseline.Duplicator
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	settings := cfg.Settings
	if cfg.ConfigManager != nil {
		settings = cfg.ConfigManager.Get()
	}
	if settings == nil {
		settings = config.DefaultConfig()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		cfg:        settings,
		logger:     cfg.Logger,
		store:      cfg.Store,
		executor:   cfg.Executor,
		duplicator: cfg.Duplicator,
		configMgr:  cfg.ConfigManager,
		home:       cfg.Home,
		metrics:    metrics.New(),
	}

	if s.store == nil && settings.Store.Backend == "defra" && settings.Store.Defra.Manage {
		dockerCfg := defra.DockerConfig{
			ContainerName: settings.Store.Defra.ContainerName,
			Image:         settings.Store.Defra.Image,
			HostPort:      settings.Store.Defra.Port,
			Logger:        cfg.Logger,
		}
		if cfg.Home != nil {
			dockerCfg.HomePath = cfg.Home.Path()
			dockerCfg.DataPath = cfg.Home.DataPath()
		}
		mgr, err := defra.NewDockerManager(dockerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create defra manager: %w", err)
		}
		s.defraManager = mgr
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{
		DefraManager:    s.defraManager,
		SwaggerDocPath: endpoints.SwaggerDocPath(),
	}) {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         settings.ListenAddr(),
		Handler:      s.withServices(identity.Middleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start opens the record store, starts the baseline workers and serves HTTP.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.init(ctx); err != nil {
		_ = s.shutdown()
		return err
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		_ = s.shutdown()
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	// Serve in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String(), "backend", s.cfg.Store.Backend)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	return s.shutdown()
}

// init opens the store and builds the services handed to every request.
func (s *Server) init(ctx context.Context) error {
	store, err := s.openStore(ctx)
	if err != nil {
		return err
	}

	policy, err := s.cfg.RetryPolicy()
	if err != nil {
		return err
	}
	committer := record.NewCommitter(record.CommitterConfig{
		Store:   store,
		Policy:  policy,
		Logger:  s.logger,
		OnRetry: func(op string, attempt uint, err error) { s.metrics.RecordRetry(op) },
		OnDone:  s.metrics.RecordUpdate,
	})

	registry := pipeline.NewDefaultRegistry()
	payloads := schema.NewPayloads()
	executor := s.executor
	if executor == nil {
		executor = s.newExecutor()
	}

	duplicator := s.duplicator
	if duplicator == nil {
		if s.defraSink != nil {
			duplicator = baseline.NewDefraDuplicator(s.defraSink)
		} else {
			duplicator = baseline.NewMemoryDuplicator()
		}
	}
	s.tracker = baseline.NewTracker(baseline.Config{
		Committer:   committer,
		Duplicator:  duplicator,
		Metrics:     s.metrics,
		Logger:      s.logger,
		Workers:     s.cfg.Baseline.Workers,
		QueueSize:   s.cfg.Baseline.QueueSize,
		CopyTimeout: s.cfg.CopyTimeout(),
	})
	s.tracker.Start(ctx)

	services := &svcctx.Services{
		Store:     store,
		Backend:   s.cfg.Store.Backend,
		Committer: committer,
		Pipeline:  registry,
		Reporter: pipeline.NewReporter(pipeline.ReporterConfig{
			Committer: committer,
			Registry:  registry,
			Payloads:  payloads,
			Metrics:   s.metrics,
			Logger:    s.logger,
		}),
		Review: review.NewManager(review.Config{
			Committer: committer,
			Registry:  registry,
			Executor:  executor,
			Payloads:  payloads,
			Metrics:   s.metrics,
			Logger:    s.logger,
		}),
		Batch: batch.NewCoordinator(batch.Config{
			Committer:   committer,
			Registry:    registry,
			Executor:    executor,
			Metrics:     s.metrics,
			Logger:      s.logger,
			Concurrency: s.cfg.Batch.Concurrency,
		}),
		Baseline:      s.tracker,
		Metrics:       s.metrics,
		DefraClient:   s.defraClient,
		DefraSink:     s.defraSink,
		ConfigManager: s.configMgr,
		Logger:        s.logger,
		Home:          s.home,
	}
	if s.store != nil {
		services.Backend = "custom"
	}

	s.servicesMu.Lock()
	s.services = services
	s.servicesMu.Unlock()
	return nil
}

// openStore returns the injected store, an in-memory store, or a DefraDB
// store (starting the container first when it is managed).
func (s *Server) openStore(ctx context.Context) (record.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	if s.cfg.Store.Backend != "defra" {
		return record.NewMemoryStore(), nil
	}

	url := s.cfg.DefraURL()
	if s.defraManager != nil {
		s.logger.Info("starting DefraDB", "container", s.defraManager.ContainerName())
		if err := s.defraManager.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start DefraDB: %w", err)
		}
		url = s.defraManager.URL()
	}

	s.defraClient = defra.NewClient(url)
	if err := s.defraClient.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("DefraDB health check failed: %w", err)
	}
	s.logger.Info("DefraDB is ready", "url", url)

	s.logger.Info("initializing schemas")
	if err := schema.Initialize(ctx, s.defraClient, s.logger); err != nil {
		return nil, fmt.Errorf("schema initialization failed: %w", err)
	}

	s.defraSink = defra.NewSink(defra.SinkConfig{Client: s.defraClient, Logger: s.logger})
	s.defraSink.Start(ctx)

	return defra.NewStore(defra.StoreConfig{Client: s.defraClient, Logger: s.logger}), nil
}

// newExecutor forwards signals over HTTP when executor.url is set and keeps
// them in process otherwise.
func (s *Server) newExecutor() pipeline.Executor {
	if s.cfg.Executor.URL == "" {
		s.logger.Warn("executor.url not set; pipeline signals are logged only")
		return pipeline.NewLocalExecutor(s.logger)
	}
	return pipeline.NewHTTPExecutor(pipeline.HTTPExecutorConfig{
		URL:        s.cfg.Executor.URL,
		Timeout:    s.cfg.ExecutorTimeout(),
		MaxRetries: s.cfg.Executor.MaxRetries,
		Token:      config.ResolveEnvVars(s.cfg.Executor.Token),
		Logger:     s.logger,
	})
}

// shutdown stops HTTP first so no request starts a copy after the
// workers are gone, then the workers, the sink and DefraDB.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.defraSink != nil {
		s.defraSink.Stop()
	}

	if s.defraManager != nil {
		s.logger.Info("stopping DefraDB")
		if err := s.defraManager.Stop(shutdownCtx); err != nil {
			s.logger.Error("DefraDB stop error", "error", err)
		}
		if err := s.defraManager.Close(); err != nil {
			s.logger.Error("DefraDB manager close error", "error", err)
		}
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound listen address once serving, the configured one before.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Services returns the running services, or nil before Start.
func (s *Server) Services() *svcctx.Services {
	s.servicesMu.RLock()
	defer s.servicesMu.RUnlock()
	return s.services
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc := s.Services(); svc != nil {
			ctx = svcctx.WithServices(ctx, svc)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable until the store and services are ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Services() == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
