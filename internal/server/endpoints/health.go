package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/internal/defra"
	"github.com/jackzampolin/docflow/internal/svcctx"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Liveness check
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	HealthResponse
//	@Router		/health [get]
func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Readiness check
//	@Description	Reports ok only when the record store answers a ping
//	@Tags			health
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Failure		503	{object}	HealthResponse
//	@Router			/ready [get]
func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok"}

	store := svcctx.StoreFrom(r.Context())
	if store == nil {
		resp.Status = "degraded"
		resp.Store = "not_initialized"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if err := store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (includes the record store)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			if resp.Store != "" {
				fmt.Printf("Store:  %s\n", resp.Store)
			}
			return nil
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server   string         `json:"server"`
	Store    StoreStatus    `json:"store"`
	Baseline BaselineStatus `json:"baseline"`
	Stages   []string       `json:"stages"`
}

// StoreStatus shows the record store backend and its health.
type StoreStatus struct {
	Backend   string `json:"backend"`
	Health    string `json:"health"`
	URL       string `json:"url,omitempty"`
	Container string `json:"container,omitempty"`
}

// BaselineStatus shows the copy workers' load.
type BaselineStatus struct {
	InFlight int `json:"in_flight"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct {
	// DefraManager is set by server when it manages the DefraDB container
	DefraManager *defra.DockerManager
}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Server status
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	StatusResponse
//	@Router		/status [get]
func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{Server: "running"}

	svc := svcctx.ServicesFrom(ctx)
	if svc == nil || svc.Store == nil {
		resp.Store.Health = "not_initialized"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Store.Backend = svc.Backend
	if err := svc.Store.Ping(ctx); err != nil {
		resp.Store.Health = "unhealthy"
	} else {
		resp.Store.Health = "healthy"
	}
	if svc.DefraClient != nil {
		resp.Store.URL = svc.DefraClient.URL()
	}
	if e.DefraManager != nil {
		status, err := e.DefraManager.Status(ctx)
		if err != nil {
			resp.Store.Container = "error"
		} else {
			resp.Store.Container = string(status)
		}
	}
	if svc.Baseline != nil {
		resp.Baseline.InFlight = svc.Baseline.InFlight()
	}
	if svc.Pipeline != nil {
		resp.Stages = svc.Pipeline.Names()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// MetricsEndpoint handles GET /metrics in the Prometheus exposition format.
type MetricsEndpoint struct{}

func (e *MetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/metrics", e.handler
}

func (e *MetricsEndpoint) RequiresInit() bool { return false }

func (e *MetricsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	m := svcctx.MetricsFrom(r.Context())
	if m == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not initialized")
		return
	}
	m.Handler().ServeHTTP(w, r)
}

// Command is nil: scrape /metrics with a Prometheus client instead.
func (e *MetricsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return nil
}
