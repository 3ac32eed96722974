package api

import (
	"net/http"

	"github.com/spf13/cobra"
)

// Registry holds all registered endpoints.
type Registry struct {
	endpoints []Endpoint
}

// NewRegistry creates a new endpoint registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an endpoint to the registry.
func (r *Registry) Register(ep Endpoint) {
	r.endpoints = append(r.endpoints, ep)
}

// RegisterRoutes registers all endpoint HTTP routes with the given mux.
// initMiddleware wraps handlers that require full server initialization.
func (r *Registry) RegisterRoutes(mux *http.ServeMux, initMiddleware func(http.HandlerFunc) http.HandlerFunc) {
	for _, ep := range r.endpoints {
		method, path, handler := ep.Route()
		if ep.RequiresInit() {
			handler = initMiddleware(handler)
		}
		mux.HandleFunc(method+" "+path, handler)
	}
}

// BuildCommands returns a cobra.Command tree for all registered endpoints.
// Endpoints implementing Grouped are nested under a resource subcommand.
// getServerURL is called at runtime to get the server URL.
func (r *Registry) BuildCommands(getServerURL func() string) *cobra.Command {
	apiCmd := &cobra.Command{
		Use:   "api",
		Short: "Commands that call the running server",
		Long: `API commands call the running docflow server via HTTP.

These commands require a running server (docflow serve).
Use --server to specify a custom server URL and --actor to act as a reviewer.

Examples:
  docflow api health                                   # Check server health
  docflow api documents get inbox/a.pdf                # Show a document record
  docflow api review claim inbox/a.pdf --actor alice   # Claim a review
  docflow api workflows abort a.pdf b.pdf              # Abort documents`,
	}

	groups := make(map[string]*cobra.Command)
	for _, ep := range r.endpoints {
		cmd := ep.Command(getServerURL)
		if cmd == nil {
			continue
		}
		g, ok := ep.(Grouped)
		if !ok || g.Group() == "" {
			apiCmd.AddCommand(cmd)
			continue
		}
		parent, ok := groups[g.Group()]
		if !ok {
			parent = &cobra.Command{
				Use:   g.Group(),
				Short: g.Group() + " commands",
			}
			groups[g.Group()] = parent
			apiCmd.AddCommand(parent)
		}
		parent.AddCommand(cmd)
	}

	return apiCmd
}

// Endpoints returns all registered endpoints.
func (r *Registry) Endpoints() []Endpoint {
	return r.endpoints
}
