// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/docflow/internal/baseline"
	"github.com/jackzampolin/docflow/internal/batch"
	"github.com/jackzampolin/docflow/internal/config"
	"github.com/jackzampolin/docflow/internal/defra"
	"github.com/jackzampolin/docflow/internal/home"
	"github.com/jackzampolin/docflow/internal/metrics"
	"github.com/jackzampolin/docflow/internal/pipeline"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/review"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store     record.Store
	Backend   string // "memory", "defra", or "custom" for an injected store
	Committer *record.Committer
	Pipeline  *pipeline.Registry
	Reporter  *pipeline.Reporter
	Review    *review.Manager
	Batch     *batch.Coordinator
	Baseline  *baseline.Tracker
	Metrics   *metrics.Metrics

	// Set only for the defra backend.
	DefraClient *defra.Client
	DefraSink   *defra.Sink

	ConfigManager *config.Manager
	Logger        *slog.Logger
	Home          *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the record store from context.
func StoreFrom(ctx context.Context) record.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// ReporterFrom extracts the pipeline reporter from context.
func ReporterFrom(ctx context.Context) *pipeline.Reporter {
	if s := ServicesFrom(ctx); s != nil {
		return s.Reporter
	}
	return nil
}

// PipelineFrom extracts the stage registry from context.
func PipelineFrom(ctx context.Context) *pipeline.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Pipeline
	}
	return nil
}

// ReviewFrom extracts the review manager from context.
func ReviewFrom(ctx context.Context) *review.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Review
	}
	return nil
}

// BatchFrom extracts the batch coordinator from context.
func BatchFrom(ctx context.Context) *batch.Coordinator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Batch
	}
	return nil
}

// BaselineFrom extracts the baseline tracker from context.
func BaselineFrom(ctx context.Context) *baseline.Tracker {
	if s := ServicesFrom(ctx); s != nil {
		return s.Baseline
	}
	return nil
}

// MetricsFrom extracts the metrics recorder from context.
func MetricsFrom(ctx context.Context) *metrics.Metrics {
	if s := ServicesFrom(ctx); s != nil {
		return s.Metrics
	}
	return nil
}

// DefraClientFrom extracts the DefraDB client from context.
func DefraClientFrom(ctx context.Context) *defra.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.DefraClient
	}
	return nil
}

// DefraSinkFrom extracts the DefraDB write sink from context.
func DefraSinkFrom(ctx context.Context) *defra.Sink {
	if s := ServicesFrom(ctx); s != nil {
		return s.DefraSink
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// ConfigManagerFrom extracts the config manager from context.
func ConfigManagerFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigManager
	}
	return nil
}
