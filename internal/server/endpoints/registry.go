package endpoints

import (
	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/internal/defra"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	DefraManager    *defra.DockerManager
	SwaggerDocPath string
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{DefraManager: cfg.DefraManager},
		&MetricsEndpoint{},

		// Document endpoints
		&RegisterDocumentEndpoint{},
		&ListDocumentsEndpoint{},
		&GetDocumentEndpoint{},
		&ReportStageEndpoint{},

		// Review endpoints
		&ClaimReviewEndpoint{},
		&ReleaseReviewEndpoint{},
		&CompleteSectionEndpoint{},
		&SkipAllSectionsEndpoint{},
		&ReviewHistoryEndpoint{},

		// Batch workflow endpoints
		&AbortWorkflowEndpoint{},
		&RerunEndpoint{},

		// Baseline endpoints
		&StartBaselineCopyEndpoint{},
		&ReportBaselineEndpoint{},

		// OpenAPI document
		&SwaggerEndpoint{DocPath: cfg.SwaggerDocPath},
	}
}
