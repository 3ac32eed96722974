package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/internal/pipeline"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/svcctx"
)

// RegisterDocumentRequest is the request body for registering a document.
type RegisterDocumentRequest struct {
	ObjectKey string `json:"object_key,omitempty"`
	BatchID   string `json:"batch_id,omitempty"`
}

// RegisterDocumentEndpoint handles POST /api/documents.
type RegisterDocumentEndpoint struct{}

func (e *RegisterDocumentEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents", e.handler
}

func (e *RegisterDocumentEndpoint) RequiresInit() bool { return true }

func (e *RegisterDocumentEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary		Register a document
//	@Description	Create a QUEUED record. A missing object_key is generated.
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			request	body		RegisterDocumentRequest	false	"Registration"
//	@Success		201		{object}	record.Document
//	@Failure		400		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Router			/api/documents [post]
func (e *RegisterDocumentEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req RegisterDocumentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	reporter := svcctx.ReporterFrom(r.Context())
	if reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "reporter not initialized")
		return
	}

	doc, err := reporter.Register(r.Context(), req.ObjectKey, req.BatchID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (e *RegisterDocumentEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req RegisterDocumentRequest
	cmd := &cobra.Command{
		Use:   "register [object_key]",
		Short: "Register a document for processing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.ObjectKey = args[0]
			}
			client := api.NewClient(getServerURL())
			var doc record.Document
			if err := client.Post(cmd.Context(), "/api/documents", req, &doc); err != nil {
				return err
			}
			return api.Output(doc)
		},
	}
	cmd.Flags().StringVar(&req.BatchID, "batch", "", "Batch id to group the document under")
	return cmd
}

// ListDocumentsResponse is the response for listing documents.
type ListDocumentsResponse struct {
	Documents []*record.Document `json:"documents"`
	Count     int                `json:"count"`
}

// ListDocumentsEndpoint handles GET /api/documents.
type ListDocumentsEndpoint struct{}

func (e *ListDocumentsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents", e.handler
}

func (e *ListDocumentsEndpoint) RequiresInit() bool { return true }

func (e *ListDocumentsEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary	List documents
//	@Tags		documents
//	@Produce	json
//	@Param		batch_id	query		string	false	"Filter by batch"
//	@Param		status		query		string	false	"Filter by overall status"
//	@Param		limit		query		int		false	"Maximum results"
//	@Success	200			{object}	ListDocumentsResponse
//	@Failure	400			{object}	ErrorResponse
//	@Router		/api/documents [get]
func (e *ListDocumentsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := record.ListFilter{
		BatchID: q.Get("batch_id"),
		Status:  record.OverallStatus(strings.ToUpper(q.Get("status"))),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", q.Get("status")))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	reporter := svcctx.ReporterFrom(r.Context())
	if reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "reporter not initialized")
		return
	}

	docs, err := reporter.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if docs == nil {
		docs = []*record.Document{}
	}
	writeJSON(w, http.StatusOK, ListDocumentsResponse{Documents: docs, Count: len(docs)})
}

func (e *ListDocumentsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var batchID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if batchID != "" {
				q.Set("batch_id", batchID)
			}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/documents"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			client := api.NewClient(getServerURL())
			var resp ListDocumentsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "Filter by batch id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by overall status (e.g. AWAITING_REVIEW)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results")
	return cmd
}

// GetDocumentEndpoint handles GET /api/documents/{object_key}.
type GetDocumentEndpoint struct{}

func (e *GetDocumentEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{object_key}", e.handler
}

func (e *GetDocumentEndpoint) RequiresInit() bool { return true }

func (e *GetDocumentEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary	Get a document record
//	@Tags		documents
//	@Produce	json
//	@Param		object_key	path		string	true	"Object key (URL-escaped)"
//	@Success	200			{object}	record.Document
//	@Failure	404			{object}	ErrorResponse
//	@Router		/api/documents/{object_key} [get]
func (e *GetDocumentEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(w, r)
	if !ok {
		return
	}

	reporter := svcctx.ReporterFrom(r.Context())
	if reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "reporter not initialized")
		return
	}

	doc, err := reporter.Get(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (e *GetDocumentEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <object_key>",
		Short: "Get a document record",
		Long: `Get the full coordination record of a document: statuses, review
owner, section partitions, review history and baseline state.

Poll this after "docflow api baseline start" to observe the copy outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var doc record.Document
			if err := client.Get(cmd.Context(), documentPath(args[0]), &doc); err != nil {
				return err
			}
			return api.Output(doc)
		},
	}
}

// ReportStageEndpoint handles POST /api/documents/{object_key}/stages/{stage}.
type ReportStageEndpoint struct{}

func (e *ReportStageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{object_key}/stages/{stage}", e.handler
}

func (e *ReportStageEndpoint) RequiresInit() bool { return true }

func (e *ReportStageEndpoint) Group() string { return "documents" }

// handler godoc
//
//	@Summary		Report stage progress
//	@Description	Stage engine callback: started, review_required, completed or failed
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			object_key	path		string					true	"Object key (URL-escaped)"
//	@Param			stage		path		string					true	"Stage name"
//	@Param			request		body		pipeline.StageReport	true	"Stage event"
//	@Success		200			{object}	record.Document
//	@Failure		400			{object}	ErrorResponse
//	@Failure		404			{object}	ErrorResponse
//	@Failure		409			{object}	ErrorResponse
//	@Router			/api/documents/{object_key}/stages/{stage} [post]
func (e *ReportStageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(w, r)
	if !ok {
		return
	}
	stage := r.PathValue("stage")

	var rep pipeline.StageReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if rep.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	reporter := svcctx.ReporterFrom(r.Context())
	if reporter == nil {
		writeError(w, http.StatusServiceUnavailable, "reporter not initialized")
		return
	}

	doc, err := reporter.ReportStage(r.Context(), key, stage, rep)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (e *ReportStageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var event, reason string
	var sections []string
	cmd := &cobra.Command{
		Use:   "report-stage <object_key> <stage>",
		Short: "Send a stage callback (for testing pipeline integrations)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep := pipeline.StageReport{
				Event:    pipeline.StageEvent(event),
				Sections: sections,
				Reason:   reason,
			}
			client := api.NewClient(getServerURL())
			var doc record.Document
			if err := client.Post(cmd.Context(), documentPath(args[0], "stages", url.PathEscape(args[1])), rep, &doc); err != nil {
				return err
			}
			return api.Output(doc)
		},
	}
	cmd.Flags().StringVar(&event, "event", "", "started, review_required, completed or failed (required)")
	cmd.Flags().StringSliceVar(&sections, "sections", nil, "Section ids requiring review (review_required only)")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason (failed only)")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}
