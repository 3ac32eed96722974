package endpoints

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/internal/batch"
	"github.com/jackzampolin/docflow/internal/identity"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/svcctx"
)

// AbortWorkflowRequest names the documents to abort.
type AbortWorkflowRequest struct {
	ObjectKeys []string `json:"object_keys"`
}

// AbortWorkflowResponse aggregates per-document abort outcomes.
type AbortWorkflowResponse struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	AbortedCount int      `json:"aborted_count"`
	FailedCount  int      `json:"failed_count"`
	Errors       []string `json:"errors"`
}

// AbortWorkflowEndpoint handles POST /api/workflows/abort.
type AbortWorkflowEndpoint struct{}

func (e *AbortWorkflowEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/workflows/abort", e.handler
}

func (e *AbortWorkflowEndpoint) RequiresInit() bool { return true }

func (e *AbortWorkflowEndpoint) Group() string { return "workflows" }

// handler godoc
//
//	@Summary		Abort documents
//	@Description	Fail each document (reason aborted) and ask the pipeline to cancel it.
//	@Description	Per-document failures are reported in errors; the call itself succeeds.
//	@Tags			workflows
//	@Accept			json
//	@Produce		json
//	@Param			request	body		AbortWorkflowRequest	true	"Documents"
//	@Success		200		{object}	AbortWorkflowResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/workflows/abort [post]
func (e *AbortWorkflowEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req AbortWorkflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	coord := svcctx.BatchFrom(r.Context())
	if coord == nil {
		writeError(w, http.StatusServiceUnavailable, "batch coordinator not initialized")
		return
	}

	res, err := coord.Abort(r.Context(), req.ObjectKeys, identity.ActorFrom(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AbortWorkflowResponse{
		Success:      res.OK(),
		Message:      res.Message("Aborted"),
		AbortedCount: len(res.Succeeded),
		FailedCount:  len(res.Failed),
		Errors:       res.Errors(),
	})
}

func (e *AbortWorkflowEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <object_key>...",
		Short: "Abort one or more documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp AbortWorkflowResponse
			if err := client.Post(cmd.Context(), "/api/workflows/abort", AbortWorkflowRequest{ObjectKeys: args}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// RerunRequest selects documents by object keys, a batch id, or both.
type RerunRequest struct {
	batch.Target
	Step string `json:"step"`
}

// DocumentStatus is the status snapshot of one document.
type DocumentStatus struct {
	ObjectKey     string               `json:"object_key"`
	Version       int64                `json:"version"`
	OverallStatus record.OverallStatus `json:"overall_status"`
	CurrentStage  string               `json:"current_stage,omitempty"`
	HITLStatus    record.HITLStatus    `json:"hitl_status"`
	BaselineState record.BaselineState `json:"baseline_state"`
}

func statusOf(doc *record.Document) DocumentStatus {
	return DocumentStatus{
		ObjectKey:     doc.ID,
		Version:       doc.Version,
		OverallStatus: doc.OverallStatus,
		CurrentStage:  doc.CurrentStage,
		HITLStatus:    doc.HITLStatus,
		BaselineState: doc.BaselineState,
	}
}

// RerunResponse reports the post-rerun status of every restarted document.
type RerunResponse struct {
	Success     bool             `json:"success"`
	Message     string           `json:"message"`
	Step        string           `json:"step"`
	Documents   []DocumentStatus `json:"documents"`
	FailedCount int              `json:"failed_count"`
	Errors      []string         `json:"errors"`
}

// RerunEndpoint handles POST /api/workflows/rerun.
type RerunEndpoint struct{}

func (e *RerunEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/workflows/rerun", e.handler
}

func (e *RerunEndpoint) RequiresInit() bool { return true }

func (e *RerunEndpoint) Group() string { return "workflows" }

// handler godoc
//
//	@Summary		Rerun from a step
//	@Description	Reset documents to restart at step and resume the pipeline there.
//	@Description	An unknown step fails the call; a step past a document's first
//	@Description	incomplete stage fails only that document.
//	@Tags			workflows
//	@Accept			json
//	@Produce		json
//	@Param			request	body		RerunRequest	true	"Targets and step"
//	@Success		200		{object}	RerunResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		503		{object}	ErrorResponse
//	@Router			/api/workflows/rerun [post]
func (e *RerunEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req RerunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Step == "" {
		writeError(w, http.StatusBadRequest, "step is required")
		return
	}
	coord := svcctx.BatchFrom(r.Context())
	if coord == nil {
		writeError(w, http.StatusServiceUnavailable, "batch coordinator not initialized")
		return
	}

	res, err := coord.Rerun(r.Context(), req.Step, req.Target)
	if err != nil {
		writeErr(w, err)
		return
	}

	docs := make([]DocumentStatus, 0, len(res.Succeeded))
	for _, id := range res.TargetIDs {
		if doc, ok := res.Documents[id]; ok {
			docs = append(docs, statusOf(doc))
		}
	}
	writeJSON(w, http.StatusOK, RerunResponse{
		Success:     res.OK(),
		Message:     res.Message(fmt.Sprintf("Restarted from %s", req.Step)),
		Step:        req.Step,
		Documents:   docs,
		FailedCount: len(res.Failed),
		Errors:      res.Errors(),
	})
}

func (e *RerunEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req RerunRequest
	cmd := &cobra.Command{
		Use:   "rerun [object_key]...",
		Short: "Rerun documents from a pipeline step",
		Long: `Rerun documents from a pipeline step.

Targets are the given object keys plus, with --batch, every document
registered under that batch id.

Examples:
  docflow api workflows rerun --step extraction inbox/a.pdf
  docflow api workflows rerun --step summarization --batch 2026-01-15`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.IDs = args
			if len(req.IDs) == 0 && req.BatchID == "" {
				return fmt.Errorf("give object keys or --batch")
			}
			client := api.NewClient(getServerURL())
			var resp RerunResponse
			if err := client.Post(cmd.Context(), "/api/workflows/rerun", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&req.Step, "step", "", "Stage to restart from (required)")
	cmd.Flags().StringVar(&req.BatchID, "batch", "", "Rerun every document of this batch")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}
