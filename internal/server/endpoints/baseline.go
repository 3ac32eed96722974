package endpoints

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/svcctx"
)

// StartBaselineCopyResponse acknowledges a baseline copy request.
// The outcome is observed by polling the document's baseline_state.
type StartBaselineCopyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StartBaselineCopyEndpoint handles POST /api/documents/{object_key}/baseline.
type StartBaselineCopyEndpoint struct{}

func (e *StartBaselineCopyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{object_key}/baseline", e.handler
}

func (e *StartBaselineCopyEndpoint) RequiresInit() bool { return true }

func (e *StartBaselineCopyEndpoint) Group() string { return "baseline" }

// handler godoc
//
//	@Summary		Start a baseline copy
//	@Description	Set baseline_state to COPYING and copy the record to the baseline collection in the background
//	@Tags			baseline
//	@Produce		json
//	@Param			object_key	path		string	true	"Object key (URL-escaped)"
//	@Success		202			{object}	StartBaselineCopyResponse
//	@Failure		404			{object}	ErrorResponse
//	@Failure		409			{object}	StartBaselineCopyResponse	"A copy is already in progress"
//	@Failure		503			{object}	ErrorResponse
//	@Router			/api/documents/{object_key}/baseline [post]
func (e *StartBaselineCopyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(w, r)
	if !ok {
		return
	}
	tracker := svcctx.BaselineFrom(r.Context())
	if tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "baseline tracker not initialized")
		return
	}

	if _, err := tracker.StartCopy(r.Context(), key); err != nil {
		if errors.Is(err, record.ErrAlreadyInProgress) {
			writeJSON(w, http.StatusConflict, StartBaselineCopyResponse{Success: false, Message: err.Error()})
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StartBaselineCopyResponse{
		Success: true,
		Message: "Baseline copy started",
	})
}

func (e *StartBaselineCopyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "start <object_key>",
		Short: "Copy a document's results to the evaluation baseline",
		Long: `Start an asynchronous baseline copy.

Poll "docflow api documents get <object_key>" and watch baseline_state
move from COPYING to AVAILABLE or ERROR.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StartBaselineCopyResponse
			if err := client.Post(cmd.Context(), documentPath(args[0], "baseline"), nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ReportBaselineRequest is the duplication service's report.
type ReportBaselineRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BaselineStateResponse is the baseline view of a document.
type BaselineStateResponse struct {
	ObjectKey     string               `json:"object_key"`
	Version       int64                `json:"version"`
	BaselineState record.BaselineState `json:"baseline_state"`
	BaselineError string               `json:"baseline_error,omitempty"`
}

// ReportBaselineEndpoint handles POST /api/documents/{object_key}/baseline/report.
type ReportBaselineEndpoint struct{}

func (e *ReportBaselineEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{object_key}/baseline/report", e.handler
}

func (e *ReportBaselineEndpoint) RequiresInit() bool { return true }

func (e *ReportBaselineEndpoint) Group() string { return "baseline" }

// handler godoc
//
//	@Summary		Report a baseline copy outcome
//	@Description	Applies only while the copy is COPYING; a late report returns the current state unchanged
//	@Tags			baseline
//	@Accept			json
//	@Produce		json
//	@Param			object_key	path		string					true	"Object key (URL-escaped)"
//	@Param			request		body		ReportBaselineRequest	true	"Outcome"
//	@Success		200			{object}	BaselineStateResponse
//	@Failure		404			{object}	ErrorResponse
//	@Router			/api/documents/{object_key}/baseline/report [post]
func (e *ReportBaselineEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(w, r)
	if !ok {
		return
	}
	var req ReportBaselineRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tracker := svcctx.BaselineFrom(r.Context())
	if tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "baseline tracker not initialized")
		return
	}

	doc, err := tracker.ReportBaseline(r.Context(), key, req.Success, req.Error)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BaselineStateResponse{
		ObjectKey:     doc.ID,
		Version:       doc.Version,
		BaselineState: doc.BaselineState,
		BaselineError: doc.BaselineError,
	})
}

func (e *ReportBaselineEndpoint) Command(getServerURL func() string) *cobra.Command {
	var failed bool
	var reason string
	cmd := &cobra.Command{
		Use:   "report <object_key>",
		Short: "Report a baseline copy outcome (duplication service callback)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp BaselineStateResponse
			req := ReportBaselineRequest{Success: !failed, Error: reason}
			if err := client.Post(cmd.Context(), documentPath(args[0], "baseline", "report"), req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "Report a failed copy")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason")
	return cmd
}
