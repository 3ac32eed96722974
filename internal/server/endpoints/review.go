package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docflow/internal/api"
	"github.com/jackzampolin/docflow/internal/identity"
	"github.com/jackzampolin/docflow/internal/record"
	"github.com/jackzampolin/docflow/internal/svcctx"
)

// ReviewLeaseResponse is returned by claim and release.
type ReviewLeaseResponse struct {
	ObjectKey        string               `json:"object_key"`
	OverallStatus    record.OverallStatus `json:"overall_status"`
	HITLStatus       record.HITLStatus    `json:"hitl_status"`
	ReviewOwner      string               `json:"review_owner"`
	ReviewOwnerEmail string               `json:"review_owner_email"`
}

func leaseResponse(doc *record.Document) ReviewLeaseResponse {
	resp := ReviewLeaseResponse{
		ObjectKey:     doc.ID,
		OverallStatus: doc.OverallStatus,
		HITLStatus:    doc.HITLStatus,
	}
	if doc.ReviewOwner != nil {
		resp.ReviewOwner = doc.ReviewOwner.ID
		resp.ReviewOwnerEmail = doc.ReviewOwner.Email
	}
	return resp
}

// SectionReviewResponse is returned by section completion.
type SectionReviewResponse struct {
	ObjectKey         string                             `json:"object_key"`
	OverallStatus     record.OverallStatus               `json:"overall_status"`
	HITLStatus        record.HITLStatus                  `json:"hitl_status"`
	SectionsPending   []string                           `json:"sections_pending"`
	SectionsCompleted map[string]record.CompletedSection `json:"sections_completed"`
	SectionsSkipped   []string                           `json:"sections_skipped"`
	ReviewHistory     []record.ReviewEvent               `json:"review_history"`
}

func sectionResponse(doc *record.Document) SectionReviewResponse {
	history := doc.ReviewHistory
	if history == nil {
		history = []record.ReviewEvent{}
	}
	return SectionReviewResponse{
		ObjectKey:         doc.ID,
		OverallStatus:     doc.OverallStatus,
		HITLStatus:        doc.HITLStatus,
		SectionsPending:   doc.Sections.Pending,
		SectionsCompleted: doc.Sections.Completed,
		SectionsSkipped:   doc.Sections.Skipped,
		ReviewHistory:     history,
	}
}

// SkipAllResponse is returned by skip-all.
type SkipAllResponse struct {
	SectionReviewResponse
	HITLTriggered    bool   `json:"hitl_triggered"`
	HITLCompleted    bool   `json:"hitl_completed"`
	ReviewOwner      string `json:"review_owner"`
	ReviewOwnerEmail string `json:"review_owner_email"`
}

// ClaimReviewEndpoint handles POST /api/documents/{object_key}/review/claim.
type ClaimReviewEndpoint struct{}

func (e *ClaimReviewEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{object_key}/review/claim", e.handler
}

func (e *ClaimReviewEndpoint) RequiresInit() bool { return true }

func (e *ClaimReviewEndpoint) Group() string { return "review" }

// handler godoc
//
//	@Summary		Claim a review
//	@Description	Take the review lease for the calling actor. Re-claiming an owned lease succeeds.
//	@Tags			review
//	@Produce		json
//	@Param			object_key		path		string	true	"Object key (URL-escaped)"
//	@Param			X-Docflow-Actor	header		string	true	"Actor id"
//	@Success		200				{object}	ReviewLeaseResponse
//	@Failure		403				{object}	ErrorResponse
//	@Failure		404				{object}	ErrorResponse
//	@Failure		409				{object}	ErrorResponse
//	@Failure		503				{object}	ErrorResponse
//	@Router			/api/documents/{object_key}/review/claim [post]
func (e *ClaimReviewEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(w, r)
	if !ok {
		return
	}
	mgr := svcctx.ReviewFrom(r.Context())
	if mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "review manager not initialized")
		return
	}

	doc, err := mgr.Claim(r.Context(), key, identity.ActorFrom(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leaseResponse(doc))
}

func (e *ClaimReviewEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <object_key>",
		Short: "Claim the review of a document as --actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ReviewLeaseResponse
			if err := client.Post(cmd.Context(), documentPath(args[0], "review", "claim"), nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ReleaseReviewEndpoint handles POST /api/documents/{object_key}/review/release.
type ReleaseReviewEndpoint struct{}

func (e *ReleaseReviewEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{object_key}/review/release", e.handler
}

func (e *ReleaseReviewEndpoint) RequiresInit() bool { return true }

func (e *ReleaseReviewEndpoint) Group() string { return "review" }

// handler godoc
//
//	@Summary	Release a review
//	@Tags		review
//	@Produce	json
//	@Param		object_key		path		string	true	"Object key (URL-escaped)"
//	@Param		X-Docflow-Actor	header		string	true	"Actor id"
//	@Success	200				{object}	ReviewLeaseResponse
//	@Failure	403				{object}	ErrorResponse
//	@Failure	404				{object}	ErrorResponse
//	@Failure	409				{object}	ErrorResponse
//	@Router		/api/documents/{object_key}/review/release [post]
func (e *ReleaseReviewEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(w, r)
	if !ok {
		return
	}
	mgr := svcctx.ReviewFrom(r.Context())
	if mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "review manager not initialized")
		return
	}

	doc, err := mgr.Release(r.Context(), key, identity.ActorFrom(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leaseResponse(doc))
}

func (e *ReleaseReviewEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "release <object_key>",
		Short: "Release a review held by --actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ReviewLeaseResponse
			if err := client.Post(cmd.Context(), documentPath(args[0], "review", "release"), nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// CompleteSectionRequest carries the reviewer's edited section data.
type CompleteSectionRequest struct {
	EditedData json.RawMessage `json:"edited_data"`
}

// CompleteSectionEndpoint handles POST /api/documents/{object_key}/review/sections/{section_id}.
type CompleteSectionEndpoint struct{}

func (e *CompleteSectionEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{object_key}/review/sections/{section_id}", e.handler
}

func (e *CompleteSectionEndpoint) RequiresInit() bool { return true }

func (e *CompleteSectionEndpoint) Group() string { return "review" }

// handler godoc
//
//	@Summary		Complete a section review
//	@Description	Resolve one pending section. Completing the last one resumes the pipeline.
//	@Tags			review
//	@Accept			json
//	@Produce		json
//	@Param			object_key		path		string					true	"Object key (URL-escaped)"
//	@Param			section_id		path		string					true	"Section id"
//	@Param			X-Docflow-Actor	header		string					true	"Actor id"
//	@Param			request			body		CompleteSectionRequest	true	"Edited data"
//	@Success		200				{object}	SectionReviewResponse
//	@Failure		400				{object}	ErrorResponse
//	@Failure		403				{object}	ErrorResponse
//	@Failure		409				{object}	ErrorResponse
//	@Failure		422				{object}	ErrorResponse
//	@Router			/api/documents/{object_key}/review/sections/{section_id} [post]
func (e *CompleteSectionEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(w, r)
	if !ok {
		return
	}
	sectionID := r.PathValue("section_id")

	var req CompleteSectionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.EditedData) == 0 {
		req.EditedData = json.RawMessage("null")
	}

	mgr := svcctx.ReviewFrom(r.Context())
	if mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "review manager not initialized")
		return
	}

	doc, err := mgr.CompleteSection(r.Context(), key, sectionID, identity.ActorFrom(r.Context()), req.EditedData)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sectionResponse(doc))
}

func (e *CompleteSectionEndpoint) Command(getServerURL func() string) *cobra.Command {
	var data, file string
	cmd := &cobra.Command{
		Use:   "complete <object_key> <section_id>",
		Short: "Complete one section with edited data",
		Long: `Complete one pending section as --actor.

Edited data is JSON, given inline with --data or read from --file.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(data)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", file, err)
				}
				raw = b
			}
			if len(raw) == 0 {
				raw = nil
			} else if !json.Valid(raw) {
				return fmt.Errorf("edited data is not valid JSON")
			}

			client := api.NewClient(getServerURL())
			var resp SectionReviewResponse
			path := documentPath(args[0], "review", "sections", url.PathEscape(args[1]))
			if err := client.Post(cmd.Context(), path, CompleteSectionRequest{EditedData: raw}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Edited section data as JSON")
	cmd.Flags().StringVar(&file, "file", "", "Read edited section data from a JSON file")
	return cmd
}

// SkipAllSectionsEndpoint handles POST /api/documents/{object_key}/review/skip-all.
type SkipAllSectionsEndpoint struct{}

func (e *SkipAllSectionsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/documents/{object_key}/review/skip-all", e.handler
}

func (e *SkipAllSectionsEndpoint) RequiresInit() bool { return true }

func (e *SkipAllSectionsEndpoint) Group() string { return "review" }

// handler godoc
//
//	@Summary		Skip all remaining sections
//	@Description	Mark every pending section skipped, finish review and resume the pipeline
//	@Tags			review
//	@Produce		json
//	@Param			object_key		path		string	true	"Object key (URL-escaped)"
//	@Param			X-Docflow-Actor	header		string	true	"Actor id"
//	@Success		200				{object}	SkipAllResponse
//	@Failure		403				{object}	ErrorResponse
//	@Failure		409				{object}	ErrorResponse
//	@Router			/api/documents/{object_key}/review/skip-all [post]
func (e *SkipAllSectionsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(w, r)
	if !ok {
		return
	}
	mgr := svcctx.ReviewFrom(r.Context())
	if mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "review manager not initialized")
		return
	}

	doc, err := mgr.SkipAllSections(r.Context(), key, identity.ActorFrom(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	lease := leaseResponse(doc)
	writeJSON(w, http.StatusOK, SkipAllResponse{
		SectionReviewResponse: sectionResponse(doc),
		HITLTriggered:         doc.HITLTriggered,
		HITLCompleted:         doc.HITLCompleted(),
		ReviewOwner:           lease.ReviewOwner,
		ReviewOwnerEmail:      lease.ReviewOwnerEmail,
	})
}

func (e *SkipAllSectionsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "skip-all <object_key>",
		Short: "Skip every remaining section of a review held by --actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp SkipAllResponse
			if err := client.Post(cmd.Context(), documentPath(args[0], "review", "skip-all"), nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// ReviewHistoryResponse lists the review events of a document.
type ReviewHistoryResponse struct {
	ObjectKey     string               `json:"object_key"`
	ReviewHistory []record.ReviewEvent `json:"review_history"`
}

// ReviewHistoryEndpoint handles GET /api/documents/{object_key}/review/history.
type ReviewHistoryEndpoint struct{}

func (e *ReviewHistoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/documents/{object_key}/review/history", e.handler
}

func (e *ReviewHistoryEndpoint) RequiresInit() bool { return true }

func (e *ReviewHistoryEndpoint) Group() string { return "review" }

// handler godoc
//
//	@Summary	Review history
//	@Tags		review
//	@Produce	json
//	@Param		object_key	path		string	true	"Object key (URL-escaped)"
//	@Success	200			{object}	ReviewHistoryResponse
//	@Failure	404			{object}	ErrorResponse
//	@Router		/api/documents/{object_key}/review/history [get]
func (e *ReviewHistoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(w, r)
	if !ok {
		return
	}
	mgr := svcctx.ReviewFrom(r.Context())
	if mgr == nil {
		writeError(w, http.StatusServiceUnavailable, "review manager not initialized")
		return
	}

	events, err := mgr.History(r.Context(), key)
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []record.ReviewEvent{}
	}
	writeJSON(w, http.StatusOK, ReviewHistoryResponse{ObjectKey: key, ReviewHistory: events})
}

func (e *ReviewHistoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "history <object_key>",
		Short: "Show the review history of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ReviewHistoryResponse
			if err := client.Get(cmd.Context(), documentPath(args[0], "review", "history"), &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
