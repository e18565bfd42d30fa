// Package downloads provides the API handlers for submitting and cancelling downloads
package downloads

import (
	"errors"
	"os"

	"github.com/ferry-project/ferry/Ferry/internal/api"
	"github.com/ferry-project/ferry/Ferry/internal/download"
	"github.com/ferry-project/ferry/Ferry/internal/types"
	"github.com/gin-gonic/gin"
)

// Orchestrator is the part of download.Manager the handler drives
type Orchestrator interface {
	Submit(job download.Job) (*download.SubmitResult, error)
	Batch(jobs []download.Job) []download.BatchResult
	Cancel(sourceID, partID string) error
	Active() map[string]int
}

// Handler handles download API requests
type Handler struct {
	orch Orchestrator
}

// NewHandler creates a new downloads handler
func NewHandler(orch Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// BatchRequest is the body of a batch submission
type BatchRequest struct {
	Jobs []download.Job `json:"jobs"`
}

// BatchResponse summarizes a batch submission
type BatchResponse struct {
	Results   []download.BatchResult `json:"results"`
	Submitted int                    `json:"submitted"`
	Failed    int                    `json:"failed"`
}

// Register mounts the download routes on the given group
func (h *Handler) Register(r *gin.RouterGroup) {
	r.POST("", h.Submit)
	r.POST("/batch", h.Batch)
	r.GET("/active", h.Active)
	r.DELETE("/:sourceId/:partId", h.Cancel)
}

// Submit validates and starts one job; the response is sent once the job is registered
func (h *Handler) Submit(c *gin.Context) {
	var job download.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}

	result, err := h.orch.Submit(job)
	if err != nil {
		submitFailure(c, err)
		return
	}
	api.Accepted(c, result)
}

// Batch submits jobs one after another. Failures are reported per job.
func (h *Handler) Batch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if len(req.Jobs) == 0 {
		api.BadRequest(c, "No jobs given")
		return
	}

	resp := BatchResponse{Results: h.orch.Batch(req.Jobs)}
	for _, r := range resp.Results {
		if r.Success {
			resp.Submitted++
		} else {
			resp.Failed++
		}
	}
	api.Accepted(c, resp)
}

// Cancel aborts a running download
func (h *Handler) Cancel(c *gin.Context) {
	err := h.orch.Cancel(c.Param("sourceId"), c.Param("partId"))
	if errors.Is(err, download.ErrNotFound) {
		api.NotFound(c, "Download task")
		return
	}
	if err != nil {
		api.InternalError(c, err)
		return
	}
	api.SuccessWithMessage(c, "Download cancelled")
}

// Active returns the progress of every running download by key
func (h *Handler) Active(c *gin.Context) {
	api.Success(c, h.orch.Active())
}

// submitFailure maps Submit errors onto the response envelope
func submitFailure(c *gin.Context, err error) {
	var verr *download.ValidationError
	switch {
	case errors.As(err, &verr):
		api.ErrorWithDetails(c, types.ErrValidation, verr.Error(), verr.Field)
	case errors.Is(err, download.ErrDuplicateTask):
		api.Error(c, types.ErrDuplicateTask, err.Error())
	case errors.Is(err, download.ErrClosed):
		api.Error(c, types.ErrUnavailable, err.Error())
	case errors.Is(err, os.ErrPermission):
		api.ErrorWithDetails(c, types.ErrPermissionDenied, "Output directory is not writable", err.Error())
	default:
		api.StorageFailure(c, err, "Task")
	}
}
