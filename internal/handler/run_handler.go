package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/timetable-solver/internal/dto"
	"github.com/noah-isme/timetable-solver/internal/service"
	appErrors "github.com/noah-isme/timetable-solver/pkg/errors"
	"github.com/noah-isme/timetable-solver/pkg/export"
	"github.com/noah-isme/timetable-solver/pkg/response"
)

type runManager interface {
	Submit(ctx context.Context, req dto.SolveRequest) (*dto.SolveResponse, error)
	Status(ctx context.Context, id string) (*dto.RunStatusResponse, error)
	Cancel(ctx context.Context, id string) (*dto.RunStatusResponse, error)
	Results(ctx context.Context, id string) (*dto.RunResultResponse, error)
}

type scheduleExporter interface {
	Export(ctx context.Context, runID string, format export.Format) (*service.ExportFile, error)
}

// RunHandler exposes the solve run endpoints.
type RunHandler struct {
	runs    runManager
	exports scheduleExporter
}

// NewRunHandler constructs the handler.
func NewRunHandler(runs *service.RunService, exports *service.ExportService) *RunHandler {
	return &RunHandler{runs: runs, exports: exports}
}

// Solve godoc
// @Summary Submit a timetable solve run
// @Description Freezes the project's current data and queues a search. Poll the result endpoint for the outcome.
// @Tags Solver
// @Accept json
// @Produce json
// @Param payload body dto.SolveRequest true "Solve request"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /solve [post]
func (h *RunHandler) Solve(c *gin.Context) {
	var req dto.SolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid solve payload"))
		return
	}
	resp, err := h.runs.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, resp)
}

// Status godoc
// @Summary Get run status
// @Tags Solver
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /runs/{id} [get]
func (h *RunHandler) Status(c *gin.Context) {
	status, err := h.runs.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status)
}

// Cancel godoc
// @Summary Cancel a queued or running run
// @Tags Solver
// @Produce json
// @Param id path string true "Run ID"
// @Success 202 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /runs/{id}/cancel [post]
func (h *RunHandler) Cancel(c *gin.Context) {
	status, err := h.runs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, status)
}

// Results godoc
// @Summary Get run result
// @Description Returns 202 while the run is queued or running, and the schedule or failure reason once it is finished.
// @Tags Solver
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} response.Envelope
// @Success 202 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /results/{id} [get]
func (h *RunHandler) Results(c *gin.Context) {
	result, err := h.runs.Results(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !result.Terminal() {
		response.Accepted(c, result)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

// Export godoc
// @Summary Download a run's timetable
// @Tags Solver
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Run ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /runs/{id}/export [get]
func (h *RunHandler) Export(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, err.Error()))
		return
	}
	file, err := h.exports.Export(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Payload)
}
