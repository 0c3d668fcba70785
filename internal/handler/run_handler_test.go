package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-solver/internal/dto"
	"github.com/noah-isme/timetable-solver/internal/models"
	"github.com/noah-isme/timetable-solver/internal/service"
	appErrors "github.com/noah-isme/timetable-solver/pkg/errors"
	"github.com/noah-isme/timetable-solver/pkg/export"
)

type runManagerMock struct {
	captured  dto.SolveRequest
	submitErr error
	status    *dto.RunStatusResponse
	statusErr error
	result    *dto.RunResultResponse
	resultErr error
}

func (m *runManagerMock) Submit(ctx context.Context, req dto.SolveRequest) (*dto.SolveResponse, error) {
	m.captured = req
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &dto.SolveResponse{RunID: "run-1", Status: models.RunStatusQueued}, nil
}

func (m *runManagerMock) Status(ctx context.Context, id string) (*dto.RunStatusResponse, error) {
	return m.status, m.statusErr
}

func (m *runManagerMock) Cancel(ctx context.Context, id string) (*dto.RunStatusResponse, error) {
	return m.status, m.statusErr
}

func (m *runManagerMock) Results(ctx context.Context, id string) (*dto.RunResultResponse, error) {
	return m.result, m.resultErr
}

type exporterMock struct {
	format export.Format
	file   *service.ExportFile
	err    error
}

func (m *exporterMock) Export(ctx context.Context, runID string, format export.Format) (*service.ExportFile, error) {
	m.format = format
	return m.file, m.err
}

func newRunRouter(runs runManager, exports scheduleExporter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := &RunHandler{runs: runs, exports: exports}
	r := gin.New()
	r.POST("/solve", h.Solve)
	r.GET("/runs/:id", h.Status)
	r.POST("/runs/:id/cancel", h.Cancel)
	r.GET("/results/:id", h.Results)
	r.GET("/runs/:id/export", h.Export)
	return r
}

func serve(r *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRunHandlerSolveAccepted(t *testing.T) {
	mock := &runManagerMock{}
	r := newRunRouter(mock, &exporterMock{})

	body := []byte(`{"projectId":"project-1","weights":{"teacher_idle":2},"seed":9}`)
	w := serve(r, http.MethodPost, "/solve", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "project-1", mock.captured.ProjectID)
	require.NotNil(t, mock.captured.Seed)
	assert.Equal(t, int64(9), *mock.captured.Seed)

	var envelope struct {
		Data dto.SolveResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, "run-1", envelope.Data.RunID)
}

func TestRunHandlerSolveRejectsBadPayload(t *testing.T) {
	r := newRunRouter(&runManagerMock{}, &exporterMock{})
	w := serve(r, http.MethodPost, "/solve", []byte(`{"projectId":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r = newRunRouter(&runManagerMock{submitErr: appErrors.Clone(appErrors.ErrInvalidWeights, "unknown objective")}, &exporterMock{})
	w = serve(r, http.MethodPost, "/solve", []byte(`{"projectId":"p","weights":{"x":1}}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_WEIGHTS")
}

func TestRunHandlerResultsStatusCodes(t *testing.T) {
	mock := &runManagerMock{result: &dto.RunResultResponse{RunID: "run-1", State: dto.RunResultPending, Status: models.RunStatusRunning}}
	r := newRunRouter(mock, &exporterMock{})

	w := serve(r, http.MethodGet, "/results/run-1", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	mock.result = &dto.RunResultResponse{RunID: "run-1", State: dto.RunResultSucceeded, Status: models.RunStatusSucceeded}
	w = serve(r, http.MethodGet, "/results/run-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	mock.result, mock.resultErr = nil, appErrors.Clone(appErrors.ErrNotFound, "run not found")
	w = serve(r, http.MethodGet, "/results/run-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunHandlerStatusAndCancel(t *testing.T) {
	mock := &runManagerMock{status: &dto.RunStatusResponse{RunID: "run-1", Status: models.RunStatusQueued}}
	r := newRunRouter(mock, &exporterMock{})

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/runs/run-1", nil).Code)
	assert.Equal(t, http.StatusAccepted, serve(r, http.MethodPost, "/runs/run-1/cancel", nil).Code)

	mock.status, mock.statusErr = nil, appErrors.Clone(appErrors.ErrConflict, "run already finished")
	assert.Equal(t, http.StatusConflict, serve(r, http.MethodPost, "/runs/run-1/cancel", nil).Code)
}

func TestRunHandlerExport(t *testing.T) {
	exporter := &exporterMock{file: &service.ExportFile{Filename: "timetable-run-1.pdf", ContentType: "application/pdf", Payload: []byte("%PDF-1.3")}}
	r := newRunRouter(&runManagerMock{}, exporter)

	w := serve(r, http.MethodGet, "/runs/run-1/export?format=pdf", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, export.FormatPDF, exporter.format)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "timetable-run-1.pdf")

	w = serve(r, http.MethodGet, "/runs/run-1/export?format=xlsx", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	exporter.err = appErrors.ErrRunPending
	w = serve(r, http.MethodGet, "/runs/run-1/export", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "RUN_PENDING")
}
