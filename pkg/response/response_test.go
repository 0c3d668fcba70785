package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/timetable-solver/pkg/errors"
)

func newContext() (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	return c, w
}

func TestErrorUsesTypedStatus(t *testing.T) {
	c, w := newContext()
	c.Writer.Header().Set("X-Request-ID", "req-1")
	Error(c, appErrors.Clone(appErrors.ErrNotFound, "run not found"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	var env struct {
		Error appErrors.Error        `json:"error"`
		Meta  map[string]interface{} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
	assert.Equal(t, "run not found", env.Error.Message)
	assert.Equal(t, "req-1", env.Meta["requestId"])
}

func TestErrorWrapsUnknown(t *testing.T) {
	c, w := newContext()
	Error(c, errors.New("db down"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Len(t, c.Errors, 1)
}

func TestAccepted(t *testing.T) {
	c, w := newContext()
	Accepted(c, map[string]string{"status": "QUEUED"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"data":{"status":"QUEUED"}}`, w.Body.String())
}

func TestAttachment(t *testing.T) {
	c, w := newContext()
	Attachment(c, "run.csv", "text/csv", []byte("a,b\n"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="run.csv"`)
	assert.Equal(t, "a,b\n", w.Body.String())
}
