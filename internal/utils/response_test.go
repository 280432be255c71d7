package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usblink-service/internal/model"
)

func respond(t *testing.T, handle gin.HandlerFunc) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/", func(c *gin.Context) {
		c.Set(RequestIDKey, "req-1")
		handle(c)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorCode
	}{
		{http.StatusBadRequest, CodeBadRequest},
		{http.StatusConflict, CodeLinkState},
		{http.StatusBadGateway, CodeDeviceIO},
		{http.StatusServiceUnavailable, CodeServiceStopped},
		{http.StatusInternalServerError, CodeInternal},
		{http.StatusTeapot, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			rec, resp := respond(t, func(c *gin.Context) {
				ErrorResponse(c, tt.status, "failed", errors.New("cause"))
			})

			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.want, resp.Error.Code)
			assert.Equal(t, "cause", resp.Error.Details)
			assert.Equal(t, "req-1", resp.RequestID)
		})
	}
}

func TestLinkErrorResponse(t *testing.T) {
	link := model.LinkStatus{State: model.LinkStateOpening, AttemptID: "attempt-9"}

	rec, resp := respond(t, func(c *gin.Context) {
		LinkErrorResponse(c, http.StatusConflict, "busy", nil, link)
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeLinkState, resp.Error.Code)
	assert.Equal(t, "attempt-9", resp.Error.AttemptID)
	assert.Equal(t, model.LinkStateOpening, resp.Error.State)
	assert.Empty(t, resp.Error.Details)
}

func TestResponsesWithoutRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/", func(c *gin.Context) { SuccessResponse(c, http.StatusOK, "ok", nil) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "request_id")
}
