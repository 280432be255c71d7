// internal/utils/response.go
package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"usblink-service/internal/model"
)

// RequestIDKey is the gin context key holding the request ID
const RequestIDKey = "request_id"

// ErrorCode classifies a failed API call
type ErrorCode string

const (
	CodeBadRequest     ErrorCode = "BAD_REQUEST"
	CodeValidation     ErrorCode = "VALIDATION_ERROR"
	CodeLinkState      ErrorCode = "LINK_STATE_CONFLICT"
	CodeDeviceIO       ErrorCode = "DEVICE_IO_ERROR"
	CodeServiceStopped ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInternal       ErrorCode = "INTERNAL_SERVER_ERROR"
)

// APIResponse represents standard API response structure
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError represents error information. Link errors carry the attempt and
// state the request collided with.
type APIError struct {
	Code      ErrorCode       `json:"code"`
	Message   string          `json:"message"`
	Details   string          `json:"details,omitempty"`
	AttemptID string          `json:"attempt_id,omitempty"`
	State     model.LinkState `json:"state,omitempty"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: c.GetString(RequestIDKey),
	})
}

// ErrorResponse sends an error response
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	c.JSON(statusCode, errorBody(c, statusCode, message, err))
}

// LinkErrorResponse sends an error response annotated with the link's attempt and state
func LinkErrorResponse(c *gin.Context, statusCode int, message string, err error, link model.LinkStatus) {
	body := errorBody(c, statusCode, message, err)
	body.Error.AttemptID = link.AttemptID
	body.Error.State = link.State
	c.JSON(statusCode, body)
}

// ValidationErrorResponse sends validation error response
func ValidationErrorResponse(c *gin.Context, errors map[string]string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Message: "Validation failed",
		Error: &APIError{
			Code:    CodeValidation,
			Message: "Request validation failed",
		},
		Data:      gin.H{"validation_errors": errors},
		Timestamp: time.Now(),
		RequestID: c.GetString(RequestIDKey),
	})
}

func errorBody(c *gin.Context, statusCode int, message string, err error) APIResponse {
	apiError := &APIError{
		Code:    errorCode(statusCode),
		Message: message,
	}
	if err != nil {
		apiError.Details = err.Error()
	}

	return APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: c.GetString(RequestIDKey),
	}
}

// errorCode maps the statuses the link API answers with
func errorCode(statusCode int) ErrorCode {
	switch statusCode {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusConflict:
		return CodeLinkState
	case http.StatusBadGateway:
		return CodeDeviceIO
	case http.StatusServiceUnavailable:
		return CodeServiceStopped
	default:
		return CodeInternal
	}
}
