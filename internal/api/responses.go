package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/autoheal/internal/middleware"
	"github.com/NikhilSetiya/autoheal/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func respond(c *gin.Context, status int, response APIResponse) {
	response.RequestID = middleware.GetRequestID(c)
	response.Timestamp = time.Now()
	c.JSON(status, response)
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, APIResponse{Success: true, Data: data})
}

// CreatedResponse sends a 201 Created response
func CreatedResponse(c *gin.Context, data interface{}) {
	respond(c, http.StatusCreated, APIResponse{Success: true, Data: data})
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		_ = c.Error(err)
		respond(c, http.StatusInternalServerError, APIResponse{
			Error: &APIError{
				Code:    "INTERNAL_ERROR",
				Message: "An internal error occurred",
			},
		})
		return
	}

	status := errors.HTTPStatus(appErr)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	apiError := &APIError{
		Code:    appErr.Code,
		Message: appErr.Message,
	}
	if len(appErr.Details) > 0 {
		apiError.Details = make(map[string]interface{}, len(appErr.Details))
		for k, v := range appErr.Details {
			apiError.Details[k] = v
		}
	}

	respond(c, status, APIResponse{Error: apiError})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, APIResponse{
		Error: &APIError{
			Code:    "BAD_REQUEST",
			Message: message,
		},
	})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, APIResponse{
		Error: &APIError{
			Code:    "NOT_FOUND",
			Message: message,
		},
	})
}

// ServiceUnavailableResponse reports an optional backend that is not configured
func ServiceUnavailableResponse(c *gin.Context, message string) {
	respond(c, http.StatusServiceUnavailable, APIResponse{
		Error: &APIError{
			Code:    "SERVICE_UNAVAILABLE",
			Message: message,
		},
	})
}
