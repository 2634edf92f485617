package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/chatcore/pkg/branch"
	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/services"
	"github.com/codeready-toolchain/chatcore/pkg/stream"
	"github.com/codeready-toolchain/chatcore/pkg/title"
)

// HTTPError is an error response with its status code.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func newHTTPError(code int, message string) *HTTPError {
	return &HTTPError{Code: code, Message: message}
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// abort writes err as the response and stops the handler chain.
func abort(c *gin.Context, err *HTTPError) {
	c.AbortWithStatusJSON(err.Code, ErrorResponse{Error: err.Message})
}

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return newHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, branch.ErrVariantOutOfRange) {
		return newHTTPError(http.StatusBadRequest, "variant index out of range")
	}
	if errors.Is(err, services.ErrInvalidInput) {
		return newHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return newHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, branch.ErrCannotDeleteBranchPoint) {
		return newHTTPError(http.StatusConflict, "message is at a branch point and cannot be deleted")
	}
	if errors.Is(err, services.ErrChatBusy) {
		return newHTTPError(http.StatusConflict, "chat has an active streaming session")
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return newHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, services.ErrConcurrentModification) {
		return newHTTPError(http.StatusConflict, "history was modified concurrently, retry the request")
	}
	if errors.Is(err, stream.ErrShuttingDown) {
		return newHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	if errors.Is(err, config.ErrLLMProviderNotFound) {
		return newHTTPError(http.StatusBadRequest, "unknown provider")
	}
	if errors.Is(err, title.ErrNoProvider) {
		return newHTTPError(http.StatusBadRequest, "no provider available for title generation")
	}
	if errors.Is(err, title.ErrNoTitle) {
		return newHTTPError(http.StatusUnprocessableEntity, "no usable title generated")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return newHTTPError(http.StatusInternalServerError, "internal server error")
}
