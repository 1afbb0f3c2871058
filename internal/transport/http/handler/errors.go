package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"alphachat/internal/app"
	"alphachat/internal/transport/http/middleware"
	"alphachat/internal/transport/http/response"
)

type apiError struct {
	status  int
	code    int
	message string
}

// classify maps service errors to an HTTP status and business code. Unknown errors become
// fallback with a 500.
func classify(err error, fallback string) apiError {
	switch {
	case errors.Is(err, app.ErrInvalidInput),
		errors.Is(err, app.ErrMessageEmpty),
		errors.Is(err, app.ErrInvalidMode),
		errors.Is(err, app.ErrInvalidPayload):
		return apiError{http.StatusBadRequest, response.CodeBadRequest, err.Error()}
	case errors.Is(err, app.ErrInvalidSignature):
		return apiError{http.StatusBadRequest, response.CodeInvalidSignature, "signature verification failed"}
	case errors.Is(err, app.ErrEmailExists):
		return apiError{http.StatusBadRequest, response.CodeEmailExists, err.Error()}
	case errors.Is(err, app.ErrUnauthenticated):
		return apiError{http.StatusUnauthorized, response.CodeUnauthorized, err.Error()}
	case errors.Is(err, app.ErrInvalidCredential):
		return apiError{http.StatusUnauthorized, response.CodeInvalidCredentials, err.Error()}
	case errors.Is(err, app.ErrQuotaExceeded):
		return apiError{http.StatusForbidden, response.CodeQuotaExceeded, "free alpha quota exhausted, upgrade to premium to continue"}
	case errors.Is(err, app.ErrSessionNotFound):
		return apiError{http.StatusNotFound, response.CodeSessionNotFound, err.Error()}
	case errors.Is(err, app.ErrRateLimited):
		return apiError{http.StatusTooManyRequests, response.CodeRateLimited, "too many requests, slow down"}
	case errors.Is(err, app.ErrStreamCanceled):
		return apiError{499, response.CodeStreamCanceled, "stream canceled"}
	case errors.Is(err, app.ErrUpstreamError):
		return apiError{http.StatusBadGateway, response.CodeUpstreamError, "ai stream interrupted"}
	case errors.Is(err, app.ErrUpstreamUnavailable):
		return apiError{http.StatusServiceUnavailable, response.CodeUpstreamUnavailable, "ai is not available right now"}
	case errors.Is(err, app.ErrPersistenceUnavailable):
		return apiError{http.StatusServiceUnavailable, response.CodePersistenceUnavailable, "storage is not available right now"}
	case errors.Is(err, app.ErrBillingUnavailable):
		return apiError{http.StatusServiceUnavailable, response.CodeBillingUnavailable, err.Error()}
	default:
		return apiError{http.StatusInternalServerError, response.CodeInternalServer, fallback}
	}
}

func writeError(c *gin.Context, err error, fallback string) {
	e := classify(err, fallback)
	response.Error(c, e.status, e.code, e.message)
}

func requireUser(c *gin.Context) (uint, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
	}
	return userID, ok
}
