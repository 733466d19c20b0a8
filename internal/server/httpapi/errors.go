package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jia-app/eventbilling/internal/billing"
	"github.com/jia-app/eventbilling/internal/log"
	"github.com/jia-app/eventbilling/internal/repository"
	"github.com/jia-app/eventbilling/internal/subscription"
)

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}

var codeToHTTP = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.FailedPrecondition: http.StatusConflict,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
}

// httpStatus maps gRPC status errors and domain sentinels onto HTTP codes
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, subscription.ErrInvalidTransition),
		errors.Is(err, subscription.ErrRunInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, subscription.ErrPlanInactive):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, billing.ErrInvalidRequest),
		errors.Is(err, billing.ErrUnknownProvider):
		return http.StatusBadRequest, err.Error()
	}

	if st, ok := status.FromError(err); ok {
		if code, found := codeToHTTP[st.Code()]; found {
			return code, st.Message()
		}
		return http.StatusInternalServerError, st.Message()
	}
	return http.StatusInternalServerError, "internal server error"
}

func writeError(c *gin.Context, err error) {
	code, msg := httpStatus(err)
	if code >= http.StatusInternalServerError {
		log.Error(c.Request.Context(), "Request failed", zap.Error(err))
	}
	c.JSON(code, errorBody(msg))
}
