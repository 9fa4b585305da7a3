package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"uniconvert/internal/apperr"
	"uniconvert/internal/logging"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindDetectionFailed:       http.StatusUnprocessableEntity,
	apperr.KindUnsupportedConversion: http.StatusBadRequest,
	apperr.KindSessionNotFound:       http.StatusNotFound,
	apperr.KindFileNotFound:          http.StatusNotFound,
	apperr.KindEngineUnavailable:     http.StatusServiceUnavailable,
	apperr.KindConversionFailed:      http.StatusUnprocessableEntity,
	apperr.KindPayloadTooLarge:       http.StatusRequestEntityTooLarge,
	apperr.KindInternal:              http.StatusInternalServerError,
	apperr.KindInvalidRequest:        http.StatusBadRequest,
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func errorBody(e *apperr.Error) gin.H {
	return gin.H{
		"success": false,
		"error":   gin.H{"kind": e.Kind, "message": e.Message},
	}
}

// respondError writes the structured failure body. Unclassified errors are
// logged and reported with a generic message.
func respondError(c *gin.Context, log *logging.Logger, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		err = apperr.Wrap(apperr.KindPayloadTooLarge, err, "request exceeds %d bytes", tooLarge.Limit)
	}
	e := apperr.As(err)
	if e.Kind == apperr.KindInternal {
		log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
	}
	c.JSON(statusFor(e.Kind), errorBody(e))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody(apperr.New(apperr.KindInvalidRequest, "%s", message)))
}
