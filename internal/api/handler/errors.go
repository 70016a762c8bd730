package handler

import (
	"errors"
	"net/http"

	"github.com/evident-proof/evident/internal/agreement"
	"github.com/evident-proof/evident/internal/model"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func errorBody(code, message string, retryable bool) gin.H {
	return gin.H{"error": gin.H{
		"code":      code,
		"message":   message,
		"retryable": retryable,
	}}
}

// statusFor maps an error in the model taxonomy to an HTTP status.
func statusFor(err error) int {
	var (
		dup      *model.DuplicateEvidenceKeyError
		invalid  *model.ValidationError
		notFound *model.NotFoundError
		balance  *model.InsufficientBalanceError
		final    *model.CertificateAlreadyFinalizedError
		resubmit *model.DuplicateSubmissionError
		pending  *model.AnchoringPendingError
	)
	switch {
	case errors.Is(err, agreement.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &dup):
		return http.StatusConflict
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &balance):
		return http.StatusPaymentRequired
	case errors.As(err, &final), errors.As(err, &resubmit), errors.As(err, &pending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error envelope. Internal errors are logged and
// their text withheld.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusFor(err)
	code := model.CodeOf(err)
	retryable := model.KindOf(err) == model.KindRetryable
	msg := err.Error()

	switch status {
	case http.StatusUnauthorized:
		code, retryable = "unauthorized", false
	case http.StatusInternalServerError:
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		msg = "internal error"
	}
	if status < http.StatusInternalServerError && retryable {
		c.Header("Retry-After", "30")
	}
	c.AbortWithStatusJSON(status, errorBody(code, msg, retryable))
}
