package httpgin

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/tix-rush/internal/domain"
	"github.com/kirinyoku/tix-rush/internal/service/admission"
)

const codeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case domain.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeDuplicate, domain.CodeContention, domain.CodeRequestIDConflict:
		return http.StatusConflict
	case domain.CodeSoldOut:
		return http.StatusGone
	case domain.CodeInvalidRequest, domain.CodeInvalidSignature, domain.CodeStaleRequest:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(c *gin.Context, err error) {
	code := domain.CodeOf(err)
	status := statusFor(code)

	var rej *admission.Rejection
	if errors.As(err, &rej) && rej.Decision.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rej.Decision.RetryAfter.Seconds()))))
	} else if domain.Retryable(code) {
		c.Header("Retry-After", "1")
	}

	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		Code:      string(code),
		Message:   domain.MessageOf(err),
		RequestID: c.GetString(ctxRequestID),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Code:      string(domain.CodeInvalidRequest),
		Message:   msg,
		RequestID: c.GetString(ctxRequestID),
	})
}
