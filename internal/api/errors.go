package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"vestnet/internal/domain"
	"vestnet/internal/money"
	"vestnet/internal/store"
)

// ErrorCode is the stable machine-readable part of an error response.
type ErrorCode string

const (
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden           ErrorCode = "FORBIDDEN"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeRateLimit           ErrorCode = "RATE_LIMIT"
	ErrCodeInternalError       ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeNotEligible         ErrorCode = "NOT_ELIGIBLE"
	ErrCodeUnknownSponsor      ErrorCode = "UNKNOWN_SPONSOR"
	ErrCodeInvalidPlacement    ErrorCode = "INVALID_PLACEMENT"
	ErrCodeOTPInvalid          ErrorCode = "OTP_INVALID"
	ErrCodeConflict            ErrorCode = "CONFLICT"
)

type APIError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

type ErrorResponse struct {
	Error   *APIError `json:"error"`
	Success bool      `json:"success"`
}

func newAPIError(code ErrorCode, msg string) *APIError {
	return &APIError{Code: code, Message: msg, Timestamp: time.Now().UTC()}
}

// classifyError maps domain failures to a code and status. Detail-carrying
// errors put their fields in Details so clients can explain the refusal.
func classifyError(err error) (*APIError, int) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, statusFor(apiErr.Code)
	}

	var (
		insufficient *domain.InsufficientBalanceError
		badAmount    *domain.InvalidAmountError
		notEligible  *domain.NotEligibleError
	)
	switch {
	case errors.As(err, &insufficient):
		e := newAPIError(ErrCodeInsufficientBalance, "insufficient balance")
		e.Details = map[string]interface{}{
			"wallet":    insufficient.Wallet,
			"requested": insufficient.Requested,
			"available": insufficient.Available,
			"needed":    insufficient.Needed(),
		}
		return e, statusFor(e.Code)
	case errors.As(err, &badAmount):
		e := newAPIError(ErrCodeInvalidAmount, "invalid amount")
		e.Details = map[string]interface{}{"amount": badAmount.Amount}
		if badAmount.Minimum > 0 {
			e.Details["minimum"] = badAmount.Minimum
		}
		if badAmount.Step > 0 {
			e.Details["step"] = badAmount.Step
		}
		return e, statusFor(e.Code)
	case errors.As(err, &notEligible):
		e := newAPIError(ErrCodeNotEligible, notEligible.Reason)
		if !notEligible.EligibleAt.IsZero() {
			e.Details = map[string]interface{}{
				"eligible_at":    notEligible.EligibleAt.UTC().Format(time.RFC3339),
				"remaining_days": notEligible.RemainingDays,
			}
		}
		return e, statusFor(e.Code)
	case errors.Is(err, money.ErrBadAmount):
		return newAPIError(ErrCodeInvalidAmount, err.Error()), http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(ErrCodeNotFound, err.Error()), http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(ErrCodeForbidden, "access denied"), http.StatusForbidden
	case errors.Is(err, domain.ErrOTPInvalid):
		return newAPIError(ErrCodeOTPInvalid, err.Error()), statusFor(ErrCodeOTPInvalid)
	case errors.Is(err, domain.ErrUnknownSponsor):
		return newAPIError(ErrCodeUnknownSponsor, err.Error()), http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidPlacement):
		return newAPIError(ErrCodeInvalidPlacement, err.Error()), http.StatusConflict
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrConcurrentModify):
		return newAPIError(ErrCodeConflict, err.Error()), http.StatusConflict
	case errors.Is(err, domain.ErrBadRequest):
		return newAPIError(ErrCodeInvalidRequest, err.Error()), http.StatusBadRequest
	case errors.Is(err, store.ErrUnavailable):
		return newAPIError(ErrCodeServiceUnavailable, "storage unavailable"), http.StatusServiceUnavailable
	default:
		return newAPIError(ErrCodeInternalError, "internal server error"), http.StatusInternalServerError
	}
}

func statusFor(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidRequest, ErrCodeInvalidAmount:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeInvalidPlacement:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeInsufficientBalance, ErrCodeNotEligible, ErrCodeUnknownSponsor, ErrCodeOTPInvalid:
		return http.StatusUnprocessableEntity
	case ErrCodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err and aborts the chain. Server-side failures are
// logged with the original error; client errors are not.
func (s *Server) respondError(c *gin.Context, err error) {
	apiErr, status := classifyError(err)
	if status >= 500 {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": c.Request.Method, "path": c.FullPath(), "status": status, "code": apiErr.Code,
		}).Error("request failed")
	}
	s.metrics.RecordError(string(apiErr.Code), c.FullPath())
	c.AbortWithStatusJSON(status, ErrorResponse{Error: apiErr})
}
