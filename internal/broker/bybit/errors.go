package bybit

import (
	"errors"
	"fmt"
	"net/http"

	boterrors "github.com/ducminhle1904/multi-strategy-bot/internal/errors"
)

// APIError is a Bybit API-level failure, carrying the venue's ret code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit API error %d: %s", e.Code, e.Message)
}

// Bybit V5 ret codes this gateway reacts to.
const (
	errCodeInvalidAPIKey       = 10003
	errCodeInvalidSignature    = 10004
	errCodeInvalidTimestamp    = 10005
	errCodeRateLimitExceeded   = 10006
	errCodeOrderNotFound       = 110001
	errCodeInvalidOrderType    = 110004
	errCodeInsufficientBalance = 110007
	errCodeSymbolNotFound      = 110009
	errCodeInvalidQuantity     = 110020
	errCodeInvalidPrice        = 110021
	errCodeMarketClosed        = 110043
)

// apiError converts a non-zero ret code into an APIError, nil otherwise.
func apiError(retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}
	return &APIError{Code: retCode, Message: retMsg}
}

// isRetryable reports whether an error is transient: rate limiting and
// server-side 5xx codes are worth another attempt, everything else is not.
func isRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case errCodeRateLimitExceeded,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isOrderRejection reports whether an error means the venue refused this
// particular order rather than failing the call. Rejections become REJECTED
// order results instead of errors so the run can finish its accounting.
func isOrderRejection(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case errCodeInsufficientBalance,
		errCodeInvalidOrderType,
		errCodeInvalidQuantity,
		errCodeInvalidPrice,
		errCodeSymbolNotFound,
		errCodeMarketClosed:
		return true
	}
	return false
}

// IsAuthError reports whether the error is a credential problem. Auth
// failures will fail every subsequent call the same way, so classify treats
// them as fatal rather than as per-order trouble.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case errCodeInvalidAPIKey, errCodeInvalidSignature, errCodeInvalidTimestamp:
		return true
	}
	return false
}

// classify wraps a venue error in its taxonomy category at the gateway
// boundary, so callers apply the fatal/local policy without knowing venue
// ret codes.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if IsAuthError(err) {
		return boterrors.WrapError(err, boterrors.ErrorCategoryCredentials, "bybit", operation)
	}
	return boterrors.CategorizeError(err, "bybit", operation)
}
