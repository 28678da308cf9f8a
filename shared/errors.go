package shared

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError carries an HTTP status alongside the failure so the single
// error handler in the HTTP service can map it without per-handler policy.
type AppError struct {
	StatusCode int
	Message    string
	Data       interface{}
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(statusCode int, message string, err error) *AppError {
	return &AppError{StatusCode: statusCode, Message: message, Err: err}
}

func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Webhook pipeline failure taxonomy. Signature failures are the
// authentication boundary and are always a hard 400.
func ErrInvalidSignature(err error) *AppError {
	return NewAppError(http.StatusBadRequest, "Invalid webhook signature", err)
}

func ErrMalformedPayload(err error) *AppError {
	return NewAppError(http.StatusBadRequest, "Malformed event payload", err)
}

func ErrAccountNotFound(identifier string) *AppError {
	return &AppError{
		StatusCode: http.StatusNotFound,
		Message:    "Account not found",
		Data:       map[string]interface{}{"identifier": identifier},
	}
}

func ErrRateLimited(message string, data interface{}) *AppError {
	return &AppError{StatusCode: http.StatusTooManyRequests, Message: message, Data: data}
}

// ErrUpstreamTimeout marks a metadata-expansion call that ran out of
// budget. It never reaches the webhook response; the fulfillment engine
// converts it into a fallback-path attempt.
func ErrUpstreamTimeout(err error) *AppError {
	return NewAppError(http.StatusGatewayTimeout, "Payment processor timed out", err)
}
