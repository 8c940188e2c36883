package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers
// and matched with errors.Is across the relay and client packages.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Delivery and signaling outcomes surfaced to callers. RecipientOffline is a
// routing signal rather than a failure: send paths match on it to take the
// queue branch instead of reporting an error.
var (
	ErrDeliveryTimeout = &AppError{
		Code:       "DELIVERY_TIMEOUT",
		Message:    "Recipient did not acknowledge within the delivery window",
		StatusCode: http.StatusGatewayTimeout,
	}

	ErrRecipientOffline = &AppError{
		Code:       "RECIPIENT_OFFLINE",
		Message:    "Recipient has no live session",
		StatusCode: http.StatusOK,
	}

	ErrTransportLost = &AppError{
		Code:       "TRANSPORT_LOST",
		Message:    "Connection to the relay was lost",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrSignalingFailure = &AppError{
		Code:       "SIGNALING_FAILURE",
		Message:    "Call negotiation failed",
		StatusCode: http.StatusBadGateway,
	}

	ErrIdentityMissing = &AppError{
		Code:       "IDENTITY_MISSING",
		Message:    "No identity registered for this client",
		StatusCode: http.StatusBadRequest,
	}
)

// Errors used by the HTTP surface.
var (
	ErrInvalidCredentials = &AppError{
		Code:       "INVALID_CREDENTIALS",
		Message:    "Invalid username or password",
		StatusCode: http.StatusUnauthorized,
	}

	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
