// Package errors provides structured error handling with i18n support.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Access errors
	CodeInvalidCustomerID Code = "INVALID_CUSTOMER_ID"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodePermissionDenied  Code = "PERMISSION_DENIED"

	// Input errors
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeAttachmentTooLarge Code = "ATTACHMENT_TOO_LARGE"

	// Chat lifecycle errors
	CodeChatInvalidTransition Code = "CHAT_INVALID_TRANSITION"
	CodeChatInvalidRating     Code = "CHAT_INVALID_RATING"
	CodeChatAlreadyRated      Code = "CHAT_ALREADY_RATED"

	// Storage errors
	CodeNotFound    Code = "NOT_FOUND"
	CodeWriteFailed Code = "WRITE_FAILED"

	// Notification errors
	CodeSubscriptionResolutionFailed Code = "SUBSCRIPTION_RESOLUTION_FAILED"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// BadRequest - validation failures, bad input
	case CodeInvalidArgument,
		CodeChatInvalidRating:
		return http.StatusBadRequest

	case CodeAttachmentTooLarge:
		return http.StatusRequestEntityTooLarge

	case CodeUnauthenticated:
		return http.StatusUnauthorized

	case CodeInvalidCustomerID,
		CodePermissionDenied:
		return http.StatusForbidden

	case CodeNotFound:
		return http.StatusNotFound

	// Conflict - state doesn't allow operation
	case CodeChatInvalidTransition,
		CodeChatAlreadyRated:
		return http.StatusConflict

	case CodeWriteFailed,
		CodeSubscriptionResolutionFailed:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may reasonably resubmit the same request.
func (c Code) Retryable() bool {
	switch c {
	case CodeWriteFailed, CodeSubscriptionResolutionFailed:
		return true
	default:
		return false
	}
}
