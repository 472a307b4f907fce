// Package errors provides structured error handling for parcel operations.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Request errors
	CodeBadRequest   Code = "BAD_REQUEST"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"

	// Record errors
	CodeNotFound Code = "NOT_FOUND"
	CodeGone     Code = "GONE"
	CodeConflict Code = "CONFLICT"

	// Collaborator errors
	CodeGatewayFailure Code = "GATEWAY_FAILURE"
	CodeStorageFailure Code = "STORAGE_FAILURE"

	// CodeInconsistentState signals that a compensating record operation
	// failed after a blob-store failure: the parcel triple no longer holds
	// and out-of-band reconciliation is needed. It must never be collapsed
	// into CodeStorageFailure.
	CodeInconsistentState Code = "INCONSISTENT_STATE"
)

// HTTPStatus maps domain codes to HTTP status codes. CodeStorageFailure and
// CodeInconsistentState share a status; callers distinguish them by the code
// carried in the response body.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeGone:
		return http.StatusGone
	case CodeConflict:
		return http.StatusConflict
	case CodeGatewayFailure:
		return http.StatusBadGateway
	case CodeStorageFailure, CodeInconsistentState:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
