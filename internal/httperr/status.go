// Package httperr maps domain errors onto HTTP status codes.
package httperr

import (
	"net/http"

	"github.com/aristath/reconciler/internal/domain"
)

// Status returns the HTTP status for an error returned by a core operation
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsConflict(err):
		return http.StatusConflict
	case domain.IsInsufficientQuantity(err):
		return http.StatusUnprocessableEntity
	case domain.IsServiceUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the error text safe to show an operator. Storage and
// unexpected failures are reported generically.
func Message(err error) string {
	if Status(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
