package handler

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"painchain.app/ingest/common/errs"
	"painchain.app/ingest/internal/service"
)

// ErrorStatus maps a service error to the HTTP status returned to the caller.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrConnectionNotFound):
		return http.StatusNotFound
	case errs.Is(err, errs.AuthFailure):
		return http.StatusUnauthorized
	case errs.Is(err, errs.ValidationFailure):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrorMessage is the client-facing text for err. Internal failures are not described.
func ErrorMessage(err error) string {
	switch ErrorStatus(err) {
	case http.StatusNotFound:
		return "connection not found"
	case http.StatusUnauthorized:
		return "invalid signature"
	case http.StatusBadRequest:
		return err.Error()
	default:
		return "internal server error"
	}
}
