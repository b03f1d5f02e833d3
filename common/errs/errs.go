// Package errs holds the error classes shared across the ingestion pipeline.
//
// Classes are cockroachdb/errors markers: wrap a cause with Mark and test it
// with errors.Is against the class sentinel. The cause chain is preserved.
package errs

import (
	"github.com/cockroachdb/errors"
)

var (
	// AuthFailure marks an inbound request whose signature or token did not verify.
	AuthFailure = errors.New("authentication failure")

	// ValidationFailure marks a malformed or incomplete event. Nothing is written.
	ValidationFailure = errors.New("validation failure")

	// DuplicateRace marks a unique-key collision on insert. The ingestion engine
	// resolves it with a lookup and never surfaces it to callers.
	DuplicateRace = errors.New("duplicate race")

	// UpstreamFetchFailure marks a failure of one repository or resource class during sync.
	UpstreamFetchFailure = errors.New("upstream fetch failure")

	// UpstreamAuthFailure marks credentials rejected for the whole connector.
	UpstreamAuthFailure = errors.New("upstream auth failure")

	// QueueExhaustion marks a poll job that ran out of attempts.
	QueueExhaustion = errors.New("queue exhaustion")

	// NotApplicable marks an optional resource class the upstream project does not have,
	// such as a missing container registry.
	NotApplicable = errors.New("not applicable")
)

// Mark tags err with class. A nil err stays nil.
func Mark(err error, class error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, class)
}

// Newf builds a fresh error already tagged with class.
func Newf(class error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), class)
}

// Wrapf annotates err with a message. err stays on the Unwrap chain, so both
// stdlib errors.Is and Is find it.
func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// Is reports whether err carries class anywhere in its chain.
func Is(err error, class error) bool {
	return errors.Is(err, class)
}

// Class returns the name of the first known class carried by err, or "unknown".
// Used as a low-cardinality label for logs and metrics.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, AuthFailure):
		return "auth_failure"
	case errors.Is(err, ValidationFailure):
		return "validation_failure"
	case errors.Is(err, DuplicateRace):
		return "duplicate_race"
	case errors.Is(err, UpstreamAuthFailure):
		return "upstream_auth_failure"
	case errors.Is(err, NotApplicable):
		return "not_applicable"
	case errors.Is(err, UpstreamFetchFailure):
		return "upstream_fetch_failure"
	case errors.Is(err, QueueExhaustion):
		return "queue_exhaustion"
	default:
		return "unknown"
	}
}
