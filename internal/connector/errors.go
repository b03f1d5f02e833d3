package connector

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"painchain.app/ingest/common/errs"
)

// classify marks an upstream error by HTTP status. status is 0 when no response arrived.
//
// 404 means the resource does not exist for this repository. On optional classes
// (registry, deployments, workflow runs) 403 means the feature is turned off.
// Both are NotApplicable and not counted as failures.
func classify(err error, status int, optional bool, format string, args ...any) error {
	wrapped := errors.Wrapf(err, format, args...)
	switch {
	case status == http.StatusNotFound:
		return errs.Mark(wrapped, errs.NotApplicable)
	case optional && status == http.StatusForbidden:
		return errs.Mark(wrapped, errs.NotApplicable)
	case status == http.StatusUnauthorized:
		return errs.Mark(wrapped, errs.UpstreamAuthFailure)
	default:
		return errs.Mark(wrapped, errs.UpstreamFetchFailure)
	}
}

// topLevelFailure turns a credential or connectivity error into a failed sync.
func topLevelFailure(err error) SyncResult {
	return SyncResult{Success: false, Error: err.Error()}
}
