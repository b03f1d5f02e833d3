package service

import (
	"github.com/cockroachdb/errors"

	"painchain.app/ingest/common/errs"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")

	ErrProviderMismatch = errs.Mark(errors.New("connection belongs to another provider"), errs.ValidationFailure)

	ErrSecretNotConfigured = errs.Mark(errors.New("connection has no webhook secret"), errs.ValidationFailure)
)
