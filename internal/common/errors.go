// Package common defines shared sentinel errors used across fieldsync
// components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Store-level errors.
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// Validation errors. Never retried automatically.
	ErrRecordIncomplete = errors.New("record not complete")
	ErrSurveyIncomplete = errors.New("survey not complete")
	ErrNameNotUnique    = errors.New("record name already in use")

	// Transport errors, classified from collector responses.
	ErrAuthRequired       = errors.New("authentication required")
	ErrForbidden          = errors.New("not allowed to post data to this data server")
	ErrServiceNotFound    = errors.New("submission service on data server not found")
	ErrSubmissionTooLarge = errors.New("submission is too large")
	ErrSubmissionTimeout  = errors.New("submission request timed out")
	ErrServerDown         = errors.New("data server is down")
	ErrSubmissionRejected = errors.New("data server did not accept data")
	ErrOffline            = errors.New("no connection to data server")

	// Encryption errors.
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrInvalidPublicKey = errors.New("invalid form public key")
)
