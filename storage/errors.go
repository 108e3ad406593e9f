package storage

import "errors"

// Storage error constants
var (
	// ErrAlertNotFound is returned when an alert log entry does not exist
	ErrAlertNotFound = errors.New("alert not found")

	// ErrCaseNotFound is returned when an IP has no case matching the request
	ErrCaseNotFound = errors.New("case not found")

	// ErrCaseAlreadyOpen is returned when creating a case for an IP that
	// already has an open one
	ErrCaseAlreadyOpen = errors.New("ip already has an open case")

	// ErrEmptyKey is returned when an alert ID or IP is empty
	ErrEmptyKey = errors.New("empty key")

	// ErrInvalidStatus is returned for an unknown case status
	ErrInvalidStatus = errors.New("invalid case status")
)
