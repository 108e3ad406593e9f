package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies operator input errors
type ErrorKind string

const (
	ErrMissingFields      ErrorKind = "MissingFields"
	ErrInvalidEnum        ErrorKind = "InvalidEnum"
	ErrInvalidVariable    ErrorKind = "InvalidVariable"
	ErrInvalidTarget      ErrorKind = "InvalidTarget"
	ErrInvalidSelector    ErrorKind = "InvalidSelector"
	ErrMixedSelectorTypes ErrorKind = "MixedSelectorTypes"
	ErrEmptySelector      ErrorKind = "EmptySelector"
	ErrConflictingFields  ErrorKind = "ConflictingFields"
	ErrInvalidPattern     ErrorKind = "InvalidPattern"
)

// CommandError is a user-input error. It is reported verbatim to the
// operator and never logged as a system fault.
type CommandError struct {
	Kind    ErrorKind
	Fields  []string
	Value   string
	Message string
}

// Error implements error
func (e *CommandError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case ErrMissingFields:
		return fmt.Sprintf("missing required flags: %s", strings.Join(e.Fields, ", "))
	case ErrConflictingFields:
		return fmt.Sprintf("exactly one of %s must be given", strings.Join(e.Fields, " or "))
	default:
		return fmt.Sprintf("%s: %q", e.Kind, e.Value)
	}
}

// Is matches any CommandError of the same kind, so callers can write
// errors.Is(err, &CommandError{Kind: ErrEmptySelector}).
func (e *CommandError) Is(target error) bool {
	var t *CommandError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// NewCommandError builds a CommandError for a single offending value
func NewCommandError(kind ErrorKind, field, value, message string) *CommandError {
	return &CommandError{Kind: kind, Fields: []string{field}, Value: value, Message: message}
}

// CommandErrorKind returns the kind of a CommandError in err's chain
func CommandErrorKind(err error) (ErrorKind, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// DeploymentError carries the stage and message reported by the WAF control API
type DeploymentError struct {
	Stage   string
	Message string
}

// Error implements error
func (e *DeploymentError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("deployment failed at stage %s", e.Stage)
	}
	return fmt.Sprintf("deployment failed at stage %s: %s", e.Stage, e.Message)
}

var (
	// ErrBackendUnavailable wraps every failed call to the external case backend
	ErrBackendUnavailable = errors.New("case backend unavailable")

	// ErrNotFound is returned when an alert or case does not exist
	ErrNotFound = errors.New("not found")
)
