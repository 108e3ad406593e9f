package core

import "strings"

// AlertStatus represents the triage status of an alert log entry
type AlertStatus string

const (
	// AlertStatusActive is the default status of an ingested alert
	AlertStatusActive AlertStatus = "active"
	// AlertStatusFalsePositive marks an alert reclassified by an operator
	AlertStatusFalsePositive AlertStatus = "FP"
)

// String returns the string representation
func (s AlertStatus) String() string {
	return string(s)
}

// IsFalsePositive reports whether the status is the false-positive marker.
// Older documents stored the marker in lower case.
func (s AlertStatus) IsFalsePositive() bool {
	return strings.EqualFold(string(s), string(AlertStatusFalsePositive))
}

// CaseStatus represents the lifecycle state of a case
type CaseStatus string

const (
	// CaseStatusOpen is the initial state of every case
	CaseStatusOpen CaseStatus = "open"
	// CaseStatusClosed is terminal
	CaseStatusClosed CaseStatus = "closed"
)

// String returns the string representation
func (s CaseStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s CaseStatus) IsValid() bool {
	switch s {
	case CaseStatusOpen, CaseStatusClosed:
		return true
	default:
		return false
	}
}

// Deployment stage labels produced locally rather than by the WAF.
const (
	StageRequestFailed = "request_failed"
	StageUnknown       = "unknown"
)

// DeployTimestampLayout is the layout of DeployOutcome.Timestamp
const DeployTimestampLayout = "2006-01-02 15:04:05"

// FallbackMatchPattern replaces a match value that sanitizes to nothing
const FallbackMatchPattern = "fp-pattern"

// MaxErrorMessageLength caps backend error text echoed to operators
const MaxErrorMessageLength = 500
