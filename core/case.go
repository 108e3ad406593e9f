package core

import (
	"slices"
	"time"
)

// Case groups the alerts of one source IP until it is closed
type Case struct {
	// CaseID is assigned by the external case backend. It may be empty
	// when the backend could not create the case; such a case still
	// accepts alerts.
	CaseID    string     `json:"case_id"`
	Status    CaseStatus `json:"status"`
	Alerts    []string   `json:"alerts"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at"`
}

// IsOpen reports whether the case is still open
func (c Case) IsOpen() bool {
	return c.Status == CaseStatusOpen
}

// HasAlert reports whether alertID is attached to the case
func (c Case) HasAlert(alertID string) bool {
	return slices.Contains(c.Alerts, alertID)
}

// Clone returns a deep copy of the case
func (c Case) Clone() Case {
	out := c
	out.Alerts = cloneStrings(c.Alerts)
	if c.Alerts == nil {
		out.Alerts = []string{}
	}
	if c.ClosedAt != nil {
		t := *c.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

// LastAlerts returns up to n of the most recently attached alerts
func (c Case) LastAlerts(n int) []string {
	if len(c.Alerts) <= n {
		return c.Alerts
	}
	return c.Alerts[len(c.Alerts)-n:]
}

// OpenCase pairs an open case with the IP that owns it
type OpenCase struct {
	IP   string `json:"ip"`
	Case Case   `json:"case"`
}

// DetachResult reports what a false-positive detach changed
type DetachResult struct {
	Detached   int `json:"detached"`
	AutoClosed int `json:"auto_closed"`
	// AutoClosedCaseIDs lists the backend IDs of auto-closed cases
	AutoClosedCaseIDs []string `json:"auto_closed_case_ids,omitempty"`
}

// CaseEventType names a case lifecycle event
type CaseEventType string

const (
	CaseEventOpened      CaseEventType = "case.opened"
	CaseEventClosed      CaseEventType = "case.closed"
	CaseEventAlertMarked CaseEventType = "alert.fp"
)

// CaseEvent is published when a case or alert changes state
type CaseEvent struct {
	Type     CaseEventType `json:"type"`
	IP       string        `json:"ip,omitempty"`
	CaseID   string        `json:"case_id,omitempty"`
	AlertID  string        `json:"alert_id,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Occurred time.Time     `json:"occurred_at"`
}
