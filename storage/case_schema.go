package storage

import (
	"bytes"
	"encoding/json"
	"time"

	"warden/core"
)

// storedCase is the permissive on-disk form of a case. Every field is
// optional so documents written by older versions still decode.
type storedCase struct {
	CaseID    *string         `json:"case_id"`
	Status    *string         `json:"status"`
	Alerts    json.RawMessage `json:"alerts"`
	CreatedAt *string         `json:"created_at"`
	ClosedAt  *string         `json:"closed_at"`
}

// timestamp layouts seen in case documents, newest first
var caseTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// normalizeCases heals one IP's entry: a single object becomes a
// one-element list, anything that is not a list becomes empty, and
// missing fields get their defaults (empty case ID, open, no alerts,
// created now, not closed).
func normalizeCases(raw json.RawMessage, now time.Time) []core.Case {
	raw = bytes.TrimSpace(raw)

	var items []json.RawMessage
	switch {
	case len(raw) > 0 && raw[0] == '{':
		items = []json.RawMessage{raw}
	case len(raw) > 0 && raw[0] == '[':
		if err := json.Unmarshal(raw, &items); err != nil {
			return []core.Case{}
		}
	default:
		return []core.Case{}
	}

	out := make([]core.Case, 0, len(items))
	for _, item := range items {
		var sc storedCase
		if err := json.Unmarshal(item, &sc); err != nil {
			continue
		}
		out = append(out, sc.toCase(now))
	}
	return out
}

func (sc storedCase) toCase(now time.Time) core.Case {
	c := core.Case{
		Status:    core.CaseStatusOpen,
		Alerts:    []string{},
		CreatedAt: now,
	}
	if sc.CaseID != nil {
		c.CaseID = *sc.CaseID
	}
	if sc.Status != nil && *sc.Status != "" {
		c.Status = core.CaseStatus(*sc.Status)
	}
	if len(sc.Alerts) > 0 {
		var alerts []string
		if err := json.Unmarshal(sc.Alerts, &alerts); err == nil && alerts != nil {
			c.Alerts = dedupeAlerts(alerts)
		}
	}
	if sc.CreatedAt != nil {
		if t, ok := parseCaseTime(*sc.CreatedAt); ok {
			c.CreatedAt = t
		}
	}
	if sc.ClosedAt != nil {
		if t, ok := parseCaseTime(*sc.ClosedAt); ok {
			c.ClosedAt = &t
		}
	}
	return c
}

func parseCaseTime(s string) (time.Time, bool) {
	for _, layout := range caseTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// dedupeAlerts keeps the first occurrence of every alert ID
func dedupeAlerts(alerts []string) []string {
	seen := make(map[string]struct{}, len(alerts))
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
