package core

import "strings"

// Request is one HTTP request recorded against an alert
type Request struct {
	RequestID int      `json:"request_id"`
	URI       string   `json:"uri"`
	Method    string   `json:"method,omitempty"`
	Headers   []string `json:"request_headers"`
	Body      string   `json:"request_body"`
	RuleIDs   []string `json:"rule_id"`
	Data      []string `json:"data"`
	Tags      []string `json:"tags,omitempty"`
	Match     []string `json:"match,omitempty"`
	Score     *float64 `json:"score,omitempty"`

	// Payload fields are only used for display and are not persisted
	PayloadLocation string `json:"-"`
	PayloadDecoded  string `json:"-"`
}

// Header returns the first header value with the given name (case-insensitive).
// Headers are stored as "Name: value" lines.
func (r Request) Header(name string) string {
	for _, h := range r.Headers {
		k, v, ok := strings.Cut(h, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// AlertLogEntry is the persisted request log of one alert
type AlertLogEntry struct {
	ClientIP string      `json:"client_ip"`
	Requests []Request   `json:"requests"`
	Status   AlertStatus `json:"status,omitempty"`
}

// IsFalsePositive reports whether the entry was reclassified by an operator
func (e AlertLogEntry) IsFalsePositive() bool {
	return e.Status.IsFalsePositive()
}

// Clone returns a deep copy so callers never share slices with a store
func (e AlertLogEntry) Clone() AlertLogEntry {
	out := e
	if e.Requests != nil {
		out.Requests = make([]Request, len(e.Requests))
		for i, r := range e.Requests {
			out.Requests[i] = r.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the request
func (r Request) Clone() Request {
	out := r
	out.Headers = cloneStrings(r.Headers)
	out.RuleIDs = cloneStrings(r.RuleIDs)
	out.Data = cloneStrings(r.Data)
	out.Tags = cloneStrings(r.Tags)
	out.Match = cloneStrings(r.Match)
	if r.Score != nil {
		s := *r.Score
		out.Score = &s
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
