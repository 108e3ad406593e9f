package classify

import (
	"fmt"
	"strconv"
	"strings"

	"warden/core"
)

// SystemPrompt is sent as the system message of every analysis
const SystemPrompt = "You are a ModSecurity + OWASP CRS false-positive expert. " +
	"You only answer with a single JSON object."

const (
	maxBodySample    = 300
	maxMatchedSample = 3
)

var promptHeaders = []string{"Host", "Origin", "Referer", "Content-Type", "User-Agent"}

// BuildPrompt renders the user message for one alert. Only the headers and
// body prefix needed for FP analysis are included.
func BuildPrompt(alertID string, entry core.AlertLogEntry) string {
	var b strings.Builder
	b.WriteString("Analyze an alert containing multiple HTTP requests from the SAME client_ip.\n\n")
	fmt.Fprintf(&b, "AlertID: %s\n", alertID)
	fmt.Fprintf(&b, "Client IP: %s\n\n", entry.ClientIP)

	for _, r := range entry.Requests {
		method := r.Method
		if method == "" {
			method = "GET"
		}
		fmt.Fprintf(&b, "Request #%d\n", r.RequestID)
		fmt.Fprintf(&b, "URI: %s\n", r.URI)
		fmt.Fprintf(&b, "Method: %s\n", method)
		fmt.Fprintf(&b, "Rule IDs: %s\n", strings.Join(r.RuleIDs, ", "))
		if len(r.Tags) > 0 {
			fmt.Fprintf(&b, "Tags: %s\n", strings.Join(r.Tags, ", "))
		}
		for _, name := range promptHeaders {
			if v := r.Header(name); v != "" {
				fmt.Fprintf(&b, "  %s: %s\n", strings.ToLower(name), v)
			}
		}
		if body := truncateRunes(r.Body, maxBodySample); body != "" {
			fmt.Fprintf(&b, "Body sample: %s\n", body)
		}
		for i, m := range r.Data {
			if i == maxMatchedSample {
				break
			}
			fmt.Fprintf(&b, "Matched: %s\n", m)
		}
		b.WriteString("\n")
	}

	b.WriteString("Output STRICT JSON only.\n")
	b.WriteString(`{ "fp_patterns": [ { "requests": [request ids], "variable": "...", "operator": "...", ` +
		`"value": "...", "phase": 1|2, "confidence": "low|medium|high", "scope": "local|global", ` +
		`"rort": { "type": "id|tag", "values": [...] } } ], "non_fp_requests": [request ids] }`)
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// requestLabel renders the request list of a pattern for display
func requestLabel(ids []any) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		switch v := id.(type) {
		case float64:
			parts = append(parts, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
