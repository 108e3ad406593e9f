package service

import (
	"regexp"
	"strings"
)

// DefaultAlertKeywords mark a chat message as a WAF alert notification
var DefaultAlertKeywords = []string{
	"ModSecurity Alert Triggered",
	"event created high alert",
	"threshold_result",
}

var (
	alertIDPattern   = regexp.MustCompile("\\*Alert ID:\\*\\s*`([0-9a-fA-F]+)`")
	clientIPPattern  = regexp.MustCompile("Client IP:\\*?\\s*`(\\d{1,3}(?:\\.\\d{1,3}){3})`")
	bareIPv4Pattern  = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3})\b`)
	nonWordPattern   = regexp.MustCompile(`\W+`)
	bareTokenPattern = regexp.MustCompile(`^\S+`)
)

// AlertMessage is the part of an alert notification the ingestion flow needs
type AlertMessage struct {
	AlertID  string
	ClientIP string
}

// IsAlertMessage reports whether text contains one of keywords
func IsAlertMessage(text string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// ParseAlertMessage extracts the alert ID and client IP of an alert
// notification. The IP falls back to the first IPv4 address in the text.
func ParseAlertMessage(text string) (AlertMessage, bool) {
	m := alertIDPattern.FindStringSubmatch(text)
	if m == nil {
		return AlertMessage{}, false
	}
	msg := AlertMessage{AlertID: m[1]}

	if ip := clientIPPattern.FindStringSubmatch(text); ip != nil {
		msg.ClientIP = ip[1]
	} else if ip := bareIPv4Pattern.FindStringSubmatch(text); ip != nil {
		msg.ClientIP = ip[1]
	}
	if msg.ClientIP == "" {
		return AlertMessage{}, false
	}
	return msg, true
}

// NormalizeAlertID strips every non-word character from an alert ID
// typed by an operator, so "`abc-123`" becomes "abc123".
func NormalizeAlertID(raw string) string {
	return nonWordPattern.ReplaceAllString(strings.TrimSpace(raw), "")
}

// FirstToken returns the first whitespace separated token of text
func FirstToken(text string) string {
	return bareTokenPattern.FindString(strings.TrimSpace(text))
}
