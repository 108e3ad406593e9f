package api

import (
	"encoding/json"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"warden/core"
)

var (
	connStringPattern = regexp.MustCompile(`(?:sqlite|redis|nats|https?)://[^\s"']+`)
	secretPattern     = regexp.MustCompile(`(?i)(password|secret|token|key|credential|auth)[:=]\s*["']?[^"'\s]+["']?`)
)

// sanitizeErrorMessage removes sensitive information from error messages before sending to clients
func sanitizeErrorMessage(message string) string {
	message = connStringPattern.ReplaceAllString(message, "[CONNECTION]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")

	// Limit message length to prevent information disclosure through verbose errors
	if len(message) > core.MaxErrorMessageLength {
		message = message[:core.MaxErrorMessageLength-3] + "..."
	}
	return message
}

// writeError writes an error response to the client and logs it with proper sanitization
func writeError(w http.ResponseWriter, statusCode int, message string, err error, logger *zap.SugaredLogger) {
	if logger != nil {
		if err != nil {
			logger.Warnw(message, "error", err.Error(), "status_code", statusCode)
		} else {
			logger.Warnw(message, "status_code", statusCode)
		}
	}
	http.Error(w, sanitizeErrorMessage(message), statusCode)
}

// writeJSON writes v as a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, v any, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Debugw("Failed to write JSON response", "error", err)
	}
}
