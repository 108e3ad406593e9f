package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxRequestBody bounds chat platform payloads
	maxRequestBody = 1 << 20
	// maxSignatureAge rejects replayed requests
	maxSignatureAge = 5 * time.Minute
)

// rateLimitMiddleware provides rate limiting per IP
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getRealIP(r)
		a.rateLimitersMu.Lock()
		entry, exists := a.rateLimiters[ip]
		if !exists {
			entry = &rateLimiterEntry{
				limiter:  rate.NewLimiter(rate.Limit(a.cfg.RequestsPerSecond), a.cfg.Burst),
				lastSeen: time.Now(),
			}
			a.rateLimiters[ip] = entry
		} else {
			entry.lastSeen = time.Now()
		}
		// Capture limiter reference while holding lock to prevent race condition
		limiter := entry.limiter
		a.rateLimitersMu.Unlock()

		if !limiter.Allow() {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupRateLimiters periodically removes inactive rate limiters to prevent memory leaks
func (a *API) cleanupRateLimiters() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rateLimitersMu.Lock()
			for ip, entry := range a.rateLimiters {
				if time.Since(entry.lastSeen) > 1*time.Hour {
					delete(a.rateLimiters, ip)
				}
			}
			a.rateLimitersMu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}

// signatureMiddleware verifies the v0 request signature of the chat
// platform: HMAC-SHA256 over "v0:<timestamp>:<body>" keyed with the
// signing secret. The body is buffered and restored for the handler.
func (a *API) signatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Failed to read request body", err, a.logger)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if a.cfg.SigningSecret == "" {
			next.ServeHTTP(w, r)
			return
		}

		ts := r.Header.Get("X-Slack-Request-Timestamp")
		sig := r.Header.Get("X-Slack-Signature")
		if !verifySignature(a.cfg.SigningSecret, ts, sig, body, a.now()) {
			a.logger.Warnw("Rejected chat request with invalid signature", "remote_ip", getRealIP(r), "path", r.URL.Path)
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func verifySignature(secret, ts, sig string, body []byte, now time.Time) bool {
	if ts == "" || sig == "" {
		return false
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if age := now.Sub(time.Unix(sec, 0)); age > maxSignatureAge || age < -maxSignatureAge {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(sign(secret, ts, body)))
}

// sign returns the v0 signature header value
func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// getRealIP returns the direct peer address. The chat platform connects
// directly; forwarded headers are not trusted.
func getRealIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
