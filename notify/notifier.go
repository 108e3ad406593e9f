// Package notify delivers follow-up messages to the chat platform: slash
// command replies through response_url, thread posts through the Web API,
// and channel announcements through an incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// ResponseType controls who sees a slash command reply
type ResponseType string

const (
	// InChannel replies are visible to the whole channel
	InChannel ResponseType = "in_channel"
	// Ephemeral replies are only visible to the invoking user
	Ephemeral ResponseType = "ephemeral"
)

// Message is a chat reply
type Message struct {
	ResponseType ResponseType `json:"response_type"`
	Text         string       `json:"text"`
}

// Sender is what flows use to talk back to operators
type Sender interface {
	Reply(ctx context.Context, responseURL string, msg Message) error
	PostThread(ctx context.Context, channel, threadTS, text string) error
	Announce(ctx context.Context, text string) error
}

// Config holds chat delivery settings
type Config struct {
	BotToken   string
	WebhookURL string
	// APIBaseURL is the chat Web API root, https://slack.com/api unless overridden
	APIBaseURL string
	Timeout    time.Duration
}

// ErrNotConfigured is returned when a delivery channel has no destination
var ErrNotConfigured = errors.New("delivery channel not configured")

// Notifier sends chat messages. Every destination host gets its own
// circuit breaker so one failing endpoint does not slow the others.
type Notifier struct {
	cfg             Config
	client          *http.Client
	logger          *zap.SugaredLogger
	circuitBreakers map[string]*core.CircuitBreaker // Circuit breakers per destination host
	cbMu            sync.RWMutex                    // Protects circuitBreakers map
}

// NewNotifier creates a notifier
func NewNotifier(cfg Config, logger *zap.SugaredLogger) *Notifier {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://slack.com/api"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Notifier{
		cfg:             cfg,
		client:          &http.Client{Timeout: cfg.Timeout},
		logger:          logger,
		circuitBreakers: make(map[string]*core.CircuitBreaker),
	}
}

// getOrCreateCircuitBreaker gets or creates a circuit breaker for a destination
func (n *Notifier) getOrCreateCircuitBreaker(key string) *core.CircuitBreaker {
	n.cbMu.RLock()
	cb, exists := n.circuitBreakers[key]
	n.cbMu.RUnlock()

	if exists {
		return cb
	}

	n.cbMu.Lock()
	defer n.cbMu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := n.circuitBreakers[key]; exists {
		return cb
	}

	config := core.CircuitBreakerConfig{
		MaxFailures:         3,
		Timeout:             60 * time.Second,
		MaxHalfOpenRequests: 1,
	}
	cb = core.MustNewCircuitBreaker("notify:"+key, config)
	cb.OnStateChange = func(name string, from, to core.CircuitBreakerState) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.CircuitStateValue(string(to)))
	}
	n.circuitBreakers[key] = cb
	n.logger.Infow("Created circuit breaker for chat destination", "host", key)
	return cb
}

// Reply posts a slash command follow-up to its response_url
func (n *Notifier) Reply(ctx context.Context, responseURL string, msg Message) error {
	if responseURL == "" {
		return fmt.Errorf("reply: %w", ErrNotConfigured)
	}
	if msg.ResponseType == "" {
		msg.ResponseType = InChannel
	}
	return n.post(ctx, responseURL, "", msg, nil)
}

// PostThread posts text as a threaded reply using the bot token
func (n *Notifier) PostThread(ctx context.Context, channel, threadTS, text string) error {
	if n.cfg.BotToken == "" || channel == "" {
		return fmt.Errorf("thread post: %w", ErrNotConfigured)
	}
	payload := map[string]string{"channel": channel, "text": text}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	endpoint := strings.TrimRight(n.cfg.APIBaseURL, "/") + "/chat.postMessage"
	if err := n.post(ctx, endpoint, n.cfg.BotToken, payload, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("chat API rejected message: %s", resp.Error)
	}
	return nil
}

// Announce posts text to the incoming webhook channel
func (n *Notifier) Announce(ctx context.Context, text string) error {
	if n.cfg.WebhookURL == "" {
		return fmt.Errorf("announce: %w", ErrNotConfigured)
	}
	return n.post(ctx, n.cfg.WebhookURL, "", map[string]string{"text": text}, nil)
}

func (n *Notifier) post(ctx context.Context, endpoint, token string, payload, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid chat endpoint %q", endpoint)
	}

	cb := n.getOrCreateCircuitBreaker(u.Host)
	if err := cb.Allow(); err != nil {
		n.logger.Warnw("Circuit breaker open for chat destination, skipping", "host", u.Host)
		return fmt.Errorf("circuit breaker open for %s: %w", u.Host, err)
	}

	err = n.send(ctx, endpoint, token, payload, out)
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

func (n *Notifier) send(ctx context.Context, endpoint, token string, payload, out any) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send chat message: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			n.logger.Debugw("Failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat endpoint returned non-OK status: %d", resp.StatusCode)
	}
	if out != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode chat API response: %w", err)
		}
	}
	return nil
}
