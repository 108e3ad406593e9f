// Package casebackend creates, attaches to and closes cases in the
// external case tracker (Kibana security cases).
package casebackend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// Backend is the case tracker as seen by the correlation flows. Every
// error it returns wraps core.ErrBackendUnavailable.
type Backend interface {
	CreateCase(ctx context.Context, ip string) (string, error)
	AttachAlert(ctx context.Context, caseID, alertID string) error
	CloseCase(ctx context.Context, caseID string) error
}

// Config configures the Kibana client
type Config struct {
	URL        string
	Username   string
	Password   string
	AlertIndex string
	RuleName   string
	Owner      string
	Timeout    time.Duration
	// InsecureSkipVerify disables TLS verification for self-signed deployments
	InsecureSkipVerify bool
	CircuitBreaker     core.CircuitBreakerConfig
}

const (
	defaultOwner    = "securitySolution"
	defaultRuleName = "WAF Security Detect Attack"
	defaultTimeout  = 10 * time.Second
)

// Kibana is a Backend on the Kibana cases API
type Kibana struct {
	cfg     Config
	baseURL string
	client  *http.Client
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewKibana creates a Kibana case client
func NewKibana(cfg Config, logger *zap.SugaredLogger) (*Kibana, error) {
	if _, err := url.Parse(cfg.URL); err != nil || cfg.URL == "" {
		return nil, fmt.Errorf("invalid case backend URL %q", cfg.URL)
	}
	if cfg.Owner == "" {
		cfg.Owner = defaultOwner
	}
	if cfg.RuleName == "" {
		cfg.RuleName = defaultRuleName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CircuitBreaker.MaxFailures == 0 {
		cfg.CircuitBreaker = core.DefaultCircuitBreakerConfig()
	}

	breaker, err := core.NewCircuitBreaker("case_backend", cfg.CircuitBreaker)
	if err != nil {
		return nil, err
	}
	breaker.OnStateChange = func(name string, from, to core.CircuitBreakerState) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.CircuitStateValue(string(to)))
		logger.Warnw("Case backend circuit breaker changed state", "from", from, "to", to)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for self-signed Kibana
	}

	return &Kibana{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		breaker: breaker,
		logger:  logger,
	}, nil
}

type connector struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Fields any    `json:"fields"`
}

type createCaseRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Tags        []string        `json:"tags"`
	Settings    map[string]bool `json:"settings"`
	Owner       string          `json:"owner"`
	Connector   connector       `json:"connector"`
}

type caseResponse struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// CreateCase opens a case titled after the source IP and returns its ID
func (k *Kibana) CreateCase(ctx context.Context, ip string) (string, error) {
	body := createCaseRequest{
		Title:       "WAF Case - " + ip,
		Description: "WAF alerts for this IP",
		Tags:        []string{},
		Settings:    map[string]bool{"syncAlerts": true},
		Owner:       k.cfg.Owner,
		Connector:   connector{ID: "none", Name: "none", Type: ".none"},
	}
	var resp caseResponse
	if err := k.do(ctx, "create", http.MethodPost, "/api/cases", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: create returned no case id", core.ErrBackendUnavailable)
	}
	k.logger.Infow("Case created in backend", "ip", ip, "case_id", resp.ID)
	return resp.ID, nil
}

type alertAttachment struct {
	Type    string            `json:"type"`
	AlertID string            `json:"alertId"`
	Owner   string            `json:"owner"`
	Index   string            `json:"index"`
	Rule    map[string]string `json:"rule"`
}

// AttachAlert links an alert document to a case
func (k *Kibana) AttachAlert(ctx context.Context, caseID, alertID string) error {
	if caseID == "" {
		return fmt.Errorf("%w: case has no backend id", core.ErrBackendUnavailable)
	}
	body := []alertAttachment{{
		Type:    "alert",
		AlertID: alertID,
		Owner:   k.cfg.Owner,
		Index:   k.cfg.AlertIndex,
		Rule:    map[string]string{"id": "", "name": k.cfg.RuleName},
	}}
	path := "/internal/cases/" + url.PathEscape(caseID) + "/attachments/_bulk_create"
	return k.do(ctx, "attach", http.MethodPost, path, body, nil)
}

// CloseCase reads the current case version and patches the status to closed
func (k *Kibana) CloseCase(ctx context.Context, caseID string) error {
	var current caseResponse
	if err := k.do(ctx, "get", http.MethodGet, "/api/cases/"+url.PathEscape(caseID), nil, &current); err != nil {
		return err
	}
	body := map[string]any{
		"cases": []map[string]string{{
			"id":      caseID,
			"status":  "closed",
			"version": current.Version,
		}},
	}
	if err := k.do(ctx, "close", http.MethodPatch, "/api/cases", body, nil); err != nil {
		return err
	}
	k.logger.Infow("Case closed in backend", "case_id", caseID)
	return nil
}

// BreakerState exposes the circuit state for health reporting
func (k *Kibana) BreakerState() core.CircuitBreakerState {
	return k.breaker.State()
}

func (k *Kibana) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := k.breaker.Allow(); err != nil {
		metrics.CaseBackendRequests.WithLabelValues(op, "rejected").Inc()
		return fmt.Errorf("%w: %s: %v", core.ErrBackendUnavailable, op, err)
	}

	err := k.roundTrip(ctx, method, path, in, out)
	if err != nil {
		k.breaker.RecordFailure()
		metrics.CaseBackendRequests.WithLabelValues(op, "failure").Inc()
		k.logger.Warnw("Case backend call failed", "operation", op, "error", err)
		return fmt.Errorf("%w: %s: %v", core.ErrBackendUnavailable, op, err)
	}
	k.breaker.RecordSuccess()
	metrics.CaseBackendRequests.WithLabelValues(op, "success").Inc()
	return nil
}

func (k *Kibana) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("kbn-xsrf", "true")
	if k.cfg.Username != "" {
		req.SetBasicAuth(k.cfg.Username, k.cfg.Password)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			k.logger.Debugw("Failed to close response body", "error", err)
		}
	}()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > core.MaxErrorMessageLength {
			msg = msg[:core.MaxErrorMessageLength]
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Disabled is the Backend used when no case tracker is configured. Every
// call fails, so cases are kept locally with an empty case ID.
type Disabled struct{}

func (Disabled) CreateCase(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: not configured", core.ErrBackendUnavailable)
}

func (Disabled) AttachAlert(context.Context, string, string) error {
	return fmt.Errorf("%w: not configured", core.ErrBackendUnavailable)
}

func (Disabled) CloseCase(context.Context, string) error {
	return fmt.Errorf("%w: not configured", core.ErrBackendUnavailable)
}
