// Package waf talks to the WAF control API: directive deployment and
// IP allow/deny list management.
package waf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// DefaultDeployTimeout bounds one deployment call
const DefaultDeployTimeout = 10 * time.Second

// maxResponseBody caps how much of a control API response is read
const maxResponseBody = 1 << 20

// Deployer pushes a directive to the WAF
type Deployer interface {
	Deploy(ctx context.Context, directive string) core.DeployOutcome
}

// DeployerConfig configures the HTTP deployer
type DeployerConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// HTTPDeployer posts directives to the WAF control API. It makes one
// attempt per call; retrying is left to the operator.
type HTTPDeployer struct {
	url    string
	token  string
	client *http.Client
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewHTTPDeployer creates a deployer
func NewHTTPDeployer(cfg DeployerConfig, logger *zap.SugaredLogger) *HTTPDeployer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultDeployTimeout
	}
	return &HTTPDeployer{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
}

type deployResponse struct {
	ReloadStatus string `json:"reload_status"`
	Stage        string `json:"stage"`
	Message      string `json:"message"`
}

// Deploy sends {"rule": directive}. A transport failure is reported with
// stage "request_failed"; any status other than 200 is a failure with the
// stage and message the API returned, "unknown" when it gave none.
func (d *HTTPDeployer) Deploy(ctx context.Context, directive string) core.DeployOutcome {
	out := core.DeployOutcome{Timestamp: d.now().Format(core.DeployTimestampLayout)}
	start := time.Now()
	defer func() {
		metrics.DeploymentDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(map[string]string{"rule": directive})
	if err != nil {
		out.Stage, out.Detail = core.StageRequestFailed, err.Error()
		return out
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		out.Stage, out.Detail = core.StageRequestFailed, err.Error()
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-TOKEN", d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warnw("WAF deployment request failed", "url", d.url, "error", err)
		out.Stage, out.Detail = core.StageRequestFailed, err.Error()
		return out
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.logger.Debugw("Failed to close response body", "error", err)
		}
	}()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	var parsed deployResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode == http.StatusOK {
		out.Success = true
		out.Stage = orUnknown(parsed.ReloadStatus)
		return out
	}

	out.Stage = orUnknown(parsed.Stage)
	out.Detail = parsed.Message
	if out.Detail == "" {
		out.Detail = strings.TrimSpace(string(raw))
	}
	out.Detail = truncate(out.Detail, core.MaxErrorMessageLength)
	d.logger.Warnw("WAF rejected directive",
		"status", resp.StatusCode,
		"stage", out.Stage,
		"message", out.Detail)
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return core.StageUnknown
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// APIError is a non-success answer from the list API
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements error
func (e *APIError) Error() string {
	return fmt.Sprintf("WAF API returned %d: %s", e.StatusCode, e.Body)
}
