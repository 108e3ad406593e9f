package waf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ListKind selects the allow list or the deny list
type ListKind string

const (
	Whitelist ListKind = "whitelist"
	Blacklist ListKind = "blacklist"
)

// ParseListKind accepts "whitelist"/"blacklist" and the "ip_" prefixed forms
func ParseListKind(s string) (ListKind, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "ip_") {
	case "whitelist", "allow", "allowlist":
		return Whitelist, nil
	case "blacklist", "deny", "denylist":
		return Blacklist, nil
	}
	return "", fmt.Errorf("unknown list %q, expected whitelist or blacklist", s)
}

// ListOutcome is the result of an add or remove call
type ListOutcome int

const (
	ListApplied ListOutcome = iota
	ListAlreadyPresent
	ListNotFound
)

// ErrInvalidIP is returned for a malformed IP address
var ErrInvalidIP = errors.New("invalid IP address")

// IPList is the content of one list
type IPList struct {
	Kind  ListKind
	IPs   []string
	Total int
}

// IPListConfig configures the list client
type IPListConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// IPListClient manages the WAF allow and deny lists
type IPListClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewIPListClient creates a list client
func NewIPListClient(cfg IPListConfig, logger *zap.SugaredLogger) *IPListClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IPListClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// ValidateIP checks IPv4/IPv6 syntax
func ValidateIP(ip string) error {
	if _, err := netip.ParseAddr(ip); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidIP, ip)
	}
	return nil
}

// Add puts ip on a list. A 409 answer means it was already there.
func (c *IPListClient) Add(ctx context.Context, kind ListKind, ip string) (ListOutcome, error) {
	if err := ValidateIP(ip); err != nil {
		return 0, err
	}
	status, body, err := c.post(ctx, "/"+string(kind)+"/add", ip)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK:
		c.logger.Infow("IP added to list", "list", kind, "ip", ip)
		return ListApplied, nil
	case http.StatusConflict:
		return ListAlreadyPresent, nil
	default:
		return 0, &APIError{StatusCode: status, Body: body}
	}
}

// Remove takes ip off a list. A 404 answer means it was not there.
func (c *IPListClient) Remove(ctx context.Context, kind ListKind, ip string) (ListOutcome, error) {
	if err := ValidateIP(ip); err != nil {
		return 0, err
	}
	status, body, err := c.post(ctx, "/"+string(kind)+"/remove", ip)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK:
		c.logger.Infow("IP removed from list", "list", kind, "ip", ip)
		return ListApplied, nil
	case http.StatusNotFound:
		return ListNotFound, nil
	default:
		return 0, &APIError{StatusCode: status, Body: body}
	}
}

// List returns the content of a list
func (c *IPListClient) List(ctx context.Context, kind ListKind) (IPList, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+string(kind)+"/list", nil)
	if err != nil {
		return IPList{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return IPList{}, fmt.Errorf("failed to reach WAF API: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode != http.StatusOK {
		return IPList{}, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 200)}
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return IPList{}, fmt.Errorf("failed to decode %s list: %w", kind, err)
	}

	out := IPList{Kind: kind}
	if ips, ok := doc[string(kind)]; ok {
		if err := json.Unmarshal(ips, &out.IPs); err != nil {
			return IPList{}, fmt.Errorf("failed to decode %s entries: %w", kind, err)
		}
	}
	out.Total = len(out.IPs)
	if total, ok := doc["total"]; ok {
		_ = json.Unmarshal(total, &out.Total)
	}
	return out, nil
}

func (c *IPListClient) post(ctx context.Context, path, ip string) (int, string, error) {
	body, err := json.Marshal(map[string]string{"ip": ip})
	if err != nil {
		return 0, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warnw("WAF list request failed", "path", path, "error", err)
		return 0, "", fmt.Errorf("failed to reach WAF API: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, truncate(strings.TrimSpace(string(raw)), 200), nil
}
