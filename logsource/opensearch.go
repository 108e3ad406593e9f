// Package logsource fetches the recent WAF audit requests of a client IP
// from OpenSearch and normalizes them into core.Request records.
package logsource

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"go.uber.org/zap"

	"warden/core"
	"warden/metrics"
)

// Source returns the highest scoring recent requests of an IP
type Source interface {
	TopRequests(ctx context.Context, ip string) ([]core.Request, error)
}

// Config configures the OpenSearch source
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	Window    time.Duration
	Size      int
	Insecure  bool
}

const (
	defaultIndex  = "modsecurity-*"
	defaultWindow = 3 * time.Hour
	defaultSize   = 100
)

// OpenSearchSource queries the ModSecurity audit index
type OpenSearchSource struct {
	client *opensearch.Client
	cfg    Config
	logger *zap.SugaredLogger
}

// NewOpenSearchSource creates the source. It does not contact the cluster;
// call Ping to check connectivity.
func NewOpenSearchSource(cfg Config, logger *zap.SugaredLogger) (*OpenSearchSource, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("no opensearch addresses configured")
	}
	if cfg.Index == "" {
		cfg.Index = defaultIndex
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.Insecure} // #nosec G402 -- opt-in per config

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return &OpenSearchSource{client: client, cfg: cfg, logger: logger}, nil
}

// Ping checks that the cluster answers
func (s *OpenSearchSource) Ping(ctx context.Context) error {
	res, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}

// TopRequests returns up to Size requests of ip inside the window, highest
// anomaly score first. An empty ip yields no requests.
func (s *OpenSearchSource) TopRequests(ctx context.Context, ip string) ([]core.Request, error) {
	if ip == "" {
		return nil, nil
	}

	body, err := json.Marshal(buildQuery(ip, s.cfg.Window, s.cfg.Size))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search body: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.cfg.Index),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		metrics.LogSourceQueries.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to search requests: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		metrics.LogSourceQueries.WithLabelValues("failure").Inc()
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("opensearch error: %s - %s", res.Status(), string(raw))
	}

	var result searchResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		metrics.LogSourceQueries.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	metrics.LogSourceQueries.WithLabelValues("success").Inc()

	out := make([]core.Request, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		var src map[string]any
		if err := json.Unmarshal(hit.Source, &src); err != nil {
			s.logger.Debugw("Skipping malformed audit document", "id", hit.ID, "error", err)
			continue
		}
		req := normalize(src)
		req.RequestID = len(out) + 1
		out = append(out, req)
	}
	return out, nil
}

type searchResult struct {
	Hits struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func buildQuery(ip string, window time.Duration, size int) map[string]any {
	return map[string]any{
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"client_ip.keyword": ip}},
					map[string]any{"range": map[string]any{
						"@timestamp": map[string]any{"gte": fmt.Sprintf("now-%ds", int(window.Seconds()))},
					}},
				},
			},
		},
		"sort": []any{
			map[string]any{"modsec.inbound_score": map[string]any{"order": "desc"}},
			map[string]any{"@timestamp": map[string]any{"order": "desc"}},
		},
		"_source": map[string]any{
			"includes": []string{"request.*", "messages", "modsec.*"},
		},
	}
}

// lookup reads a dotted key either as a flattened field name or by walking
// nested objects. Audit pipelines produce both shapes.
func lookup(src map[string]any, key string) (any, bool) {
	if v, ok := src[key]; ok {
		return v, true
	}
	var cur any = src
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(src map[string]any, key string) string {
	v, _ := lookup(src, key)
	s, _ := v.(string)
	return s
}

func normalize(src map[string]any) core.Request {
	req := core.Request{
		URI:     lookupString(src, "request.uri"),
		Method:  lookupString(src, "request.method"),
		Body:    lookupString(src, "request.body"),
		Headers: headers(src),
	}

	if v, ok := lookup(src, "modsec.inbound_score"); ok {
		if score, ok := toFloat(v); ok {
			req.Score = &score
		}
	}

	messages, _ := lookup(src, "messages")
	list, _ := messages.([]any)
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := m["message"].(string); ok && text != "" {
			req.Match = append(req.Match, text)
		}
		det, _ := m["details"].(map[string]any)
		if det == nil {
			continue
		}
		if id := scalarString(det["ruleId"]); id != "" {
			req.RuleIDs = append(req.RuleIDs, id)
		}
		if data, ok := det["data"].(string); ok && data != "" {
			req.Data = append(req.Data, data)
		}
		req.Tags = append(req.Tags, stringList(det["tags"])...)
	}

	req.PayloadLocation, req.PayloadDecoded = extractPayload(req.Data)
	return req
}

func headers(src map[string]any) []string {
	const prefix = "request.headers."
	found := map[string]string{}
	for k, v := range src {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			if s, ok := v.(string); ok {
				found[name] = s
			}
		}
	}
	if nested, ok := lookup(src, "request.headers"); ok {
		if m, ok := nested.(map[string]any); ok {
			for name, v := range m {
				if s, ok := v.(string); ok {
					found[name] = s
				}
			}
		}
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, name+": "+found[name])
	}
	return out
}

// extractPayload finds the first "Matched Data: X found within LOCATION"
// message and returns the location and the decoded value.
func extractPayload(data []string) (string, string) {
	for _, d := range data {
		_, rest, ok := strings.Cut(d, "Matched Data:")
		if !ok {
			continue
		}
		value, location, _ := strings.Cut(rest, "found within")
		value = strings.TrimSpace(value)
		location, _, _ = strings.Cut(strings.TrimSpace(location), ": ")
		location = strings.TrimSuffix(location, ":")
		if value == "" {
			continue
		}
		return location, decode(value)
	}
	return "", ""
}

func decode(v string) string {
	if u, err := url.QueryUnescape(v); err == nil {
		v = u
	}
	return html.UnescapeString(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
