package logsource

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const searchResponse = `{
  "hits": {
    "hits": [
      {
        "_id": "doc-1",
        "_source": {
          "request.uri": "/login?user=admin%27--",
          "request.method": "POST",
          "request.body": "user=admin'--",
          "request.headers.Host": "shop.example",
          "request.headers.User-Agent": "curl/8.0",
          "modsec.inbound_score": 15,
          "messages": [
            {
              "message": "SQL Injection Attack Detected via libinjection",
              "details": {
                "ruleId": "942100",
                "data": "Matched Data: admin%27-- found within ARGS:user: admin'--",
                "tags": ["attack-sqli", "paranoia-level/1"]
              }
            }
          ]
        }
      },
      {
        "_id": "doc-2",
        "_source": {
          "request": {"uri": "/search", "method": "GET", "headers": {"Host": "shop.example"}},
          "modsec": {"inbound_score": "5"},
          "messages": [{"details": {"ruleId": 920350, "tags": "protocol"}}]
        }
      }
    ]
  }
}`

func newFakeCluster(t *testing.T, searchBody *string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/_search") {
			raw, _ := io.ReadAll(r.Body)
			*searchBody = string(raw)
			_, _ = w.Write([]byte(searchResponse))
			return
		}
		_, _ = w.Write([]byte(`{"version":{"number":"2.11.0","distribution":"opensearch"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenSearchSource_TopRequests(t *testing.T) {
	var sent string
	srv := newFakeCluster(t, &sent)
	src, err := NewOpenSearchSource(Config{Addresses: []string{srv.URL}, Window: time.Hour, Size: 25}, zap.NewNop().Sugar())
	require.NoError(t, err)

	reqs, err := src.TopRequests(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, reqs, 2)

	first := reqs[0]
	assert.Equal(t, 1, first.RequestID)
	assert.Equal(t, "/login?user=admin%27--", first.URI)
	assert.Equal(t, "POST", first.Method)
	assert.Equal(t, []string{"Host: shop.example", "User-Agent: curl/8.0"}, first.Headers)
	require.NotNil(t, first.Score)
	assert.Equal(t, 15.0, *first.Score)
	assert.Equal(t, []string{"942100"}, first.RuleIDs)
	assert.Equal(t, []string{"attack-sqli", "paranoia-level/1"}, first.Tags)
	assert.Equal(t, "ARGS:user", first.PayloadLocation)
	assert.Equal(t, "admin'--", first.PayloadDecoded)

	second := reqs[1]
	assert.Equal(t, 2, second.RequestID)
	assert.Equal(t, "/search", second.URI)
	assert.Equal(t, []string{"Host: shop.example"}, second.Headers)
	assert.Equal(t, []string{"920350"}, second.RuleIDs)
	assert.Equal(t, []string{"protocol"}, second.Tags)
	require.NotNil(t, second.Score)
	assert.Equal(t, 5.0, *second.Score)

	var query map[string]any
	require.NoError(t, json.Unmarshal([]byte(sent), &query))
	assert.EqualValues(t, 25, query["size"])
	assert.Contains(t, sent, `"client_ip.keyword":"10.0.0.1"`)
	assert.Contains(t, sent, `"now-3600s"`)

	require.NoError(t, src.Ping(context.Background()))
}

func TestOpenSearchSource_EmptyIP(t *testing.T) {
	var sent string
	srv := newFakeCluster(t, &sent)
	src, err := NewOpenSearchSource(Config{Addresses: []string{srv.URL}}, zap.NewNop().Sugar())
	require.NoError(t, err)

	reqs, err := src.TopRequests(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, reqs)
	assert.Empty(t, sent)
}

func TestOpenSearchSource_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"cluster_block_exception"}`))
	}))
	defer srv.Close()

	src, err := NewOpenSearchSource(Config{Addresses: []string{srv.URL}}, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = src.TopRequests(context.Background(), "10.0.0.1")
	assert.Error(t, err)
}

func TestNewOpenSearchSource_NoAddresses(t *testing.T) {
	_, err := NewOpenSearchSource(Config{}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestExtractPayload(t *testing.T) {
	loc, val := extractPayload([]string{"no marker", "Matched Data: %3Cscript%3E found within ARGS:q: <script>"})
	assert.Equal(t, "ARGS:q", loc)
	assert.Equal(t, "<script>", val)

	loc, val = extractPayload(nil)
	assert.Empty(t, loc)
	assert.Empty(t, val)
}
