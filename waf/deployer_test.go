package waf

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"warden/core"
)

func newTestDeployer(url string) *HTTPDeployer {
	d := NewHTTPDeployer(DeployerConfig{URL: url, Token: "secret"}, zap.NewNop().Sugar())
	d.now = func() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }
	return d
}

func TestHTTPDeployer_Success(t *testing.T) {
	var gotRule, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-API-TOKEN")
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotRule = body["rule"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reload_status":"reloaded"}`))
	}))
	defer srv.Close()

	out := newTestDeployer(srv.URL).Deploy(context.Background(), "SecRuleRemoveById 942100")

	assert.True(t, out.Success)
	assert.Equal(t, "reloaded", out.Stage)
	assert.Equal(t, "2025-03-01 09:30:00", out.Timestamp)
	assert.Equal(t, "secret", gotToken)
	assert.Equal(t, "SecRuleRemoveById 942100", gotRule)
	assert.NoError(t, out.Err())
}

func TestHTTPDeployer_SuccessWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	out := newTestDeployer(srv.URL).Deploy(context.Background(), "x")
	assert.True(t, out.Success)
	assert.Equal(t, core.StageUnknown, out.Stage)
}

func TestHTTPDeployer_Rejected(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStage  string
		wantDetail string
	}{
		{"stage and message", http.StatusBadRequest, `{"stage":"syntax_check","message":"bad directive"}`, "syntax_check", "bad directive"},
		{"raw body fallback", http.StatusInternalServerError, "boom", core.StageUnknown, "boom"},
		{"message only", http.StatusConflict, `{"message":"duplicate id"}`, core.StageUnknown, "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			out := newTestDeployer(srv.URL).Deploy(context.Background(), "x")
			assert.False(t, out.Success)
			assert.Equal(t, tt.wantStage, out.Stage)
			assert.Equal(t, tt.wantDetail, out.Detail)

			var depErr *core.DeploymentError
			require.ErrorAs(t, out.Err(), &depErr)
			assert.Equal(t, tt.wantStage, depErr.Stage)
		})
	}
}

func TestHTTPDeployer_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	out := newTestDeployer(url).Deploy(context.Background(), "x")
	assert.False(t, out.Success)
	assert.Equal(t, core.StageRequestFailed, out.Stage)
	assert.NotEmpty(t, out.Detail)
	assert.Equal(t, "2025-03-01 09:30:00", out.Timestamp)
}

func TestHTTPDeployer_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := newTestDeployer(srv.URL).Deploy(ctx, "x")
	assert.Equal(t, core.StageRequestFailed, out.Stage)
}

func TestTruncate_KeepsRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))

	// "é" is two bytes; cutting at 2 would split it
	got := truncate("aé-tail", 2)
	assert.Equal(t, "a...", got)
	assert.True(t, utf8.ValidString(got))

	long := strings.Repeat("日本", 300)
	got = truncate(long, core.MaxErrorMessageLength)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), core.MaxErrorMessageLength+len("..."))
}
