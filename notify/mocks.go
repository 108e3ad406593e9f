package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockChatServer stands in for response_url, the chat Web API and
// incoming webhooks in tests. It captures every request.
type MockChatServer struct {
	server     *httptest.Server
	requests   []CapturedHTTPRequest
	requestsMu sync.RWMutex
	shouldFail bool
	failStatus int
	apiError   string
}

// CapturedHTTPRequest represents an HTTP request captured by the mock server
type CapturedHTTPRequest struct {
	Method     string
	Path       string
	Headers    map[string]string
	Body       string
	CapturedAt time.Time
}

// NewMockChatServer starts a mock chat server
func NewMockChatServer() *MockChatServer {
	m := &MockChatServer{failStatus: http.StatusInternalServerError}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleRequest))
	return m
}

func (m *MockChatServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		bodyBytes = []byte{}
	}

	headers := make(map[string]string)
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	m.requestsMu.Lock()
	m.requests = append(m.requests, CapturedHTTPRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(bodyBytes),
		CapturedAt: time.Now(),
	})
	shouldFail, failStatus, apiError := m.shouldFail, m.failStatus, m.apiError
	m.requestsMu.Unlock()

	if shouldFail {
		w.WriteHeader(failStatus)
		_, _ = w.Write([]byte("Simulated error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if apiError != "" {
		_, _ = w.Write([]byte(`{"ok":false,"error":"` + apiError + `"}`))
		return
	}
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// GetRequests returns all captured HTTP requests
func (m *MockChatServer) GetRequests() []CapturedHTTPRequest {
	m.requestsMu.RLock()
	defer m.requestsMu.RUnlock()

	requests := make([]CapturedHTTPRequest, len(m.requests))
	copy(requests, m.requests)
	return requests
}

// WaitForRequests blocks until n requests were captured or ctx ends
func (m *MockChatServer) WaitForRequests(ctx context.Context, n int) []CapturedHTTPRequest {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if reqs := m.GetRequests(); len(reqs) >= n {
			return reqs
		}
		select {
		case <-ctx.Done():
			return m.GetRequests()
		case <-ticker.C:
		}
	}
}

// SetShouldFail configures the server to answer with statusCode
func (m *MockChatServer) SetShouldFail(shouldFail bool, statusCode int) {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()
	m.shouldFail = shouldFail
	m.failStatus = statusCode
}

// SetAPIError makes the Web API answer {"ok":false,"error":code}
func (m *MockChatServer) SetAPIError(code string) {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()
	m.apiError = code
}

// URL returns the server URL
func (m *MockChatServer) URL() string {
	return m.server.URL
}

// Close stops the mock server
func (m *MockChatServer) Close() {
	m.server.Close()
}

// RecordingSender is an in-memory Sender
type RecordingSender struct {
	mu            sync.Mutex
	Replies       []Message
	Threads       []string
	Announcements []string
	Err           error
}

// Reply implements Sender
func (r *RecordingSender) Reply(_ context.Context, _ string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Replies = append(r.Replies, msg)
	return r.Err
}

// PostThread implements Sender
func (r *RecordingSender) PostThread(_ context.Context, _, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Threads = append(r.Threads, text)
	return r.Err
}

// Announce implements Sender
func (r *RecordingSender) Announce(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Announcements = append(r.Announcements, text)
	return r.Err
}

// Snapshot returns copies of everything recorded so far
func (r *RecordingSender) Snapshot() (replies []Message, threads, announcements []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.Replies...), append([]string(nil), r.Threads...), append([]string(nil), r.Announcements...)
}
