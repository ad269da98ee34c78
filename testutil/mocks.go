package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// MockDiscordServer creates a test server that mocks Discord REST responses.
type MockDiscordServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	Requests []*http.Request
}

// NewMockDiscordServer creates a new mock Discord API server. Handlers are
// keyed by "METHOD /path" with the /api/vN prefix stripped.
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + stripAPIVersion(r.URL.Path)
		m.mu.Lock()
		m.Requests = append(m.Requests, r)
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// RequestCount returns how many requests the server has seen.
func (m *MockDiscordServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

func (m *MockDiscordServer) handle(key string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[key] = h
}

// MockChannelEdit answers PATCH /channels/{id} with the renamed channel.
func (m *MockDiscordServer) MockChannelEdit(channelID string) {
	m.handle("PATCH /channels/"+channelID, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":   channelID,
			"name": body.Name,
			"type": 2,
		})
	})
}

// MockChannelEditBucketExhausted answers PATCH /channels/{id} with a success
// that leaves the channel's rate limit bucket empty for resetAfterSeconds.
func (m *MockDiscordServer) MockChannelEditBucketExhausted(channelID string, resetAfterSeconds float64) {
	m.handle("PATCH /channels/"+channelID, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "2")
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset-After", strconv.FormatFloat(resetAfterSeconds, 'f', -1, 64))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":   channelID,
			"name": "renamed",
			"type": 2,
		})
	})
}

// MockChannelEditRateLimited answers PATCH /channels/{id} with a 429.
func (m *MockDiscordServer) MockChannelEditRateLimited(channelID string, retryAfterSeconds float64) {
	m.handle("PATCH /channels/"+channelID, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"message":     "You are being rate limited.",
			"retry_after": retryAfterSeconds,
			"global":      false,
		})
	})
}

// MockChannelEditError answers PATCH /channels/{id} with an API error body.
func (m *MockDiscordServer) MockChannelEditError(channelID string, status, code int, message string) {
	m.handle("PATCH /channels/"+channelID, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status, map[string]interface{}{
			"code":    code,
			"message": message,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func stripAPIVersion(path string) string {
	if rest, ok := strings.CutPrefix(path, "/api/"); ok {
		if i := strings.Index(rest, "/"); i >= 0 {
			return rest[i:]
		}
	}
	return path
}

// RewriteTransport rewrites all requests to use the test server.
type RewriteTransport struct {
	Transport http.RoundTripper
	Host      string
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.Host != "" {
		host := strings.TrimPrefix(t.Host, "http://")
		host = strings.TrimPrefix(host, "https://")
		req.URL.Host = host
	}
	rt := t.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}

// HTTPClient returns an http.Client whose requests all land on the mock server.
func (m *MockDiscordServer) HTTPClient() *http.Client {
	return &http.Client{Transport: &RewriteTransport{Host: m.URL}}
}
