package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/voicelabel/naming"
)

type fakeController struct {
	mu         sync.Mutex
	records    map[string]naming.Record
	reconciled []string
	forgotten  []string
	err        error
}

func newFakeController(recs ...naming.Record) *fakeController {
	f := &fakeController{records: map[string]naming.Record{}}
	for _, r := range recs {
		f.records[r.ChannelID] = r
	}
	return f
}

func (f *fakeController) Records(context.Context) ([]naming.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []naming.Record
	for _, id := range []string{"c1", "c2", "c3"} {
		if r, ok := f.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeController) Record(_ context.Context, id string) (naming.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r, ok, nil
}

func (f *fakeController) ReconcileChannel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, id)
	return f.err
}

func (f *fakeController) Forget(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
	delete(f.records, id)
	return f.err
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestMux(t *testing.T, ctrl Controller, auth AuthConfig, checks ...Check) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, Deps{
		Service: ctrl,
		Checks:  checks,
		Auth:    auth,
		Now:     func() time.Time { return testNow },
	})
}

func TestHealthzOK(t *testing.T) {
	h := newTestMux(t, newFakeController(), AuthConfig{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected generated X-Correlation-ID header")
	}
}

func TestCorrelationIDPropagated(t *testing.T) {
	h := newTestMux(t, newFakeController(), AuthConfig{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-42" {
		t.Errorf("X-Correlation-ID = %q, want corr-42", got)
	}
}

func TestReadyz(t *testing.T) {
	gatewayDown := errors.New("gateway not ready")
	tests := []struct {
		name       string
		checks     []Check
		wantStatus int
		wantFailed string
	}{
		{"no checks", nil, http.StatusOK, ""},
		{
			name: "all pass",
			checks: []Check{
				{Name: "gateway", Fn: func(context.Context) error { return nil }},
				{Name: "database", Fn: func(context.Context) error { return nil }},
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "gateway down",
			checks: []Check{
				{Name: "gateway", Fn: func(context.Context) error { return gatewayDown }},
				{Name: "database", Fn: func(context.Context) error { return nil }},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: "gateway",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMux(t, newFakeController(), AuthConfig{}, tt.checks...)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d, body=%s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected Content-Type=application/json, got %q", ct)
			}
			var resp map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp["failed_check"] != tt.wantFailed {
				t.Errorf("failed_check = %q, want %q", resp["failed_check"], tt.wantFailed)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	ctrl := newFakeController(
		naming.Record{ChannelID: "c1", OriginalLabel: "General", LastApplied: "Valorant"},
		naming.Record{ChannelID: "c2", OriginalLabel: "Squad", RetryAt: testNow.Add(5 * time.Minute)},
		naming.Record{ChannelID: "c3", OriginalLabel: "AFK", RetryAt: testNow.Add(-time.Minute)},
	)
	h := newTestMux(t, ctrl, AuthConfig{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Tracked != 3 || len(resp.Channels) != 3 {
		t.Errorf("tracked = %d channels = %d, want 3", resp.Tracked, len(resp.Channels))
	}
	if resp.PendingRetries != 1 {
		t.Errorf("pending_retries = %d, want 1 (c3's retry is already due)", resp.PendingRetries)
	}
	if resp.Channels[0].LastApplied != "Valorant" {
		t.Errorf("first channel = %+v", resp.Channels[0])
	}
}

func TestStatusEmptyAndError(t *testing.T) {
	h := newTestMux(t, newFakeController(), AuthConfig{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ch, ok := resp["channels"].([]any); !ok || len(ch) != 0 {
		t.Errorf("channels = %v, want empty array", resp["channels"])
	}

	broken := newFakeController()
	broken.err = errors.New("store unavailable")
	h = newTestMux(t, broken, AuthConfig{})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestAdminReconcile(t *testing.T) {
	ctrl := newFakeController(naming.Record{ChannelID: "c1", OriginalLabel: "General", LastApplied: "Voice Lounge"})
	h := newTestMux(t, ctrl, AuthConfig{Token: "secret"})

	tests := []struct {
		name       string
		method     string
		target     string
		token      string
		wantStatus int
	}{
		{"unauthorized", http.MethodPost, "/admin/reconcile?channel=c1", "", http.StatusUnauthorized},
		{"wrong method", http.MethodGet, "/admin/reconcile?channel=c1", "secret", http.StatusMethodNotAllowed},
		{"missing channel", http.MethodPost, "/admin/reconcile", "secret", http.StatusBadRequest},
		{"ok", http.MethodPost, "/admin/reconcile?channel=c1", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d, body=%s", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}
	if len(ctrl.reconciled) != 1 || ctrl.reconciled[0] != "c1" {
		t.Errorf("reconciled = %v, want [c1]", ctrl.reconciled)
	}
}

func TestAdminReconcileErrors(t *testing.T) {
	ctrl := newFakeController()
	ctrl.err = naming.ErrInvalidSnapshot
	h := newTestMux(t, ctrl, AuthConfig{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/reconcile?channel=c9", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid snapshot: expected 400, got %d", rr.Code)
	}

	ctrl.err = errors.New("snapshot c9: boom")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/reconcile?channel=c9", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("platform error: expected 500, got %d", rr.Code)
	}
}

func TestAdminReconcileUntrackedChannel(t *testing.T) {
	h := newTestMux(t, newFakeController(), AuthConfig{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/reconcile?channel=gone", nil))
	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "untracked" {
		t.Errorf("status = %v, want untracked", resp["status"])
	}
}

func TestAdminForget(t *testing.T) {
	ctrl := newFakeController(naming.Record{ChannelID: "c1", OriginalLabel: "General"})
	h := newTestMux(t, ctrl, AuthConfig{Username: "admin", Password: "pw"})

	req := httptest.NewRequest(http.MethodPost, "/admin/forget?channel=c1", nil)
	req.SetBasicAuth("admin", "pw")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if len(ctrl.forgotten) != 1 || ctrl.forgotten[0] != "c1" {
		t.Errorf("forgotten = %v, want [c1]", ctrl.forgotten)
	}
}

func TestAdminRateLimitFromDeps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := NewMux(ctx, Deps{
		Service:   newFakeController(),
		RateLimit: RateLimitConfig{Enabled: true, RequestsPerIP: 1, Window: 30 * time.Second},
		Now:       func() time.Time { return testNow },
	})

	codes := make([]int, 0, 2)
	var last *httptest.ResponseRecorder
	for range 2 {
		last = httptest.NewRecorder()
		h.ServeHTTP(last, httptest.NewRequest(http.MethodPost, "/admin/reconcile?channel=c1", nil))
		codes = append(codes, last.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v, want [200 429]", codes)
	}
	if got := last.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}

	// non-admin routes are never limited
	for range 3 {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("healthz = %d", rr.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestMux(t, newFakeController(), AuthConfig{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, Deps{Service: newFakeController()}, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
