package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"airtable-proxy-go/internal/client"
	"airtable-proxy-go/internal/config"
	"airtable-proxy-go/internal/model"
	"airtable-proxy-go/internal/service"
)

// newTestProxyHandler wires a ProxyHandler against baseURL with the given token.
func newTestProxyHandler(baseURL, token string) (*ProxyHandler, *config.Config) {
	cfg := &config.Config{
		Auth: config.AuthConfig{Token: token},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc := service.NewProxyService(uc, cfg, logger, nil)
	return NewProxyHandler(svc, cfg, logger), cfg
}

func TestProxyHandler_Handle_JSONRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/appABC123/Tasks" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/v0/appABC123/Tasks")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer pat123" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer pat123")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	defer upstream.Close()

	h, _ := newTestProxyHandler(upstream.URL, "pat123")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v0/appABC123/Tasks", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if rec.Body.String() != `{"records":[]}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"records":[]}`)
	}
}

func TestProxyHandler_Handle_TextRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("OK"))
	}))
	defer upstream.Close()

	h, _ := newTestProxyHandler(upstream.URL, "pat123")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v0/appABC123/Tasks", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "OK")
	}
}

func TestProxyHandler_Handle_PathAndQueryForwarded(t *testing.T) {
	var gotURI string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h, _ := newTestProxyHandler(upstream.URL, "pat123")

	e := echo.New()
	target := "/v0/appABC123/My%20Table/rec1?fields%5B%5D=Name&fields%5B%5D=Notes&view=Grid"
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if gotURI != target {
		t.Errorf("upstream RequestURI = %q, want %q", gotURI, target)
	}
}

func TestProxyHandler_Handle_POST(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if r.Header.Get("Cookie") != "" {
			t.Error("Cookie header should not be forwarded upstream")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	h, _ := newTestProxyHandler(upstream.URL, "pat123")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v0/appABC123/Tasks", strings.NewReader(`{"fields":{"Name":"x"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", "session=abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if rec.Body.String() != `{"fields":{"Name":"x"}}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyHandler_Handle_MissingCredential(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	h, _ := newTestProxyHandler(upstream.URL, "")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v0/appABC123/Tasks", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "credential not configured" {
		t.Errorf("error = %q, want %q", body["error"], "credential not configured")
	}
	if body["hint"] == "" {
		t.Error("expected non-empty hint in response")
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream received %d calls, want 0", n)
	}
}

func TestProxyHandler_Handle_UpstreamUnreachable(t *testing.T) {
	h, _ := newTestProxyHandler("http://127.0.0.1:1", "pat123")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v0/appABC123/Tasks", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "failed to connect to upstream API" {
		t.Errorf("error = %q", body["error"])
	}
	if body["details"] == "" {
		t.Error("expected non-empty details in response")
	}
	if strings.Contains(rec.Body.String(), "pat123") {
		t.Error("response leaks the credential")
	}
}

func TestProxyHandler_Handle_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Wait until client context is done.
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h, _ := newTestProxyHandler(upstream.URL, "pat123")

	e := echo.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v0/appABC123/Tasks", http.NoBody).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestProxyHandler_mapError_PassesEchoHTTPError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	c := echo.New().NewContext(httptest.NewRequest(http.MethodPost, "/v0/x", http.NoBody), httptest.NewRecorder())
	failure := &model.Failure{
		Kind:    model.UpstreamUnreachable,
		Message: "read request body",
		Err:     fmt.Errorf("read inbound body: %w", echo.ErrStatusRequestEntityTooLarge),
	}

	if err := h.mapError(c, failure); err != echo.ErrStatusRequestEntityTooLarge {
		t.Errorf("mapError() = %v, want echo 413 error passed through", err)
	}
}

func TestProxyHandler_mapError_DNSError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v0/appABC123/Tasks", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	dnsErr := &net.DNSError{Err: "no such host", Name: "api.airtable.com"}
	failure := &model.Failure{
		Kind:    model.UpstreamUnreachable,
		Message: "forward to upstream",
		Err:     fmt.Errorf("upstream request: %w", dnsErr),
	}

	if err := h.mapError(c, failure); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["reason"] != "upstream host unreachable" {
		t.Errorf("reason = %q, want %q", body["reason"], "upstream host unreachable")
	}
}

func TestTransportReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", fmt.Errorf("x: %w", context.DeadlineExceeded), "upstream request timed out"},
		{"canceled", fmt.Errorf("x: %w", context.Canceled), "client disconnected"},
		{"dns", &net.DNSError{Err: "no such host", Name: "h"}, "upstream host unreachable"},
		{"url", &url.Error{Op: "Get", URL: "https://api.airtable.com/v0", Err: fmt.Errorf("connection refused")}, "upstream connection failed"},
		{"other", fmt.Errorf("boom"), "upstream request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := transportReason(tt.err); got != tt.want {
				t.Errorf("transportReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProxyHandler_mapError_NonFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &ProxyHandler{logger: logger}

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/v0/x", http.NoBody), rec)

	if err := h.mapError(c, fmt.Errorf("read request body: %w", io.ErrUnexpectedEOF)); err != nil {
		t.Fatalf("mapError() returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "failed to read request body") {
		t.Errorf("body = %q, want read failure message", rec.Body.String())
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts bearer token",
			err:  `request failed with Authorization: Bearer pat123.abc`,
			want: `request failed with Authorization: Bearer [REDACTED]`,
		},
		{
			name: "case insensitive",
			err:  `header "bearer secret" rejected`,
			want: `header "bearer [REDACTED]" rejected`,
		},
		{
			name: "no token unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeError(fmt.Errorf("%s", tt.err))
			if got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}

// brokenBody fails every read, like a client that disconnects mid-upload.
type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestProxyHandler_Handle_InboundReadError(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h, _ := newTestProxyHandler(upstream.URL, "pat123")

	req := httptest.NewRequest(http.MethodPost, "/v0/appABC123/Tasks", brokenBody{})
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream called %d times, want 0", n)
	}
}
