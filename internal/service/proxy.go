// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"airtable-proxy-go/internal/client"
	"airtable-proxy-go/internal/config"
	"airtable-proxy-go/internal/metrics"
	"airtable-proxy-go/internal/model"
)

const userAgent = "airtable-proxy-go/1.0"

// ConfigProvider supplies the configuration the engine forwards with.
// It is consulted on every request, so a provider backed by reloadable
// configuration takes effect without restarting the engine.
type ConfigProvider interface {
	ProxyConfig() model.ProxyConfig
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client   *client.UpstreamClient
	configs  ConfigProvider
	logger   *slog.Logger
	metrics  *metrics.Metrics
	maxBytes int64
	jsonOnly bool
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:   c,
		configs:  cfg,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
		maxBytes: cfg.Upstream.ResponseLimit(),
		jsonOnly: cfg.Upstream.ForwardJSONOnly(),
	}
}

// Forward sends an InboundRequest to the upstream API and returns the relayed
// response. Failures of the upstream exchange are *model.Failure values. An
// error reading the inbound body is returned as a plain error, since the
// upstream was never contacted.
//
// No request is sent when the credential is missing. Any upstream status,
// including 4xx and 5xx, is a successful relay.
func (s *ProxyService) Forward(in *model.InboundRequest) (*model.Relayed, error) {
	pc := s.configs.ProxyConfig()
	if !pc.HasCredential() {
		return nil, s.fail(&model.Failure{
			Kind:    model.ConfigError,
			Message: "credential not configured",
		})
	}

	ctx := in.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := s.requestBody(in.Body)
	if err != nil {
		return nil, err
	}

	upstreamURL := buildUpstreamURL(pc, in.Path, in.RawQuery)
	header := buildRequestHeaders(pc.Credential, in.ContentType)

	s.logger.Debug("forwarding request",
		"method", in.Method,
		"path", in.Path,
	)

	resp, err := s.client.Do(ctx, in.Method, upstreamURL, header, body)
	if err != nil {
		return nil, s.fail(&model.Failure{
			Kind:    model.UpstreamUnreachable,
			Message: "forward to upstream",
			Err:     err,
		})
	}
	defer func() { _ = resp.Body.Close() }()

	return s.relay(resp)
}

// requestBody returns the body to send upstream. In raw mode the inbound
// bytes are forwarded unchanged. In JSON mode a body that parses as JSON is
// re-encoded and anything else is dropped. The body is buffered so the
// upstream request carries a Content-Length; its size is bounded by the
// server body limit.
func (s *ProxyService) requestBody(src io.Reader) (io.Reader, error) {
	if src == nil || src == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !s.jsonOnly {
		return bytes.NewReader(data), nil
	}

	if !json.Valid(data) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, nil
	}
	return bytes.NewReader(encoded), nil
}

// relay reads the upstream body and classifies it as JSON or text.
func (s *ProxyService) relay(resp *model.UpstreamResponse) (*model.Relayed, error) {
	// Read at most maxBytes+1 to detect overflow deterministically.
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, s.fail(&model.Failure{
			Kind:    model.UpstreamUnreachable,
			Message: "read upstream response",
			Err:     err,
		})
	}
	if int64(len(data)) > s.maxBytes {
		return nil, s.fail(&model.Failure{
			Kind:    model.UpstreamUnreachable,
			Message: fmt.Sprintf("upstream response exceeds %d bytes", s.maxBytes),
		})
	}

	kind := model.ContentText
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && json.Valid(trimmed) {
		kind = model.ContentJSON
	}

	return &model.Relayed{
		StatusCode:  resp.StatusCode,
		Body:        data,
		ContentType: kind,
	}, nil
}

func (s *ProxyService) fail(f *model.Failure) *model.Failure {
	s.metrics.RecordFailure(f.Kind.String())
	return f
}

// buildUpstreamURL joins the base URL, API version and the verbatim path
// suffix. The query string is appended exactly as received.
func buildUpstreamURL(pc model.ProxyConfig, path, rawQuery string) string {
	version := pc.APIVersion
	if version == "" {
		version = config.DefaultAPIVersion
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(pc.UpstreamBaseURL, "/"))
	b.WriteByte('/')
	b.WriteString(version)
	b.WriteByte('/')
	b.WriteString(path)
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

// buildRequestHeaders returns the only headers sent upstream. Inbound
// headers other than Content-Type are never forwarded.
func buildRequestHeaders(credential, contentType string) http.Header {
	dst := make(http.Header)
	dst.Set("Authorization", "Bearer "+credential)
	if contentType != "" {
		dst.Set("Content-Type", contentType)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}
